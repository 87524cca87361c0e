package testutil

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ImageSize represents common image dimensions.
type ImageSize struct {
	Width  int
	Height int
}

var (
	// Common test image sizes.
	SmallSize  = ImageSize{320, 240}
	MediumSize = ImageSize{640, 480}
)

// DocumentConfig describes a synthetic photo of a sheet of paper.
type DocumentConfig struct {
	Size ImageSize
	// Corners of the sheet in pixels, clockwise from the top-left.
	Corners    [4]image.Point
	Background color.Color
	Paper      color.Color
	Ink        color.Color
	Lines      []string
	FontFace   font.Face
}

// DefaultDocumentConfig returns a white sheet covering roughly half of a
// dark medium-sized frame, with a few lines of text.
func DefaultDocumentConfig() DocumentConfig {
	return DocumentConfig{
		Size:       MediumSize,
		Corners:    [4]image.Point{{160, 60}, {480, 60}, {480, 420}, {160, 420}},
		Background: color.RGBA{R: 45, G: 50, B: 55, A: 255},
		Paper:      color.RGBA{R: 245, G: 245, B: 240, A: 255},
		Ink:        color.Black,
		Lines:      []string{"INVOICE 2024-117", "Total due: 42.00", "Thank you"},
		FontFace:   basicfont.Face7x13,
	}
}

// GenerateDocumentImage renders the configured sheet onto its background.
func GenerateDocumentImage(cfg DocumentConfig) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, cfg.Size.Width, cfg.Size.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{cfg.Background}, image.Point{}, draw.Src)

	minX, minY := cfg.Size.Width, cfg.Size.Height
	maxX, maxY := 0, 0
	for _, c := range cfg.Corners {
		minX, minY = min(minX, c.X), min(minY, c.Y)
		maxX, maxY = max(maxX, c.X), max(maxY, c.Y)
	}
	for y := max(minY, 0); y < min(maxY, cfg.Size.Height); y++ {
		for x := max(minX, 0); x < min(maxX, cfg.Size.Width); x++ {
			if insideQuad(cfg.Corners, float64(x)+0.5, float64(y)+0.5) {
				img.Set(x, y, cfg.Paper)
			}
		}
	}

	if cfg.FontFace == nil || len(cfg.Lines) == 0 {
		return img
	}
	drawer := &font.Drawer{Dst: img, Src: &image.Uniform{cfg.Ink}, Face: cfg.FontFace}
	lineHeight := cfg.FontFace.Metrics().Height.Ceil()
	x := minX + (maxX-minX)/8
	for i, line := range cfg.Lines {
		drawer.Dot = fixed.P(x, minY+(i+2)*lineHeight*2)
		drawer.DrawString(line)
	}
	return img
}

// insideQuad reports whether (x, y) lies inside the convex quad.
func insideQuad(q [4]image.Point, x, y float64) bool {
	sign := 0.0
	for i := range 4 {
		a, b := q[i], q[(i+1)%4]
		c := (float64(b.X-a.X))*(y-float64(a.Y)) - (float64(b.Y-a.Y))*(x-float64(a.X))
		if c == 0 {
			continue
		}
		if sign == 0 {
			sign = math.Copysign(1, c)
		} else if math.Copysign(1, c) != sign {
			return false
		}
	}
	return true
}

// WriteDocumentImage renders cfg and stores it as PNG under dir.
func WriteDocumentImage(t *testing.T, dir, name string, cfg DocumentConfig) string {
	t.Helper()

	path := filepath.Join(dir, name)
	SaveImage(t, GenerateDocumentImage(cfg), path)
	return path
}

// SaveImage saves an image as PNG to the specified path.
func SaveImage(t *testing.T, img image.Image, path string) {
	t.Helper()

	dir := filepath.Dir(path)
	require.NoError(t, EnsureDir(dir), "Failed to create directory %s", dir)

	file, err := os.Create(path) //nolint:gosec // G304: Test file creation with controlled path
	require.NoError(t, err, "Failed to create file %s", path)
	defer func() {
		require.NoError(t, file.Close())
	}()

	require.NoError(t, png.Encode(file, img), "Failed to encode PNG image")
}

// LoadImage loads an image from the specified path.
func LoadImage(t *testing.T, path string) image.Image {
	t.Helper()

	file, err := os.Open(path) //nolint:gosec // G304: Test file reading with controlled path
	require.NoError(t, err, "Failed to open image file %s", path)
	defer func() { _ = file.Close() }()

	img, _, err := image.Decode(file)
	require.NoError(t, err, "Failed to decode image")
	return img
}

// MeanLuma returns the average 8-bit luminance of img.
func MeanLuma(img image.Image) float64 {
	b := img.Bounds()
	if b.Empty() {
		return 0
	}
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += float64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
		}
	}
	return sum / float64(b.Dx()*b.Dy())
}
