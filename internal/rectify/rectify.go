// Package rectify warps a document quadrilateral into an upright rectangle.
package rectify

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"github.com/MeKo-Tech/docscan/internal/utils"
	"github.com/disintegration/imaging"
)

// ErrDegenerateQuad is returned for quads that do not span a usable area.
var ErrDegenerateQuad = errors.New("degenerate document quadrilateral")

// Options controls the output of Rectify.
type Options struct {
	// MaxSide caps the longest output side; zero keeps the measured size.
	MaxSide int
	// DebugDir, when set, receives an overlay PNG of every warp.
	DebugDir string
}

// Rectify extracts the region bounded by quad from src and maps it onto an
// upright rectangle. Quad coordinates are in pixels relative to src bounds,
// ordered clockwise from the top-left corner. The output size follows the
// averaged opposite edge lengths of the quad.
func Rectify(src image.Image, quad []utils.Point, opts Options) (*image.NRGBA, error) {
	if src == nil {
		return nil, errors.New("rectify: nil image")
	}
	if len(quad) != 4 || !utils.IsConvexQuad(quad) {
		return nil, ErrDegenerateQuad
	}

	w, h := outputSize(quad, opts.MaxSide)
	if w < 2 || h < 2 {
		return nil, fmt.Errorf("%w: output %dx%d", ErrDegenerateQuad, w, h)
	}

	if opts.DebugDir != "" {
		dumpOverlay(opts.DebugDir, src, quad)
	}

	// Only the region under the quad is sampled.
	b := src.Bounds()
	area := utils.BoundingBox(quad).ToRect(image.Rect(0, 0, b.Dx(), b.Dy()))
	if area.Empty() {
		return nil, ErrDegenerateQuad
	}
	local := make([]utils.Point, len(quad))
	for i, p := range quad {
		local[i] = utils.Point{X: p.X - float64(area.Min.X), Y: p.Y - float64(area.Min.Y)}
	}
	dst, ok := warpPerspective(imaging.Crop(src, area.Add(b.Min)), local, w, h)
	if !ok {
		return nil, ErrDegenerateQuad
	}
	return dst, nil
}

// RectifyNormalized is Rectify with quad corners given in 0..1 coordinates.
func RectifyNormalized(src image.Image, quad []utils.Point, opts Options) (*image.NRGBA, error) {
	if src == nil {
		return nil, errors.New("rectify: nil image")
	}
	b := src.Bounds()
	return Rectify(src, utils.ScalePoints(quad, float64(b.Dx()), float64(b.Dy())), opts)
}

func outputSize(quad []utils.Point, maxSide int) (int, int) {
	top := utils.Distance(quad[0], quad[1])
	bottom := utils.Distance(quad[3], quad[2])
	left := utils.Distance(quad[0], quad[3])
	right := utils.Distance(quad[1], quad[2])
	w := (top + bottom) / 2
	h := (left + right) / 2

	if maxSide > 0 {
		if longest := math.Max(w, h); longest > float64(maxSide) {
			s := float64(maxSide) / longest
			w *= s
			h *= s
		}
	}
	return int(math.Round(w)), int(math.Round(h))
}

// warpPerspective fills a dstW x dstH image by mapping each destination
// pixel back into src through the inverse transform. Quad corners are pixel
// edges, so a quad spanning the full frame reproduces src exactly.
func warpPerspective(src *image.NRGBA, quad []utils.Point, dstW, dstH int) (*image.NRGBA, bool) {
	w, h := float64(dstW), float64(dstH)
	H, ok := computeHomography(
		[4]utils.Point{{X: 0, Y: 0}, {X: w, Y: 0}, {X: w, Y: h}, {X: 0, Y: h}},
		[4]utils.Point{quad[0], quad[1], quad[2], quad[3]},
	)
	if !ok {
		return nil, false
	}

	out := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	for y := range dstH {
		for x := range dstW {
			sx, sy := H.apply(float64(x)+0.5, float64(y)+0.5)
			c := bilinear(src, sx-0.5, sy-0.5)
			i := out.PixOffset(x, y)
			out.Pix[i+0] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			out.Pix[i+3] = c.A
		}
	}
	return out, true
}

var outside = color.NRGBA{A: 255}

// bilinear samples src at a fractional position; positions outside the
// image are black.
func bilinear(src *image.NRGBA, x, y float64) color.NRGBA {
	b := src.Bounds()
	maxX := float64(b.Dx() - 1)
	maxY := float64(b.Dy() - 1)
	if math.IsNaN(x) || math.IsNaN(y) || x < -0.5 || y < -0.5 || x > maxX+0.5 || y > maxY+0.5 {
		return outside
	}
	x = math.Min(math.Max(x, 0), maxX)
	y = math.Min(math.Max(y, 0), maxY)

	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, b.Dx()-1), min(y0+1, b.Dy()-1)
	fx, fy := x-float64(x0), y-float64(y0)

	p00 := src.PixOffset(b.Min.X+x0, b.Min.Y+y0)
	p10 := src.PixOffset(b.Min.X+x1, b.Min.Y+y0)
	p01 := src.PixOffset(b.Min.X+x0, b.Min.Y+y1)
	p11 := src.PixOffset(b.Min.X+x1, b.Min.Y+y1)

	var c [4]uint8
	for k := range 4 {
		top := lerp(float64(src.Pix[p00+k]), float64(src.Pix[p10+k]), fx)
		bot := lerp(float64(src.Pix[p01+k]), float64(src.Pix[p11+k]), fx)
		c[k] = uint8(math.Round(lerp(top, bot, fy)))
	}
	return color.NRGBA{R: c[0], G: c[1], B: c[2], A: c[3]}
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func dumpOverlay(dir string, src image.Image, quad []utils.Point) {
	b := src.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := range b.Dy() {
		for x := range b.Dx() {
			canvas.Set(x, y, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	thickness := max(2, min(b.Dx(), b.Dy())/200)
	utils.DrawPolygon(canvas, quad, color.RGBA{R: 255, A: 255}, thickness)

	path := filepath.Join(dir, fmt.Sprintf("rectify_overlay_%d.png", time.Now().UnixNano()))
	if err := utils.SaveImage(canvas, path, utils.EncodeOptions{}); err != nil {
		slog.Warn("Failed to write rectify overlay", "path", path, "error", err)
		return
	}
	slog.Debug("Wrote rectify overlay", "path", path)
}
