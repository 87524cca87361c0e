package utils

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoToneImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			c := color.NRGBA{R: 30, G: 30, B: 30, A: 255}
			if x >= w/2 {
				c = color.NRGBA{R: 220, G: 220, B: 220, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

func TestResizeToFit(t *testing.T) {
	img := twoToneImage(400, 200)

	out, err := ResizeToFit(img, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, out.Bounds().Dx())
	assert.Equal(t, 50, out.Bounds().Dy())

	same, err := ResizeToFit(img, 1000, 1000)
	require.NoError(t, err)
	assert.Same(t, img, same)

	_, err = ResizeToFit(nil, 10, 10)
	require.Error(t, err)
	var ipe *ImageProcessingError
	assert.True(t, errors.As(err, &ipe))

	_, err = ResizeToFit(img, 0, 10)
	require.Error(t, err)
}

func TestThumbnail(t *testing.T) {
	out, err := Thumbnail(twoToneImage(300, 600), 120)
	require.NoError(t, err)
	assert.Equal(t, 60, out.Bounds().Dx())
	assert.Equal(t, 120, out.Bounds().Dy())
}

func TestOtsuThreshold_SeparatesTwoTones(t *testing.T) {
	lum, w, h := LuminanceMap(twoToneImage(40, 10))
	require.Len(t, lum, w*h)

	th := OtsuThreshold(lum)
	assert.GreaterOrEqual(t, th, uint8(30))
	assert.Less(t, th, uint8(220))

	bin := Binarize(twoToneImage(40, 10), th)
	assert.Equal(t, uint8(0), bin.GrayAt(5, 5).Y)
	assert.Equal(t, uint8(255), bin.GrayAt(35, 5).Y)
}

func TestOtsuThreshold_Empty(t *testing.T) {
	assert.Equal(t, uint8(127), OtsuThreshold(nil))
}

func TestAssessImageQuality(t *testing.T) {
	q := AssessImageQuality(twoToneImage(20, 10))
	assert.Equal(t, 20, q.Width)
	assert.InDelta(t, 2.0, q.AspectRatio, 1e-9)
	assert.True(t, q.IsGrayscale)
	assert.False(t, q.IsBilevel)
	assert.False(t, q.HasAlpha)

	bin := Binarize(twoToneImage(20, 10), 127)
	assert.True(t, AssessImageQuality(bin).IsBilevel)

	colored := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	colored.Set(0, 0, color.NRGBA{R: 255, A: 255})
	q = AssessImageQuality(colored)
	assert.False(t, q.IsGrayscale)
	assert.True(t, q.HasAlpha)

	assert.Equal(t, ImageQuality{}, AssessImageQuality(nil))
}

func TestToGray(t *testing.T) {
	g := ToGray(twoToneImage(8, 4))
	assert.Equal(t, 8, g.Bounds().Dx())
	assert.Same(t, g, ToGray(g))
}

func TestSaveAndLoadImage(t *testing.T) {
	dir := t.TempDir()
	img := twoToneImage(64, 32)

	for _, name := range []string{"page.png", "page.jpg", "nested/page.tif", "page.bmp"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, SaveImage(img, path, EncodeOptions{JPEGQuality: 85}))

			loaded, meta, err := LoadImage(path)
			require.NoError(t, err)
			assert.Equal(t, 64, loaded.Bounds().Dx())
			assert.Equal(t, 32, meta.Height)
			assert.InDelta(t, 2.0, meta.AspectRatio, 1e-9)
			assert.Positive(t, meta.SizeBytes)
		})
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestSaveImage_Errors(t *testing.T) {
	dir := t.TempDir()
	require.Error(t, SaveImage(nil, filepath.Join(dir, "x.png"), EncodeOptions{}))
	require.Error(t, SaveImage(twoToneImage(2, 2), filepath.Join(dir, "x.xyz"), EncodeOptions{}))
}

func TestLoadImage_Errors(t *testing.T) {
	_, _, err := LoadImage("")
	require.Error(t, err)

	_, _, err = LoadImage("document.pdf")
	require.Error(t, err)

	_, _, err = LoadImage(filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o600))
	_, _, err = LoadImage(bad)
	require.Error(t, err)
}

func TestDecodeImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, twoToneImage(10, 5)))

	img, format, err := DecodeImage(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 10, img.Bounds().Dx())
}

func TestIsSupportedImage(t *testing.T) {
	assert.True(t, IsSupportedImage("a.JPG"))
	assert.True(t, IsSupportedImage("a.webp"))
	assert.True(t, IsSupportedImage("a.tiff"))
	assert.False(t, IsSupportedImage("a.pdf"))
}

func TestValidateImageConstraints(t *testing.T) {
	c := DefaultImageConstraints()
	require.NoError(t, ValidateImageConstraints(twoToneImage(64, 64), c))
	require.Error(t, ValidateImageConstraints(twoToneImage(8, 64), c))
	require.Error(t, ValidateImageConstraints(nil, c))
}

func TestGeometryHelpers(t *testing.T) {
	assert.InDelta(t, 5, Distance(Point{0, 0}, Point{3, 4}), 1e-9)
	assert.Equal(t, 0.0, Clamp01(-1))
	assert.Equal(t, 1.0, Clamp01(2))
	assert.Equal(t, []Point{{2, 6}}, ScalePoints([]Point{{1, 2}}, 2, 3))

	r := Box{MinX: -5, MinY: 1.2, MaxX: 7.5, MaxY: 40}.ToRect(image.Rect(0, 0, 10, 10))
	assert.Equal(t, image.Rect(0, 1, 8, 10), r)

	dst := image.NewRGBA(image.Rect(0, 0, 10, 10))
	DrawPolygon(dst, []Point{{1, 1}, {8, 1}, {8, 8}, {1, 8}}, color.RGBA{R: 255, A: 255}, 1)
	assert.Equal(t, color.RGBA{R: 255, A: 255}, dst.RGBAAt(4, 1))
	assert.Equal(t, color.RGBA{}, dst.RGBAAt(4, 4))
}
