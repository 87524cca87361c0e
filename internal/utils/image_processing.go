package utils

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// ImageProcessingError represents errors that can occur during image processing.
type ImageProcessingError struct {
	Operation string
	Err       error
}

func (e *ImageProcessingError) Error() string {
	return fmt.Sprintf("image processing error in %s: %v", e.Operation, e.Err)
}

func (e *ImageProcessingError) Unwrap() error { return e.Err }

// ImageConstraints defines size limits applied to captured pages.
type ImageConstraints struct {
	MaxWidth  int
	MaxHeight int
	MinWidth  int
	MinHeight int
}

// DefaultImageConstraints returns limits suitable for document captures.
func DefaultImageConstraints() ImageConstraints {
	return ImageConstraints{
		MaxWidth:  4096,
		MaxHeight: 4096,
		MinWidth:  32,
		MinHeight: 32,
	}
}

// ResizeToFit scales img down so it fits within maxW x maxH while preserving
// the aspect ratio. Images that already fit are returned unchanged.
func ResizeToFit(img image.Image, maxW, maxH int) (image.Image, error) {
	if img == nil {
		return nil, &ImageProcessingError{Operation: "resize", Err: errors.New("input image is nil")}
	}
	if maxW <= 0 || maxH <= 0 {
		return nil, &ImageProcessingError{Operation: "resize", Err: fmt.Errorf("invalid bounds %dx%d", maxW, maxH)}
	}
	b := img.Bounds()
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return img, nil
	}
	return imaging.Fit(img, maxW, maxH, imaging.Lanczos), nil
}

// Thumbnail produces a preview whose longest side is at most maxSide pixels.
func Thumbnail(img image.Image, maxSide int) (image.Image, error) {
	return ResizeToFit(img, maxSide, maxSide)
}

// LuminanceMap returns the 8-bit luma of every pixel in row-major order.
func LuminanceMap(img image.Image) ([]uint8, int, int) {
	gray := imaging.Grayscale(img)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	lum := make([]uint8, w*h)
	for y := range h {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w*4]
		for x := range w {
			lum[y*w+x] = row[x*4]
		}
	}
	return lum, w, h
}

// OtsuThreshold returns the threshold that maximizes between-class variance
// of the luminance histogram. Values strictly above the threshold are
// foreground.
func OtsuThreshold(lum []uint8) uint8 {
	if len(lum) == 0 {
		return 127
	}
	const bins = 256
	var histogram [bins]int
	for _, v := range lum {
		histogram[v]++
	}

	total := len(lum)
	var sumAll float64
	for i := range bins {
		sumAll += float64(i) * float64(histogram[i])
	}

	var sumB, maxVariance float64
	best := 0
	wB := 0
	for t := range bins {
		wB += histogram[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * float64(histogram[t])
		meanB := sumB / float64(wB)
		meanF := (sumAll - sumB) / float64(wF)
		variance := float64(wB) * float64(wF) * (meanB - meanF) * (meanB - meanF)
		if variance > maxVariance {
			maxVariance = variance
			best = t
		}
	}
	return uint8(best) //nolint:gosec // G115: best is a histogram bin in [0,255]
}

// Binarize maps every pixel to black or white around threshold.
func Binarize(img image.Image, threshold uint8) *image.Gray {
	lum, w, h := LuminanceMap(img)
	out := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range lum {
		if v > threshold {
			out.Pix[i] = 255
		}
	}
	return out
}

// ImageQuality summarizes basic pixel properties of an image.
type ImageQuality struct {
	Width       int
	Height      int
	AspectRatio float64
	IsGrayscale bool
	IsBilevel   bool
	HasAlpha    bool
}

// AssessImageQuality analyzes basic image properties.
func AssessImageQuality(img image.Image) ImageQuality {
	if img == nil {
		return ImageQuality{}
	}
	b := img.Bounds()
	q := ImageQuality{Width: b.Dx(), Height: b.Dy(), IsGrayscale: true, IsBilevel: true}
	if b.Dy() > 0 {
		q.AspectRatio = float64(b.Dx()) / float64(b.Dy())
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			if a < 0xffff {
				q.HasAlpha = true
			}
			if r != g || g != bl {
				q.IsGrayscale = false
				q.IsBilevel = false
			} else if r != 0 && r != 0xffff {
				q.IsBilevel = false
			}
			if !q.IsGrayscale && q.HasAlpha {
				return q
			}
		}
	}
	return q
}

// ToGray converts any image to 8-bit grayscale.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) && g.Stride == g.Rect.Dx() {
		return g
	}
	lum, w, h := LuminanceMap(img)
	return &image.Gray{Pix: lum, Stride: w, Rect: image.Rect(0, 0, w, h)}
}

// Fill returns a new w x h image filled with c.
func Fill(w, h int, c color.Color) *image.NRGBA {
	return imaging.New(w, h, c)
}
