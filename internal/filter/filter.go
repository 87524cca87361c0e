// Package filter implements the image filters offered for document pages.
package filter

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/MeKo-Tech/docscan/internal/utils"
	"github.com/disintegration/imaging"
)

// Name identifies a filter.
type Name string

const (
	None            Name = "none"
	Grayscale       Name = "grayscale"
	Binarized       Name = "binarized"
	PureBinarized   Name = "pure_binarized"
	ColorEnhanced   Name = "color_enhanced"
	ColorDocument   Name = "color_document"
	BackgroundClean Name = "background_clean"
	LowLight        Name = "low_light"
	EdgeHighlight   Name = "edge_highlight"
)

// ErrUnknownFilter is returned for names outside All().
var ErrUnknownFilter = errors.New("unknown filter")

type filterFunc func(image.Image) image.Image

var registry = map[Name]filterFunc{
	None:            func(img image.Image) image.Image { return imaging.Clone(img) },
	Grayscale:       func(img image.Image) image.Image { return imaging.Grayscale(img) },
	Binarized:       binarize,
	PureBinarized:   adaptiveBinarize,
	ColorEnhanced:   colorEnhance,
	ColorDocument:   flattenIllumination,
	BackgroundClean: cleanBackground,
	LowLight:        brightenLowLight,
	EdgeHighlight:   highlightEdges,
}

// All lists every supported filter in display order.
func All() []Name {
	return []Name{None, Grayscale, Binarized, PureBinarized, ColorEnhanced, ColorDocument, BackgroundClean, LowLight, EdgeHighlight}
}

// Parse converts user input to a Name. Matching is case-insensitive and
// accepts dashes in place of underscores.
func Parse(s string) (Name, error) {
	n := Name(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if _, ok := registry[n]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFilter, s)
	}
	return n, nil
}

// Apply runs the named filter and returns a new image; img is not modified.
func Apply(img image.Image, name Name) (image.Image, error) {
	if img == nil {
		return nil, &utils.ImageProcessingError{Operation: "filter", Err: errors.New("input image is nil")}
	}
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}
	return fn(img), nil
}

func binarize(img image.Image) image.Image {
	lum, _, _ := utils.LuminanceMap(img)
	return utils.Binarize(img, utils.OtsuThreshold(lum))
}

// adaptiveBinarize thresholds each pixel against its blurred neighborhood,
// which keeps text legible under uneven lighting.
func adaptiveBinarize(img image.Image) image.Image {
	gray := utils.ToGray(img)
	b := gray.Bounds()
	sigma := float64(max(b.Dx(), b.Dy())) / 60
	local := utils.ToGray(imaging.Blur(gray, max(sigma, 2)))

	const offset = 10
	out := image.NewGray(b)
	for i, v := range gray.Pix {
		if int(v)+offset >= int(local.Pix[i]) {
			out.Pix[i] = 255
		}
	}
	return out
}

func colorEnhance(img image.Image) image.Image {
	out := imaging.AdjustSaturation(img, 30)
	out = imaging.AdjustContrast(out, 15)
	return imaging.Sharpen(out, 1)
}

// flattenIllumination divides each channel by a heavily blurred copy,
// removing shadows while keeping color.
func flattenIllumination(img image.Image) image.Image {
	src := imaging.Clone(img)
	b := src.Bounds()
	bg := imaging.Blur(src, float64(max(b.Dx(), b.Dy()))/20+1)

	out := image.NewNRGBA(b)
	for i := 0; i < len(src.Pix); i += 4 {
		for k := range 3 {
			den := float64(bg.Pix[i+k])
			if den < 1 {
				den = 1
			}
			v := float64(src.Pix[i+k]) / den * 255
			out.Pix[i+k] = uint8(min(v, 255))
		}
		out.Pix[i+3] = src.Pix[i+3]
	}
	return imaging.AdjustContrast(out, 10)
}

// cleanBackground whitens everything brighter than the Otsu threshold and
// keeps darker content as grayscale.
func cleanBackground(img image.Image) image.Image {
	gray := utils.ToGray(img)
	th := utils.OtsuThreshold(gray.Pix)
	out := image.NewGray(gray.Bounds())
	for i, v := range gray.Pix {
		if v > th {
			out.Pix[i] = 255
		} else {
			out.Pix[i] = v
		}
	}
	return out
}

func brightenLowLight(img image.Image) image.Image {
	out := imaging.AdjustGamma(img, 1.6)
	return imaging.AdjustBrightness(out, 8)
}

func highlightEdges(img image.Image) image.Image {
	return imaging.Convolve3x3(img, [9]float64{
		0, -1, 0,
		-1, 5, -1,
		0, -1, 0,
	}, nil)
}
