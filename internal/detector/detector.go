// Package detector locates a document page in a photo or scan.
//
// Detection runs on a downscaled luminance map: an Otsu threshold separates
// the bright page from the background, morphology merges the page into one
// region, and the largest region's outline is reduced to a quadrilateral.
package detector

import (
	"errors"
	"image"
	"log/slog"
	"math"

	"github.com/MeKo-Tech/docscan/internal/page"
	"github.com/MeKo-Tech/docscan/internal/utils"
)

// Config holds detection settings.
type Config struct {
	// WorkingSize is the longest side of the analysis image in pixels.
	WorkingSize int `mapstructure:"working_size" yaml:"working_size" json:"working_size"`
	// MinAreaRatio is the page share of the frame below which the result
	// is reported as too small.
	MinAreaRatio float64 `mapstructure:"min_area_ratio" yaml:"min_area_ratio" json:"min_area_ratio"`
	// MinDetectRatio is the page share below which nothing counts as detected.
	MinDetectRatio float64 `mapstructure:"min_detect_ratio" yaml:"min_detect_ratio" json:"min_detect_ratio"`
	// MaxAspectRatio bounds long side over short side.
	MaxAspectRatio float64 `mapstructure:"max_aspect_ratio" yaml:"max_aspect_ratio" json:"max_aspect_ratio"`
	// MinContrast is the minimum luma difference between page and background.
	MinContrast float64 `mapstructure:"min_contrast" yaml:"min_contrast" json:"min_contrast"`
	// MorphKernel is the closing kernel size; 0 or 1 disables morphology.
	MorphKernel int `mapstructure:"morph_kernel" yaml:"morph_kernel" json:"morph_kernel"`
	// DebugDir receives rectification overlays when set.
	DebugDir string `mapstructure:"debug_dir" yaml:"debug_dir" json:"debug_dir"`
}

// DefaultConfig returns the default detection settings.
func DefaultConfig() Config {
	return Config{
		WorkingSize:    512,
		MinAreaRatio:   0.2,
		MinDetectRatio: 0.02,
		MaxAspectRatio: 3.0,
		MinContrast:    20,
		MorphKernel:    5,
	}
}

// Result is the outcome of a detection run.
type Result struct {
	// Polygon is normalized to 0..1, clockwise from the top-left corner,
	// and empty when nothing was detected.
	Polygon   []utils.Point
	Status    page.DetectionStatus
	AreaRatio float64
	Threshold uint8
}

// Detector finds document outlines. It is stateless and safe for concurrent use.
type Detector struct {
	cfg Config
}

// New creates a detector, filling zero settings with defaults.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.WorkingSize <= 0 {
		cfg.WorkingSize = def.WorkingSize
	}
	if cfg.MinAreaRatio <= 0 {
		cfg.MinAreaRatio = def.MinAreaRatio
	}
	if cfg.MinDetectRatio <= 0 {
		cfg.MinDetectRatio = def.MinDetectRatio
	}
	if cfg.MaxAspectRatio <= 0 {
		cfg.MaxAspectRatio = def.MaxAspectRatio
	}
	if cfg.MinContrast <= 0 {
		cfg.MinContrast = def.MinContrast
	}
	return &Detector{cfg: cfg}
}

// Config returns the effective settings.
func (d *Detector) Config() Config { return d.cfg }

// Detect runs document detection on img.
func (d *Detector) Detect(img image.Image) (Result, error) {
	if img == nil {
		return Result{}, errors.New("detector: nil image")
	}
	small, err := utils.ResizeToFit(img, d.cfg.WorkingSize, d.cfg.WorkingSize)
	if err != nil {
		return Result{}, err
	}
	lum, w, h := utils.LuminanceMap(small)
	if w < 3 || h < 3 {
		return Result{Status: page.DetectionNothingDetected}, nil
	}

	th := utils.OtsuThreshold(lum)
	res := Result{Threshold: th, Status: page.DetectionNothingDetected}

	mask := make([]bool, len(lum))
	var fgSum, bgSum float64
	var fgN, bgN int
	for i, v := range lum {
		if v > th {
			mask[i] = true
			fgSum += float64(v)
			fgN++
		} else {
			bgSum += float64(v)
			bgN++
		}
	}
	if fgN == 0 || bgN == 0 || fgSum/float64(fgN)-bgSum/float64(bgN) < d.cfg.MinContrast {
		slog.Debug("Detection found no contrast", "threshold", th)
		return res, nil
	}

	mask = openMask(closeMask(mask, w, h, d.cfg.MorphKernel), w, h, d.cfg.MorphKernel)
	comp, ok := largestComponent(mask, w, h)
	if !ok {
		return res, nil
	}

	quad := quadFromOutline(comp.outline())
	if quad == nil {
		return res, nil
	}
	norm := make([]utils.Point, 4)
	for i, p := range quad {
		norm[i] = utils.Point{X: utils.Clamp01(p.X / float64(w)), Y: utils.Clamp01(p.Y / float64(h))}
	}
	norm = utils.OrderCorners(norm)

	res.AreaRatio = utils.PolygonArea(norm)
	if res.AreaRatio < d.cfg.MinDetectRatio {
		return res, nil
	}
	res.Polygon = norm
	res.Status = d.classify(norm, float64(w), float64(h), res.AreaRatio)

	slog.Debug("Document detected",
		"status", res.Status,
		"area_ratio", res.AreaRatio,
		"threshold", th,
		"component_pixels", comp.count,
		"touches_border", comp.touchesBorder(w, h))
	return res, nil
}

func (d *Detector) classify(norm []utils.Point, w, h, area float64) page.DetectionStatus {
	if area < d.cfg.MinAreaRatio {
		return page.DetectionOKButTooSmall
	}
	px := utils.ScalePoints(norm, w, h)
	width := (utils.Distance(px[0], px[1]) + utils.Distance(px[3], px[2])) / 2
	height := (utils.Distance(px[0], px[3]) + utils.Distance(px[1], px[2])) / 2
	if width == 0 || height == 0 {
		return page.DetectionNothingDetected
	}
	if math.Max(width, height)/math.Min(width, height) > d.cfg.MaxAspectRatio {
		return page.DetectionOKButBadAspect
	}
	return page.DetectionOK
}

// quadFromOutline reduces an outline to four corners. The extreme points
// along both diagonals follow perspective-distorted pages; when they do not
// cover most of the hull the minimum-area rectangle is used instead.
func quadFromOutline(pts []utils.Point) []utils.Point {
	hull := utils.ConvexHull(pts)
	if len(hull) < 3 {
		return nil
	}

	tl, tr, br, bl := hull[0], hull[0], hull[0], hull[0]
	for _, p := range hull {
		if p.X+p.Y < tl.X+tl.Y {
			tl = p
		}
		if p.X+p.Y > br.X+br.Y {
			br = p
		}
		if p.X-p.Y > tr.X-tr.Y {
			tr = p
		}
		if p.X-p.Y < bl.X-bl.Y {
			bl = p
		}
	}
	quad := []utils.Point{tl, tr, br, bl}
	if utils.IsConvexQuad(quad) && utils.PolygonArea(quad) >= 0.9*utils.PolygonArea(hull) {
		return quad
	}
	return utils.MinimumAreaRectangle(hull)
}
