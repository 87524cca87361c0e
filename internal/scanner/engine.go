package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"

	"github.com/MeKo-Tech/docscan/internal/capture"
	"github.com/MeKo-Tech/docscan/internal/detector"
	"github.com/MeKo-Tech/docscan/internal/filter"
	"github.com/MeKo-Tech/docscan/internal/page"
	"github.com/MeKo-Tech/docscan/internal/pdf"
	"github.com/MeKo-Tech/docscan/internal/rectify"
	"github.com/MeKo-Tech/docscan/internal/storage"
	"github.com/MeKo-Tech/docscan/internal/tiff"
	"github.com/MeKo-Tech/docscan/internal/utils"
	"github.com/disintegration/imaging"
)

// ExportConfig holds export defaults.
type ExportConfig struct {
	// Name is the default base name of exported files.
	Name     string `mapstructure:"name" yaml:"name" json:"name"`
	PageSize string `mapstructure:"page_size" yaml:"page_size" json:"page_size"`
	// Password protects exported PDFs when set.
	Password string `mapstructure:"password" yaml:"password,omitempty" json:"-"`
	// ImportPassword opens encrypted PDFs on import.
	ImportPassword string `mapstructure:"import_password" yaml:"import_password,omitempty" json:"-"`
	TIFFDPI        int    `mapstructure:"tiff_dpi" yaml:"tiff_dpi" json:"tiff_dpi"`
}

// DefaultExportConfig returns the default export settings.
func DefaultExportConfig() ExportConfig {
	return ExportConfig{Name: "scan", PageSize: "A4", TIFFDPI: tiff.DefaultDPI}
}

// Options configures an Engine.
type Options struct {
	// MaxImageSide downscales larger originals on intake.
	MaxImageSide int
	// MaxDocumentSide caps the longest side of document images.
	MaxDocumentSide int
	// DebugDir receives rectification overlays when set.
	DebugDir string
	Export   ExportConfig
}

var fullFrame = []utils.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}

// Engine implements Scanner on the local disk: pages live in a
// storage.Store, captures come from a capture.Inbox.
type Engine struct {
	store    *storage.Store
	inbox    *capture.Inbox
	detector *detector.Detector
	opts     Options
}

var _ Scanner = (*Engine)(nil)

// NewEngine creates an engine. A nil inbox disables Capture and a nil
// detector uses the default settings.
func NewEngine(store *storage.Store, inbox *capture.Inbox, det *detector.Detector, opts Options) *Engine {
	if det == nil {
		det = detector.New(detector.DefaultConfig())
	}
	if opts.MaxImageSide <= 0 {
		opts.MaxImageSide = utils.DefaultImageConstraints().MaxWidth
	}
	def := DefaultExportConfig()
	if opts.Export.Name == "" {
		opts.Export.Name = def.Name
	}
	if opts.Export.PageSize == "" {
		opts.Export.PageSize = def.PageSize
	}
	if opts.Export.TIFFDPI <= 0 {
		opts.Export.TIFFDPI = def.TIFFDPI
	}
	return &Engine{store: store, inbox: inbox, detector: det, opts: opts}
}

// Store returns the backing storage.
func (e *Engine) Store() *storage.Store { return e.store }

// Filters lists the supported filters.
func (e *Engine) Filters() []filter.Name { return filter.All() }

// Capture drains the capture inbox. Each image becomes a page with
// detection applied; inbox files are consumed only when every page was
// created.
func (e *Engine) Capture(ctx context.Context) (CaptureResult, error) {
	if e.inbox == nil || !e.inbox.Enabled() {
		slog.Info("Capture canceled, no inbox configured")
		return CaptureResult{Status: StatusCanceled}, nil
	}
	files, err := e.inbox.Pending(ctx)
	if err != nil {
		return CaptureResult{}, err
	}
	if len(files) == 0 {
		slog.Info("Capture canceled, inbox is empty", "inbox", e.inbox.Dir())
		return CaptureResult{Status: StatusCanceled}, nil
	}

	pages := make([]page.Page, 0, len(files))
	for _, f := range files {
		p, err := e.intake(ctx, f)
		if err != nil {
			e.discard(pages)
			return CaptureResult{}, fmt.Errorf("capture %s: %w", f, err)
		}
		pages = append(pages, p)
	}
	for _, f := range files {
		if err := e.inbox.Consume(f); err != nil {
			slog.Warn("Failed to consume captured image", "file", f, "error", err)
		}
	}
	slog.Info("Captured pages", "count", len(pages))
	return CaptureResult{Status: StatusOK, Pages: pages}, nil
}

func (e *Engine) intake(ctx context.Context, path string) (page.Page, error) {
	img, _, err := utils.LoadImage(path)
	if err != nil {
		return page.Page{}, err
	}
	p, img, err := e.newPage(ctx, img)
	if err != nil {
		return page.Page{}, err
	}
	detected, err := e.detect(ctx, p, img)
	if err != nil {
		e.discard([]page.Page{p})
		return page.Page{}, err
	}
	return detected, nil
}

// CreatePage stores the image at imageURI as the original of a new page.
func (e *Engine) CreatePage(ctx context.Context, imageURI string) (page.Page, error) {
	path, err := storage.PathFromURI(imageURI)
	if err != nil {
		return page.Page{}, err
	}
	img, _, err := utils.LoadImage(path)
	if err != nil {
		return page.Page{}, err
	}
	p, _, err := e.newPage(ctx, img)
	return p, err
}

// newPage stores img as the original of a fresh page and returns the page
// with the image as stored.
func (e *Engine) newPage(ctx context.Context, img image.Image) (page.Page, image.Image, error) {
	if err := ctx.Err(); err != nil {
		return page.Page{}, nil, err
	}
	if err := utils.ValidateImageConstraints(img, utils.DefaultImageConstraints()); err != nil {
		return page.Page{}, nil, err
	}
	img, err := utils.ResizeToFit(img, e.opts.MaxImageSide, e.opts.MaxImageSide)
	if err != nil {
		return page.Page{}, nil, err
	}

	p := page.New("", "")
	p.OriginalImageURI, p.OriginalPreviewURI, err = e.store.SaveWithPreview(p.ID, storage.Original, storage.OriginalPreview, p.Revision, img)
	if err != nil {
		_ = e.store.RemovePage(p.ID)
		return page.Page{}, nil, err
	}
	slog.Debug("Page created", "page_id", p.ID, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return p, img, nil
}

// DetectDocument runs detection on the original image. A found outline is
// rectified into the document image; otherwise only the detection status
// changes.
func (e *Engine) DetectDocument(ctx context.Context, p page.Page) (page.Page, error) {
	img, err := e.store.Load(p.OriginalImageURI)
	if err != nil {
		return page.Page{}, err
	}
	return e.detect(ctx, p, img)
}

func (e *Engine) detect(ctx context.Context, p page.Page, original image.Image) (page.Page, error) {
	res, err := e.detector.Detect(original)
	if err != nil {
		return page.Page{}, err
	}
	out := p.Clone()
	out.DetectionStatus = res.Status
	if len(res.Polygon) != 4 {
		slog.Debug("No document detected", "page_id", p.ID, "status", res.Status)
		return out, nil
	}
	out.Polygon = toPagePoints(res.Polygon)
	out.Revision++
	return e.render(ctx, out, original)
}

// Crop rectifies the page with opts.Polygon, else with the detected
// polygon, else with the full frame. Unusable polygons cancel the crop.
func (e *Engine) Crop(ctx context.Context, p page.Page, opts CropOptions) (CropResult, error) {
	poly := fromPagePoints(opts.Polygon)
	status := page.DetectionManuallyCropped
	switch {
	case len(poly) > 0:
	case len(p.Polygon) == 4:
		poly = fromPagePoints(p.Polygon)
		status = p.DetectionStatus
	default:
		poly = fullFrame
		status = page.DetectionFullFrameCropped
	}
	poly, ok := normalizeQuad(poly)
	if !ok {
		slog.Info("Crop canceled, unusable polygon", "page_id", p.ID)
		return CropResult{Status: StatusCanceled, Page: p}, nil
	}

	original, err := e.store.Load(p.OriginalImageURI)
	if err != nil {
		return CropResult{}, err
	}
	out := p.Clone()
	out.Polygon = toPagePoints(poly)
	out.DetectionStatus = status
	out.Revision++
	out, err = e.render(ctx, out, original)
	if errors.Is(err, rectify.ErrDegenerateQuad) {
		slog.Info("Crop canceled", "page_id", p.ID, "error", err)
		return CropResult{Status: StatusCanceled, Page: p}, nil
	}
	if err != nil {
		return CropResult{}, err
	}
	return CropResult{Status: StatusOK, Page: out}, nil
}

// Rotate turns the original image, the polygon and, for document-ready
// pages, the document image.
func (e *Engine) Rotate(ctx context.Context, p page.Page, quarterTurns int) (page.Page, error) {
	turns := page.NormalizeRotation(quarterTurns)
	if turns == 0 {
		return p.Clone(), nil
	}
	original, err := e.store.Load(p.OriginalImageURI)
	if err != nil {
		return page.Page{}, err
	}
	rotated := rotateImage(original, turns)

	out := p.Clone()
	out.Revision++
	out.Rotation = page.NormalizeRotation(p.Rotation + quarterTurns)
	if len(out.Polygon) == 4 {
		out.Polygon = toPagePoints(rotatePolygon(fromPagePoints(out.Polygon), turns))
	}
	out.OriginalImageURI, out.OriginalPreviewURI, err = e.store.SaveWithPreview(out.ID, storage.Original, storage.OriginalPreview, out.Revision, rotated)
	if err != nil {
		return page.Page{}, err
	}
	if !p.DocumentReady() {
		return out, nil
	}
	return e.render(ctx, out, rotated)
}

// ApplyFilter re-renders the document image with filter f. Filters replace
// each other rather than stacking.
func (e *Engine) ApplyFilter(ctx context.Context, p page.Page, f filter.Name) (page.Page, error) {
	name, err := filter.Parse(string(f))
	if err != nil {
		return page.Page{}, err
	}
	if !p.DocumentReady() {
		return page.Page{}, fmt.Errorf("page %s has no document image", p.ID)
	}
	original, err := e.store.Load(p.OriginalImageURI)
	if err != nil {
		return page.Page{}, err
	}
	out := p.Clone()
	out.Filter = string(name)
	if name == filter.None {
		out.Filter = ""
	}
	out.Revision++
	return e.render(ctx, out, original)
}

// render derives the document image of p from original: the polygon is
// rectified, then the page filter is applied.
func (e *Engine) render(ctx context.Context, p page.Page, original image.Image) (page.Page, error) {
	if err := ctx.Err(); err != nil {
		return page.Page{}, err
	}
	poly := fromPagePoints(p.Polygon)
	if len(poly) != 4 {
		poly = fullFrame
	}
	doc, err := rectify.RectifyNormalized(original, poly, rectify.Options{MaxSide: e.opts.MaxDocumentSide, DebugDir: e.opts.DebugDir})
	if err != nil {
		return page.Page{}, err
	}
	var img image.Image = doc
	if p.Filter != "" {
		if img, err = filter.Apply(doc, filter.Name(p.Filter)); err != nil {
			return page.Page{}, err
		}
	}
	p.DocumentImageURI, p.DocumentPreviewURI, err = e.store.SaveWithPreview(p.ID, storage.Document, storage.DocumentPreview, p.Revision, img)
	if err != nil {
		return page.Page{}, err
	}
	return p, nil
}

// ExportPDF writes the images into a new PDF, one page per image.
func (e *Engine) ExportPDF(ctx context.Context, imageURIs []string, opts PDFOptions) (PDFResult, error) {
	paths, err := resolvePaths(imageURIs)
	if err != nil {
		return PDFResult{}, err
	}
	out, err := e.store.ExportPath(firstNonEmpty(opts.Name, e.opts.Export.Name), "pdf")
	if err != nil {
		return PDFResult{}, err
	}
	err = pdf.Export(ctx, paths, out, pdf.ExportOptions{
		PageSize: firstNonEmpty(opts.PageSize, e.opts.Export.PageSize),
		Protect:  pdf.Credentials{UserPassword: firstNonEmpty(opts.Password, e.opts.Export.Password)},
	})
	if err != nil {
		_ = os.Remove(out)
		return PDFResult{}, err
	}
	return PDFResult{PDFURI: storage.URIFromPath(out), Pages: len(paths)}, nil
}

// ExportTIFF writes the images into a new multi-page TIFF.
func (e *Engine) ExportTIFF(ctx context.Context, imageURIs []string, opts TIFFOptions) (TIFFResult, error) {
	if len(imageURIs) == 0 {
		return TIFFResult{}, tiff.ErrNoPages
	}
	images := make([]image.Image, len(imageURIs))
	for i, uri := range imageURIs {
		img, err := e.store.Load(uri)
		if err != nil {
			return TIFFResult{}, err
		}
		images[i] = img
	}
	out, err := e.store.ExportPath(firstNonEmpty(opts.Name, e.opts.Export.Name), "tiff")
	if err != nil {
		return TIFFResult{}, err
	}
	dpi := opts.DPI
	if dpi <= 0 {
		dpi = e.opts.Export.TIFFDPI
	}
	if err := tiff.WriteFile(ctx, out, images, tiff.Options{OneBit: opts.OneBit, DPI: dpi}); err != nil {
		_ = os.Remove(out)
		return TIFFResult{}, err
	}
	return TIFFResult{TIFFURI: storage.URIFromPath(out), Pages: len(images)}, nil
}

// ImportPDF creates one page per embedded image. Pages without a detected
// outline are treated as already cropped and use the full frame.
func (e *Engine) ImportPDF(ctx context.Context, pdfURI string) ([]page.Page, error) {
	path, err := storage.PathFromURI(pdfURI)
	if err != nil {
		return nil, err
	}
	extracted, err := pdf.Import(ctx, path, pdf.ImportOptions{
		Credentials: pdf.Credentials{UserPassword: e.opts.Export.ImportPassword},
	})
	if err != nil {
		return nil, err
	}
	if len(extracted) == 0 {
		return nil, fmt.Errorf("no images found in %s", path)
	}

	pages := make([]page.Page, 0, len(extracted))
	for _, x := range extracted {
		p, err := e.importPage(ctx, x.Image)
		if err != nil {
			e.discard(pages)
			return nil, fmt.Errorf("import page %d: %w", x.Page, err)
		}
		pages = append(pages, p)
	}
	slog.Info("Imported PDF", "file", path, "pages", len(pages))
	return pages, nil
}

func (e *Engine) importPage(ctx context.Context, img image.Image) (page.Page, error) {
	p, img, err := e.newPage(ctx, img)
	if err != nil {
		return page.Page{}, err
	}
	created := p
	if p, err = e.detect(ctx, p, img); err != nil {
		e.discard([]page.Page{created})
		return page.Page{}, err
	}
	if p.DocumentReady() {
		return p, nil
	}
	p.Polygon = toPagePoints(fullFrame)
	p.DetectionStatus = page.DetectionFullFrameCropped
	p.Revision++
	return e.render(ctx, p, img)
}

// Cleanup deletes every stored page and export.
func (e *Engine) Cleanup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.store.Cleanup()
}

func (e *Engine) discard(pages []page.Page) {
	for _, p := range pages {
		if err := e.store.RemovePage(p.ID); err != nil {
			slog.Warn("Failed to remove page files", "page_id", p.ID, "error", err)
		}
	}
}

func resolvePaths(uris []string) ([]string, error) {
	if len(uris) == 0 {
		return nil, errors.New("no images to export")
	}
	paths := make([]string, len(uris))
	for i, uri := range uris {
		p, err := storage.PathFromURI(uri)
		if err != nil {
			return nil, err
		}
		paths[i] = p
	}
	return paths, nil
}

func rotateImage(img image.Image, turns int) image.Image {
	switch turns {
	case 1:
		return imaging.Rotate90(img)
	case 2:
		return imaging.Rotate180(img)
	case 3:
		return imaging.Rotate270(img)
	default:
		return img
	}
}

// rotatePolygon turns normalized points counter-clockwise by quarter turns
// and restores the top-left-first corner order.
func rotatePolygon(pts []utils.Point, turns int) []utils.Point {
	out := append([]utils.Point(nil), pts...)
	for range turns {
		for i, p := range out {
			out[i] = utils.Point{X: p.Y, Y: 1 - p.X}
		}
	}
	return utils.OrderCorners(out)
}

// normalizeQuad clamps and orders a user polygon and rejects shapes that
// cannot be rectified.
func normalizeQuad(pts []utils.Point) ([]utils.Point, bool) {
	if len(pts) != 4 {
		return nil, false
	}
	q := make([]utils.Point, 4)
	for i, p := range pts {
		q[i] = utils.Point{X: utils.Clamp01(p.X), Y: utils.Clamp01(p.Y)}
	}
	q = utils.OrderCorners(q)
	if !utils.IsConvexQuad(q) {
		return nil, false
	}
	return q, true
}

func toPagePoints(pts []utils.Point) []page.Point {
	if len(pts) == 0 {
		return nil
	}
	out := make([]page.Point, len(pts))
	for i, p := range pts {
		out[i] = page.Point{X: p.X, Y: p.Y}
	}
	return out
}

func fromPagePoints(pts []page.Point) []utils.Point {
	if len(pts) == 0 {
		return nil
	}
	out := make([]utils.Point, len(pts))
	for i, p := range pts {
		out[i] = utils.Point{X: p.X, Y: p.Y}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
