// Package scannertest provides an in-memory scanner.Scanner for tests.
package scannertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/MeKo-Tech/docscan/internal/filter"
	"github.com/MeKo-Tech/docscan/internal/page"
	"github.com/MeKo-Tech/docscan/internal/scanner"
)

// Fake records calls and returns predictable pages. Set an entry in Errors
// to make the named method fail, or in Canceled to make Capture or Crop
// report CANCELED. Hook, when set, runs at the start of every call.
type Fake struct {
	mu       sync.Mutex
	calls    []string
	Errors   map[string]error
	Canceled map[string]bool
	Hook     func(ctx context.Context, method string)

	// CapturePages is the number of pages Capture returns.
	CapturePages int
	// Undetectable makes DetectDocument report nothing detected.
	Undetectable bool
	// ImportPages is the number of pages ImportPDF returns.
	ImportPages int
}

var _ scanner.Scanner = (*Fake)(nil)

// New returns a fake that captures one page and imports two.
func New() *Fake {
	return &Fake{
		Errors:       make(map[string]error),
		Canceled:     make(map[string]bool),
		CapturePages: 1,
		ImportPages:  2,
	}
}

// Calls returns the methods invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Fail makes method return err from now on.
func (f *Fake) Fail(method string, err error) {
	f.mu.Lock()
	f.Errors[method] = err
	f.mu.Unlock()
}

func (f *Fake) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	err := f.Errors[method]
	hook := f.Hook
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, method)
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (f *Fake) canceled(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Canceled[method]
}

// DocumentPage returns a cropped page with predictable URIs.
func DocumentPage(id string) page.Page {
	return page.Page{
		ID:               id,
		OriginalImageURI: "file:///fake/" + id + "/original.png",
		DocumentImageURI: "file:///fake/" + id + "/document.png",
		DetectionStatus:  page.DetectionOK,
		Polygon:          fullFrame(),
	}
}

func fullFrame() []page.Point {
	return []page.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}
}

func (f *Fake) Capture(ctx context.Context) (scanner.CaptureResult, error) {
	if err := f.enter(ctx, "Capture"); err != nil {
		return scanner.CaptureResult{}, err
	}
	if f.canceled("Capture") || f.CapturePages == 0 {
		return scanner.CaptureResult{Status: scanner.StatusCanceled}, nil
	}
	pages := make([]page.Page, f.CapturePages)
	for i := range pages {
		pages[i] = DocumentPage(page.NewID())
	}
	return scanner.CaptureResult{Status: scanner.StatusOK, Pages: pages}, nil
}

func (f *Fake) CreatePage(ctx context.Context, imageURI string) (page.Page, error) {
	if err := f.enter(ctx, "CreatePage"); err != nil {
		return page.Page{}, err
	}
	return page.New(imageURI, imageURI), nil
}

func (f *Fake) DetectDocument(ctx context.Context, p page.Page) (page.Page, error) {
	if err := f.enter(ctx, "DetectDocument"); err != nil {
		return page.Page{}, err
	}
	out := p.Clone()
	if f.Undetectable {
		out.DetectionStatus = page.DetectionNothingDetected
		return out, nil
	}
	out.DetectionStatus = page.DetectionOK
	out.Polygon = []page.Point{{X: 0.1, Y: 0.1}, {X: 0.9, Y: 0.1}, {X: 0.9, Y: 0.9}, {X: 0.1, Y: 0.9}}
	out.DocumentImageURI = p.OriginalImageURI + "#document"
	out.Revision++
	return out, nil
}

func (f *Fake) Crop(ctx context.Context, p page.Page, opts scanner.CropOptions) (scanner.CropResult, error) {
	if err := f.enter(ctx, "Crop"); err != nil {
		return scanner.CropResult{}, err
	}
	if f.canceled("Crop") {
		return scanner.CropResult{Status: scanner.StatusCanceled, Page: p}, nil
	}
	out := p.Clone()
	if len(opts.Polygon) > 0 {
		out.Polygon = append([]page.Point(nil), opts.Polygon...)
		out.DetectionStatus = page.DetectionManuallyCropped
	} else if len(out.Polygon) == 0 {
		out.Polygon = fullFrame()
		out.DetectionStatus = page.DetectionFullFrameCropped
	}
	out.Revision++
	out.DocumentImageURI = fmt.Sprintf("%s#crop-%d", p.OriginalImageURI, out.Revision)
	return scanner.CropResult{Status: scanner.StatusOK, Page: out}, nil
}

func (f *Fake) Rotate(ctx context.Context, p page.Page, quarterTurns int) (page.Page, error) {
	if err := f.enter(ctx, "Rotate"); err != nil {
		return page.Page{}, err
	}
	out := p.Clone()
	out.Rotation = page.NormalizeRotation(p.Rotation + quarterTurns)
	out.Revision++
	return out, nil
}

func (f *Fake) ApplyFilter(ctx context.Context, p page.Page, name filter.Name) (page.Page, error) {
	if err := f.enter(ctx, "ApplyFilter"); err != nil {
		return page.Page{}, err
	}
	out := p.Clone()
	out.Filter = string(name)
	out.Revision++
	return out, nil
}

func (f *Fake) ExportPDF(ctx context.Context, imageURIs []string, opts scanner.PDFOptions) (scanner.PDFResult, error) {
	if err := f.enter(ctx, "ExportPDF"); err != nil {
		return scanner.PDFResult{}, err
	}
	name := opts.Name
	if name == "" {
		name = "scan"
	}
	return scanner.PDFResult{PDFURI: "file:///fake/exports/" + name + ".pdf", Pages: len(imageURIs)}, nil
}

func (f *Fake) ExportTIFF(ctx context.Context, imageURIs []string, opts scanner.TIFFOptions) (scanner.TIFFResult, error) {
	if err := f.enter(ctx, "ExportTIFF"); err != nil {
		return scanner.TIFFResult{}, err
	}
	name := opts.Name
	if name == "" {
		name = "scan"
	}
	return scanner.TIFFResult{TIFFURI: "file:///fake/exports/" + name + ".tiff", Pages: len(imageURIs)}, nil
}

func (f *Fake) ImportPDF(ctx context.Context, pdfURI string) ([]page.Page, error) {
	if err := f.enter(ctx, "ImportPDF"); err != nil {
		return nil, err
	}
	pages := make([]page.Page, f.ImportPages)
	for i := range pages {
		pages[i] = DocumentPage(page.NewID())
	}
	return pages, nil
}

func (f *Fake) Cleanup(ctx context.Context) error {
	return f.enter(ctx, "Cleanup")
}

func (f *Fake) Filters() []filter.Name {
	return filter.All()
}
