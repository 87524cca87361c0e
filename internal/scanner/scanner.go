// Package scanner defines the document processing capability used by a
// session and provides the local Engine implementation.
package scanner

import (
	"context"
	"errors"

	"github.com/MeKo-Tech/docscan/internal/filter"
	"github.com/MeKo-Tech/docscan/internal/page"
)

// Status reports whether a user-facing step completed or was abandoned.
type Status string

const (
	StatusOK       Status = "OK"
	StatusCanceled Status = "CANCELED"
)

// ErrCanceled matches failures caused by a CANCELED result.
var ErrCanceled = errors.New("operation canceled")

// CaptureResult is returned by Capture.
type CaptureResult struct {
	Status Status      `json:"status"`
	Pages  []page.Page `json:"pages"`
}

// CropOptions selects the crop region. An empty polygon lets the scanner
// fall back to the detected outline.
type CropOptions struct {
	Polygon []page.Point `json:"polygon,omitempty"`
}

// CropResult is returned by Crop.
type CropResult struct {
	Status Status    `json:"status"`
	Page   page.Page `json:"page"`
}

// PDFOptions controls PDF export.
type PDFOptions struct {
	// Name is the base of the output file name.
	Name string `json:"name,omitempty"`
	// PageSize is a paper size such as "A4" or "Letter".
	PageSize string `json:"page_size,omitempty"`
	// Password protects the document when set.
	Password string `json:"-"`
}

// PDFResult locates an exported PDF.
type PDFResult struct {
	PDFURI string `json:"pdf_file_uri"`
	Pages  int    `json:"pages"`
}

// TIFFOptions controls TIFF export.
type TIFFOptions struct {
	Name   string `json:"name,omitempty"`
	OneBit bool   `json:"one_bit"`
	DPI    int    `json:"dpi,omitempty"`
}

// TIFFResult locates an exported TIFF.
type TIFFResult struct {
	TIFFURI string `json:"tiff_file_uri"`
	Pages   int    `json:"pages"`
}

// Scanner is the document processing capability. Implementations return
// new page values and never modify their arguments.
type Scanner interface {
	// Capture takes the next batch of captured pages. Status is CANCELED
	// when nothing was captured.
	Capture(ctx context.Context) (CaptureResult, error)
	// CreatePage makes a page holding only the image at imageURI.
	CreatePage(ctx context.Context, imageURI string) (page.Page, error)
	// DetectDocument runs detection and, on success, attaches the document image.
	DetectDocument(ctx context.Context, p page.Page) (page.Page, error)
	Crop(ctx context.Context, p page.Page, opts CropOptions) (CropResult, error)
	// Rotate turns the page by quarter turns; positive values rotate
	// counter-clockwise, negative values clockwise.
	Rotate(ctx context.Context, p page.Page, quarterTurns int) (page.Page, error)
	ApplyFilter(ctx context.Context, p page.Page, f filter.Name) (page.Page, error)
	ExportPDF(ctx context.Context, imageURIs []string, opts PDFOptions) (PDFResult, error)
	ExportTIFF(ctx context.Context, imageURIs []string, opts TIFFOptions) (TIFFResult, error)
	// ImportPDF creates pages from the images embedded in a PDF.
	ImportPDF(ctx context.Context, pdfURI string) ([]page.Page, error)
	// Cleanup deletes every file the scanner stored.
	Cleanup(ctx context.Context) error
	Filters() []filter.Name
}
