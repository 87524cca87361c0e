// Package page defines the page record shared by the collection controller,
// the scanner contract and the HTTP API.
package page

import (
	"time"

	"github.com/google/uuid"
)

// DetectionStatus reports the outcome of document detection on a page.
type DetectionStatus string

const (
	DetectionNone             DetectionStatus = ""
	DetectionOK               DetectionStatus = "OK"
	DetectionOKButTooSmall    DetectionStatus = "OK_BUT_TOO_SMALL"
	DetectionOKButBadAspect   DetectionStatus = "OK_BUT_BAD_ASPECT_RATIO"
	DetectionNothingDetected  DetectionStatus = "ERROR_NOTHING_DETECTED"
	DetectionManuallyCropped  DetectionStatus = "MANUAL"
	DetectionFullFrameCropped DetectionStatus = "FULL_FRAME"
)

// State is the lifecycle stage of a page.
type State string

const (
	// StateCaptured means only the original image exists.
	StateCaptured State = "captured"
	// StateDocumentReady means a processed document image exists.
	StateDocumentReady State = "document_ready"
)

// Point is a polygon corner in normalized image coordinates (0..1).
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Page represents one scanned or imported document image and its derived variants.
//
// A crop, rotate or filter produces a new Page with the same ID that replaces
// the previous record; Page values are treated as immutable.
type Page struct {
	ID string `json:"page_id" yaml:"page_id"`

	OriginalImageURI   string `json:"original_image_uri" yaml:"original_image_uri"`
	DocumentImageURI   string `json:"document_image_uri,omitempty" yaml:"document_image_uri,omitempty"`
	OriginalPreviewURI string `json:"original_preview_uri,omitempty" yaml:"original_preview_uri,omitempty"`
	DocumentPreviewURI string `json:"document_preview_uri,omitempty" yaml:"document_preview_uri,omitempty"`

	// Polygon is the document outline, clockwise from the top-left corner.
	Polygon         []Point         `json:"polygon,omitempty" yaml:"polygon,omitempty"`
	DetectionStatus DetectionStatus `json:"detection_status,omitempty" yaml:"detection_status,omitempty"`
	Filter          string          `json:"filter,omitempty" yaml:"filter,omitempty"`
	Rotation        int             `json:"rotation" yaml:"rotation"`
	Revision        int             `json:"revision" yaml:"revision"`
	CreatedAt       time.Time       `json:"created_at" yaml:"created_at"`
}

// NewID returns a fresh page identity.
func NewID() string {
	return uuid.NewString()
}

// New creates a captured page for the given original image.
func New(originalURI, originalPreviewURI string) Page {
	return Page{
		ID:                 NewID(),
		OriginalImageURI:   originalURI,
		OriginalPreviewURI: originalPreviewURI,
		CreatedAt:          time.Now().UTC(),
	}
}

// DocumentReady reports whether the page has a processed document image.
func (p Page) DocumentReady() bool {
	return p.DocumentImageURI != ""
}

// State returns the lifecycle stage derived from the available images.
func (p Page) State() State {
	if p.DocumentReady() {
		return StateDocumentReady
	}
	return StateCaptured
}

// PreviewURI returns the thumbnail to display for the page: the document
// preview when present, else the original preview.
func (p Page) PreviewURI() string {
	if p.DocumentPreviewURI != "" {
		return p.DocumentPreviewURI
	}
	return p.OriginalPreviewURI
}

// ExportURI returns the image that goes into PDF/TIFF exports.
func (p Page) ExportURI() string {
	if p.DocumentImageURI != "" {
		return p.DocumentImageURI
	}
	return p.OriginalImageURI
}

// Clone returns a deep copy of the page.
func (p Page) Clone() Page {
	c := p
	if p.Polygon != nil {
		c.Polygon = append([]Point(nil), p.Polygon...)
	}
	return c
}

// NormalizeRotation folds any number of quarter turns into 0..3.
func NormalizeRotation(quarterTurns int) int {
	r := quarterTurns % 4
	if r < 0 {
		r += 4
	}
	return r
}
