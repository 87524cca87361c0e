package collection

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSelection means an action needs a chosen page but none is selected.
	ErrNoSelection = errors.New("no page selected")

	// ErrNotCropped means the selected page has no document image yet.
	ErrNotCropped = errors.New("selected page is not cropped")

	// ErrSomeNotCropped means a batch action needs every page to be document-ready.
	ErrSomeNotCropped = errors.New("some pages are not cropped")

	// ErrEmptyCollection is returned by batch checks on an empty collection.
	ErrEmptyCollection = fmt.Errorf("%w: collection is empty", ErrSomeNotCropped)

	// ErrUnknownPageID means a selection or update referenced a page that does not exist.
	ErrUnknownPageID = errors.New("unknown page id")
)

// UserMessage returns the corrective message shown for precondition errors,
// or an empty string for anything else.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrNoSelection):
		return "Image required: snap a document or open one from the gallery."
	case errors.Is(err, ErrNotCropped):
		return "Document image required: snap a document or crop an image that was chosen from the gallery."
	case errors.Is(err, ErrSomeNotCropped):
		return "Document image required: some selected images have not yet been cropped. " +
			"Crop any remaining uncropped images and try again."
	default:
		return ""
	}
}

// IsPrecondition reports whether err is a user-facing precondition failure.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrNoSelection) || errors.Is(err, ErrNotCropped) || errors.Is(err, ErrSomeNotCropped)
}
