// Package session ties the page collection, the operation gate and a
// scanner together into one scanning workflow with a debug surface.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MeKo-Tech/docscan/internal/collection"
	"github.com/MeKo-Tech/docscan/internal/filter"
	"github.com/MeKo-Tech/docscan/internal/gate"
	"github.com/MeKo-Tech/docscan/internal/page"
	"github.com/MeKo-Tech/docscan/internal/scanner"
)

// Operation names used for the gate, logs and debug messages.
const (
	OpScanDocument = "scanDocument"
	OpImportImage  = "importImage"
	OpImportPDF    = "importPDF"
	OpCrop         = "crop"
	OpRotate       = "rotate"
	OpApplyFilter  = "applyFilter"
	OpCreatePDF    = "createPDF"
	OpCreateTIFF   = "createTIFF"
	OpCleanup      = "cleanup"
	OpSelectPage   = "selectPage"
)

// EventType classifies session events.
type EventType string

const (
	EventState EventType = "state"
	EventBusy  EventType = "busy"
	EventDebug EventType = "debug"
)

// Snapshot is a consistent view of a session.
type Snapshot struct {
	ID        string      `json:"id"`
	Pages     []page.Page `json:"pages"`
	Selected  string      `json:"selected_page_id,omitempty"`
	Busy      bool        `json:"busy"`
	Operation string      `json:"operation,omitempty"`
	Debug     string      `json:"debug,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Event is delivered to subscribers after a change.
type Event struct {
	Type     EventType `json:"type"`
	Snapshot Snapshot  `json:"snapshot"`
}

// Config holds session settings.
type Config struct {
	// OperationTimeout bounds each scanner call; zero waits for completion.
	OperationTimeout time.Duration
	DebugHistory     int
	PDF              scanner.PDFOptions
	TIFFDPI          int
}

// Session is one scanning workflow. Scanner calls run one at a time behind
// the gate; a trigger arriving while another runs fails with gate.ErrBusy.
type Session struct {
	id      string
	created time.Time
	cfg     Config

	ctrl    *collection.Controller
	gate    *gate.Gate
	scanner scanner.Scanner
	debug   *debugLog

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObs   int
}

// New creates an empty session backed by sc.
func New(id string, sc scanner.Scanner, cfg Config) *Session {
	s := &Session{
		id:        id,
		created:   time.Now().UTC(),
		cfg:       cfg,
		ctrl:      collection.New(),
		scanner:   sc,
		debug:     newDebugLog(cfg.DebugHistory),
		observers: make(map[int]func(Event)),
	}
	s.gate = gate.New(gate.Config{
		Timeout:     cfg.OperationTimeout,
		Passthrough: collection.IsPrecondition,
		Name:        "session",
	})
	s.ctrl.Subscribe(func(collection.State) { s.emit(EventState) })
	s.gate.Subscribe(func(bool, string) { s.emit(EventBusy) })
	return s
}

// ID returns the session identity.
func (s *Session) ID() string { return s.id }

// State returns the collection snapshot.
func (s *Session) State() collection.State { return s.ctrl.State() }

// Busy reports whether a scanner call is running.
func (s *Session) Busy() bool { return s.gate.Busy() }

// Filters lists the filters the scanner supports.
func (s *Session) Filters() []filter.Name { return s.scanner.Filters() }

// Snapshot returns pages, selection, busy flag and the last debug message.
func (s *Session) Snapshot() Snapshot {
	st := s.ctrl.State()
	return Snapshot{
		ID:        s.id,
		Pages:     st.Pages,
		Selected:  st.Selected,
		Busy:      s.gate.Busy(),
		Operation: s.gate.Current(),
		Debug:     s.debug.last(),
		CreatedAt: s.created,
	}
}

// DebugHistory returns the retained debug messages, oldest first.
func (s *Session) DebugHistory() []DebugEntry { return s.debug.history() }

// Subscribe registers fn for session events and returns a cancel function.
// Events are delivered synchronously on the goroutine that caused them.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Session) emit(t EventType) {
	s.obsMu.Lock()
	fns := make([]func(Event), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	if len(fns) == 0 {
		return
	}

	ev := Event{Type: t, Snapshot: s.Snapshot()}
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Session) debugf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.debug.add(msg)
	slog.Debug("Session debug", "session", s.id, "message", msg)
	s.emit(EventDebug)
}

func (s *Session) logResult(op string, v any) {
	s.debugf("%s", resultMessage(op, v))
}

// precondition reports a failed precondition on the debug surface.
func (s *Session) precondition(op string, err error) error {
	msg := collection.UserMessage(err)
	if msg == "" {
		msg = err.Error()
	}
	s.debugf("%s error: %s", op, msg)
	return err
}

// run executes fn behind the gate and records failures. Preconditions are
// checked inside fn so that they see the state the scanner call works on.
func (s *Session) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := s.gate.Run(ctx, op, fn)
	switch {
	case err == nil:
	case collection.IsPrecondition(err):
		return s.precondition(op, err)
	default:
		s.debugf("%s error: %v", op, err)
	}
	return err
}

func canceled(op string) error {
	return fmt.Errorf("%s: %w", op, scanner.ErrCanceled)
}

// replace swaps in a page produced by the scanner and keeps it selected.
func (s *Session) replace(p page.Page) collection.State {
	if _, ok := s.ctrl.Page(p.ID); !ok {
		slog.Error("Processed page is no longer in the collection",
			"session", s.id, "page_id", p.ID, "error", collection.ErrUnknownPageID)
	}
	return s.ctrl.UpdatePageSelecting(p, p.ID)
}

// ScanDocument captures pages and appends them; the last one is selected.
func (s *Session) ScanDocument(ctx context.Context) (collection.State, error) {
	err := s.run(ctx, OpScanDocument, func(ctx context.Context) error {
		res, err := s.scanner.Capture(ctx)
		if err != nil {
			return err
		}
		s.logResult(OpScanDocument, res)
		if res.Status != scanner.StatusOK {
			return canceled(OpScanDocument)
		}
		for _, p := range res.Pages {
			s.ctrl.AddPage(p)
		}
		return nil
	})
	return s.ctrl.State(), err
}

// ImportImage creates a page from an image, appends it, and then runs
// detection on it. When detection fails the collection and selection are
// restored to what they were before the call.
func (s *Session) ImportImage(ctx context.Context, imageURI string) (collection.State, error) {
	err := s.run(ctx, OpImportImage, func(ctx context.Context) error {
		p, err := s.scanner.CreatePage(ctx, imageURI)
		if err != nil {
			return err
		}
		s.logResult("createPage", p)
		before := s.ctrl.State()
		s.ctrl.AddPage(p)

		detected, err := s.scanner.DetectDocument(ctx, p)
		if err != nil {
			s.ctrl.Restore(before)
			return fmt.Errorf("detect document: %w", err)
		}
		s.logResult("detectDocument", detected)
		s.replace(detected)
		return nil
	})
	return s.ctrl.State(), err
}

// ImportPDF appends one page per image embedded in the PDF.
func (s *Session) ImportPDF(ctx context.Context, pdfURI string) (collection.State, error) {
	err := s.run(ctx, OpImportPDF, func(ctx context.Context) error {
		pages, err := s.scanner.ImportPDF(ctx, pdfURI)
		if err != nil {
			return err
		}
		s.logResult(OpImportPDF, pages)
		for _, p := range pages {
			s.ctrl.AddPage(p)
		}
		return nil
	})
	return s.ctrl.State(), err
}

// SelectPage makes id the selected page.
func (s *Session) SelectPage(id string) (collection.State, error) {
	st, err := s.ctrl.SelectPage(id)
	if err != nil {
		s.debugf("%s error: %v", OpSelectPage, err)
	}
	return st, err
}

// Crop crops the selected page. An empty polygon uses the detected outline.
func (s *Session) Crop(ctx context.Context, polygon []page.Point) (collection.State, error) {
	err := s.run(ctx, OpCrop, func(ctx context.Context) error {
		sel, err := s.ctrl.RequireSelection()
		if err != nil {
			return err
		}
		res, err := s.scanner.Crop(ctx, sel, scanner.CropOptions{Polygon: polygon})
		if err != nil {
			return err
		}
		s.logResult(OpCrop, res)
		if res.Status != scanner.StatusOK {
			return canceled(OpCrop)
		}
		s.replace(res.Page)
		return nil
	})
	return s.ctrl.State(), err
}

// Rotate turns the selected page; positive quarter turns are
// counter-clockwise.
func (s *Session) Rotate(ctx context.Context, quarterTurns int) (collection.State, error) {
	err := s.run(ctx, OpRotate, func(ctx context.Context) error {
		sel, err := s.ctrl.RequireSelection()
		if err != nil {
			return err
		}
		p, err := s.scanner.Rotate(ctx, sel, quarterTurns)
		if err != nil {
			return err
		}
		s.logResult(OpRotate, p)
		s.replace(p)
		return nil
	})
	return s.ctrl.State(), err
}

// RotateClockwise turns the selected page a quarter turn clockwise.
func (s *Session) RotateClockwise(ctx context.Context) (collection.State, error) {
	return s.Rotate(ctx, -1)
}

// RotateCounterClockwise turns the selected page a quarter turn counter-clockwise.
func (s *Session) RotateCounterClockwise(ctx context.Context) (collection.State, error) {
	return s.Rotate(ctx, 1)
}

// ApplyFilter filters the document image of the selected page.
func (s *Session) ApplyFilter(ctx context.Context, f filter.Name) (collection.State, error) {
	err := s.run(ctx, OpApplyFilter, func(ctx context.Context) error {
		sel, err := s.ctrl.RequireDocumentReady()
		if err != nil {
			return err
		}
		p, err := s.scanner.ApplyFilter(ctx, sel, f)
		if err != nil {
			return err
		}
		s.logResult(OpApplyFilter, p)
		s.replace(p)
		return nil
	})
	return s.ctrl.State(), err
}

// exportURIs returns the export images of every page, or the precondition error.
func (s *Session) exportURIs() ([]string, error) {
	pages, err := s.ctrl.RequireAllDocumentReady()
	if err != nil {
		return nil, err
	}
	uris := make([]string, len(pages))
	for i, p := range pages {
		uris[i] = p.ExportURI()
	}
	return uris, nil
}

// CreatePDF exports every page into one PDF. All pages must be cropped.
func (s *Session) CreatePDF(ctx context.Context) (scanner.PDFResult, error) {
	var out scanner.PDFResult
	err := s.run(ctx, OpCreatePDF, func(ctx context.Context) error {
		uris, err := s.exportURIs()
		if err != nil {
			return err
		}
		res, err := s.scanner.ExportPDF(ctx, uris, s.cfg.PDF)
		if err != nil {
			return err
		}
		s.logResult(OpCreatePDF, res)
		out = res
		return nil
	})
	return out, err
}

// CreateTIFF exports every page into one multi-page TIFF, optionally as
// 1-bit black and white. All pages must be cropped.
func (s *Session) CreateTIFF(ctx context.Context, oneBit bool) (scanner.TIFFResult, error) {
	var out scanner.TIFFResult
	err := s.run(ctx, OpCreateTIFF, func(ctx context.Context) error {
		uris, err := s.exportURIs()
		if err != nil {
			return err
		}
		res, err := s.scanner.ExportTIFF(ctx, uris, scanner.TIFFOptions{
			Name:   s.cfg.PDF.Name,
			OneBit: oneBit,
			DPI:    s.cfg.TIFFDPI,
		})
		if err != nil {
			return err
		}
		s.logResult(OpCreateTIFF, res)
		out = res
		return nil
	})
	return out, err
}

// Clear empties the collection and the selection.
func (s *Session) Clear() collection.State {
	return s.ctrl.Clear()
}

// Cleanup clears the collection and deletes every file the scanner stored.
// The collection is only cleared once the gate is held, so a rejected
// Cleanup leaves it untouched. A failing scanner cleanup may already have
// removed page files, so the collection stays cleared in that case.
func (s *Session) Cleanup(ctx context.Context) error {
	err := s.run(ctx, OpCleanup, func(ctx context.Context) error {
		s.ctrl.Clear()
		return s.scanner.Cleanup(ctx)
	})
	if err == nil {
		s.debugf("Cleanup finished")
	}
	return err
}

// IsCanceled reports whether err comes from a canceled scanner step.
func IsCanceled(err error) bool {
	return errors.Is(err, scanner.ErrCanceled)
}
