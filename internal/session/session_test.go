package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/docscan/internal/collection"
	"github.com/MeKo-Tech/docscan/internal/filter"
	"github.com/MeKo-Tech/docscan/internal/gate"
	"github.com/MeKo-Tech/docscan/internal/page"
	"github.com/MeKo-Tech/docscan/internal/scanner"
	"github.com/MeKo-Tech/docscan/internal/scanner/scannertest"
)

func newSession(t *testing.T) (*Session, *scannertest.Fake) {
	t.Helper()
	fake := scannertest.New()
	return New("test", fake, Config{PDF: scanner.PDFOptions{Name: "scan"}}), fake
}

func importOne(t *testing.T, s *Session) page.Page {
	t.Helper()
	st, err := s.ImportImage(context.Background(), "file:///in/a.png")
	require.NoError(t, err)
	p, ok := st.SelectedPage()
	require.True(t, ok)
	return p
}

func lastDebug(s *Session) string {
	return s.Snapshot().Debug
}

func TestSession_ImportImage(t *testing.T) {
	s, fake := newSession(t)

	st, err := s.ImportImage(context.Background(), "file:///in/a.png")
	require.NoError(t, err)

	require.Equal(t, 1, st.Len())
	p := st.Pages[0]
	assert.Equal(t, p.ID, st.Selected)
	assert.True(t, p.DocumentReady())
	assert.Equal(t, page.DetectionOK, p.DetectionStatus)
	assert.Equal(t, []string{"CreatePage", "DetectDocument"}, fake.Calls())

	history := s.DebugHistory()
	require.Len(t, history, 2)
	assert.True(t, strings.HasPrefix(history[0].Message, "createPage result: {"))
	assert.True(t, strings.HasPrefix(history[1].Message, "detectDocument result: {"))
}

func TestSession_ImportImageDetectionFailureRestoresState(t *testing.T) {
	s, fake := newSession(t)
	importOne(t, s)
	before := s.State()
	fake.Fail("DetectDocument", errors.New("model crashed"))

	st, err := s.ImportImage(context.Background(), "file:///in/b.png")

	require.Error(t, err)
	assert.ErrorIs(t, err, gate.ErrExternalOperationFailed)
	assert.Equal(t, before, st)
	assert.Equal(t, before, s.State())
	assert.Contains(t, lastDebug(s), "importImage error:")
}

func TestSession_ImportImageTimeoutRestoresState(t *testing.T) {
	fake := scannertest.New()
	s := New("t", fake, Config{OperationTimeout: 20 * time.Millisecond})
	importOne(t, s)
	before := s.State()

	fake.Hook = func(ctx context.Context, method string) {
		if method == "DetectDocument" {
			<-ctx.Done()
		}
	}

	_, err := s.ImportImage(context.Background(), "file:///in/b.png")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, before, s.State())
}

func TestSession_ScanDocument(t *testing.T) {
	s, fake := newSession(t)
	fake.CapturePages = 3

	st, err := s.ScanDocument(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.Len())
	assert.Equal(t, st.Pages[2].ID, st.Selected)
	assert.True(t, strings.HasPrefix(lastDebug(s), "scanDocument result: "))
}

func TestSession_ScanDocumentCanceled(t *testing.T) {
	s, fake := newSession(t)
	fake.Canceled["Capture"] = true

	st, err := s.ScanDocument(context.Background())

	require.Error(t, err)
	assert.True(t, IsCanceled(err))
	assert.ErrorIs(t, err, gate.ErrExternalOperationFailed)
	assert.Equal(t, 0, st.Len())
}

func TestSession_ImportPDF(t *testing.T) {
	s, _ := newSession(t)

	st, err := s.ImportPDF(context.Background(), "file:///in/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Len())
	assert.Equal(t, st.Pages[1].ID, st.Selected)
}

func TestSession_PreconditionsNeverReachScanner(t *testing.T) {
	tests := []struct {
		name string
		call func(s *Session) error
		want error
	}{
		{"crop", func(s *Session) error { _, err := s.Crop(context.Background(), nil); return err }, collection.ErrNoSelection},
		{"rotate", func(s *Session) error { _, err := s.RotateClockwise(context.Background()); return err }, collection.ErrNoSelection},
		{"filter", func(s *Session) error {
			_, err := s.ApplyFilter(context.Background(), filter.Grayscale)
			return err
		}, collection.ErrNoSelection},
		{"pdf", func(s *Session) error { _, err := s.CreatePDF(context.Background()); return err }, collection.ErrSomeNotCropped},
		{"tiff", func(s *Session) error { _, err := s.CreateTIFF(context.Background(), true); return err }, collection.ErrSomeNotCropped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fake := newSession(t)

			err := tt.call(s)

			require.ErrorIs(t, err, tt.want)
			assert.NotErrorIs(t, err, gate.ErrExternalOperationFailed)
			assert.Empty(t, fake.Calls())
			assert.Contains(t, lastDebug(s), collection.UserMessage(tt.want))
		})
	}
}

func TestSession_ApplyFilterRequiresDocument(t *testing.T) {
	s, fake := newSession(t)
	fake.Undetectable = true
	importOne(t, s)
	before := len(fake.Calls())

	_, err := s.ApplyFilter(context.Background(), filter.Binarized)

	require.ErrorIs(t, err, collection.ErrNotCropped)
	assert.Len(t, fake.Calls(), before)
}

func TestSession_CropRotateFilter(t *testing.T) {
	s, _ := newSession(t)
	p := importOne(t, s)
	ctx := context.Background()

	poly := []page.Point{{X: 0, Y: 0}, {X: 0.5, Y: 0}, {X: 0.5, Y: 0.5}, {X: 0, Y: 0.5}}
	st, err := s.Crop(ctx, poly)
	require.NoError(t, err)
	got, _ := st.SelectedPage()
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, page.DetectionManuallyCropped, got.DetectionStatus)
	assert.Equal(t, poly, got.Polygon)

	st, err = s.RotateCounterClockwise(ctx)
	require.NoError(t, err)
	got, _ = st.SelectedPage()
	assert.Equal(t, 1, got.Rotation)

	st, err = s.RotateClockwise(ctx)
	require.NoError(t, err)
	got, _ = st.SelectedPage()
	assert.Equal(t, 0, got.Rotation)

	st, err = s.ApplyFilter(ctx, filter.Grayscale)
	require.NoError(t, err)
	got, _ = st.SelectedPage()
	assert.Equal(t, string(filter.Grayscale), got.Filter)
}

func TestSession_OperationsKeepSelectionOnProcessedPage(t *testing.T) {
	s, _ := newSession(t)
	first := importOne(t, s)
	importOne(t, s)

	_, err := s.SelectPage(first.ID)
	require.NoError(t, err)

	st, err := s.RotateClockwise(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.ID, st.Selected)
}

func TestSession_FailedOperationLeavesStateUnchanged(t *testing.T) {
	for _, method := range []string{"Crop", "Rotate", "ApplyFilter"} {
		t.Run(method, func(t *testing.T) {
			s, fake := newSession(t)
			importOne(t, s)
			importOne(t, s)
			before := s.State()
			fake.Fail(method, errors.New("sdk failure"))

			var err error
			switch method {
			case "Crop":
				_, err = s.Crop(context.Background(), nil)
			case "Rotate":
				_, err = s.Rotate(context.Background(), 2)
			case "ApplyFilter":
				_, err = s.ApplyFilter(context.Background(), filter.LowLight)
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, gate.ErrExternalOperationFailed)
			var opErr *gate.OperationError
			require.ErrorAs(t, err, &opErr)
			assert.Equal(t, before, s.State())
			assert.False(t, s.Busy())
			assert.Contains(t, lastDebug(s), "sdk failure")
		})
	}
}

func TestSession_CropCanceled(t *testing.T) {
	s, fake := newSession(t)
	importOne(t, s)
	before := s.State()
	fake.Canceled["Crop"] = true

	_, err := s.Crop(context.Background(), nil)

	require.Error(t, err)
	assert.True(t, IsCanceled(err))
	assert.Equal(t, before, s.State())
}

func TestSession_RejectsOverlappingTrigger(t *testing.T) {
	s, fake := newSession(t)
	importOne(t, s)

	var inner error
	fake.Hook = func(_ context.Context, method string) {
		if method == "Crop" {
			_, inner = s.RotateClockwise(context.Background())
		}
	}

	_, err := s.Crop(context.Background(), nil)
	require.NoError(t, err)
	require.ErrorIs(t, inner, gate.ErrBusy)
	assert.NotContains(t, fake.Calls(), "Rotate")
	assert.False(t, s.Busy())
}

func TestSession_PreconditionSeesStateAtGateAcquire(t *testing.T) {
	// The observer runs after the gate is engaged and before the operation
	// body, which is where a concurrent request could have changed state.
	onEngage := func(s *Session, op string, fn func()) {
		var once sync.Once
		s.Subscribe(func(ev Event) {
			if ev.Type == EventBusy && ev.Snapshot.Busy && ev.Snapshot.Operation == op {
				once.Do(fn)
			}
		})
	}

	t.Run("selection changed", func(t *testing.T) {
		s, _ := newSession(t)
		first := importOne(t, s)
		second := importOne(t, s)
		onEngage(s, OpCrop, func() {
			_, err := s.SelectPage(first.ID)
			assert.NoError(t, err)
		})

		poly := []page.Point{{X: 0, Y: 0}, {X: 0.5, Y: 0}, {X: 0.5, Y: 0.5}, {X: 0, Y: 0.5}}
		st, err := s.Crop(context.Background(), poly)
		require.NoError(t, err)

		assert.Equal(t, first.ID, st.Selected)
		assert.Equal(t, page.DetectionManuallyCropped, st.Pages[0].DetectionStatus)
		assert.Equal(t, second, st.Pages[1])
	})

	t.Run("collection cleared", func(t *testing.T) {
		s, fake := newSession(t)
		importOne(t, s)
		onEngage(s, OpRotate, func() { s.Clear() })

		_, err := s.RotateClockwise(context.Background())
		require.ErrorIs(t, err, collection.ErrNoSelection)
		assert.NotErrorIs(t, err, gate.ErrExternalOperationFailed)
		assert.NotContains(t, fake.Calls(), "Rotate")
		assert.Equal(t, 0, s.State().Len())
	})

	t.Run("export sees page added", func(t *testing.T) {
		s, fake := newSession(t)
		importOne(t, s)
		onEngage(s, OpCreatePDF, func() {
			s.ctrl.AddPage(page.Page{ID: "raw", OriginalImageURI: "file:///in/raw.png"})
		})

		_, err := s.CreatePDF(context.Background())
		require.ErrorIs(t, err, collection.ErrSomeNotCropped)
		assert.NotContains(t, fake.Calls(), "ExportPDF")
	})
}

func TestSession_Timeout(t *testing.T) {
	fake := scannertest.New()
	s := New("t", fake, Config{OperationTimeout: 20 * time.Millisecond})
	importOne(t, s)
	before := s.State()

	fake.Hook = func(ctx context.Context, method string) {
		if method == "Rotate" {
			<-ctx.Done()
		}
	}

	_, err := s.RotateClockwise(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, gate.ErrExternalOperationFailed)
	assert.Equal(t, before, s.State())
}

func TestSession_Exports(t *testing.T) {
	s, fake := newSession(t)
	importOne(t, s)
	importOne(t, s)

	pdf, err := s.CreatePDF(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pdf.Pages)
	assert.Equal(t, "file:///fake/exports/scan.pdf", pdf.PDFURI)
	assert.Contains(t, lastDebug(s), `"pdf_file_uri":"file:///fake/exports/scan.pdf"`)

	tiff, err := s.CreateTIFF(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, tiff.Pages)
	assert.Contains(t, lastDebug(s), "createTIFF result: ")

	assert.Contains(t, fake.Calls(), "ExportPDF")
	assert.Contains(t, fake.Calls(), "ExportTIFF")
}

func TestSession_ExportNeedsEveryPageCropped(t *testing.T) {
	s, fake := newSession(t)
	importOne(t, s)
	fake.Undetectable = true
	importOne(t, s)

	_, err := s.CreatePDF(context.Background())
	require.ErrorIs(t, err, collection.ErrSomeNotCropped)
	assert.NotContains(t, fake.Calls(), "ExportPDF")
}

func TestSession_SelectUnknownPage(t *testing.T) {
	s, _ := newSession(t)
	p := importOne(t, s)

	st, err := s.SelectPage("missing")
	require.ErrorIs(t, err, collection.ErrUnknownPageID)
	assert.Equal(t, p.ID, st.Selected)
}

func TestSession_ClearAndCleanup(t *testing.T) {
	s, fake := newSession(t)
	importOne(t, s)

	st := s.Clear()
	assert.Equal(t, 0, st.Len())
	assert.Empty(t, st.Selected)

	importOne(t, s)
	require.NoError(t, s.Cleanup(context.Background()))
	assert.Equal(t, 0, s.State().Len())
	assert.Equal(t, "Cleanup finished", lastDebug(s))
	assert.Contains(t, fake.Calls(), "Cleanup")
}

func TestSession_CleanupRejectedWhileBusyKeepsPages(t *testing.T) {
	s, fake := newSession(t)
	importOne(t, s)

	var inner error
	var during collection.State
	fake.Hook = func(_ context.Context, method string) {
		if method == "Rotate" {
			inner = s.Cleanup(context.Background())
			during = s.State()
		}
	}

	_, err := s.RotateClockwise(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, inner, gate.ErrBusy)
	assert.Equal(t, 1, during.Len())
	assert.Equal(t, 1, s.State().Len())
	assert.NotContains(t, fake.Calls(), "Cleanup")
}

func TestSession_Events(t *testing.T) {
	s, _ := newSession(t)

	var mu sync.Mutex
	counts := map[EventType]int{}
	var busySeen bool
	cancel := s.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		counts[ev.Type]++
		if ev.Type == EventBusy && ev.Snapshot.Busy {
			busySeen = true
		}
	})

	importOne(t, s)
	cancel()
	s.Clear()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, counts[EventState], "add and detection update")
	assert.Equal(t, 2, counts[EventBusy], "engage and release")
	assert.Equal(t, 2, counts[EventDebug])
	assert.True(t, busySeen)
}

func TestSession_DebugHistoryIsBounded(t *testing.T) {
	fake := scannertest.New()
	s := New("bounded", fake, Config{DebugHistory: 3})

	for range 5 {
		_, _ = s.SelectPage("nope")
	}

	assert.Len(t, s.DebugHistory(), 3)
}

func TestSession_Snapshot(t *testing.T) {
	s, _ := newSession(t)
	p := importOne(t, s)

	snap := s.Snapshot()
	assert.Equal(t, "test", snap.ID)
	assert.Equal(t, p.ID, snap.Selected)
	assert.False(t, snap.Busy)
	assert.Empty(t, snap.Operation)
	assert.NotEmpty(t, snap.Debug)
	assert.False(t, snap.CreatedAt.IsZero())
	assert.Equal(t, filter.All(), s.Filters())
}
