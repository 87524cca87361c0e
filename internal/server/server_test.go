package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/docscan/internal/collection"
	"github.com/MeKo-Tech/docscan/internal/scanner"
	"github.com/MeKo-Tech/docscan/internal/scanner/scannertest"
	"github.com/MeKo-Tech/docscan/internal/session"
	"github.com/MeKo-Tech/docscan/internal/storage"
	"github.com/MeKo-Tech/docscan/internal/testutil"
)

type testServer struct {
	*Server
	handler http.Handler
	uploads string

	mu    sync.Mutex
	fakes map[string]*scannertest.Fake
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	ts := &testServer{fakes: map[string]*scannertest.Fake{}}
	store := session.NewStore(func(id string) (scanner.Scanner, error) {
		f := scannertest.New()
		ts.mu.Lock()
		ts.fakes[id] = f
		ts.mu.Unlock()
		return f, nil
	}, session.Config{})

	ts.uploads = filepath.Join(t.TempDir(), "uploads")
	uploads, err := storage.New(storage.Config{Dir: ts.uploads, ImageFormat: "png"})
	require.NoError(t, err)

	ts.Server = NewServer(cfg, store, uploads)
	ts.handler = ts.Handler()
	return ts
}

func (ts *testServer) fake(id string) *scannertest.Fake {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.fakes[id]
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) doJSON(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	return ts.do(t, method, path, r, "application/json")
}

func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	w := ts.doJSON(t, http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code)
	return decodeSession(t, w).ID
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) session.Snapshot {
	t.Helper()
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	require.True(t, resp.Success)
	return resp.Session
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	assert.False(t, resp.Success)
	return resp
}

func multipartBody(t *testing.T, field, name string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, Config{Version: "1.2.3"})
	ts.createSession(t)

	w := ts.doJSON(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, 1, resp.Sessions)
	assert.NotEmpty(t, resp.Time)

	w = ts.doJSON(t, http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_FiltersAndMetrics(t *testing.T) {
	ts := newTestServer(t, Config{})

	w := ts.doJSON(t, http.MethodGet, "/filters", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp FiltersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Filters)
	assert.Equal(t, len(resp.Filters), resp.Count)

	w = ts.doJSON(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "docscan_http_requests_total")
}

func TestServer_UnknownRoute(t *testing.T) {
	ts := newTestServer(t, Config{})
	w := ts.doJSON(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).ErrorType)
}

func TestServer_SessionLifecycle(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := ts.createSession(t)

	w := ts.doJSON(t, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list SessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, id, list.Sessions[0].ID)

	w = ts.doJSON(t, http.MethodGet, "/sessions/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decodeSession(t, w)
	assert.Empty(t, snap.Pages)
	assert.False(t, snap.Busy)

	w = ts.doJSON(t, http.MethodDelete, "/sessions/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, ts.fake(id).Calls(), "Cleanup")

	w = ts.doJSON(t, http.MethodGet, "/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.doJSON(t, http.MethodDelete, "/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ScanAndEdit(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := ts.createSession(t)

	w := ts.doJSON(t, http.MethodPost, "/sessions/"+id+"/scan", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap := decodeSession(t, w)
	require.Len(t, snap.Pages, 1)
	pageID := snap.Pages[0].ID
	assert.Equal(t, pageID, snap.Selected)

	w = ts.doJSON(t, http.MethodPost, "/sessions/"+id+"/rotate", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3, decodeSession(t, w).Pages[0].Rotation)

	w = ts.doJSON(t, http.MethodPost, "/sessions/"+id+"/rotate", `{"quarter_turns": 2}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeSession(t, w).Pages[0].Rotation)

	w = ts.doJSON(t, http.MethodPost, "/sessions/"+id+"/filter", `{"filter": "grayscale"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "grayscale", decodeSession(t, w).Pages[0].Filter)

	w = ts.doJSON(t, http.MethodPost, "/sessions/"+id+"/crop",
		`{"polygon": [{"x":0.2,"y":0.2},{"x":0.8,"y":0.2},{"x":0.8,"y":0.8},{"x":0.2,"y":0.8}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap = decodeSession(t, w)
	assert.Equal(t, 0.2, snap.Pages[0].Polygon[0].X)

	w = ts.doJSON(t, http.MethodPut, "/sessions/"+id+"/selection", `{"page_id": "`+pageID+`"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.doJSON(t, http.MethodPost, "/sessions/"+id+"/export/pdf", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var export ExportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &export))
	assert.Equal(t, "pdf", export.Format)
	assert.Equal(t, 1, export.Pages)
	assert.True(t, strings.HasSuffix(export.FileURI, ".pdf"))

	w = ts.doJSON(t, http.MethodPost, "/sessions/"+id+"/export/tiff", `{"one_bit": true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &export))
	assert.Equal(t, "tiff", export.Format)

	w = ts.doJSON(t, http.MethodDelete, "/sessions/"+id+"/pages", "")
	require.Equal(t, http.StatusOK, w.Code)
	snap = decodeSession(t, w)
	assert.Empty(t, snap.Pages)
	assert.Empty(t, snap.Selected)
}

func TestServer_InvalidRequests(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := ts.createSession(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"select without page", http.MethodPut, "/selection", `{}`, http.StatusBadRequest},
		{"select unknown page", http.MethodPut, "/selection", `{"page_id": "nope"}`, http.StatusNotFound},
		{"crop with three corners", http.MethodPost, "/crop", `{"polygon": [{"x":0,"y":0},{"x":1,"y":0},{"x":1,"y":1}]}`, http.StatusBadRequest},
		{"crop outside frame", http.MethodPost, "/crop", `{"polygon": [{"x":0,"y":0},{"x":2,"y":0},{"x":1,"y":1},{"x":0,"y":1}]}`, http.StatusBadRequest},
		{"unknown filter", http.MethodPost, "/filter", `{"filter": "sepia"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/rotate", `{"turns": 1}`, http.StatusBadRequest},
		{"unknown session", http.MethodPost, "/sessions/missing/scan", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.path
			if !strings.HasPrefix(path, "/sessions/") {
				path = "/sessions/" + id + path
			}
			w := ts.doJSON(t, tt.method, path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestServer_PreconditionsNeverReachScanner(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := ts.createSession(t)

	for _, path := range []string{"/crop", "/rotate", "/filter", "/export/pdf", "/export/tiff"} {
		body := ""
		if path == "/filter" {
			body = `{"filter": "grayscale"}`
		}
		w := ts.doJSON(t, http.MethodPost, "/sessions/"+id+path, body)
		require.Equal(t, http.StatusUnprocessableEntity, w.Code, path)
		resp := decodeError(t, w)
		assert.Equal(t, errTypePrecondition, resp.ErrorType)
		assert.NotEmpty(t, resp.Error)
	}

	w := ts.doJSON(t, http.MethodPost, "/sessions/"+id+"/crop", "")
	assert.Equal(t, collection.UserMessage(collection.ErrNoSelection), decodeError(t, w).Error)
	assert.Empty(t, ts.fake(id).Calls())
}

func TestServer_ScannerFailures(t *testing.T) {
	t.Run("external failure", func(t *testing.T) {
		ts := newTestServer(t, Config{})
		id := ts.createSession(t)
		ts.fake(id).Fail("Capture", errors.New("camera offline"))

		w := ts.doJSON(t, http.MethodPost, "/sessions/"+id+"/scan", "")
		assert.Equal(t, http.StatusBadGateway, w.Code)
		resp := decodeError(t, w)
		assert.Equal(t, errTypeExternal, resp.ErrorType)
		assert.Contains(t, resp.Error, "camera offline")

		w = ts.doJSON(t, http.MethodGet, "/sessions/"+id+"/debug", "")
		require.Equal(t, http.StatusOK, w.Code)
		var dbg DebugResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dbg))
		require.NotEmpty(t, dbg.Entries)
		assert.Contains(t, dbg.Last, "camera offline")
	})

	t.Run("canceled", func(t *testing.T) {
		ts := newTestServer(t, Config{})
		id := ts.createSession(t)
		ts.fake(id).Canceled["Capture"] = true

		w := ts.doJSON(t, http.MethodPost, "/sessions/"+id+"/scan", "")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, errTypeCanceled, decodeError(t, w).ErrorType)
	})
}

func TestServer_BusyRejectsSecondOperation(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := ts.createSession(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	ts.fake(id).Hook = func(_ context.Context, method string) {
		if method == "Capture" {
			close(entered)
			<-release
		}
	}

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/scan", nil)
		w := httptest.NewRecorder()
		ts.handler.ServeHTTP(w, req)
		done <- w
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not start")
	}

	w := ts.doJSON(t, http.MethodGet, "/sessions/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decodeSession(t, w)
	assert.True(t, snap.Busy)
	assert.Equal(t, session.OpScanDocument, snap.Operation)

	w = ts.doJSON(t, http.MethodPost, "/sessions/"+id+"/scan", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errTypeBusy, decodeError(t, w).ErrorType)

	close(release)
	first := <-done
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Len(t, decodeSession(t, first).Pages, 1)
}

func TestServer_ImportImage(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := ts.createSession(t)

	path := testutil.WriteDocumentImage(t, t.TempDir(), "doc.png", testutil.DefaultDocumentConfig())
	data, err := os.ReadFile(path) //nolint:gosec // G304: test fixture
	require.NoError(t, err)

	body, ct := multipartBody(t, "image", "receipt.png", data)
	w := ts.do(t, http.MethodPost, "/sessions/"+id+"/pages", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	snap := decodeSession(t, w)
	require.Len(t, snap.Pages, 1)
	assert.Contains(t, snap.Pages[0].OriginalImageURI, "receipt")
	assert.True(t, strings.HasSuffix(snap.Pages[0].OriginalImageURI, ".png"))
	assert.Equal(t, []string{"CreatePage", "DetectDocument"}, ts.fake(id).Calls())

	staged, err := filepath.Glob(filepath.Join(ts.uploads, "uploads", "*"))
	require.NoError(t, err)
	assert.Empty(t, staged, "staged uploads are removed after import")
}

func TestServer_ImportRejectsInvalidUploads(t *testing.T) {
	ts := newTestServer(t, Config{MaxUploadMB: 1})
	id := ts.createSession(t)

	body, ct := multipartBody(t, "image", "notes.txt", []byte("hello"))
	w := ts.do(t, http.MethodPost, "/sessions/"+id+"/pages", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, ct = multipartBody(t, "file", "doc.png", []byte("hello"))
	w = ts.do(t, http.MethodPost, "/sessions/"+id+"/pages", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, ct = multipartBody(t, "pdf", "doc.pdf", []byte("not a pdf"))
	w = ts.do(t, http.MethodPost, "/sessions/"+id+"/pages/pdf", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, ct = multipartBody(t, "image", "big.png", bytes.Repeat([]byte{0}, 2*1024*1024))
	w = ts.do(t, http.MethodPost, "/sessions/"+id+"/pages", body, ct)
	assert.Contains(t, []int{http.StatusRequestEntityTooLarge, http.StatusBadRequest}, w.Code)

	assert.Empty(t, ts.fake(id).Calls())
}

func TestServer_ImportPDF(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := ts.createSession(t)

	body, ct := multipartBody(t, "pdf", "contract.pdf", []byte("%PDF-1.7\n%fake\n"))
	w := ts.do(t, http.MethodPost, "/sessions/"+id+"/pages/pdf", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	snap := decodeSession(t, w)
	assert.Len(t, snap.Pages, 2)
	assert.Equal(t, []string{"ImportPDF"}, ts.fake(id).Calls())
}

func TestServer_PageImage(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := ts.createSession(t)

	w := ts.doJSON(t, http.MethodGet, "/sessions/"+id+"/pages/missing/original", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.doJSON(t, http.MethodPost, "/sessions/"+id+"/scan", "")
	require.Equal(t, http.StatusOK, w.Code)
	pageID := decodeSession(t, w).Pages[0].ID

	w = ts.doJSON(t, http.MethodGet, "/sessions/"+id+"/pages/"+pageID+"/thumbnail", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Fake pages carry no previews.
	w = ts.doJSON(t, http.MethodGet, "/sessions/"+id+"/pages/"+pageID+"/original-preview", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_PageImageRevalidatesAcrossRevisions(t *testing.T) {
	ts := newTestServer(t, Config{})
	id := ts.createSession(t)
	sess, err := ts.sessions.Get(id)
	require.NoError(t, err)

	path := testutil.WriteDocumentImage(t, t.TempDir(), "doc.png", testutil.DefaultDocumentConfig())
	st, err := sess.ImportImage(context.Background(), storage.URIFromPath(path))
	require.NoError(t, err)
	url := "/sessions/" + id + "/pages/" + st.Selected + "/document"

	w := ts.doJSON(t, http.MethodGet, url, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "private, no-cache", w.Header().Get("Cache-Control"))
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("If-None-Match", etag)
	w = httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotModified, w.Code)

	_, err = sess.RotateClockwise(context.Background())
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("If-None-Match", etag)
	w = httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, etag, w.Header().Get("ETag"))
}

func TestServer_CORS(t *testing.T) {
	ts := newTestServer(t, Config{CORSOrigin: "https://scan.example.com"})

	w := ts.doJSON(t, http.MethodOptions, "/sessions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://scan.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")

	w = ts.doJSON(t, http.MethodGet, "/filters", "")
	assert.Equal(t, "https://scan.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RateLimit(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: RateLimitConfig{Enabled: true, RequestsPerMinute: 1}})

	w := ts.doJSON(t, http.MethodGet, "/filters", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.doJSON(t, http.MethodGet, "/filters", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "minute", w.Header().Get("X-RateLimit-Type"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decodeError(t, w).ErrorType)

	w = ts.doJSON(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", getClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", getClientIP(req))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		errType string
	}{
		{collection.ErrNotCropped, http.StatusUnprocessableEntity, errTypePrecondition},
		{session.ErrNotFound, http.StatusNotFound, errTypeNotFound},
		{collection.ErrUnknownPageID, http.StatusNotFound, errTypeNotFound},
		{scanner.ErrCanceled, http.StatusConflict, errTypeCanceled},
		{errors.New("boom"), http.StatusInternalServerError, errTypeInternal},
	}
	for _, tt := range tests {
		status, errType, _ := classifyError(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.errType, errType, tt.err.Error())
	}
}
