// Package server exposes scanning sessions over HTTP and WebSocket.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MeKo-Tech/docscan/internal/filter"
	"github.com/MeKo-Tech/docscan/internal/page"
	"github.com/MeKo-Tech/docscan/internal/session"
	"github.com/MeKo-Tech/docscan/internal/storage"
)

// Server holds the HTTP server state and dependencies.
type Server struct {
	sessions    *session.Store
	uploads     *storage.Store
	corsOrigin  string
	maxUploadMB int64
	rateLimiter *RateLimiter
	version     string
}

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigin  string
	MaxUploadMB int64
	TimeoutSec  int
	RateLimit   RateLimitConfig
	Version     string
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Time     string `json:"time"`
	Sessions int    `json:"sessions"`
}

// FiltersResponse is returned by GET /filters.
type FiltersResponse struct {
	Filters []filter.Name `json:"filters"`
	Count   int           `json:"count"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// SessionResponse carries a session snapshot.
type SessionResponse struct {
	Success bool             `json:"success"`
	Session session.Snapshot `json:"session"`
}

// SessionsResponse lists sessions.
type SessionsResponse struct {
	Sessions []session.Snapshot `json:"sessions"`
	Count    int                `json:"count"`
}

// ExportResponse reports an exported file.
type ExportResponse struct {
	Success bool   `json:"success"`
	Format  string `json:"format"`
	FileURI string `json:"file_uri"`
	Pages   int    `json:"pages"`
}

// DebugResponse lists the debug history of a session.
type DebugResponse struct {
	Entries []session.DebugEntry `json:"entries"`
	Last    string               `json:"last,omitempty"`
}

// SelectRequest is the body of PUT /sessions/{id}/selection.
type SelectRequest struct {
	PageID string `json:"page_id"`
}

// CropRequest is the body of POST /sessions/{id}/crop. An empty polygon
// crops along the detected outline.
type CropRequest struct {
	Polygon []page.Point `json:"polygon"`
}

// RotateRequest is the body of POST /sessions/{id}/rotate. Positive values
// turn counter-clockwise.
type RotateRequest struct {
	QuarterTurns int `json:"quarter_turns"`
}

// FilterRequest is the body of POST /sessions/{id}/filter.
type FilterRequest struct {
	Filter string `json:"filter"`
}

// TIFFRequest is the optional body of POST /sessions/{id}/export/tiff.
type TIFFRequest struct {
	OneBit bool `json:"one_bit"`
}

// NewServer creates a server over sessions. Uploaded files are staged in
// uploads and removed once imported.
func NewServer(config Config, sessions *session.Store, uploads *storage.Store) *Server {
	s := &Server{
		sessions:    sessions,
		uploads:     uploads,
		corsOrigin:  config.CORSOrigin,
		maxUploadMB: config.MaxUploadMB,
		version:     config.Version,
	}
	if s.corsOrigin == "" {
		s.corsOrigin = "*"
	}
	if s.maxUploadMB <= 0 {
		s.maxUploadMB = 50
	}
	if config.RateLimit.Enabled {
		s.rateLimiter = NewRateLimiter(config.RateLimit)
	}
	return s
}

// Close cleans up every session.
func (s *Server) Close(ctx context.Context) error {
	return s.sessions.Close(ctx)
}

// PruneRateLimits forgets idle rate limit clients every interval until ctx
// is done.
func (s *Server) PruneRateLimits(ctx context.Context, interval, maxIdle time.Duration) {
	if s.rateLimiter == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.rateLimiter.Prune(maxIdle); n > 0 {
				slog.Debug("Pruned idle rate limit clients", "count", n)
			}
		}
	}
}

// Handler returns the routed handler wrapped in CORS and rate limiting.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.rateLimitMiddleware(s.Router()))
}

// Router configures the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/filters", s.filtersHandler).Methods(http.MethodGet)

	r.HandleFunc("/sessions", s.createSessionHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.listSessionsHandler).Methods(http.MethodGet)

	r.HandleFunc("/sessions/{id}", s.getSessionHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.deleteSessionHandler).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/scan", s.scanHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/pages", s.importImageHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/pages", s.clearHandler).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/pages/pdf", s.importPDFHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/pages/{page}/{variant}", s.pageImageHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/selection", s.selectHandler).Methods(http.MethodPut)
	r.HandleFunc("/sessions/{id}/crop", s.cropHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/rotate", s.rotateHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/filter", s.filterHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/export/pdf", s.exportPDFHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/export/tiff", s.exportTIFFHandler).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/debug", s.debugHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/events", s.eventsHandler).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorResponse(w, "route not found", "not_found", http.StatusNotFound)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorResponse(w, "method not allowed", "method_not_allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// HTTPServer wraps the handler in an http.Server with the configured timeouts.
func HTTPServer(addr string, timeoutSec int, h http.Handler) *http.Server {
	timeout := time.Duration(timeoutSec) * time.Second
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       timeout,
		// WebSocket streams outlive WriteTimeout; the event handler manages
		// its own deadlines.
		WriteTimeout: 0,
		IdleTimeout:  2 * timeout,
	}
}
