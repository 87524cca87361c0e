package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/MeKo-Tech/docscan/internal/collection"
	"github.com/MeKo-Tech/docscan/internal/filter"
	"github.com/MeKo-Tech/docscan/internal/gate"
	"github.com/MeKo-Tech/docscan/internal/scanner"
	"github.com/MeKo-Tech/docscan/internal/session"
)

// Error types reported in ErrorResponse.ErrorType.
const (
	errTypeInvalidRequest = "invalid_request"
	errTypePrecondition   = "precondition"
	errTypeBusy           = "busy"
	errTypeNotFound       = "not_found"
	errTypeCanceled       = "canceled"
	errTypeExternal       = "external_operation_failed"
	errTypeInternal       = "internal_error"
)

// healthHandler returns server health status.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "healthy",
		Version:  s.version,
		Time:     time.Now().UTC().Format(time.RFC3339),
		Sessions: len(s.sessions.List()),
	})
}

// filtersHandler lists the available image filters.
func (s *Server) filtersHandler(w http.ResponseWriter, _ *http.Request) {
	names := filter.All()
	writeJSON(w, http.StatusOK, FiltersResponse{Filters: names, Count: len(names)})
}

func (s *Server) createSessionHandler(w http.ResponseWriter, _ *http.Request) {
	sess, err := s.sessions.Create()
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		writeErrorResponse(w, "failed to create session", errTypeInternal, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{Success: true, Session: sess.Snapshot()})
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.List()
	out := make([]session.Snapshot, len(list))
	for i, sess := range list {
		out[i] = sess.Snapshot()
	}
	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: out, Count: len(out)})
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Success: true, Session: sess.Snapshot()})
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		s.writeOperationError(w, "deleteSession", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) debugHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, DebugResponse{Entries: sess.DebugHistory(), Last: sess.Snapshot().Debug})
}

// session resolves the {id} route variable or writes a 404.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeErrorResponse(w, err.Error(), errTypeNotFound, http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// writeOperationError maps session errors to HTTP responses.
func (s *Server) writeOperationError(w http.ResponseWriter, op string, err error) {
	status, errType, msg := classifyError(err)
	operationResponsesTotal.WithLabelValues(op, errType).Inc()
	if status >= http.StatusInternalServerError {
		slog.Error("Operation failed", "op", op, "error", err)
	}
	writeErrorResponse(w, msg, errType, status)
}

func classifyError(err error) (int, string, string) {
	switch {
	case collection.IsPrecondition(err):
		return http.StatusUnprocessableEntity, errTypePrecondition, collection.UserMessage(err)
	case errors.Is(err, gate.ErrBusy):
		return http.StatusConflict, errTypeBusy, err.Error()
	case errors.Is(err, session.ErrNotFound), errors.Is(err, collection.ErrUnknownPageID):
		return http.StatusNotFound, errTypeNotFound, err.Error()
	case errors.Is(err, scanner.ErrCanceled):
		return http.StatusConflict, errTypeCanceled, err.Error()
	case errors.Is(err, gate.ErrExternalOperationFailed):
		return http.StatusBadGateway, errTypeExternal, err.Error()
	default:
		return http.StatusInternalServerError, errTypeInternal, err.Error()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeErrorResponse writes a JSON error response.
func writeErrorResponse(w http.ResponseWriter, message, errType string, statusCode int) {
	writeJSON(w, statusCode, ErrorResponse{Success: false, Error: message, ErrorType: errType})
}
