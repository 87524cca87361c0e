package server

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/MeKo-Tech/docscan/internal/filter"
	"github.com/MeKo-Tech/docscan/internal/session"
	"github.com/MeKo-Tech/docscan/internal/storage"
)

// respond writes the session snapshot, or the mapped error.
func (s *Server) respond(w http.ResponseWriter, sess *session.Session, op string, err error) {
	if err != nil {
		s.writeOperationError(w, op, err)
		return
	}
	operationResponsesTotal.WithLabelValues(op, "none").Inc()
	writeJSON(w, http.StatusOK, SessionResponse{Success: true, Session: sess.Snapshot()})
}

func (s *Server) scanHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	_, err := sess.ScanDocument(r.Context())
	s.respond(w, sess, session.OpScanDocument, err)
}

func (s *Server) clearHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Clear()
	s.respond(w, sess, "clear", nil)
}

func (s *Server) selectHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req SelectRequest
	if err := decodeJSON(r, &req); err != nil || req.PageID == "" {
		writeErrorResponse(w, "body must be {\"page_id\": \"...\"}", errTypeInvalidRequest, http.StatusBadRequest)
		return
	}
	_, err := sess.SelectPage(req.PageID)
	s.respond(w, sess, session.OpSelectPage, err)
}

func (s *Server) cropHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req CropRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, fmt.Sprintf("invalid crop request: %v", err), errTypeInvalidRequest, http.StatusBadRequest)
		return
	}
	if n := len(req.Polygon); n != 0 && n != 4 {
		writeErrorResponse(w, fmt.Sprintf("polygon needs 4 corners, got %d", n), errTypeInvalidRequest, http.StatusBadRequest)
		return
	}
	for _, p := range req.Polygon {
		if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
			writeErrorResponse(w, "polygon corners must be normalized to 0..1", errTypeInvalidRequest, http.StatusBadRequest)
			return
		}
	}
	_, err := sess.Crop(r.Context(), req.Polygon)
	s.respond(w, sess, session.OpCrop, err)
}

func (s *Server) rotateHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	req := RotateRequest{QuarterTurns: -1}
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, fmt.Sprintf("invalid rotate request: %v", err), errTypeInvalidRequest, http.StatusBadRequest)
		return
	}
	_, err := sess.Rotate(r.Context(), req.QuarterTurns)
	s.respond(w, sess, session.OpRotate, err)
}

func (s *Server) filterHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req FilterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, fmt.Sprintf("invalid filter request: %v", err), errTypeInvalidRequest, http.StatusBadRequest)
		return
	}
	name, err := filter.Parse(req.Filter)
	if err != nil {
		writeErrorResponse(w, err.Error(), errTypeInvalidRequest, http.StatusBadRequest)
		return
	}
	_, err = sess.ApplyFilter(r.Context(), name)
	s.respond(w, sess, session.OpApplyFilter, err)
}

func (s *Server) exportPDFHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	res, err := sess.CreatePDF(r.Context())
	if err != nil {
		s.writeOperationError(w, session.OpCreatePDF, err)
		return
	}
	operationResponsesTotal.WithLabelValues(session.OpCreatePDF, "none").Inc()
	s.writeExport(w, r, ExportResponse{Success: true, Format: "pdf", FileURI: res.PDFURI, Pages: res.Pages}, "application/pdf")
}

func (s *Server) exportTIFFHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req TIFFRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, fmt.Sprintf("invalid tiff request: %v", err), errTypeInvalidRequest, http.StatusBadRequest)
		return
	}
	res, err := sess.CreateTIFF(r.Context(), req.OneBit)
	if err != nil {
		s.writeOperationError(w, session.OpCreateTIFF, err)
		return
	}
	operationResponsesTotal.WithLabelValues(session.OpCreateTIFF, "none").Inc()
	s.writeExport(w, r, ExportResponse{Success: true, Format: "tiff", FileURI: res.TIFFURI, Pages: res.Pages}, "image/tiff")
}

// writeExport reports the exported file, or streams it with ?download=1.
func (s *Server) writeExport(w http.ResponseWriter, r *http.Request, res ExportResponse, contentType string) {
	if r.URL.Query().Get("download") != "1" {
		writeJSON(w, http.StatusOK, res)
		return
	}
	path, err := storage.PathFromURI(res.FileURI)
	if err != nil {
		writeErrorResponse(w, err.Error(), errTypeInternal, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}
