package server

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"

	"github.com/MeKo-Tech/docscan/internal/page"
	"github.com/MeKo-Tech/docscan/internal/session"
	"github.com/MeKo-Tech/docscan/internal/storage"
)

// importImageHandler stores an uploaded image and imports it as a new page.
func (s *Server) importImageHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	file, header, ok := s.formFile(w, r, "image")
	if !ok {
		return
	}
	defer func() { _ = file.Close() }()

	_, format, err := image.DecodeConfig(file)
	if err != nil {
		writeErrorResponse(w, "Invalid image format", errTypeInvalidRequest, http.StatusBadRequest)
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		writeErrorResponse(w, "Failed to read image data", errTypeInternal, http.StatusInternalServerError)
		return
	}
	uploadSizeBytes.WithLabelValues("image").Observe(float64(header.Size))

	path, err := s.stage(file, header.Filename, imageExtension(format))
	if err != nil {
		slog.Error("Failed to stage upload", "error", err)
		writeErrorResponse(w, "Failed to store upload", errTypeInternal, http.StatusInternalServerError)
		return
	}
	defer removeStaged(path)

	_, err = sess.ImportImage(r.Context(), storage.URIFromPath(path))
	s.respond(w, sess, session.OpImportImage, err)
}

// importPDFHandler stores an uploaded PDF and imports its page images.
func (s *Server) importPDFHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	file, header, ok := s.formFile(w, r, "pdf")
	if !ok {
		return
	}
	defer func() { _ = file.Close() }()

	magic := make([]byte, 5)
	if _, err := io.ReadFull(file, magic); err != nil || string(magic) != "%PDF-" {
		writeErrorResponse(w, "Invalid PDF file", errTypeInvalidRequest, http.StatusBadRequest)
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		writeErrorResponse(w, "Failed to read PDF data", errTypeInternal, http.StatusInternalServerError)
		return
	}
	uploadSizeBytes.WithLabelValues("pdf").Observe(float64(header.Size))

	path, err := s.stage(file, header.Filename, ".pdf")
	if err != nil {
		slog.Error("Failed to stage upload", "error", err)
		writeErrorResponse(w, "Failed to store upload", errTypeInternal, http.StatusInternalServerError)
		return
	}
	defer removeStaged(path)

	_, err = sess.ImportPDF(r.Context(), storage.URIFromPath(path))
	s.respond(w, sess, session.OpImportPDF, err)
}

// formFile parses the multipart form and returns the named file part.
func (s *Server) formFile(w http.ResponseWriter, r *http.Request, field string) (multipart.File, *multipart.FileHeader, bool) {
	limit := s.maxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorResponse(w, "File too large", errTypeInvalidRequest, http.StatusRequestEntityTooLarge)
		} else {
			writeErrorResponse(w, "Failed to parse form data", errTypeInvalidRequest, http.StatusBadRequest)
		}
		return nil, nil, false
	}

	file, header, err := r.FormFile(field)
	if err != nil {
		writeErrorResponse(w, fmt.Sprintf("No %s file provided", field), errTypeInvalidRequest, http.StatusBadRequest)
		return nil, nil, false
	}
	return file, header, true
}

// stage copies an upload into the upload directory with the given extension.
func (s *Server) stage(src io.Reader, name, ext string) (string, error) {
	base := strings.TrimSuffix(name, extOf(name))
	if base == "" {
		base = "upload"
	}
	path, err := s.uploads.UploadPath(base + ext)
	if err != nil {
		return "", err
	}
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // G304: path comes from the upload store
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		removeStaged(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		removeStaged(path)
		return "", err
	}
	return path, nil
}

func removeStaged(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove staged upload", "path", path, "error", err)
	}
}

func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

func imageExtension(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "tiff":
		return ".tif"
	default:
		return "." + format
	}
}

// pageImageHandler serves one stored image of a page. Variants are
// original, document, original-preview, document-preview and preview.
func (s *Server) pageImageHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)

	var p page.Page
	found := false
	for _, candidate := range sess.State().Pages {
		if candidate.ID == vars["page"] {
			p, found = candidate, true
			break
		}
	}
	if !found {
		writeErrorResponse(w, fmt.Sprintf("page %s not found", vars["page"]), errTypeNotFound, http.StatusNotFound)
		return
	}

	var uri string
	switch vars["variant"] {
	case string(storage.Original):
		uri = p.OriginalImageURI
	case string(storage.Document):
		uri = p.DocumentImageURI
	case string(storage.OriginalPreview):
		uri = p.OriginalPreviewURI
	case string(storage.DocumentPreview):
		uri = p.DocumentPreviewURI
	case "preview":
		uri = p.PreviewURI()
	default:
		writeErrorResponse(w, fmt.Sprintf("unknown image variant %q", vars["variant"]), errTypeInvalidRequest, http.StatusBadRequest)
		return
	}
	if uri == "" {
		writeErrorResponse(w, fmt.Sprintf("page %s has no %s image", p.ID, vars["variant"]), errTypeNotFound, http.StatusNotFound)
		return
	}

	path, err := storage.PathFromURI(uri)
	if err != nil {
		writeErrorResponse(w, err.Error(), errTypeInternal, http.StatusInternalServerError)
		return
	}
	// The URL stays the same when a page is edited, so clients revalidate
	// against an ETag that changes with every revision.
	w.Header().Set("Cache-Control", "private, no-cache")
	w.Header().Set("ETag", fmt.Sprintf(`"%s-%d-%s"`, p.ID, p.Revision, vars["variant"]))
	http.ServeFile(w, r, path)
}
