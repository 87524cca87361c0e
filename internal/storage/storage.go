// Package storage keeps page images and export artifacts on the local disk.
//
// Layout under the configured directory:
//
//	pages/<page-id>/<variant>-r<revision>.<ext>
//	exports/<name>-<timestamp>.<ext>
//	uploads/<name>-<random>.<ext>
//
// Files are addressed by file:// URIs so that page records stay independent
// of the process working directory.
package storage

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MeKo-Tech/docscan/internal/utils"
)

// Variant names one stored image of a page.
type Variant string

const (
	Original        Variant = "original"
	Document        Variant = "document"
	OriginalPreview Variant = "original-preview"
	DocumentPreview Variant = "document-preview"
)

var (
	// ErrInvalidURI is returned for URIs that are not local file URIs.
	ErrInvalidURI = errors.New("invalid file uri")
	// ErrInvalidPageID is returned for page IDs that are unsafe as directory names.
	ErrInvalidPageID = errors.New("invalid page id")
)

// Config holds storage settings.
type Config struct {
	Dir         string `mapstructure:"dir" yaml:"dir" json:"dir"`
	ImageFormat string `mapstructure:"image_format" yaml:"image_format" json:"image_format"`
	JPEGQuality int    `mapstructure:"jpeg_quality" yaml:"jpeg_quality" json:"jpeg_quality"`
	PreviewSize int    `mapstructure:"preview_size" yaml:"preview_size" json:"preview_size"`
}

// DefaultConfig returns the default storage settings.
func DefaultConfig() Config {
	return Config{
		Dir:         filepath.Join(os.TempDir(), "docscan"),
		ImageFormat: "jpg",
		JPEGQuality: 90,
		PreviewSize: 320,
	}
}

// Store manages the directory tree.
type Store struct {
	cfg  Config
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// New creates the storage root if needed.
func New(cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.Dir == "" {
		cfg.Dir = def.Dir
	}
	if cfg.ImageFormat == "" {
		cfg.ImageFormat = def.ImageFormat
	}
	cfg.ImageFormat = strings.TrimPrefix(strings.ToLower(cfg.ImageFormat), ".")
	if cfg.ImageFormat == "jpeg" {
		cfg.ImageFormat = "jpg"
	}
	if cfg.ImageFormat != "jpg" && cfg.ImageFormat != "png" {
		return nil, fmt.Errorf("unsupported image format %q (want jpg or png)", cfg.ImageFormat)
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.PreviewSize <= 0 {
		cfg.PreviewSize = def.PreviewSize
	}

	root, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Store{cfg: cfg, root: root, now: time.Now}, nil
}

// Root returns the absolute storage directory.
func (s *Store) Root() string { return s.root }

// Config returns the effective settings.
func (s *Store) Config() Config { return s.cfg }

func (s *Store) pageDir(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPageID, id)
	}
	return filepath.Join(s.root, "pages", id), nil
}

// SaveVariant encodes img as the given variant and returns its URI.
// Previews are downscaled to the configured preview size first.
func (s *Store) SaveVariant(id string, v Variant, revision int, img image.Image) (string, error) {
	dir, err := s.pageDir(id)
	if err != nil {
		return "", err
	}
	if v == OriginalPreview || v == DocumentPreview {
		if img, err = utils.Thumbnail(img, s.cfg.PreviewSize); err != nil {
			return "", err
		}
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-r%d.%s", v, revision, s.cfg.ImageFormat))
	if err := utils.SaveImage(img, path, utils.EncodeOptions{JPEGQuality: s.cfg.JPEGQuality}); err != nil {
		return "", fmt.Errorf("save %s of page %s: %w", v, id, err)
	}
	return URIFromPath(path), nil
}

// SaveWithPreview stores a full image and its preview in one call.
func (s *Store) SaveWithPreview(id string, full, preview Variant, revision int, img image.Image) (string, string, error) {
	uri, err := s.SaveVariant(id, full, revision, img)
	if err != nil {
		return "", "", err
	}
	previewURI, err := s.SaveVariant(id, preview, revision, img)
	if err != nil {
		return "", "", err
	}
	return uri, previewURI, nil
}

// Load decodes the image behind uri.
func (s *Store) Load(uri string) (image.Image, error) {
	path, err := PathFromURI(uri)
	if err != nil {
		return nil, err
	}
	img, _, err := utils.LoadImage(path)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// ExportPath returns a fresh path for an export artifact. The base name is
// reduced to a portable ASCII form.
func (s *Store) ExportPath(base, ext string) (string, error) {
	dir := filepath.Join(s.root, "exports")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stamp := s.now().UTC().Format("20060102-150405")
	name := SanitizeFileName(base)
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.%s", name, stamp, ext))
	for i := 2; fileExists(path); i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s-%s-%d.%s", name, stamp, i, ext))
	}
	// Reserve the name before returning it.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // G304: path is built inside the store
	if err != nil {
		return "", fmt.Errorf("reserve export path: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// UploadPath returns a fresh path for a file received from a client.
func (s *Store) UploadPath(name string) (string, error) {
	dir := filepath.Join(s.root, "uploads")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(name))
	f, err := os.CreateTemp(dir, SanitizeFileName(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))+"-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// RemovePage deletes every stored file of a page.
func (s *Store) RemovePage(id string) error {
	dir, err := s.pageDir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove page %s: %w", id, err)
	}
	return nil
}

// Cleanup deletes all pages, exports and uploads. The root itself is kept.
func (s *Store) Cleanup() error {
	var errs []error
	for _, sub := range []string{"pages", "exports", "uploads"} {
		if err := os.RemoveAll(filepath.Join(s.root, sub)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("cleanup storage: %w", err)
	}
	slog.Info("Storage cleaned up", "dir", s.root)
	return nil
}

// URIFromPath converts a local path to a file:// URI.
func URIFromPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String()
}

// PathFromURI converts a file:// URI back to a local path. Plain paths are
// accepted as well.
func PathFromURI(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURI)
	}
	if !strings.Contains(uri, "://") {
		return filepath.Clean(uri), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != "file" || (u.Host != "" && u.Host != "localhost") {
		return "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}
	return filepath.FromSlash(u.Path), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
