// Package pdf builds PDF documents from page images and pulls page images
// back out of existing PDFs, using pdfcpu.
package pdf

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/docscan/internal/utils"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// ExportOptions controls PDF creation.
type ExportOptions struct {
	// PageSize is a pdfcpu form size such as "A4" or "Letter". Empty means A4.
	PageSize string
	// Protect encrypts the result when any password is set.
	Protect Credentials
}

// ImportOptions controls image extraction.
type ImportOptions struct {
	// Pages selects pages like "1-3,5"; empty selects all.
	Pages       string
	Credentials Credentials
}

// Export writes one page per image to outFile. Images must be JPEG, PNG,
// TIFF or WebP files. An existing outFile is replaced.
func Export(ctx context.Context, images []string, outFile string, opts ExportOptions) error {
	if len(images) == 0 {
		return errors.New("export pdf: no images")
	}
	for _, img := range images {
		if _, err := os.Stat(img); err != nil {
			return fmt.Errorf("export pdf: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	size := opts.PageSize
	if size == "" {
		size = "A4"
	}
	imp, err := api.Import(fmt.Sprintf("formsize:%s, position:full", size), types.POINTS)
	if err != nil {
		return fmt.Errorf("export pdf: invalid page size %q: %w", size, err)
	}

	// pdfcpu appends to existing files, so build into a fresh sibling.
	tmp := outFile + ".partial.pdf"
	_ = os.Remove(tmp)
	if err := api.ImportImagesFile(images, tmp, imp, nil); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("export pdf: %w", err)
	}
	if !opts.Protect.Empty() {
		if err := encryptInPlace(tmp, opts.Protect); err != nil {
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, outFile); err != nil {
		return fmt.Errorf("export pdf: %w", err)
	}

	slog.Info("PDF exported", "path", outFile, "pages", len(images), "encrypted", !opts.Protect.Empty())
	return nil
}

// PageCount returns the number of pages in filename.
func PageCount(filename string, creds Credentials) (int, error) {
	if creds.Empty() {
		n, err := api.PageCountFile(filename)
		if err != nil && IsPasswordError(err) {
			return 0, fmt.Errorf("%w: %v", ErrPasswordRequired, err)
		}
		return n, err
	}
	f, err := os.Open(filename) //nolint:gosec // G304: caller-provided PDF path
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	n, err := api.PageCount(f, creds.configuration())
	if err != nil && IsPasswordError(err) {
		return 0, fmt.Errorf("%w: %v", ErrPasswordRequired, err)
	}
	return n, err
}

// ExtractedImage is one image found on a PDF page.
type ExtractedImage struct {
	Page  int
	Index int
	Image image.Image
}

// Import extracts the embedded images of a PDF, ordered by page and then by
// position within the page. Encrypted files are decrypted with the supplied
// credentials first.
func Import(ctx context.Context, filename string, opts ImportOptions) ([]ExtractedImage, error) {
	pages, err := ParsePageRange(opts.Pages)
	if err != nil {
		return nil, fmt.Errorf("invalid page range %q: %w", opts.Pages, err)
	}

	tempDir, err := os.MkdirTemp("", "docscan-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(tempDir) }()

	source := filename
	encrypted, err := IsEncrypted(filename)
	if err != nil {
		return nil, err
	}
	if encrypted {
		if opts.Credentials.Empty() {
			return nil, ErrPasswordRequired
		}
		if source, err = decryptToTemp(filename, tempDir, opts.Credentials); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outDir := filepath.Join(tempDir, "images")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, err
	}
	if err := api.ExtractImagesFile(source, outDir, pageStrings(pages), nil); err != nil {
		return nil, fmt.Errorf("failed to extract images from PDF: %w", err)
	}

	images, err := collectExtractedImages(ctx, outDir, strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)))
	if err != nil {
		return nil, fmt.Errorf("failed to process extracted images: %w", err)
	}
	slog.Debug("Extracted PDF images", "file", filename, "images", len(images))
	return images, nil
}

// collectExtractedImages loads every image pdfcpu wrote to dir. File names
// carry the page number after the source base name, for example
// "scan_3_Im1.png".
func collectExtractedImages(ctx context.Context, dir, base string) ([]ExtractedImage, error) {
	var out []ExtractedImage
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !utils.IsSupportedImage(path) {
			return nil
		}
		pageNum, ok := pageFromFilename(d.Name(), base)
		if !ok {
			slog.Debug("Skipping extracted file without page number", "file", d.Name())
			return nil
		}
		img, _, err := utils.LoadImage(path)
		if err != nil {
			slog.Warn("Skipping unreadable extracted image", "file", d.Name(), "error", err)
			return nil
		}
		out = append(out, ExtractedImage{Page: pageNum, Image: img})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// WalkDir visits names lexically; order numerically by page instead.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	for i := range out {
		out[i].Index = i
	}
	return out, nil
}

// pageFromFilename returns the first numeric "_"-separated token after the
// base name prefix.
func pageFromFilename(name, base string) (int, bool) {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.TrimPrefix(name, base+"_")
	for _, tok := range strings.Split(name, "_") {
		if n, err := strconv.Atoi(tok); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}
