package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/docscan/internal/capture"
	"github.com/MeKo-Tech/docscan/internal/config"
	"github.com/MeKo-Tech/docscan/internal/filter"
	"github.com/MeKo-Tech/docscan/internal/progress"
	"github.com/MeKo-Tech/docscan/internal/session"
	"github.com/MeKo-Tech/docscan/internal/storage"
	"github.com/MeKo-Tech/docscan/internal/utils"
)

// scanOptions holds the flags of the scan command.
type scanOptions struct {
	pdf       bool
	recursive bool
	include   []string
	exclude   []string
	filter    string
	rotate    int // degrees clockwise
	format    string
	oneBit    bool
	output    string
	quiet     bool
}

func newScanCmd(a *app) *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan [files|dirs...]",
		Short: "Turn photos of documents into a PDF or TIFF",
		Long: `Import every image (and PDF with --pdf), crop each page along the
detected document outline, optionally rotate and filter it, and export the
pages as one PDF or multi-page TIFF.

Examples:
  docscan scan receipt.jpg
  docscan scan photos/ --recursive --filter grayscale --output letter.pdf
  docscan scan page1.png page2.png --format tiff --one-bit --output fax.tiff
  docscan scan archive.pdf --pdf --rotate 90`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep := progress.Reporter(progress.NoOp{})
			if !opts.quiet {
				rep = progress.Multi{
					progress.NewConsole(cmd.ErrOrStderr(), "Importing: "),
					progress.NewLog(slog.Default(), slog.LevelDebug, 10),
				}
			}
			return runScan(cmd.Context(), a.cfg, args, *opts, rep, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.pdf, "pdf", false, "also import the page images of PDF files")
	flags.BoolVarP(&opts.recursive, "recursive", "r", false, "descend into subdirectories")
	flags.StringSliceVar(&opts.include, "include", nil, "only take files matching these patterns (e.g. '*.jpg')")
	flags.StringSliceVar(&opts.exclude, "exclude", nil, "skip files matching these patterns")
	flags.StringVar(&opts.filter, "filter", "", "filter applied to every page ("+filterNames()+")")
	flags.IntVar(&opts.rotate, "rotate", 0, "rotate every page clockwise by 90, 180 or 270 degrees")
	flags.StringVarP(&opts.format, "format", "f", "pdf", "export format: pdf or tiff")
	flags.BoolVar(&opts.oneBit, "one-bit", false, "write bilevel TIFF pages")
	flags.StringVarP(&opts.output, "output", "o", "", "output file (default <export name>.<format>)")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "do not show progress")
	return cmd
}

func filterNames() string {
	names := filter.All()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return strings.Join(out, ", ")
}

func (o scanOptions) validate() (filter.Name, int, error) {
	if o.format != "pdf" && o.format != "tiff" {
		return "", 0, fmt.Errorf("invalid format %q (must be pdf or tiff)", o.format)
	}
	if o.oneBit && o.format != "tiff" {
		return "", 0, errors.New("--one-bit requires --format tiff")
	}
	if o.rotate%90 != 0 {
		return "", 0, fmt.Errorf("invalid rotation %d (must be a multiple of 90)", o.rotate)
	}
	var name filter.Name
	if o.filter != "" {
		var err error
		if name, err = filter.Parse(o.filter); err != nil {
			return "", 0, err
		}
	}
	// Positive quarter turns are counter-clockwise.
	return name, -o.rotate / 90, nil
}

// runScan imports inputs into a fresh session, prepares every page and
// writes the export to the output path.
func runScan(ctx context.Context, cfg *config.Config, inputs []string, opts scanOptions,
	rep progress.Reporter, out io.Writer,
) error {
	filterName, quarterTurns, err := opts.validate()
	if err != nil {
		return err
	}

	discover := capture.Filter{Recursive: opts.recursive, Include: opts.include, Exclude: opts.exclude}
	if opts.pdf {
		discover.Extensions = append(append([]string(nil), utils.SupportedImageExtensions...), ".pdf")
	}
	files, err := capture.Discover(inputs, discover)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no input images found")
	}

	store := newSessionStore(cfg)
	defer func() {
		if err := store.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to clean up scan session", "error", err)
		}
	}()
	sess, err := store.Create()
	if err != nil {
		return err
	}

	importFiles(ctx, sess, files, rep)
	if sess.State().Len() == 0 {
		return errors.New("no page could be imported")
	}

	if err := preparePages(ctx, sess, filterName, quarterTurns); err != nil {
		return err
	}

	exported, pages, err := export(ctx, sess, opts)
	if err != nil {
		return err
	}

	output := opts.output
	if output == "" {
		output = cfg.Export.Name + "." + opts.format
	}
	if err := copyFile(exported, output); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	_, _ = fmt.Fprintf(out, "Exported %d page(s) to %s\n", pages, output)
	return nil
}

// importFiles adds every file to the session. Files that fail are reported
// and skipped.
func importFiles(ctx context.Context, sess *session.Session, files []string, rep progress.Reporter) {
	rep.OnStart(len(files))
	for i, f := range files {
		uri := storage.URIFromPath(f)
		var err error
		if strings.EqualFold(filepath.Ext(f), ".pdf") {
			_, err = sess.ImportPDF(ctx, uri)
		} else {
			_, err = sess.ImportImage(ctx, uri)
		}
		if err != nil {
			rep.OnError(i+1, f, err)
			continue
		}
		rep.OnProgress(i+1, len(files), filepath.Base(f))
	}
	rep.OnComplete()
}

// preparePages crops every page that has no document image yet, then
// applies the rotation and the filter.
func preparePages(ctx context.Context, sess *session.Session, f filter.Name, quarterTurns int) error {
	for _, id := range sess.State().IDs() {
		st, err := sess.SelectPage(id)
		if err != nil {
			return err
		}
		if p, ok := st.SelectedPage(); ok && !p.DocumentReady() {
			if _, err := sess.Crop(ctx, nil); err != nil {
				return fmt.Errorf("crop page %s: %w", id, err)
			}
		}
		if quarterTurns != 0 {
			if _, err := sess.Rotate(ctx, quarterTurns); err != nil {
				return fmt.Errorf("rotate page %s: %w", id, err)
			}
		}
		if f != "" {
			if _, err := sess.ApplyFilter(ctx, f); err != nil {
				return fmt.Errorf("filter page %s: %w", id, err)
			}
		}
	}
	return nil
}

func export(ctx context.Context, sess *session.Session, opts scanOptions) (string, int, error) {
	var uri string
	var pages int
	if opts.format == "tiff" {
		res, err := sess.CreateTIFF(ctx, opts.oneBit)
		if err != nil {
			return "", 0, err
		}
		uri, pages = res.TIFFURI, res.Pages
	} else {
		res, err := sess.CreatePDF(ctx)
		if err != nil {
			return "", 0, err
		}
		uri, pages = res.PDFURI, res.Pages
	}
	path, err := storage.PathFromURI(uri)
	if err != nil {
		return "", 0, err
	}
	return path, pages, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: export path produced by the engine
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	outFile, err := os.Create(dst) //nolint:gosec // G304: user-chosen output path
	if err != nil {
		return err
	}
	if _, err := io.Copy(outFile, in); err != nil {
		_ = outFile.Close()
		return err
	}
	return outFile.Close()
}
