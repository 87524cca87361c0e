package scanner

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/docscan/internal/capture"
	"github.com/MeKo-Tech/docscan/internal/filter"
	"github.com/MeKo-Tech/docscan/internal/page"
	"github.com/MeKo-Tech/docscan/internal/pdf"
	"github.com/MeKo-Tech/docscan/internal/storage"
	"github.com/MeKo-Tech/docscan/internal/testutil"
	"github.com/MeKo-Tech/docscan/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xtiff "golang.org/x/image/tiff"
)

func newEngine(t *testing.T, inbox *capture.Inbox) *Engine {
	t.Helper()
	store, err := storage.New(storage.Config{Dir: filepath.Join(t.TempDir(), "store"), ImageFormat: "png", PreviewSize: 64})
	require.NoError(t, err)
	return NewEngine(store, inbox, nil, Options{})
}

func documentURI(t *testing.T) string {
	t.Helper()
	return storage.URIFromPath(testutil.WriteDocumentImage(t, t.TempDir(), "doc.png", testutil.DefaultDocumentConfig()))
}

func blankURI(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blank.png")
	testutil.SaveImage(t, utils.Fill(200, 150, color.Gray{Y: 128}), path)
	return storage.URIFromPath(path)
}

func loadURI(t *testing.T, uri string) image.Image {
	t.Helper()
	path, err := storage.PathFromURI(uri)
	require.NoError(t, err)
	return testutil.LoadImage(t, path)
}

func detectedPage(t *testing.T, e *Engine) page.Page {
	t.Helper()
	ctx := context.Background()
	p, err := e.CreatePage(ctx, documentURI(t))
	require.NoError(t, err)
	p, err = e.DetectDocument(ctx, p)
	require.NoError(t, err)
	require.True(t, p.DocumentReady())
	return p
}

func TestEngine_CreatePage(t *testing.T) {
	e := newEngine(t, nil)
	p, err := e.CreatePage(context.Background(), documentURI(t))
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.False(t, p.DocumentReady())
	assert.Equal(t, page.StateCaptured, p.State())
	assert.Equal(t, 640, loadURI(t, p.OriginalImageURI).Bounds().Dx())
	assert.Equal(t, 64, loadURI(t, p.OriginalPreviewURI).Bounds().Dx())

	_, err = e.CreatePage(context.Background(), storage.URIFromPath(filepath.Join(t.TempDir(), "missing.png")))
	require.Error(t, err)
}

func TestEngine_DetectDocument(t *testing.T) {
	e := newEngine(t, nil)
	p := detectedPage(t, e)

	assert.Equal(t, page.DetectionOK, p.DetectionStatus)
	require.Len(t, p.Polygon, 4)
	want := []page.Point{{X: 0.25, Y: 0.125}, {X: 0.75, Y: 0.125}, {X: 0.75, Y: 0.875}, {X: 0.25, Y: 0.875}}
	for i := range want {
		assert.InDelta(t, want[i].X, p.Polygon[i].X, 0.03, "corner %d", i)
		assert.InDelta(t, want[i].Y, p.Polygon[i].Y, 0.03, "corner %d", i)
	}

	doc := loadURI(t, p.DocumentImageURI)
	assert.InDelta(t, 320, doc.Bounds().Dx(), 20)
	assert.InDelta(t, 360, doc.Bounds().Dy(), 20)
	assert.Greater(t, testutil.MeanLuma(doc), 200.0, "document image should be mostly paper")
	assert.NotEmpty(t, p.DocumentPreviewURI)
	assert.Equal(t, p.DocumentPreviewURI, p.PreviewURI())
}

func TestEngine_DetectDocument_NothingFound(t *testing.T) {
	e := newEngine(t, nil)
	p, err := e.CreatePage(context.Background(), blankURI(t))
	require.NoError(t, err)

	detected, err := e.DetectDocument(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, detected.DocumentReady())
	assert.Equal(t, page.DetectionNothingDetected, detected.DetectionStatus)
	assert.Empty(t, detected.Polygon)
	assert.Equal(t, p.ID, detected.ID)
}

func TestEngine_Crop(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	p, err := e.CreatePage(ctx, blankURI(t))
	require.NoError(t, err)

	t.Run("full frame without polygon", func(t *testing.T) {
		res, err := e.Crop(ctx, p, CropOptions{})
		require.NoError(t, err)
		assert.Equal(t, StatusOK, res.Status)
		assert.Equal(t, page.DetectionFullFrameCropped, res.Page.DetectionStatus)
		assert.Equal(t, image.Rect(0, 0, 200, 150), loadURI(t, res.Page.DocumentImageURI).Bounds())
	})

	t.Run("manual polygon in any order", func(t *testing.T) {
		poly := []page.Point{{X: 0.5, Y: 1}, {X: 0, Y: 0}, {X: 0.5, Y: 0}, {X: 0, Y: 1}}
		res, err := e.Crop(ctx, p, CropOptions{Polygon: poly})
		require.NoError(t, err)
		require.Equal(t, StatusOK, res.Status)
		assert.Equal(t, page.DetectionManuallyCropped, res.Page.DetectionStatus)
		assert.Equal(t, page.Point{X: 0, Y: 0}, res.Page.Polygon[0])
		assert.Equal(t, image.Rect(0, 0, 100, 150), loadURI(t, res.Page.DocumentImageURI).Bounds())
		assert.Greater(t, res.Page.Revision, p.Revision)
	})

	t.Run("degenerate polygon cancels", func(t *testing.T) {
		for _, poly := range [][]page.Point{
			{{X: 0, Y: 0}, {X: 1, Y: 1}},
			{{X: 0, Y: 0}, {X: 0.5, Y: 0.5}, {X: 1, Y: 1}, {X: 0.2, Y: 0.2}},
		} {
			res, err := e.Crop(ctx, p, CropOptions{Polygon: poly})
			require.NoError(t, err)
			assert.Equal(t, StatusCanceled, res.Status)
			assert.Equal(t, p, res.Page)
		}
	})
}

func TestEngine_Rotate(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	p := detectedPage(t, e)
	doc := loadURI(t, p.DocumentImageURI).Bounds()

	ccw, err := e.Rotate(ctx, p, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, ccw.Rotation)
	assert.Equal(t, image.Rect(0, 0, 480, 640), loadURI(t, ccw.OriginalImageURI).Bounds())
	rotatedDoc := loadURI(t, ccw.DocumentImageURI).Bounds()
	assert.InDelta(t, doc.Dy(), rotatedDoc.Dx(), 2)
	assert.InDelta(t, doc.Dx(), rotatedDoc.Dy(), 2)

	// The polygon follows the page: top-left is now the former top-right.
	assert.InDelta(t, p.Polygon[1].Y, ccw.Polygon[0].X, 1e-9)
	assert.InDelta(t, 1-p.Polygon[1].X, ccw.Polygon[0].Y, 1e-9)

	// Replaced records never share files with their predecessors.
	assert.NotEqual(t, p.OriginalImageURI, ccw.OriginalImageURI)
	assert.NotEqual(t, p.DocumentImageURI, ccw.DocumentImageURI)
	assert.Equal(t, image.Rect(0, 0, 640, 480), loadURI(t, p.OriginalImageURI).Bounds())

	cw, err := e.Rotate(ctx, p, -1)
	require.NoError(t, err)
	assert.Equal(t, 3, cw.Rotation)

	same, err := e.Rotate(ctx, p, 4)
	require.NoError(t, err)
	assert.Equal(t, p.OriginalImageURI, same.OriginalImageURI)
}

func TestEngine_RotateCapturedPage(t *testing.T) {
	e := newEngine(t, nil)
	p, err := e.CreatePage(context.Background(), blankURI(t))
	require.NoError(t, err)

	r, err := e.Rotate(context.Background(), p, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Rotation)
	assert.False(t, r.DocumentReady())
	assert.Equal(t, image.Rect(0, 0, 200, 150), loadURI(t, r.OriginalImageURI).Bounds())
}

func TestEngine_ApplyFilter(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	p := detectedPage(t, e)

	gray, err := e.ApplyFilter(ctx, p, filter.Grayscale)
	require.NoError(t, err)
	assert.Equal(t, "grayscale", gray.Filter)
	assert.True(t, utils.AssessImageQuality(loadURI(t, gray.DocumentImageURI)).IsGrayscale)

	bin, err := e.ApplyFilter(ctx, gray, "Binarized")
	require.NoError(t, err)
	assert.Equal(t, "binarized", bin.Filter)
	assert.True(t, utils.AssessImageQuality(loadURI(t, bin.DocumentImageURI)).IsBilevel)

	// Rotation keeps the filter.
	rotated, err := e.Rotate(ctx, bin, 1)
	require.NoError(t, err)
	assert.Equal(t, "binarized", rotated.Filter)
	assert.True(t, utils.AssessImageQuality(loadURI(t, rotated.DocumentImageURI)).IsBilevel)

	none, err := e.ApplyFilter(ctx, bin, filter.None)
	require.NoError(t, err)
	assert.Empty(t, none.Filter)
	assert.False(t, utils.AssessImageQuality(loadURI(t, none.DocumentImageURI)).IsBilevel)

	_, err = e.ApplyFilter(ctx, p, "sepia")
	require.ErrorIs(t, err, filter.ErrUnknownFilter)

	captured, err := e.CreatePage(ctx, blankURI(t))
	require.NoError(t, err)
	_, err = e.ApplyFilter(ctx, captured, filter.Grayscale)
	require.Error(t, err)
}

func TestEngine_Capture(t *testing.T) {
	ctx := context.Background()
	inboxDir := t.TempDir()
	testutil.WriteDocumentImage(t, inboxDir, "a.png", testutil.DefaultDocumentConfig())
	testutil.WriteDocumentImage(t, inboxDir, "b.png", testutil.DefaultDocumentConfig())

	e := newEngine(t, capture.NewInbox(capture.Config{InboxDir: inboxDir}))
	res, err := e.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	require.Len(t, res.Pages, 2)
	assert.NotEqual(t, res.Pages[0].ID, res.Pages[1].ID)
	for _, p := range res.Pages {
		assert.True(t, p.DocumentReady())
	}
	assert.Empty(t, testutil.ListFiles(t, inboxDir, ".png"))

	res, err = e.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Status)
	assert.Empty(t, res.Pages)
}

func TestEngine_CaptureWithoutInbox(t *testing.T) {
	res, err := newEngine(t, nil).Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Status)
}

func TestEngine_CaptureKeepsInboxOnFailure(t *testing.T) {
	inboxDir := t.TempDir()
	good := testutil.WriteDocumentImage(t, inboxDir, "a.png", testutil.DefaultDocumentConfig())
	require.NoError(t, os.WriteFile(filepath.Join(inboxDir, "b.png"), []byte("not an image"), 0o600))

	e := newEngine(t, capture.NewInbox(capture.Config{InboxDir: inboxDir}))
	_, err := e.Capture(context.Background())
	require.Error(t, err)
	assert.FileExists(t, good)
	assert.Empty(t, testutil.ListFiles(t, filepath.Join(e.Store().Root(), "pages"), ".png"))
}

func TestEngine_ExportPDF(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	a, b := detectedPage(t, e), detectedPage(t, e)

	res, err := e.ExportPDF(ctx, []string{a.ExportURI(), b.ExportURI()}, PDFOptions{Name: "My Scan"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)

	path, err := storage.PathFromURI(res.PDFURI)
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), "my-scan-")
	n, err := pdf.PageCount(path, pdf.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = e.ExportPDF(ctx, nil, PDFOptions{})
	require.Error(t, err)
}

func TestEngine_ExportTIFF(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	p := detectedPage(t, e)

	res, err := e.ExportTIFF(ctx, []string{p.ExportURI(), p.ExportURI()}, TIFFOptions{OneBit: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)

	path, err := storage.PathFromURI(res.TIFFURI)
	require.NoError(t, err)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	img, err := xtiff.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, loadURI(t, p.DocumentImageURI).Bounds(), img.Bounds())

	_, err = e.ExportTIFF(ctx, nil, TIFFOptions{})
	require.Error(t, err)
}

func TestEngine_ImportPDF(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	p := detectedPage(t, e)
	blank, err := e.CreatePage(ctx, blankURI(t))
	require.NoError(t, err)
	exported, err := e.ExportPDF(ctx, []string{p.OriginalImageURI, blank.OriginalImageURI}, PDFOptions{})
	require.NoError(t, err)

	pages, err := e.ImportPDF(ctx, exported.PDFURI)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	for _, imported := range pages {
		assert.True(t, imported.DocumentReady())
		assert.NotEqual(t, p.ID, imported.ID)
	}
	assert.Equal(t, page.DetectionOK, pages[0].DetectionStatus)
	// Nothing to detect on the blank page, so it is taken as already cropped.
	assert.Equal(t, page.DetectionFullFrameCropped, pages[1].DetectionStatus)
	assert.Equal(t, image.Rect(0, 0, 200, 150), loadURI(t, pages[1].DocumentImageURI).Bounds())

	_, err = e.ImportPDF(ctx, storage.URIFromPath(filepath.Join(t.TempDir(), "missing.pdf")))
	require.Error(t, err)
}

func TestEngine_Cleanup(t *testing.T) {
	e := newEngine(t, nil)
	p := detectedPage(t, e)

	require.NoError(t, e.Cleanup(context.Background()))
	path, err := storage.PathFromURI(p.OriginalImageURI)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
	assert.DirExists(t, e.Store().Root())
}

func TestEngine_Filters(t *testing.T) {
	assert.Equal(t, filter.All(), newEngine(t, nil).Filters())
}

func TestRotatePolygon(t *testing.T) {
	quad := utilsQuad(0.1, 0.2, 0.6, 0.9)
	assert.Equal(t, quad, rotatePolygon(quad, 0))

	once := rotatePolygon(quad, 1)
	back := rotatePolygon(once, 3)
	for i := range quad {
		assert.InDelta(t, quad[i].X, back[i].X, 1e-9)
		assert.InDelta(t, quad[i].Y, back[i].Y, 1e-9)
	}
}

func TestNormalizeQuad(t *testing.T) {
	q, ok := normalizeQuad(fromPagePoints([]page.Point{{X: -1, Y: -1}, {X: 2, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}))
	require.True(t, ok)
	assert.Equal(t, utilsQuad(0, 0, 1, 1), q)

	_, ok = normalizeQuad(nil)
	assert.False(t, ok)
}

func utilsQuad(x0, y0, x1, y1 float64) []utils.Point {
	return []utils.Point{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}}
}

func TestEngineFactory_IsolatesSessions(t *testing.T) {
	root := t.TempDir()
	factory := EngineFactory(FactoryConfig{
		Storage: storage.Config{Dir: root, ImageFormat: "png"},
	})

	a, err := factory("a")
	require.NoError(t, err)
	b, err := factory("b")
	require.NoError(t, err)

	src := documentURI(t)
	pa, err := a.CreatePage(context.Background(), src)
	require.NoError(t, err)
	pb, err := b.CreatePage(context.Background(), src)
	require.NoError(t, err)

	assert.Contains(t, pa.OriginalImageURI, "/sessions/a/")
	assert.Contains(t, pb.OriginalImageURI, "/sessions/b/")

	require.NoError(t, a.Cleanup(context.Background()))
	pathB, err := storage.PathFromURI(pb.OriginalImageURI)
	require.NoError(t, err)
	assert.FileExists(t, pathB)
}
