// Package tiff writes multi-page baseline TIFF files.
//
// Pages are stored uncompressed, one strip per page, as 8-bit RGB, 8-bit
// grayscale or 1-bit bilevel data. Every page gets its own IFD and the IFDs
// are chained in page order.
package tiff

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/docscan/internal/utils"
	"github.com/disintegration/imaging"
)

// DefaultDPI is written as the resolution of every page when none is set.
const DefaultDPI = 200

// ErrNoPages is returned when Encode is called without images.
var ErrNoPages = errors.New("tiff: no pages")

// Options controls encoding.
type Options struct {
	// OneBit stores every page as bilevel black and white, thresholded
	// with Otsu's method.
	OneBit bool
	DPI    int
}

type mode int

const (
	modeRGB mode = iota
	modeGray
	modeBilevel
)

const (
	typeShort    = 3
	typeLong     = 4
	typeRational = 5

	photometricBlackIsZero = 1
	photometricRGB         = 2

	ifdEntries = 15
	ifdSize    = 2 + ifdEntries*12 + 4
)

// page is one image prepared for writing.
type page struct {
	img       image.Image
	mode      mode
	threshold uint8
	w, h      int
}

func (p page) samples() int {
	if p.mode == modeRGB {
		return 3
	}
	return 1
}

func (p page) rowBytes() int {
	switch p.mode {
	case modeBilevel:
		return (p.w + 7) / 8
	case modeGray:
		return p.w
	default:
		return 3 * p.w
	}
}

func (p page) dataSize() int { return p.rowBytes() * p.h }

// extraSize is the out-of-line tag data following the IFD.
func (p page) extraSize() int {
	n := 16 // two rationals
	if p.samples() > 2 {
		n += 2 * p.samples()
	}
	return n
}

func preparePage(img image.Image, oneBit bool) (page, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return page{}, fmt.Errorf("tiff: empty image %v", b)
	}
	p := page{w: b.Dx(), h: b.Dy()}

	q := utils.AssessImageQuality(img)
	if q.HasAlpha {
		img = imaging.Overlay(imaging.New(p.w, p.h, color.White), img, image.Pt(0, 0), 1.0)
	}

	switch {
	case oneBit:
		gray := utils.ToGray(img)
		p.mode = modeBilevel
		p.threshold = utils.OtsuThreshold(gray.Pix)
		p.img = gray
	case q.IsGrayscale:
		p.mode = modeGray
		p.img = utils.ToGray(img)
	default:
		p.mode = modeRGB
		p.img = imaging.Clone(img)
	}
	return p, nil
}

// Encode writes images as a multi-page TIFF to w.
func Encode(ctx context.Context, w io.Writer, images []image.Image, opts Options) error {
	if len(images) == 0 {
		return ErrNoPages
	}
	if opts.DPI <= 0 {
		opts.DPI = DefaultDPI
	}

	pages := make([]page, len(images))
	for i, img := range images {
		if img == nil {
			return fmt.Errorf("tiff: page %d is nil", i+1)
		}
		p, err := preparePage(img, opts.OneBit)
		if err != nil {
			return fmt.Errorf("page %d: %w", i+1, err)
		}
		pages[i] = p
	}

	// Each page is laid out as: strip data, padding, IFD, out-of-line values.
	offsets := make([]uint32, len(pages)+1)
	pos := 8
	for i, p := range pages {
		pos += p.dataSize()
		pos += pos % 2
		offsets[i] = uint32(pos) //nolint:gosec // G115: checked below
		pos += ifdSize + p.extraSize()
	}
	if pos > 1<<32-1 {
		return errors.New("tiff: output exceeds 4 GiB")
	}

	bw := bufio.NewWriter(w)
	ew := &errWriter{w: bw}
	ew.write([]byte("II"))
	ew.u16(42)
	ew.u32(offsets[0])

	written := 8
	for i, p := range pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		stripOffset := written
		writePixels(ew, p)
		written += p.dataSize()
		if written%2 == 1 {
			ew.write([]byte{0})
			written++
		}
		writeIFD(ew, p, ifdParams{
			offset:      offsets[i],
			next:        offsets[i+1],
			stripOffset: uint32(stripOffset), //nolint:gosec // G115: bounded by the size check
			pageIndex:   i,
			pageCount:   len(pages),
			dpi:         opts.DPI,
		})
		written += ifdSize + p.extraSize()
		if ew.err != nil {
			return fmt.Errorf("tiff: write page %d: %w", i+1, ew.err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("tiff: %w", err)
	}
	return nil
}

// WriteFile encodes images into path, replacing any existing file.
func WriteFile(ctx context.Context, path string, images []image.Image, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("tiff: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tiff-*")
	if err != nil {
		return fmt.Errorf("tiff: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := Encode(ctx, tmp, images, opts); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tiff: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("tiff: %w", err)
	}
	slog.Info("TIFF exported", "path", path, "pages", len(images), "one_bit", opts.OneBit)
	return nil
}

func writePixels(ew *errWriter, p page) {
	row := make([]byte, p.rowBytes())
	switch p.mode {
	case modeBilevel:
		gray, _ := p.img.(*image.Gray)
		for y := range p.h {
			clear(row)
			src := gray.Pix[y*gray.Stride : y*gray.Stride+p.w]
			for x, v := range src {
				if v > p.threshold {
					row[x/8] |= 0x80 >> (x % 8)
				}
			}
			ew.write(row)
		}
	case modeGray:
		gray, _ := p.img.(*image.Gray)
		for y := range p.h {
			ew.write(gray.Pix[y*gray.Stride : y*gray.Stride+p.w])
		}
	default:
		nrgba, _ := p.img.(*image.NRGBA)
		for y := range p.h {
			src := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*p.w]
			for x := range p.w {
				copy(row[3*x:3*x+3], src[4*x:4*x+3])
			}
			ew.write(row)
		}
	}
}

type ifdParams struct {
	offset, next, stripOffset uint32
	pageIndex, pageCount      int
	dpi                       int
}

type entry struct {
	tag, typ uint16
	count    uint32
	value    uint32
	shorts   [2]uint16
}

func writeIFD(ew *errWriter, p page, params ifdParams) {
	extra := params.offset + ifdSize
	samples := p.samples()

	bitsPerSample := entry{tag: 258, typ: typeShort, count: uint32(samples)} //nolint:gosec // G115: 1 or 3
	var bits uint16 = 8
	if p.mode == modeBilevel {
		bits = 1
	}
	if samples > 2 {
		bitsPerSample.value = extra
		extra += uint32(2 * samples) //nolint:gosec // G115: small
	} else {
		bitsPerSample.shorts[0] = bits
	}
	xRes := extra
	yRes := extra + 8

	photometric := uint16(photometricBlackIsZero)
	if p.mode == modeRGB {
		photometric = photometricRGB
	}
	var subfile uint32
	if params.pageCount > 1 {
		subfile = 2
	}

	entries := [ifdEntries]entry{
		{tag: 254, typ: typeLong, count: 1, value: subfile},
		{tag: 256, typ: typeLong, count: 1, value: uint32(p.w)}, //nolint:gosec // G115: image width
		{tag: 257, typ: typeLong, count: 1, value: uint32(p.h)}, //nolint:gosec // G115: image height
		bitsPerSample,
		{tag: 259, typ: typeShort, count: 1, shorts: [2]uint16{1}},
		{tag: 262, typ: typeShort, count: 1, shorts: [2]uint16{photometric}},
		{tag: 273, typ: typeLong, count: 1, value: params.stripOffset},
		{tag: 277, typ: typeShort, count: 1, shorts: [2]uint16{uint16(samples)}},             //nolint:gosec // G115: 1 or 3
		{tag: 278, typ: typeLong, count: 1, value: uint32(p.h)},                              //nolint:gosec // G115: image height
		{tag: 279, typ: typeLong, count: 1, value: uint32(p.dataSize())},                     //nolint:gosec // G115: bounded by the size check
		{tag: 282, typ: typeRational, count: 1, value: xRes},
		{tag: 283, typ: typeRational, count: 1, value: yRes},
		{tag: 284, typ: typeShort, count: 1, shorts: [2]uint16{1}},
		{tag: 296, typ: typeShort, count: 1, shorts: [2]uint16{2}},
		{tag: 297, typ: typeShort, count: 2, shorts: [2]uint16{uint16(params.pageIndex), uint16(params.pageCount)}}, //nolint:gosec // G115: page counts are small
	}

	ew.u16(ifdEntries)
	for _, e := range entries {
		ew.u16(e.tag)
		ew.u16(e.typ)
		ew.u32(e.count)
		if e.typ == typeShort && e.count <= 2 {
			ew.u16(e.shorts[0])
			ew.u16(e.shorts[1])
			continue
		}
		ew.u32(e.value)
	}
	ew.u32(params.next)

	if samples > 2 {
		for range samples {
			ew.u16(bits)
		}
	}
	dpi := uint32(params.dpi) //nolint:gosec // G115: positive
	ew.u32(dpi)
	ew.u32(1)
	ew.u32(dpi)
	ew.u32(1)
}

// errWriter remembers the first write error.
type errWriter struct {
	w   io.Writer
	err error
	buf [4]byte
}

func (e *errWriter) write(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *errWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(e.buf[:2], v)
	e.write(e.buf[:2])
}

func (e *errWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}
