// Package capture records batches of F2C chunks in gzip'd cpio archives. An archive
// starts with a "geometry" entry holding the marshaled queue geometry, followed by
// one "chunks/NNNNNNNN" entry per batch, numbered from 0.
package capture

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/c35s/fpgalink/wire"
	"github.com/cavaliergopher/cpio"
)

const geometryEntry = "geometry"

// MaxBatch is the largest batch in bytes a Reader accepts.
const MaxBatch = 1 << 24

var (
	ErrFormat = errors.New("capture: malformed archive")
	ErrBatch  = errors.New("capture: batch isn't a whole number of chunks or exceeds MaxBatch")
)

// Writer writes a capture archive.
type Writer struct {
	zw    *gzip.Writer
	cw    *cpio.Writer
	chunk int
	n     int
	mtime time.Time
}

// NewWriter starts an archive of F2C chunks of geo on w.
func NewWriter(w io.Writer, geo wire.Geometry) (*Writer, error) {
	b, err := geo.MarshalBinary()
	if err != nil {
		return nil, err
	}

	zw := gzip.NewWriter(w)
	cw := cpio.NewWriter(zw)

	aw := &Writer{
		zw:    zw,
		cw:    cw,
		chunk: int(geo.F2CChunkSize),
		mtime: time.Now().Truncate(time.Second),
	}

	if err := aw.writeEntry(geometryEntry, b); err != nil {
		return nil, err
	}

	return aw, nil
}

// WriteBatch writes one batch of whole chunks.
func (w *Writer) WriteBatch(chunks []byte) error {
	if len(chunks) == 0 || len(chunks)%w.chunk != 0 || len(chunks) > MaxBatch {
		return fmt.Errorf("%w: %d bytes, chunk size %d", ErrBatch, len(chunks), w.chunk)
	}

	if err := w.writeEntry(batchName(w.n), chunks); err != nil {
		return err
	}

	w.n++
	return nil
}

// Batches returns the number of batches written so far.
func (w *Writer) Batches() int {
	return w.n
}

func (w *Writer) writeEntry(name string, data []byte) error {
	err := w.cw.WriteHeader(&cpio.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: w.mtime,
	})

	if err != nil {
		return err
	}

	_, err = w.cw.Write(data)
	return err
}

// Close finishes the archive. It doesn't close the underlying writer.
func (w *Writer) Close() error {
	if err := w.cw.Close(); err != nil {
		return err
	}

	return w.zw.Close()
}

func batchName(n int) string {
	return fmt.Sprintf("chunks/%08d", n)
}

// Reader reads a capture archive.
type Reader struct {
	zr  *gzip.Reader
	cr  *cpio.Reader
	geo wire.Geometry
	n   int
}

// NewReader reads the archive header from r.
func NewReader(r io.Reader) (*Reader, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	cr := cpio.NewReader(zr)

	hdr, err := cr.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	if hdr.Name != geometryEntry || hdr.Size != int64(wire.SizeofGeometry) {
		return nil, fmt.Errorf("%w: first entry is %q (%d bytes)", ErrFormat, hdr.Name, hdr.Size)
	}

	b, err := io.ReadAll(cr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	rd := &Reader{zr: zr, cr: cr}
	if err := rd.geo.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	return rd, nil
}

// Geometry returns the geometry the archive was captured with.
func (r *Reader) Geometry() wire.Geometry {
	return r.geo
}

// Next returns the next batch. It returns io.EOF after the last one.
func (r *Reader) Next() ([]byte, error) {
	hdr, err := r.cr.Next()
	if err == io.EOF {
		return nil, io.EOF
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	if want := batchName(r.n); hdr.Name != want {
		return nil, fmt.Errorf("%w: entry %q, want %q", ErrFormat, hdr.Name, want)
	}

	if size := int64(r.geo.F2CChunkSize); hdr.Size == 0 || hdr.Size%size != 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, hdr.Name, ErrBatch)
	}

	if hdr.Size > MaxBatch {
		return nil, fmt.Errorf("%w: %s: %d bytes exceeds %d", ErrFormat, hdr.Name, hdr.Size, MaxBatch)
	}

	b := make([]byte, hdr.Size)
	if _, err := io.ReadFull(r.cr, b); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFormat, hdr.Name, err)
	}

	r.n++
	return b, nil
}

// Close releases the archive's decompressor. It doesn't close the underlying reader.
func (r *Reader) Close() error {
	return r.zr.Close()
}
