package kvtable

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"os"

	"github.com/bsm/kvtable/coding"
	"github.com/pkg/errors"
)

// WriterOptions define writer specific options.
type WriterOptions struct {
	// BlockSize is the target uncompressed size in bytes of each table block.
	// Default: 8KiB.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points
	// for prefix compression of keys.
	//
	// Default: 16.
	BlockRestartInterval int

	// The compression codec to use.
	// Default: SnappyCompression.
	Compression Compression
}

func (o *WriterOptions) norm() *WriterOptions {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if oo.BlockSize < 1 {
		oo.BlockSize = 8 << 10
	}
	if oo.BlockRestartInterval < 1 {
		oo.BlockRestartInterval = 16
	}
	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}

	return &oo
}

// Writer instances can write a table. A Writer is not safe for concurrent use.
type Writer struct {
	w io.Writer
	c io.Closer // set when the writer owns its output
	o *WriterOptions

	block  blockBuilder // the current block
	enc    blockEncoder
	offset int64 // bytes written
	tmp    []byte

	index []blockInfo
	meta  Metadata
	err   error // sticky write error
}

// NewWriter wraps a writer and returns a Writer. The caller retains
// ownership of w; an *os.File can be passed to write to an open descriptor.
func NewWriter(w io.Writer, o *WriterOptions) *Writer {
	o = o.norm()
	return &Writer{
		w:     w,
		o:     o,
		block: blockBuilder{interval: o.BlockRestartInterval},
		tmp:   make([]byte, blockTrailerLen),
		meta: Metadata{
			DataBlockSize: uint64(o.BlockSize),
			Compression:   o.Compression,
		},
	}
}

// CreateFile creates a new table file. It fails if the file already exists.
// The file is owned by the writer and closed (or, on failure, removed) by
// Close.
func CreateFile(name string, o *WriterOptions) (*Writer, error) {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return newFileWriter(f, o, true), nil
}

// newFileWriter returns a writer which owns f. Temporary files are written
// with sync disabled.
func newFileWriter(f *os.File, o *WriterOptions, sync bool) *Writer {
	fw := &fileWriter{Writer: bufio.NewWriterSize(f, 64<<10), f: f, sync: sync}
	w := NewWriter(fw, o)
	w.c = fw
	return w
}

// Add appends an entry to the table. Keys must be strictly increasing.
func (w *Writer) Add(key, value []byte) error {
	if w.tmp == nil {
		return ErrClosed
	}
	if w.err != nil {
		return w.err
	}

	if w.meta.EntryCount != 0 && bytes.Compare(key, w.block.lastKey) <= 0 {
		return errors.Errorf("kvtable: attempted an out-of-order append, %q must be > %q", key, w.block.lastKey)
	}
	if uint64(len(key)) > math.MaxUint32 || uint64(len(value)) > math.MaxUint32 {
		return errors.New("kvtable: entry too large")
	}

	w.block.Add(key, value)
	w.meta.EntryCount++
	w.meta.KeyBytes += uint64(len(key))
	w.meta.ValueBytes += uint64(len(value))

	if w.block.Size() >= w.o.BlockSize {
		return w.flush()
	}
	return nil
}

// Metadata returns the statistics accumulated so far. After a successful
// Close they match the trailer of the written table.
func (w *Writer) Metadata() *Metadata {
	m := w.meta
	return &m
}

// Close flushes the remaining data, writes the index and the trailer and
// closes the writer.
func (w *Writer) Close() error {
	if w.tmp == nil {
		return ErrClosed
	}

	err := w.finish()
	w.tmp = nil

	if w.c != nil {
		if e := w.c.Close(); err == nil {
			err = e
		}
		if fw, ok := w.c.(*fileWriter); ok && err != nil {
			_ = os.Remove(fw.f.Name())
		}
	}
	return err
}

func (w *Writer) finish() error {
	if w.err != nil {
		return w.err
	}
	if err := w.flush(); err != nil {
		return err
	}

	indexOffset := w.offset
	if err := w.writeIndex(); err != nil {
		return err
	}
	w.meta.IndexBlockOffset = uint64(indexOffset)
	w.meta.IndexBlockBytes = uint64(w.offset - indexOffset)

	return w.writeRaw(w.meta.encodeTrailer(nil))
}

func (w *Writer) writeIndex() error {
	index := blockBuilder{interval: w.o.BlockRestartInterval}
	var tmp [coding.MaxVarintLen64]byte

	for _, ent := range w.index {
		n := coding.PutVarint(tmp[:], uint64(ent.Offset))
		index.Add(ent.LastKey, tmp[:n])
	}
	return w.writeBlock(index.Finish(), blockNoCompression)
}

func (w *Writer) writeBlock(payload []byte, typ byte) error {
	w.tmp[0] = typ
	crc := coding.ExtendChecksum(coding.Checksum(payload), w.tmp[:1])
	coding.PutFixed32(w.tmp[1:], crc)

	if err := w.writeRaw(payload); err != nil {
		return err
	}
	return w.writeRaw(w.tmp[:blockTrailerLen])
}

func (w *Writer) writeRaw(p []byte) error {
	n, err := w.w.Write(p)
	w.offset += int64(n)
	if err != nil {
		w.err = err
	}
	return err
}

func (w *Writer) flush() error {
	if w.block.Len() == 0 {
		return nil
	}

	offset := w.offset
	payload, typ, err := w.enc.Encode(w.block.Finish(), w.o.Compression)
	if err != nil {
		w.err = err
		return err
	}
	if err := w.writeBlock(payload, typ); err != nil {
		return err
	}

	w.index = append(w.index, blockInfo{
		LastKey: append([]byte(nil), w.block.lastKey...),
		Offset:  offset,
	})
	w.meta.DataBlockCount++
	w.meta.DataBlockBytes += uint64(w.offset - offset)
	w.block.Reset()
	return nil
}

// --------------------------------------------------------------------

type fileWriter struct {
	*bufio.Writer
	f    *os.File
	sync bool
}

func (w *fileWriter) Close() error {
	err := w.Flush()
	if err == nil && w.sync {
		err = w.f.Sync()
	}
	if e := w.f.Close(); err == nil {
		err = e
	}
	return err
}
