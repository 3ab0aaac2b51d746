package kvtable

import (
	"bytes"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bsm/kvtable/coding"
	"github.com/bsm/kvtable/internal/mmapfile"
	"github.com/pkg/errors"
)

// ReaderOptions define reader specific options.
type ReaderOptions struct {
	// VerifyChecksums enables CRC32C verification of every block read.
	// Default: false.
	VerifyChecksums bool

	// AdviseRandom advises the OS to expect random access to the file,
	// disabling read-ahead. Only applies to files opened via Open or OpenFile.
	// Default: false.
	AdviseRandom bool
}

func (o *ReaderOptions) norm() *ReaderOptions {
	var oo ReaderOptions
	if o != nil {
		oo = *o
	}
	return &oo
}

// Reader instances can seek and iterate across data in tables. A Reader is
// safe for concurrent use; the iterators it returns are not.
type Reader struct {
	r io.ReaderAt
	o *ReaderOptions
	c io.Closer

	index     []blockInfo
	maxOffset int64
	meta      Metadata

	refs   atomic.Int32 // one for the owner plus one per live iterator
	closed atomic.Bool
}

// Open opens the named table file. On supported platforms the file is
// memory mapped.
func Open(name string, o *ReaderOptions) (*Reader, error) {
	o = o.norm()

	m, err := mmapfile.Open(name, o.AdviseRandom)
	if err != nil {
		return nil, err
	}

	r, err := NewReader(m, m.Size(), o)
	if err != nil {
		_ = m.Close()
		return nil, errors.Wrapf(err, "kvtable: open %s", name)
	}
	r.c = m
	return r, nil
}

// OpenFile opens a table from an open file descriptor. The caller retains
// ownership of f.
func OpenFile(f *os.File, o *ReaderOptions) (*Reader, error) {
	o = o.norm()

	m, err := mmapfile.Map(f, o.AdviseRandom)
	if err != nil {
		return nil, err
	}

	r, err := NewReader(m, m.Size(), o)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	r.c = m
	return r, nil
}

// NewReader opens a reader.
func NewReader(r io.ReaderAt, size int64, o *ReaderOptions) (*Reader, error) {
	if size < trailerLen {
		return nil, ErrBadMagic
	}

	// read trailer
	trailer := make([]byte, trailerLen)
	if _, err := r.ReadAt(trailer, size-trailerLen); err != nil {
		return nil, err
	}

	var meta Metadata
	if err := meta.decodeTrailer(trailer); err != nil {
		return nil, err
	}
	if err := meta.validate(size); err != nil {
		return nil, err
	}

	rd := &Reader{
		r:         r,
		o:         o.norm(),
		maxOffset: int64(meta.IndexBlockOffset),
		meta:      meta,
	}
	rd.refs.Store(1)

	// read index
	raw := make([]byte, size-trailerLen-rd.maxOffset)
	if _, err := r.ReadAt(raw, rd.maxOffset); err != nil {
		return nil, err
	}

	block, pooled, err := rd.decodeBlock(raw, -1)
	if err != nil {
		return nil, err
	}
	if err := rd.loadIndex(block); err != nil {
		return nil, err
	}
	if pooled {
		releaseBuffer(block)
	}

	return rd, nil
}

func (r *Reader) loadIndex(block []byte) error {
	br, err := newBlockReader(block, -1, nil, false)
	if err != nil {
		return err
	}

	var keys []byte // a single arena for all index keys
	var offs []int
	var index []blockInfo
	for spos := 0; spos < br.NumSections(); spos++ {
		s := br.GetSection(spos)
		for s.Next() {
			off, _, err := coding.Varint64(s.Value())
			if err != nil || int64(off) >= r.maxOffset {
				return errors.Wrap(ErrCorrupt, "bad index entry")
			}
			if n := len(index); n != 0 && (int64(off) <= index[n-1].Offset || bytes.Compare(s.Key(), keys[offs[n-1]:]) <= 0) {
				return errors.Wrap(ErrCorrupt, "index entries out of order")
			}

			offs = append(offs, len(keys))
			keys = append(keys, s.Key()...)
			index = append(index, blockInfo{Offset: int64(off)})
		}
		if err := s.Err(); err != nil {
			return err
		}
	}

	for i := range index {
		end := len(keys)
		if i+1 < len(offs) {
			end = offs[i+1]
		}
		index[i].LastKey = keys[offs[i]:end:end]
	}

	if uint64(len(index)) != r.meta.DataBlockCount {
		return errors.Wrapf(ErrCorrupt, "index holds %d blocks, trailer declares %d", len(index), r.meta.DataBlockCount)
	}
	r.index = index
	return nil
}

// Metadata returns the table statistics stored in the trailer.
func (r *Reader) Metadata() *Metadata {
	m := r.meta
	return &m
}

// NumBlocks returns the number of stored blocks.
func (r *Reader) NumBlocks() int {
	return len(r.index)
}

// Append retrieves a single value for a key. Unlike Get it doesn't
// appends it to dst instead of allocating a new byte slice.
// It may return an ErrNotFound error.
func (r *Reader) Append(dst []byte, key []byte) ([]byte, error) {
	return appendValue(dst, r, key)
}

// Get is a shortcut for Append(nil, key).
// It may return an ErrNotFound error.
func (r *Reader) Get(key []byte) ([]byte, error) {
	return r.Append(nil, key)
}

// Seek returns an iterator starting at the position >= key.
func (r *Reader) Seek(key []byte) Iterator {
	if r.closed.Load() {
		return &errIterator{err: ErrClosed}
	}
	return r.seek(key)
}

// Iter implements Source.
func (r *Reader) Iter() Iterator { return r.Seek(nil) }

// Exact implements Source.
func (r *Reader) Exact(key []byte) Iterator { return exact(r.Seek(key), key) }

// Prefix implements Source.
func (r *Reader) Prefix(prefix []byte) Iterator { return prefixed(r.Seek(prefix), prefix) }

// Range implements Source.
func (r *Reader) Range(lo, hi []byte) Iterator {
	if bytes.Compare(lo, hi) > 0 {
		return emptyIterator()
	}
	return upTo(r.Seek(lo), hi)
}

// GetBlock returns a reader for the n-th block. Block readers must be
// released and must not be used after the Reader is closed.
func (r *Reader) GetBlock(bpos int) (*BlockReader, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.getBlock(bpos)
}

// SeekBlock seeks the block containing the key.
func (r *Reader) SeekBlock(key []byte) (*BlockReader, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.seekBlock(key)
}

// seek skips the closed check; callers must hold a reference.
func (r *Reader) seek(key []byte) Iterator {
	if !r.retain() {
		return &errIterator{err: ErrClosed}
	}

	b, err := r.seekBlock(key)
	if err != nil {
		_ = r.release()
		return &errIterator{err: err}
	}

	s := b.SeekSection(key)
	s.Seek(key)
	return &readerIterator{r: r, b: b, s: s}
}

func (r *Reader) getBlock(bpos int) (*BlockReader, error) {
	if len(r.index) == 0 {
		return &BlockReader{}, nil
	}
	if bpos < 0 {
		bpos = 0
	}
	if bpos >= len(r.index) {
		return &BlockReader{
			bpos: len(r.index),
		}, nil
	}
	return r.readBlock(bpos)
}

func (r *Reader) seekBlock(key []byte) (*BlockReader, error) {
	bpos := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].LastKey, key) >= 0
	})
	return r.getBlock(bpos)
}

// Close closes the reader. New queries fail with ErrClosed. Iterators
// which are still in use keep the underlying file open until they are
// released.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return r.release()
}

func (r *Reader) retain() bool {
	for {
		n := r.refs.Load()
		if n < 1 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *Reader) release() error {
	if r.refs.Add(-1) == 0 && r.c != nil {
		return r.c.Close()
	}
	return nil
}

func (r *Reader) readBlock(bpos int) (*BlockReader, error) {
	min := r.index[bpos].Offset
	max := r.maxOffset
	if next := bpos + 1; next < len(r.index) {
		max = r.index[next].Offset
	}

	raw := fetchBuffer(int(max - min))
	if _, err := r.r.ReadAt(raw, min); err != nil {
		releaseBuffer(raw)
		return nil, err
	}

	block, pooled, err := r.decodeBlock(raw, bpos)
	if err != nil {
		releaseBuffer(raw)
		return nil, err
	}
	if !pooled {
		// block is a sub-slice of raw
		pooled = true
	} else {
		releaseBuffer(raw)
	}

	br, err := newBlockReader(block, bpos, r.index[bpos].LastKey, pooled)
	if err != nil {
		releaseBuffer(block)
		return nil, err
	}
	return br, nil
}

// decodeBlock verifies and decompresses a block as stored on disk. It
// reports whether the result was allocated from the buffer pool.
func (r *Reader) decodeBlock(raw []byte, bpos int) ([]byte, bool, error) {
	if len(raw) < blockTrailerLen {
		return nil, false, errors.Wrapf(ErrCorrupt, "block %d is too short", bpos)
	}

	n := len(raw) - blockTrailerLen
	if r.o.VerifyChecksums {
		if coding.Checksum(raw[:n+1]) != coding.Fixed32(raw[n+1:]) {
			return nil, false, errors.Wrapf(ErrChecksumMismatch, "block %d", bpos)
		}
	}

	typ := raw[n]
	block, err := decodeBlock(raw[:n], typ)
	if err != nil {
		return nil, false, err
	}
	return block, typ != blockNoCompression, nil
}

// --------------------------------------------------------------------

// pinnedReader queries a reader on which the caller holds a reference,
// regardless of whether its owner has closed it.
type pinnedReader struct{ r *Reader }

func (p pinnedReader) Iter() Iterator { return p.r.seek(nil) }

func (p pinnedReader) Exact(key []byte) Iterator { return exact(p.r.seek(key), key) }

func (p pinnedReader) Prefix(prefix []byte) Iterator { return prefixed(p.r.seek(prefix), prefix) }

func (p pinnedReader) Range(lo, hi []byte) Iterator {
	if bytes.Compare(lo, hi) > 0 {
		return emptyIterator()
	}
	return upTo(p.r.seek(lo), hi)
}

// --------------------------------------------------------------------

// readerIterator (forward-) iterates over keys across block and section
// boundaries.
type readerIterator struct {
	r *Reader
	b *BlockReader
	s *SectionReader

	err  error
	done bool
}

func (i *readerIterator) Key() []byte { return i.s.Key() }

func (i *readerIterator) Value() []byte { return i.s.Value() }

func (i *readerIterator) Next() bool {
	if i.err != nil || i.done {
		return false
	}

	for {
		// more entries in the section
		if i.s.Next() {
			return true
		}
		if err := i.s.Err(); err != nil {
			i.err = err
			return false
		}

		// more sections in the block
		if n := i.s.Pos() + 1; n < i.b.NumSections() {
			i.s = i.b.GetSection(n)
			continue
		}

		// more blocks
		if n := i.b.Pos() + 1; n < i.r.NumBlocks() {
			b, err := i.r.getBlock(n)
			if err != nil {
				i.err = err
				return false
			}
			i.b.Release()
			i.b = b
			i.s = b.GetSection(0)
			continue
		}

		i.done = true
		return false
	}
}

func (i *readerIterator) Err() error {
	return i.err
}

func (i *readerIterator) Release() {
	if i.err == errReleased {
		return
	}
	i.b.Release()
	i.err = errReleased
	_ = i.r.release()
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p[:0])
	}
}
