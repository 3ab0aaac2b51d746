package kvtable

import (
	"bytes"
	"sort"

	"github.com/bsm/kvtable/coding"
	"github.com/pkg/errors"
)

// blockBuilder accumulates sorted entries into a raw block.
type blockBuilder struct {
	interval int   // restart interval
	buf      []byte
	soffs    []int // section offsets
	n        int   // number of entries
	lastKey  []byte
	tmp      [3 * coding.MaxVarintLen32]byte
}

// Add appends an entry. Keys must be added in increasing order.
func (b *blockBuilder) Add(key, value []byte) {
	shared := 0
	if b.n%b.interval == 0 { // new section?
		b.soffs = append(b.soffs, len(b.buf))
	} else {
		shared = sharedPrefixLen(b.lastKey, key)
	}

	n := coding.PutVarint(b.tmp[0:], uint(shared))
	n += coding.PutVarint(b.tmp[n:], uint(len(key)-shared))
	n += coding.PutVarint(b.tmp[n:], uint(len(value)))
	b.buf = append(b.buf, b.tmp[:n]...)
	b.buf = append(b.buf, key[shared:]...)
	b.buf = append(b.buf, value...)

	b.n++
	b.lastKey = append(b.lastKey[:0], key...)
}

// Len returns the number of entries.
func (b *blockBuilder) Len() int { return b.n }

// Size estimates the size of the finished block.
func (b *blockBuilder) Size() int { return len(b.buf) + 4*len(b.soffs) + 4 }

// Finish appends the section index and returns the raw block. The result
// is valid until Reset.
func (b *blockBuilder) Finish() []byte {
	for _, o := range b.soffs {
		coding.PutFixed32(b.tmp[:], uint32(o))
		b.buf = append(b.buf, b.tmp[:4]...)
	}
	coding.PutFixed32(b.tmp[:], uint32(len(b.soffs)))
	b.buf = append(b.buf, b.tmp[:4]...)
	return b.buf
}

// Reset clears the builder for reuse.
func (b *blockBuilder) Reset() {
	b.buf = b.buf[:0]
	b.soffs = b.soffs[:0]
	b.n = 0
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// --------------------------------------------------------------------

// BlockReader reads a single block.
type BlockReader struct {
	block   []byte
	data    int    // end of the entry region
	bpos    int    // the current block position
	scnt    int    // the section count
	lastKey []byte // the last key in the block, if known
	pooled  bool
}

func newBlockReader(block []byte, bpos int, lastKey []byte, pooled bool) (*BlockReader, error) {
	if len(block) < 4 {
		return nil, errors.Wrapf(ErrCorrupt, "block %d is too short", bpos)
	}

	scnt := int(coding.Fixed32(block[len(block)-4:]))
	data := len(block) - 4 - 4*scnt
	if scnt < 0 || data < 0 {
		return nil, errors.Wrapf(ErrCorrupt, "block %d has a bad section count", bpos)
	}

	// section offsets must be ascending and within the entry region
	prev := -1
	for i := 0; i < scnt; i++ {
		o := int(coding.Fixed32(block[data+4*i:]))
		if o <= prev || o >= data {
			return nil, errors.Wrapf(ErrCorrupt, "block %d has a bad section offset", bpos)
		}
		prev = o
	}
	if scnt == 0 && data != 0 {
		return nil, errors.Wrapf(ErrCorrupt, "block %d has entries but no sections", bpos)
	}

	return &BlockReader{
		block:   block,
		data:    data,
		bpos:    bpos,
		scnt:    scnt,
		lastKey: lastKey,
		pooled:  pooled,
	}, nil
}

// NumSections returns the number of sections in this block.
func (r *BlockReader) NumSections() int { return r.scnt }

// Pos returns the index position the current block within the table.
func (r *BlockReader) Pos() int { return r.bpos }

// GetSection gets a single section.
func (r *BlockReader) GetSection(spos int) *SectionReader {
	if spos < 0 {
		spos = 0
	}
	if spos >= r.scnt {
		return &SectionReader{spos: r.scnt}
	}

	min := r.sectionOffset(spos)
	max := r.sectionOffset(spos + 1)
	return &SectionReader{section: r.block[min:max], spos: spos}
}

// SeekSection seeks the section for a key.
func (r *BlockReader) SeekSection(key []byte) *SectionReader {
	if r.lastKey != nil && bytes.Compare(key, r.lastKey) > 0 {
		return r.GetSection(r.scnt)
	}

	spos := sort.Search(r.scnt, func(i int) bool {
		return bytes.Compare(r.firstKey(i), key) > 0
	}) - 1
	return r.GetSection(spos)
}

// Release releases the block reader and frees up resources. The reader must not be used
// after this method is called.
func (r *BlockReader) Release() {
	if r.pooled {
		releaseBuffer(r.block)
	}
	r.block = nil
	r.pooled = false
}

// The starting offset of the section within the block.
func (r *BlockReader) sectionOffset(spos int) int {
	if spos >= r.scnt {
		return r.data
	}
	return int(coding.Fixed32(r.block[r.data+4*spos:]))
}

// firstKey returns the full first key of a section, or nil if malformed.
func (r *BlockReader) firstKey(spos int) []byte {
	s := r.block[r.sectionOffset(spos):r.sectionOffset(spos+1)]

	shared, n1, err := coding.Varint32(s)
	if err != nil || shared != 0 {
		return nil
	}
	klen, n2, err := coding.Varint32(s[n1:])
	if err != nil {
		return nil
	}
	_, n3, err := coding.Varint32(s[n1+n2:])
	if err != nil {
		return nil
	}

	off := n1 + n2 + n3
	if off+int(klen) > len(s) {
		return nil
	}
	return s[off : off+int(klen)]
}

// --------------------------------------------------------------------

// SectionReader reads an individual section within a block.
type SectionReader struct {
	section []byte

	spos int // the section
	read int // bytes read

	key     []byte // current key
	val     []byte // current value
	pending bool   // the current entry has been positioned by Seek but not returned
	err     error
}

// Seek positions the cursor before the first key >= key and reports
// whether such a key exists in the section.
func (r *SectionReader) Seek(key []byte) bool {
	r.pending = false
	for r.advance() {
		if bytes.Compare(r.key, key) >= 0 {
			r.pending = true
			return true
		}
	}
	return false
}

// Pos returns the index position the current section within the block.
func (r *SectionReader) Pos() int { return r.spos }

// Key returns the key if the current entry. Please note that keys
// are temporary buffers and must be copied if used beyond the next cursor move.
func (r *SectionReader) Key() []byte { return r.key }

// Value returns the value of the current entry. Please note that values
// are temporary buffers and must be copied if used beyond the next cursor move.
func (r *SectionReader) Value() []byte { return r.val }

// More returns true if more data can be read in the section.
func (r *SectionReader) More() bool {
	return r.pending || (r.err == nil && r.read < len(r.section))
}

// Next advances the cursor to the next entry within the section and
// returns true if successful.
func (r *SectionReader) Next() bool {
	if r.pending {
		r.pending = false
		return true
	}
	return r.advance()
}

// Err returns the decoding error, if any.
func (r *SectionReader) Err() error { return r.err }

func (r *SectionReader) advance() bool {
	if r.err != nil || r.read >= len(r.section) {
		return false
	}

	rest := r.section[r.read:]
	shared, n1, err := coding.Varint32(rest)
	if err != nil {
		return r.fail(err)
	}
	unshared, n2, err := coding.Varint32(rest[n1:])
	if err != nil {
		return r.fail(err)
	}
	vlen, n3, err := coding.Varint32(rest[n1+n2:])
	if err != nil {
		return r.fail(err)
	}

	off := n1 + n2 + n3
	end := off + int(unshared) + int(vlen)
	if int(shared) > len(r.key) || end < off || end > len(rest) {
		return r.fail(errors.New("entry out of bounds"))
	}

	r.key = append(r.key[:shared], rest[off:off+int(unshared)]...)
	r.val = rest[off+int(unshared) : end]
	r.read += end
	return true
}

func (r *SectionReader) fail(err error) bool {
	r.err = errors.Wrapf(ErrCorrupt, "section %d: %v", r.spos, err)
	r.read = len(r.section)
	return false
}
