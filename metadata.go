package kvtable

import (
	"bytes"

	"github.com/bsm/kvtable/coding"
	"github.com/pkg/errors"
)

// Metadata holds the summary statistics of a table. All counters are
// computed by the writer on close and persisted in the table trailer.
type Metadata struct {
	// IndexBlockOffset is the byte offset where the index block begins.
	IndexBlockOffset uint64 `json:"index_block_offset"`
	// DataBlockSize is the configured uncompressed data block size.
	DataBlockSize uint64 `json:"data_block_size"`
	// Compression is the codec the table was written with.
	Compression Compression `json:"compression"`
	// EntryCount is the total number of key/value entries.
	EntryCount uint64 `json:"count_entries"`
	// DataBlockCount is the number of data blocks.
	DataBlockCount uint64 `json:"count_data_blocks"`
	// DataBlockBytes is the number of bytes consumed by data blocks.
	DataBlockBytes uint64 `json:"bytes_data_blocks"`
	// IndexBlockBytes is the number of bytes consumed by the index block.
	IndexBlockBytes uint64 `json:"bytes_index_block"`
	// KeyBytes is the total length of all keys stored end to end.
	KeyBytes uint64 `json:"bytes_keys"`
	// ValueBytes is the total length of all values stored end to end.
	ValueBytes uint64 `json:"bytes_values"`
}

func (m *Metadata) encodeTrailer(dst []byte) []byte {
	var tmp [8]byte
	for _, v := range []uint64{
		m.IndexBlockOffset,
		m.DataBlockSize,
		m.Compression.code(),
		m.EntryCount,
		m.DataBlockCount,
		m.DataBlockBytes,
		m.IndexBlockBytes,
		m.KeyBytes,
		m.ValueBytes,
	} {
		coding.PutFixed64(tmp[:], v)
		dst = append(dst, tmp[:]...)
	}
	return append(dst, magic...)
}

func (m *Metadata) decodeTrailer(p []byte) error {
	if len(p) != trailerLen || !bytes.Equal(p[trailerLen-len(magic):], magic) {
		return ErrBadMagic
	}

	comp, ok := compressionFromCode(coding.Fixed64(p[16:]))
	if !ok {
		return errBadCompression
	}

	*m = Metadata{
		IndexBlockOffset: coding.Fixed64(p[0:]),
		DataBlockSize:    coding.Fixed64(p[8:]),
		Compression:      comp,
		EntryCount:       coding.Fixed64(p[24:]),
		DataBlockCount:   coding.Fixed64(p[32:]),
		DataBlockBytes:   coding.Fixed64(p[40:]),
		IndexBlockBytes:  coding.Fixed64(p[48:]),
		KeyBytes:         coding.Fixed64(p[56:]),
		ValueBytes:       coding.Fixed64(p[64:]),
	}
	return nil
}

// validate checks the trailer against the file size.
func (m *Metadata) validate(size int64) error {
	// the smallest index block is an empty restart array plus its block trailer
	maxOffset := size - trailerLen - blockTrailerLen - 4
	if maxOffset < 0 || m.IndexBlockOffset > uint64(maxOffset) {
		return errors.Wrapf(ErrCorrupt, "index offset %d out of bounds", m.IndexBlockOffset)
	}
	return nil
}
