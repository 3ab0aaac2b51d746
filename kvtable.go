package kvtable

import "github.com/pkg/errors"

var magic = []byte{107, 118, 116, 98, 204, 49, 7, 233}

const (
	trailerLen      = 9*8 + 8 // nine counters + magic
	blockTrailerLen = 1 + 4   // block type + crc32c
)

// on-disk block types
const (
	blockNoCompression     = 0
	blockSnappyCompression = 1
	blockZlibCompression   = 2
	blockLZ4Compression    = 3
)

// ErrNotFound is returned by the reader when a key cannot be found.
var ErrNotFound = errors.New("kvtable: not found")

var (
	// ErrClosed is returned when a closed writer, reader, sorter or fileset is used.
	ErrClosed = errors.New("kvtable: is closed")
	// ErrBadMagic is returned when a file does not end with a valid trailer.
	ErrBadMagic = errors.New("kvtable: bad magic byte sequence")
	// ErrChecksumMismatch is returned when checksum verification of a block fails.
	ErrChecksumMismatch = errors.New("kvtable: block checksum mismatch")
	// ErrCorrupt is returned when a table contains malformed data.
	ErrCorrupt = errors.New("kvtable: corrupt table")

	errBadCompression = errors.New("kvtable: bad compression codec")
	errReleased       = errors.New("kvtable: iterator was released")
	errFinished       = errors.New("kvtable: sorter was already finalized")
)

type blockInfo struct {
	LastKey []byte // last key in the block
	Offset  int64  // block offset position
}

// --------------------------------------------------------------------

// Compression is the compression codec
type Compression byte

func (c Compression) isValid() bool {
	return c >= SnappyCompression && c < unknownCompression
}

// Supported compression codecs
const (
	SnappyCompression Compression = iota
	NoCompression
	ZlibCompression
	LZ4Compression
	LZ4HCCompression
	unknownCompression
)

// String returns the codec name.
func (c Compression) String() string {
	switch c {
	case SnappyCompression:
		return "snappy"
	case NoCompression:
		return "none"
	case ZlibCompression:
		return "zlib"
	case LZ4Compression:
		return "lz4"
	case LZ4HCCompression:
		return "lz4hc"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// code returns the algorithm identifier stored in the trailer.
func (c Compression) code() uint64 {
	switch c {
	case SnappyCompression:
		return 1
	case ZlibCompression:
		return 2
	case LZ4Compression:
		return 3
	case LZ4HCCompression:
		return 4
	}
	return 0
}

func compressionFromCode(code uint64) (Compression, bool) {
	switch code {
	case 0:
		return NoCompression, true
	case 1:
		return SnappyCompression, true
	case 2:
		return ZlibCompression, true
	case 3:
		return LZ4Compression, true
	case 4:
		return LZ4HCCompression, true
	}
	return unknownCompression, false
}
