// Package coding implements the integer encodings and the block checksum
// used by the kvtable file format.
//
// Fixed-width integers are stored little endian. Varints are unsigned
// base-128 integers, least significant group first, where the high bit of
// every byte signals that another byte follows.
package coding

import (
	"encoding/binary"
	"hash/crc32"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Maximum encoded lengths of 32 and 64-bit varints.
const (
	MaxVarintLen32 = 5
	MaxVarintLen64 = binary.MaxVarintLen64
)

var (
	// ErrShortBuffer is returned when a buffer ends before the terminating
	// byte of a varint.
	ErrShortBuffer = errors.New("coding: short buffer")
	// ErrOverflow is returned when a varint does not fit the target type.
	ErrOverflow = errors.New("coding: varint overflow")
)

// PutFixed32 writes v into dst and returns the number of bytes written.
func PutFixed32(dst []byte, v uint32) int {
	binary.LittleEndian.PutUint32(dst, v)
	return 4
}

// PutFixed64 writes v into dst and returns the number of bytes written.
func PutFixed64(dst []byte, v uint64) int {
	binary.LittleEndian.PutUint64(dst, v)
	return 8
}

// Fixed32 decodes a fixed-width 32-bit integer.
func Fixed32(p []byte) uint32 { return binary.LittleEndian.Uint32(p) }

// Fixed64 decodes a fixed-width 64-bit integer.
func Fixed64(p []byte) uint64 { return binary.LittleEndian.Uint64(p) }

// VarintLen returns the number of bytes required to encode v.
func VarintLen[T constraints.Unsigned](v T) int {
	n, x := 1, uint64(v)
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

// PutVarint encodes v into dst using the minimum number of bytes and
// returns that count. It panics if dst is too small.
func PutVarint[T constraints.Unsigned](dst []byte, v T) int {
	return binary.PutUvarint(dst, uint64(v))
}

// AppendVarint appends the encoding of v to dst.
func AppendVarint[T constraints.Unsigned](dst []byte, v T) []byte {
	return binary.AppendUvarint(dst, uint64(v))
}

// Varint64 decodes a varint from p. It returns the value and the number of
// bytes consumed.
func Varint64(p []byte) (uint64, int, error) {
	v, n := binary.Uvarint(p)
	if n == 0 {
		return 0, 0, ErrShortBuffer
	} else if n < 0 {
		return 0, 0, ErrOverflow
	}
	return v, n, nil
}

// Varint32 decodes a varint from p which must fit into 32 bits.
func Varint32(p []byte) (uint32, int, error) {
	v, n, err := Varint64(p)
	if err != nil {
		return 0, 0, err
	}
	if v > math.MaxUint32 || n > MaxVarintLen32 {
		return 0, 0, ErrOverflow
	}
	return uint32(v), n, nil
}

// VarintLengthPacked reports how many bytes the varint at the start of p
// occupies without decoding it. It returns 0 when p ends before the
// terminating byte or the varint is longer than MaxVarintLen64.
func VarintLengthPacked(p []byte) int {
	for i, b := range p {
		if i == MaxVarintLen64 {
			break
		}
		if b < 0x80 {
			return i + 1
		}
	}
	return 0
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC32C (Castagnoli) checksum of p.
func Checksum(p []byte) uint32 {
	return crc32.Checksum(p, castagnoli)
}

// ExtendChecksum returns the CRC32C of the concatenation of the data
// checksummed by crc and p.
func ExtendChecksum(crc uint32, p []byte) uint32 {
	return crc32.Update(crc, castagnoli, p)
}
