package kvtable

import (
	"bytes"
	"io"

	"github.com/bsm/kvtable/coding"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// maxBlockLen caps the declared uncompressed length of a block.
const maxBlockLen = 1 << 30

// blockEncoder compresses blocks, reusing its buffers between calls.
type blockEncoder struct {
	buf []byte
	zbf bytes.Buffer
	zw  *zlib.Writer
}

// Encode compresses raw. It returns raw itself with blockNoCompression
// when the codec does not save at least an eighth of the input.
func (e *blockEncoder) Encode(raw []byte, c Compression) ([]byte, byte, error) {
	var out []byte
	var typ byte

	switch c {
	case SnappyCompression:
		e.buf = snappy.Encode(e.buf[:cap(e.buf)], raw)
		out, typ = e.buf, blockSnappyCompression
	case ZlibCompression:
		e.zbf.Reset()
		e.zbf.Write(coding.AppendVarint(e.buf[:0], uint(len(raw))))
		if e.zw == nil {
			zw, err := zlib.NewWriterLevel(&e.zbf, zlib.DefaultCompression)
			if err != nil {
				return nil, 0, err
			}
			e.zw = zw
		} else {
			e.zw.Reset(&e.zbf)
		}
		if _, err := e.zw.Write(raw); err != nil {
			return nil, 0, err
		}
		if err := e.zw.Close(); err != nil {
			return nil, 0, err
		}
		out, typ = e.zbf.Bytes(), blockZlibCompression
	case LZ4Compression, LZ4HCCompression:
		bound := lz4.CompressBlockBound(len(raw))
		if need := coding.MaxVarintLen64 + bound; cap(e.buf) < need {
			e.buf = make([]byte, need)
		}
		e.buf = e.buf[:cap(e.buf)]

		n := coding.PutVarint(e.buf, uint(len(raw)))
		var m int
		var err error
		if c == LZ4HCCompression {
			m, err = lz4.CompressBlockHC(raw, e.buf[n:n+bound], lz4.Level9, nil, nil)
		} else {
			m, err = lz4.CompressBlock(raw, e.buf[n:n+bound], nil)
		}
		if err != nil {
			return nil, 0, err
		}
		if m == 0 {
			return raw, blockNoCompression, nil
		}
		out, typ = e.buf[:n+m], blockLZ4Compression
	default:
		return raw, blockNoCompression, nil
	}

	if len(out) < len(raw)-len(raw)/8 {
		return out, typ, nil
	}
	return raw, blockNoCompression, nil
}

// decodeBlock decompresses a payload of the given type into a pooled buffer.
// The payload of an uncompressed block is returned as is.
func decodeBlock(payload []byte, typ byte) ([]byte, error) {
	switch typ {
	case blockNoCompression:
		return payload, nil
	case blockSnappyCompression:
		sz, err := snappy.DecodedLen(payload)
		if err != nil {
			return nil, errors.Wrap(ErrCorrupt, err.Error())
		}
		if sz > maxBlockLen {
			return nil, errors.Wrapf(ErrCorrupt, "block length %d exceeds limit", sz)
		}

		plain := fetchBuffer(sz)
		block, err := snappy.Decode(plain, payload)
		if err != nil {
			releaseBuffer(plain)
			return nil, errors.Wrap(ErrCorrupt, err.Error())
		}
		return block, nil
	case blockZlibCompression, blockLZ4Compression:
		sz, n, err := coding.Varint64(payload)
		if err != nil {
			return nil, errors.Wrap(ErrCorrupt, err.Error())
		}
		if sz > maxBlockLen {
			return nil, errors.Wrapf(ErrCorrupt, "block length %d exceeds limit", sz)
		}

		plain := fetchBuffer(int(sz))
		if typ == blockZlibCompression {
			err = inflate(plain, payload[n:])
		} else {
			err = unlz4(plain, payload[n:])
		}
		if err != nil {
			releaseBuffer(plain)
			return nil, err
		}
		return plain, nil
	}
	return nil, errBadCompression
}

func inflate(dst, src []byte) error {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return errors.Wrap(ErrCorrupt, err.Error())
	}
	defer zr.Close()

	if _, err := io.ReadFull(zr, dst); err != nil {
		return errors.Wrap(ErrCorrupt, err.Error())
	}
	return nil
}

func unlz4(dst, src []byte) error {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return errors.Wrap(ErrCorrupt, err.Error())
	}
	if n != len(dst) {
		return errors.Wrapf(ErrCorrupt, "lz4 block decoded to %d bytes, expected %d", n, len(dst))
	}
	return nil
}
