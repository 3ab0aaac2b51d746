// Package mmapfile provides read-only, memory-mapped access to files.
// Platforms without mmap support fall back to positional reads.
package mmapfile

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// File is a read-only view of a file. It is safe for concurrent ReadAt calls.
type File struct {
	data []byte   // mapped region
	f    *os.File // set when reads go through the descriptor
	own  bool     // f is closed on Close
	size int64
}

// Open opens and maps the named file. When random is set, the kernel is
// advised to expect random access so read-ahead is disabled.
func Open(name string, random bool) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	m, err := Map(f, random)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if m.f == nil {
		// the mapping outlives the descriptor
		_ = f.Close()
	} else {
		m.own = true
	}
	return m, nil
}

// Map maps an open file. The caller retains ownership of f.
func Map(f *os.File, random bool) (*File, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := fi.Size()
	if size == 0 {
		return &File{}, nil
	}
	if int64(int(size)) != size {
		return nil, errors.Errorf("mmapfile: %s is too large to map (%d bytes)", f.Name(), size)
	}

	data, err := mmap(f, int(size), random)
	if err != nil {
		return nil, errors.Wrapf(err, "mmapfile: map %s", f.Name())
	}
	if data == nil {
		return &File{f: f, size: size}, nil
	}
	return &File{data: data, size: size}, nil
}

// Size returns the file size in bytes.
func (m *File) Size() int64 { return m.size }

// Mapped reports whether the file content is memory mapped.
func (m *File) Mapped() bool { return m.data != nil }

// ReadAt implements io.ReaderAt.
func (m *File) ReadAt(p []byte, off int64) (int, error) {
	if m.f != nil {
		return m.f.ReadAt(p, off)
	}
	if off < 0 {
		return 0, errors.New("mmapfile: negative offset")
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close unmaps the file and closes the descriptor if it was opened by Open.
func (m *File) Close() error {
	var err error
	if m.data != nil {
		err = munmap(m.data)
		m.data = nil
	}
	if m.own && m.f != nil {
		if e := m.f.Close(); err == nil {
			err = e
		}
		m.f = nil
	}
	return err
}
