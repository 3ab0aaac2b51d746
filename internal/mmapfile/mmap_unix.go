//go:build linux || darwin || freebsd || netbsd || openbsd

package mmapfile

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmap(f *os.File, size int, random bool) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	if random {
		if err := unix.Madvise(data, unix.MADV_RANDOM); err != nil {
			_ = unix.Munmap(data)
			return nil, err
		}
	}
	return data, nil
}

func munmap(data []byte) error {
	return unix.Munmap(data)
}
