//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package mmapfile

import "os"

func mmap(_ *os.File, _ int, _ bool) ([]byte, error) { return nil, nil }

func munmap(_ []byte) error { return nil }
