//go:build unix

package loader

import (
	"bytes"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

type mappedFile struct {
	*bytes.Reader
	data []byte
}

func (m *mappedFile) Close() error {
	return unix.Munmap(m.data)
}

// openImage maps the file read-only; the registry copies what it needs
// into the address space and then closes it.
func openImage(path string) (io.ReaderAt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return bytes.NewReader(nil), nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &mappedFile{Reader: bytes.NewReader(data), data: data}, nil
}
