//go:build !unix

package loader

import (
	"bytes"
	"io"
	"os"
)

func openImage(path string) (io.ReaderAt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}
