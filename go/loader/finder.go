package loader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/pecorn/go/models"
)

func hex(v uint64) string { return fmt.Sprintf("%#x", v) }

// Finder opens a module image by its normalized name. If the returned
// reader is also an io.Closer the registry closes it once the image is mapped.
type Finder interface {
	Open(name string) (src io.ReaderAt, path string, err error)
}

// MemFS serves images held in memory, keyed by normalized module name.
type MemFS struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string][]byte)}
}

func (fs *MemFS) Add(name string, image []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[models.ModuleName(name)] = image
}

func (fs *MemFS) Open(name string) (io.ReaderAt, string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	key := models.ModuleName(name)
	data, ok := fs.files[key]
	if !ok {
		return nil, "", errors.Wrap(ErrModuleNotFound, key)
	}
	return bytes.NewReader(data), "mem:" + key, nil
}

// DirFinder searches directories in order. Windows names are case
// insensitive, so a directory entry matches regardless of case.
type DirFinder struct {
	Path []string
}

func (d *DirFinder) Open(name string) (io.ReaderAt, string, error) {
	key := models.ModuleName(name)
	for _, dir := range d.Path {
		path := filepath.Join(dir, key)
		if _, err := os.Stat(path); err != nil {
			ents, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			path = ""
			for _, ent := range ents {
				if !ent.IsDir() && strings.EqualFold(ent.Name(), key) {
					path = filepath.Join(dir, ent.Name())
					break
				}
			}
			if path == "" {
				continue
			}
		}
		src, err := openImage(path)
		if err != nil {
			return nil, "", errors.Wrapf(err, "opening %s", path)
		}
		return src, path, nil
	}
	return nil, "", errors.Wrapf(ErrModuleNotFound, "%s in %s", key, strings.Join(d.Path, string(os.PathListSeparator)))
}

// ChainFinder asks each finder in turn.
type ChainFinder []Finder

func (c ChainFinder) Open(name string) (io.ReaderAt, string, error) {
	for _, f := range c {
		src, path, err := f.Open(name)
		if err == nil {
			return src, path, nil
		}
		if errors.Cause(err) != ErrModuleNotFound {
			return nil, "", err
		}
	}
	return nil, "", errors.Wrap(ErrModuleNotFound, models.ModuleName(name))
}
