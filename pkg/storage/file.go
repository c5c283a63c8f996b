package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/firemarkets/fmsession/core"
)

const (
	dirPerm  os.FileMode = 0o700
	filePerm os.FileMode = 0o600
)

// Ensure File implements KeyValueStore
var _ core.KeyValueStore = (*File)(nil)

// File persists each key as its own file inside dir. Files are readable by
// the owning user only and are replaced atomically.
type File struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

// NewFile returns a file medium rooted at dir on fs. A nil fs means the OS
// filesystem.
func NewFile(fs afero.Fs, dir string) *File {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &File{fs: fs, dir: dir}
}

// DefaultDir returns the per-user directory used when none is configured.
func DefaultDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "fmsession")
	}
	return filepath.Join(os.TempDir(), "fmsession")
}

func (f *File) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(f.dir, safe+".json")
}

func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := afero.ReadFile(f.fs, f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, core.ErrKeyNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (f *File) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.fs.MkdirAll(f.dir, dirPerm); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	tmp, err := afero.TempFile(f.fs, f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		f.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := f.fs.Chmod(tmpName, filePerm); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", key, err)
	}
	if err := f.fs.Rename(tmpName, f.path(key)); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", key, err)
	}
	return nil
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.fs.Remove(f.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
