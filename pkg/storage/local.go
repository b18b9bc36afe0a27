package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// LocalStore is an ObjectStore over an afero filesystem. Tests use the
// memory-backed filesystem; single-node deploys point it at a directory.
type LocalStore struct {
	fs   afero.Fs
	root string
}

// NewLocalStore creates an object store rooted at the given directory of the
// filesystem. A nil fs uses the OS filesystem.
func NewLocalStore(fs afero.Fs, root string) *LocalStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &LocalStore{fs: fs, root: root}
}

// NewMemStore creates an in-memory object store.
func NewMemStore() *LocalStore {
	return NewLocalStore(afero.NewMemMapFs(), "/objects")
}

func (s *LocalStore) fullPath(key string) string {
	return path.Join(s.root, key)
}

// Upload writes an object, creating parent directories as needed.
func (s *LocalStore) Upload(ctx context.Context, key string, data []byte) error {
	p := s.fullPath(key)
	if dir := path.Dir(p); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", key, err)
		}
	}
	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	return nil
}

// Download reads an object's full contents.
func (s *LocalStore) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.fullPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// List enumerates keys under a prefix, relative to the store root.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	start := s.root
	if start == "" {
		start = "."
	}
	err := afero.Walk(s.fs, start, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		key := strings.TrimPrefix(strings.TrimPrefix(p, s.root), "/")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
	}
	return keys, nil
}
