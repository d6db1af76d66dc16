package objectstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// FilesystemStore writes objects under basePath, the default backend
// (spec.md §6: GET /jobs/:id/log returns an absolute filesystem path).
type FilesystemStore struct {
	basePath string
}

func NewFilesystemStore(basePath string) *FilesystemStore {
	return &FilesystemStore{basePath: basePath}
}

func (f *FilesystemStore) Put(ctx context.Context, key string, data io.Reader) error {
	full := filepath.Join(f.basePath, key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	file, err := os.Create(full)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, data)
	return err
}

func (f *FilesystemStore) Locate(ctx context.Context, key string) (string, error) {
	full := filepath.Join(f.basePath, key)
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	return abs, nil
}
