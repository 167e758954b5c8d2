package objectstore

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/V4T54L/query-compat/internal/domain"
)

// FSStore keeps report objects in a bucket directory on an afero filesystem.
type FSStore struct {
	fs     afero.Fs
	bucket string
}

var _ domain.ObjectStore = (*FSStore)(nil)

// NewFSStore returns a store writing under root/bucket on the host filesystem.
func NewFSStore(root, bucket string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(root, bucket), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report bucket: %w", err)
	}
	return NewStore(afero.NewBasePathFs(afero.NewOsFs(), root), bucket), nil
}

// NewStore returns a store on an arbitrary filesystem.
func NewStore(fs afero.Fs, bucket string) *FSStore {
	return &FSStore{fs: fs, bucket: bucket}
}

// Put writes data atomically: it writes a temporary sibling then renames it over key.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean := path.Clean("/" + key)
	if clean == "/" || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	name := path.Join("/", s.bucket, clean)

	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}
	tmp := name + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("failed to commit object %s: %w", key, err)
	}
	return s.Location(key), nil
}

// Get reads an object back.
func (s *FSStore) Get(key string) ([]byte, error) {
	return afero.ReadFile(s.fs, path.Join("/", s.bucket, path.Clean("/"+key)))
}

// Location is the URI recorded on the task for key.
func (s *FSStore) Location(key string) string {
	return "file://" + s.bucket + path.Clean("/"+key)
}
