// Package blob stores evidence document bytes. Metadata lives in the
// database; a Store only sees opaque keys.
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"readiness/internal/config"
)

type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	URL(ctx context.Context, key string) (string, error)
}

// Key builds the object key of a document. The file name is reduced to its
// base so keys never escape their prefix.
func Key(activityID, itemID, documentID, fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		base = "file"
	}
	return path.Join(activityID, itemID, documentID, base)
}

// New opens the store selected by cfg. defaultDir is used by the fs backend
// when cfg.Dir is empty.
func New(ctx context.Context, cfg config.StorageConfig, defaultDir string) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		dir := cfg.Dir
		if dir == "" {
			dir = defaultDir
		}
		return NewFS(dir, cfg.PublicURL)
	case "minio":
		m, err := NewMinio(cfg)
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
