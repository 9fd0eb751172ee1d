package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"cliprun/internal/config"
)

// ErrNotFound is returned by Get for an unknown reference.
var ErrNotFound = errors.New("object not found")

// Store persists stage result payloads.
type Store interface {
	// Put writes data under key and returns the reference to record.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	// Check verifies the backend is reachable and writable.
	Check(ctx context.Context) error
	Describe() string
}

// New selects the MinIO backend when enabled and the local directory otherwise.
func New(ctx context.Context, cfg config.ObjectStore) (Store, error) {
	if cfg.Enabled {
		store, err := NewMinioStore(cfg)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
	return NewFileStore(cfg.LocalDir)
}

// ResultKey names the object holding one execution's result.
func ResultKey(prefix, runID, stageID string, attempt int, fingerprint string) string {
	short := fingerprint
	if len(short) > 16 {
		short = short[:16]
	}
	name := fmt.Sprintf("%d-%s.json", attempt, short)
	return path.Join(strings.Trim(prefix, "/"), runID, stageID, name)
}

func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimSpace(key))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return cleaned, nil
}
