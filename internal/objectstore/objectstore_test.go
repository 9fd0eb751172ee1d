package objectstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cliprun/internal/config"
)

func TestResultKey(t *testing.T) {
	key := ResultKey("/runs/", "run-1", "ingest", 2, "0123456789abcdef0123")
	assert.Equal(t, "runs/run-1/ingest/2-0123456789abcdef.json", key)
}

func TestCleanKeyRejectsEscapes(t *testing.T) {
	key, err := cleanKey("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "etc/passwd", key)

	_, err = cleanKey("  ")
	assert.Error(t, err)
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "results"))
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Put(ctx, "runs/run-1/ingest/1-abc.json", []byte(`{"ok":true}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, "file://runs/run-1/ingest/1-abc.json", ref)

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	_, err = store.Get(ctx, "file://runs/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(ctx, "s3://bucket/key")
	assert.Error(t, err)

	require.NoError(t, store.Check(ctx))
}

func TestNewFallsBackToLocalDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	store, err := New(context.Background(), config.ObjectStore{LocalDir: dir})
	require.NoError(t, err)
	fileStore, ok := store.(*FileStore)
	require.True(t, ok)
	assert.Equal(t, dir, fileStore.Root())
}

func TestNewMinioStoreValidatesEndpoint(t *testing.T) {
	_, err := NewMinioStore(config.ObjectStore{Endpoint: "http://localhost:9000", Bucket: "b"})
	assert.Error(t, err)

	_, err = NewMinioStore(config.ObjectStore{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	store, err := NewMinioStore(config.ObjectStore{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Bucket:    "cliprun-results",
		Region:    "us-east-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://cliprun-results @ localhost:9000", store.Describe())
}

func TestParseMinioRef(t *testing.T) {
	bucket, key, err := parseMinioRef("s3://cliprun-results/runs/r/ingest/1-a.json")
	require.NoError(t, err)
	assert.Equal(t, "cliprun-results", bucket)
	assert.Equal(t, "runs/r/ingest/1-a.json", key)

	_, _, err = parseMinioRef("s3://bucket")
	assert.Error(t, err)
	_, _, err = parseMinioRef("file://x")
	assert.Error(t, err)
}
