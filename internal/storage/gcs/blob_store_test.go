package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "client")
	_, err = New(&storage.Client{}, Config{})
	require.ErrorContains(t, err, "bucket")
}

func TestObjectNameAppliesPrefix(t *testing.T) {
	t.Parallel()

	s, err := New(&storage.Client{}, Config{Bucket: "b", Prefix: "/checkpoints/"})
	require.NoError(t, err)
	require.Equal(t, "checkpoints/crawl-1/cp-000001/store.manifest", s.ObjectName("crawl-1/cp-000001/store.manifest"))

	bare, err := New(&storage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	require.Equal(t, "x", bare.ObjectName("x"))
}
