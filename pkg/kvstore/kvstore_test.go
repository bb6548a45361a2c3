package kvstore

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFS(t *testing.T) {
	kvs, err := NewFS(filepath.Join(t.TempDir(), "nested", "cache"))
	require.NoError(t, err)

	_, err = kvs.Get("health")
	assert.ErrorIs(t, err, ErrNoSuchKey)

	require.NoError(t, kvs.Set("health", []byte(`{"a":1}`)))
	got, err := kvs.Get("health")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), got)

	require.NoError(t, kvs.Set("health", []byte(`{}`)))
	got, err = kvs.Get("health")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), got)
}

func TestFSMkdirFailure(t *testing.T) {
	expect := errors.New("mocked error")
	kvs, err := newFS(t.TempDir(), func(path string, perm fs.FileMode) error {
		return expect
	})
	assert.ErrorIs(t, err, expect)
	assert.Nil(t, kvs)
}

func TestMemory(t *testing.T) {
	var kvs Memory
	_, err := kvs.Get("k")
	assert.ErrorIs(t, err, ErrNoSuchKey)

	value := []byte("v1")
	require.NoError(t, kvs.Set("k", value))
	value[0] = 'x'
	got, err := kvs.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got, "stored values are copies")
}
