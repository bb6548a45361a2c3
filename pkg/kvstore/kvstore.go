// Package kvstore persists small blobs keyed by name. The roster uses it to
// keep health check results between runs.
package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// ErrNoSuchKey indicates that there's no value for the given key.
var ErrNoSuchKey = errors.New("no such key")

// KeyValueStore is a generic key-value store.
type KeyValueStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

var (
	_ KeyValueStore = &FS{}
	_ KeyValueStore = &Memory{}
)

// FS is a file-system based KeyValueStore. Each key is one file, read and
// written under a file lock so concurrent runs never see a torn snapshot.
type FS struct {
	basedir string
}

// NewFS creates basedir if needed and returns a store rooted there.
func NewFS(basedir string) (*FS, error) {
	return newFS(basedir, os.MkdirAll)
}

type osMkdirAll func(path string, perm fs.FileMode) error

func newFS(basedir string, mkdir osMkdirAll) (*FS, error) {
	if err := mkdir(basedir, 0700); err != nil {
		return nil, fmt.Errorf("creating cache dir %s: %w", basedir, err)
	}
	return &FS{basedir: basedir}, nil
}

func (kvs *FS) filename(key string) string {
	return filepath.Join(kvs.basedir, key)
}

// Get returns the value for key. In case of error, errors.Is(err, ErrNoSuchKey).
func (kvs *FS) Get(key string) ([]byte, error) {
	data, err := lockedfile.Read(kvs.filename(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchKey, err.Error())
	}
	return data, nil
}

// Set stores value under key.
func (kvs *FS) Set(key string, value []byte) error {
	return lockedfile.Write(kvs.filename(key), bytes.NewReader(value), 0600)
}

// Memory is an in-memory key-value store.
type Memory struct {
	mu sync.Mutex
	m  map[string][]byte
}

// Get returns the value for key. In case of error, errors.Is(err, ErrNoSuchKey).
func (kvs *Memory) Get(key string) ([]byte, error) {
	kvs.mu.Lock()
	defer kvs.mu.Unlock()
	value, ok := kvs.m[key]
	if !ok {
		return nil, ErrNoSuchKey
	}
	return append([]byte(nil), value...), nil
}

// Set stores a copy of value under key.
func (kvs *Memory) Set(key string, value []byte) error {
	kvs.mu.Lock()
	defer kvs.mu.Unlock()
	if kvs.m == nil {
		kvs.m = make(map[string][]byte)
	}
	kvs.m[key] = append([]byte(nil), value...)
	return nil
}
