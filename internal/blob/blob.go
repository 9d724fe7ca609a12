// Package blob stores raw fetched payloads under path-like keys produced by
// the idempotency key builder. Put overwrites, so rewriting the same key is
// an idempotent upsert.
package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("blob not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// ValidKey rejects keys that could escape a root directory.
func ValidKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.Contains(key, `\`) {
		return errors.Errorf("blob: invalid key %q", key)
	}
	return nil
}

var _ Store = (*Dir)(nil)

// Dir writes blobs as files below Root.
type Dir struct {
	Root string
}

func NewDir(root string) *Dir { return &Dir{Root: root} }

func (d *Dir) Put(_ context.Context, key string, data []byte) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	path := filepath.Join(d.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "blob: mkdir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return errors.Wrap(err, "blob: create temp")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "blob: write")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "blob: close")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "blob: rename")
}

func (d *Dir) Get(_ context.Context, key string) ([]byte, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(d.Root, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, errors.Wrap(err, "blob: read")
}

var _ Store = (*Memory)(nil)

type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory { return &Memory{blobs: make(map[string][]byte)} }

func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// Len reports how many blobs are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
