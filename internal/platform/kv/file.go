package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File keeps every key in one JSON document on disk so the cache survives a
// restart. Each mutation rewrites the document through a temp file + rename.
// Other processes may share the path: the document is reloaded whenever the
// file on disk is no longer the one last seen.
type File struct {
	mu   sync.Mutex
	path string
	data map[string]string
	seen os.FileInfo
}

// OpenFile loads path, creating its directory when needed. A missing file is
// an empty store.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("platform/kv: file path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("platform/kv: create dir: %w", err)
	}
	f := &File{path: path, data: make(map[string]string)}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// reload rereads the document when the file changed since it was last read
// or written by this process. Callers hold f.mu.
func (f *File) reload() error {
	info, err := os.Stat(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if f.seen != nil || len(f.data) > 0 {
				f.data = make(map[string]string)
			}
			f.seen = nil
			return nil
		}
		return fmt.Errorf("platform/kv: stat %s: %w", f.path, err)
	}
	if f.seen != nil && os.SameFile(f.seen, info) && f.seen.ModTime().Equal(info.ModTime()) && f.seen.Size() == info.Size() {
		return nil
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("platform/kv: read %s: %w", f.path, err)
	}
	data := make(map[string]string)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("platform/kv: decode %s: %w", f.path, err)
		}
		if data == nil {
			data = make(map[string]string)
		}
	}
	f.data = data
	f.seen = info
	return nil
}

// Path returns the backing file.
func (f *File) Path() string {
	return f.path
}

// Get returns the value stored under key.
func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reload(); err != nil {
		return "", false, err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

// Set stores value under key and flushes the document.
func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reload(); err != nil {
		return err
	}
	prev, had := f.data[key]
	f.data[key] = value
	if err := f.flush(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

// Remove deletes keys and flushes the document when anything changed.
func (f *File) Remove(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reload(); err != nil {
		return err
	}
	changed := false
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.flush()
}

// Keys lists stored keys starting with prefix.
func (f *File) Keys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reload(); err != nil {
		return nil, err
	}
	return matchKeys(f.data, prefix), nil
}

func (f *File) flush() error {
	raw, err := json.Marshal(f.data)
	if err != nil {
		return fmt.Errorf("platform/kv: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("platform/kv: temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("platform/kv: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("platform/kv: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("platform/kv: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("platform/kv: rename: %w", err)
	}
	info, err := os.Stat(f.path)
	if err != nil {
		f.seen = nil
		return nil
	}
	f.seen = info
	return nil
}
