package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is a Memory store persisted to a single JSON document after every write.
// It suits the single-process CLI; concurrent processes need redis or postgres.
type File struct {
	mem  *Memory
	path string
	// mu serialises writes so the document on disk follows the in-memory order.
	mu sync.Mutex
}

type fileDocument struct {
	Items map[string]fileItem `json:"items"`
}

type fileItem struct {
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value"`
}

func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path is empty")
	}

	f := &File{mem: NewMemory(), path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("%w: read %s: %w", ErrUnavailable, path, err)
	}
	if len(data) == 0 {
		return f, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for k, item := range doc.Items {
		f.mem.items[k] = Item{Key: k, Value: []byte(item.Value), Version: item.Version}
	}
	return f, nil
}

func (f *File) Get(ctx context.Context, key string) (Item, error) {
	return f.mem.Get(ctx, key)
}

func (f *File) Put(ctx context.Context, key string, value []byte) (int64, error) {
	if !json.Valid(value) {
		return 0, fmt.Errorf("file store accepts JSON values only (key %s)", key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, err := f.mem.Put(ctx, key, value)
	if err != nil {
		return 0, err
	}
	return v, f.flushLocked()
}

func (f *File) CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (int64, error) {
	if !json.Valid(value) {
		return 0, fmt.Errorf("file store accepts JSON values only (key %s)", key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, err := f.mem.CompareAndSwap(ctx, key, version, value)
	if err != nil {
		return 0, err
	}
	return v, f.flushLocked()
}

func (f *File) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mem.Delete(ctx, key); err != nil {
		return err
	}
	return f.flushLocked()
}

func (f *File) List(ctx context.Context, prefix string) ([]Item, error) {
	return f.mem.List(ctx, prefix)
}

func (f *File) Close() error {
	return f.mem.Close()
}

func (f *File) flushLocked() error {
	snap := f.mem.snapshot()
	doc := fileDocument{Items: make(map[string]fileItem, len(snap))}
	for k, item := range snap {
		doc.Items[k] = fileItem{Version: item.Version, Value: json.RawMessage(item.Value)}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %w", ErrUnavailable, dir, err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrUnavailable, tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("%w: rename %s: %w", ErrUnavailable, tmp, err)
	}
	return nil
}
