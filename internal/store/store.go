// Package store defines the key-value durability contract used by the engine:
// get/put/list plus per-key compare-and-set on a monotonically increasing version.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable means the backend could not be reached. It is fatal to a run-cycle.
	ErrUnavailable = errors.New("store unavailable")
	ErrNotFound    = errors.New("key not found")
	// ErrConflict is returned by CompareAndSwap when the stored version moved on.
	ErrConflict = errors.New("version conflict")
)

// maxUpdateAttempts bounds the CAS loop in Update.
const maxUpdateAttempts = 32

// Item is a stored value with its version. Version 0 means "absent".
type Item struct {
	Key     string
	Value   []byte
	Version int64
}

type Store interface {
	Get(ctx context.Context, key string) (Item, error)
	// Put writes unconditionally and returns the new version.
	Put(ctx context.Context, key string, value []byte) (int64, error)
	// CompareAndSwap writes only if the current version equals version.
	// version 0 creates the key only if it does not exist yet.
	CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (int64, error)
	Delete(ctx context.Context, key string) error
	// List returns all items whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Item, error)
	Close() error
}

// Key joins path segments with '/'.
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}

// GetJSON decodes the value under key into out. found is false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, out any) (version int64, found bool, err error) {
	item, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if err := json.Unmarshal(item.Value, out); err != nil {
		return 0, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return item.Version, true, nil
}

// CreateJSON stores value under key only if the key does not exist yet.
// created is false when somebody else got there first.
func CreateJSON(ctx context.Context, s Store, key string, value any) (created bool, err error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	if _, err := s.CompareAndSwap(ctx, key, 0, data); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ErrSkipWrite can be returned by an Update callback to leave the value untouched.
var ErrSkipWrite = errors.New("skip write")

// Update performs a read-modify-write of a JSON value under key with CAS retries.
// fn receives a zero T and found=false when the key is absent. Returning ErrSkipWrite
// leaves the stored value as is; any other error aborts the update and is returned.
func Update[T any](ctx context.Context, s Store, key string, fn func(cur *T, found bool) error) (T, error) {
	var zero T
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var cur T
		version, found, err := GetJSON(ctx, s, key, &cur)
		if err != nil {
			return zero, err
		}

		if err := fn(&cur, found); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				return cur, nil
			}
			return zero, err
		}

		data, err := json.Marshal(cur)
		if err != nil {
			return zero, fmt.Errorf("encode %s: %w", key, err)
		}

		if _, err := s.CompareAndSwap(ctx, key, version, data); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return zero, err
		}
		return cur, nil
	}
	return zero, fmt.Errorf("update %s: %w after %d attempts", key, ErrConflict, maxUpdateAttempts)
}
