// Package blob provides the key-addressable byte store the element cache
// persists snapshots into.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get and Delete when the key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is a flat key-value store. Keys are slash-separated paths such as
// "starlink/history/1712664000000000000".
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key with the given prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid blob key %q", key)
		}
	}
	return nil
}
