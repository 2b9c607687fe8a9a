// Package kv defines the key/value store primitive the rest of the gateway
// is built on. Per §1 this primitive is an external collaborator specified
// only by interface; Store is that interface, and redis.go is the one
// concrete implementation the binary ships with.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and HGet when the key or field is absent.
var ErrNotFound = errors.New("kv: not found")

// Store is the get/set-with-TTL/hash-ops primitive required by §6.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)
	// HScan incrementally scans the hash at key, matching field names
	// against pattern (a glob, e.g. "*EUR*"), feeding up to count
	// entries per round-trip. It returns the next cursor; a returned
	// cursor of 0 means the scan is complete.
	HScan(ctx context.Context, key string, cursor uint64, pattern string, count int64) (fields map[string]string, nextCursor uint64, err error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}
