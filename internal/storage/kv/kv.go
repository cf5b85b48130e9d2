// Package kv defines the shared key-value store behind agent locks and backlogs.
//
// All mutations are atomic with respect to other callers of the same store,
// including other processes when the store is backed by a shared database.
package kv

import (
	"context"
	"time"
)

// Store is a minimal key-value store with expiring values and ordered lists.
type Store interface {
	// SetNX stores value under key only if no live value exists.
	// A ttl <= 0 means the value never expires.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the live value stored under key.
	Get(ctx context.Context, key string) (string, bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteIf removes key only if its live value equals value.
	DeleteIf(ctx context.Context, key, value string) (bool, error)

	// RPush appends value to the tail of the list at key.
	RPush(ctx context.Context, key, value string) error
	// LPush prepends value to the head of the list at key.
	LPush(ctx context.Context, key, value string) error
	// LPop removes and returns the head of the list. ok is false when the list is empty.
	LPop(ctx context.Context, key string) (value string, ok bool, err error)
	// LLen returns the number of elements in the list.
	LLen(ctx context.Context, key string) (int, error)
	// LRange returns the whole list, head first.
	LRange(ctx context.Context, key string) ([]string, error)
	// LRem removes the first occurrence of value from the list.
	LRem(ctx context.Context, key, value string) (bool, error)

	Close() error
}
