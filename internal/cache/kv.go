// Package cache holds the key/value snapshot of the last-known beneficiary
// list and current record, used to serve reads while offline.
//
// The snapshot is persisted independently of the relational store: either
// as JSON files in a cache directory (FileKV) or in Redis (RedisKV).
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by KV.Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// KV is a string key/value store with optional expiry.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
