package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultExpiry applies to secondary caches only; the primary snapshot
// never expires.
const DefaultExpiry = 24 * time.Hour

const secondaryPrefix = "secondary:"

// Secondary caches auxiliary JSON values with an expiry window.
type Secondary struct {
	kv  KV
	ttl time.Duration
}

// NewSecondary returns a secondary cache on kv. ttl <= 0 uses DefaultExpiry.
func NewSecondary(kv KV, ttl time.Duration) *Secondary {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &Secondary{kv: kv, ttl: ttl}
}

// GetJSON decodes the value under key into dst. Returns ErrMiss when absent
// or expired.
func (c *Secondary) GetJSON(ctx context.Context, key string, dst any) error {
	raw, err := c.kv.Get(ctx, secondaryPrefix+key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// PutJSON stores v under key for the expiry window.
func (c *Secondary) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return c.kv.Set(ctx, secondaryPrefix+key, string(data), c.ttl)
}
