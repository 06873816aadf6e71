package cache

import (
	"context"
	"errors"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache stores encoded prediction responses. Values are copied on the way
// in and out so callers never share a backing array.
type Cache interface {
	Set(ctx context.Context, key string, value []byte) error

	Get(ctx context.Context, key string) ([]byte, error)

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// Clear drops every entry and reports how many were removed.
	Clear(ctx context.Context) (int, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Items     int     `json:"items"`
	Expired   int     `json:"expired"`
	MaxSize   int     `json:"max_size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRatio  float64 `json:"hit_ratio"`
}
