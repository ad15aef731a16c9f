// Package cache provides the TTL-bounded key/value spaces that shield the
// billing API from redundant read traffic. Spaces are keyed by normalized
// request parameters and hold opaque serialized payloads so the memory and
// valkey backends stay interchangeable.
package cache

import (
	"context"
	"errors"
	"time"
)

// Store is one cache space. A lookup past the entry's TTL behaves as a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Provider hands out named cache spaces backed by a shared backend.
type Provider interface {
	Space(name string, capacity int) Store
	Close(ctx context.Context) error
}

// Config selects the cache backend.
type Config struct {
	Backend string
	Valkey  ValkeyConfig
}

// NewProvider builds the configured backend. The memory backend bounds each
// space with LRU eviction; the valkey backend delegates capacity to the
// server's eviction policy and only enforces TTLs.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Backend {
	case "", "memory":
		return memoryProvider{}, nil
	case "valkey":
		return newValkeyProvider(cfg.Valkey)
	default:
		return nil, errors.New("cache: unknown backend " + cfg.Backend)
	}
}
