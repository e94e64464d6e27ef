package api

import (
	"context"
	"sync"
	"time"
)

// IdempotencyDB maps Idempotency-Key headers to the point they created.
type IdempotencyDB interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Remember(ctx context.Context, key, pointID string) error
}

type idemEntry struct {
	pointID string
	expiry  time.Time
}

// idemCache is the in-process IdempotencyDB used without a database.
type idemCache struct {
	mu    sync.Mutex
	byKey map[string]idemEntry
	ttl   time.Duration
}

func newIdemCache(ttl time.Duration) *idemCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &idemCache{
		byKey: make(map[string]idemEntry),
		ttl:   ttl,
	}
}

// Remember stores key->point mapping.
func (c *idemCache) Remember(_ context.Context, key, pointID string) error {
	if key == "" || pointID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[key] = idemEntry{pointID: pointID, expiry: time.Now().Add(c.ttl)}
	return nil
}

// Lookup returns the point id if key exists and has not expired.
func (c *idemCache) Lookup(_ context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byKey[key]
	if !ok {
		return "", false, nil
	}
	if time.Now().After(entry.expiry) {
		delete(c.byKey, key)
		return "", false, nil
	}
	return entry.pointID, true, nil
}
