package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Metrics holds cache statistics for observability.
type Metrics struct {
	Hits           atomic.Int64
	PersistentHits atomic.Int64
	Misses         atomic.Int64
	Entries        atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Hits           int64 `json:"hits"`
	PersistentHits int64 `json:"persistent_hits"`
	Misses         int64 `json:"misses"`
	Entries        int64 `json:"entries"`
}

// TwoLevel is an in-process cache backed by an optional persistent level.
// Reads check memory first, then the persistent level; persistent hits are
// promoted into memory.
type TwoLevel[T any] struct {
	mu      sync.RWMutex
	local   map[string]T
	remote  *Cache[T]
	ttl     time.Duration
	logger  logrus.FieldLogger
	metrics Metrics
}

// NewTwoLevel creates a two-level cache. remote may be nil for a purely
// in-process cache.
func NewTwoLevel[T any](remote *Cache[T], ttl time.Duration, logger logrus.FieldLogger) *TwoLevel[T] {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &TwoLevel[T]{
		local:  make(map[string]T),
		remote: remote,
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns the cached value for key.
func (c *TwoLevel[T]) Get(ctx context.Context, key string) (T, bool) {
	c.mu.RLock()
	v, ok := c.local[key]
	c.mu.RUnlock()
	if ok {
		c.metrics.Hits.Add(1)
		return v, true
	}

	if c.remote != nil {
		v, err := c.remote.Get(ctx, key)
		if err == nil {
			c.metrics.PersistentHits.Add(1)
			c.setLocal(key, v)
			return v, true
		}
		if !errors.Is(err, ErrNotFound) {
			c.logger.WithError(err).WithField("key", key).Warn("cache: persistent level read failed")
		}
	}

	c.metrics.Misses.Add(1)
	var zero T
	return zero, false
}

// Set stores value in both levels. Persistent write failures are logged only.
func (c *TwoLevel[T]) Set(ctx context.Context, key string, value T) {
	c.setLocal(key, value)
	if c.remote != nil {
		if err := c.remote.Set(ctx, key, value, c.ttl); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("cache: persistent level write failed")
		}
	}
}

// Delete removes keys from both levels.
func (c *TwoLevel[T]) Delete(ctx context.Context, keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		if _, ok := c.local[k]; ok {
			delete(c.local, k)
			c.metrics.Entries.Add(-1)
		}
	}
	c.mu.Unlock()

	if c.remote != nil {
		if err := c.remote.Delete(ctx, keys...); err != nil {
			c.logger.WithError(err).WithField("keys", keys).Warn("cache: persistent level delete failed")
		}
	}
}

// ResetLocal drops the in-process level, e.g. at the end of a request.
func (c *TwoLevel[T]) ResetLocal() {
	c.mu.Lock()
	c.local = make(map[string]T)
	c.metrics.Entries.Store(0)
	c.mu.Unlock()
}

// Flush clears both levels.
func (c *TwoLevel[T]) Flush(ctx context.Context) error {
	c.ResetLocal()
	if c.remote != nil {
		return c.remote.Flush(ctx)
	}
	return nil
}

// Metrics returns a snapshot of the cache statistics.
func (c *TwoLevel[T]) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Hits:           c.metrics.Hits.Load(),
		PersistentHits: c.metrics.PersistentHits.Load(),
		Misses:         c.metrics.Misses.Load(),
		Entries:        c.metrics.Entries.Load(),
	}
}

func (c *TwoLevel[T]) setLocal(key string, value T) {
	c.mu.Lock()
	if _, ok := c.local[key]; !ok {
		c.metrics.Entries.Add(1)
	}
	c.local[key] = value
	c.mu.Unlock()
}
