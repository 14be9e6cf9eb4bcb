// Package cache provides the persistent Redis cache level and the two-level
// cache used by the root page resolver.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound     = errors.New("key not found")
	ErrEncodeFailed = errors.New("failed to encode value")
	ErrDecodeFailed = errors.New("failed to decode value")
)

// Encoder converts a value of type T to a byte slice for storage in Redis.
type Encoder[T any] func(value T) ([]byte, error)

// Decoder converts a byte slice from Redis back to a value of type T.
type Decoder[T any] func(data []byte) (T, error)

// Cache is a generic cache backed by Redis.
type Cache[T any] struct {
	client  redis.UniversalClient
	encoder Encoder[T]
	decoder Decoder[T]
	prefix  string
}

// Options contains configuration options for creating a new Cache.
type Options[T any] struct {
	Client  redis.UniversalClient
	Encoder Encoder[T]
	Decoder Decoder[T]
	Prefix  string
}

// New creates a new generic Cache instance. Missing codecs default to msgpack.
func New[T any](opts Options[T]) *Cache[T] {
	if opts.Encoder == nil {
		opts.Encoder = MsgpackEncoder[T]()
	}
	if opts.Decoder == nil {
		opts.Decoder = MsgpackDecoder[T]()
	}
	return &Cache[T]{
		client:  opts.Client,
		encoder: opts.Encoder,
		decoder: opts.Decoder,
		prefix:  opts.Prefix,
	}
}

// key returns the full Redis key with prefix applied.
func (c *Cache[T]) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Set stores a value in the cache with the given key and TTL.
// Use ttl=0 for no expiration.
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := c.encoder(value)
	if err != nil {
		return errors.Join(ErrEncodeFailed, err)
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

// Get retrieves a value from the cache by key.
// Returns ErrNotFound if the key does not exist.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T

	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, err
	}

	value, err := c.decoder(data)
	if err != nil {
		return zero, errors.Join(ErrDecodeFailed, err)
	}

	return value, nil
}

// Delete removes keys from the cache.
func (c *Cache[T]) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.client.Del(ctx, full...).Err()
}

// Flush removes every key under the cache prefix.
func (c *Cache[T]) Flush(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.key("*"), 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.client.Del(ctx, batch...).Err()
	}
	return nil
}
