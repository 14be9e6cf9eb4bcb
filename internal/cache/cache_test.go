package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type rootEntry struct {
	Roots []int64 `msgpack:"roots"`
}

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestCache_SetGetDelete(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()

	c := New(Options[rootEntry]{Client: client, Prefix: "rootpage"})

	if _, err := c.Get(ctx, "pages:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := c.Set(ctx, "pages:1", rootEntry{Roots: []int64{1, 7}}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("rootpage:pages:1") {
		t.Fatal("prefix not applied to key")
	}

	got, err := c.Get(ctx, "pages:1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Roots) != 2 || got.Roots[1] != 7 {
		t.Errorf("got %+v", got)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := c.Get(ctx, "pages:1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expiry, got %v", err)
	}

	c.Set(ctx, "pages:2", rootEntry{}, 0)
	if err := c.Delete(ctx, "pages:2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if mr.Exists("rootpage:pages:2") {
		t.Error("key should be deleted")
	}
}

func TestCache_DecodeFailure(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()

	mr.Set("rootpage:broken", "\xc1") // never-used msgpack byte
	c := New(Options[rootEntry]{Client: client, Prefix: "rootpage"})
	if _, err := c.Get(ctx, "broken"); !errors.Is(err, ErrDecodeFailed) {
		t.Errorf("expected ErrDecodeFailed, got %v", err)
	}
}

func TestCache_Flush(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()

	mr.Set("other:key", "keep")
	c := New(Options[int64]{Client: client, Prefix: "sq"})
	for _, k := range []string{"a", "b", "c"} {
		c.Set(ctx, k, 1, 0)
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if mr.Exists("sq:a") || mr.Exists("sq:c") {
		t.Error("prefixed keys should be flushed")
	}
	if !mr.Exists("other:key") {
		t.Error("keys outside the prefix must survive")
	}
}

func TestTwoLevel_LocalOnly(t *testing.T) {
	ctx := context.Background()
	c := NewTwoLevel[int64](nil, 0, nil)

	if _, ok := c.Get(ctx, "x"); ok {
		t.Fatal("empty cache should miss")
	}
	c.Set(ctx, "x", 42)
	if v, ok := c.Get(ctx, "x"); !ok || v != 42 {
		t.Fatalf("got %d, %v", v, ok)
	}
	c.Delete(ctx, "x")
	if _, ok := c.Get(ctx, "x"); ok {
		t.Error("deleted key should miss")
	}

	m := c.Metrics()
	if m.Hits != 1 || m.Misses != 2 || m.Entries != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestTwoLevel_PersistentPromotion(t *testing.T) {
	client, _ := setupRedis(t)
	ctx := context.Background()

	remote := New(Options[rootEntry]{Client: client, Prefix: "rootpage"})
	first := NewTwoLevel(remote, time.Hour, nil)
	first.Set(ctx, "tt_content:5", rootEntry{Roots: []int64{1}})

	// A second process only shares the persistent level
	second := NewTwoLevel(remote, time.Hour, nil)
	v, ok := second.Get(ctx, "tt_content:5")
	if !ok || len(v.Roots) != 1 {
		t.Fatalf("persistent level miss: %+v %v", v, ok)
	}
	second.Get(ctx, "tt_content:5")

	m := second.Metrics()
	if m.PersistentHits != 1 || m.Hits != 1 {
		t.Errorf("expected one persistent and one local hit, got %+v", m)
	}

	second.Delete(ctx, "tt_content:5")
	first.ResetLocal()
	if _, ok := first.Get(ctx, "tt_content:5"); ok {
		t.Error("delete must reach the persistent level")
	}
}
