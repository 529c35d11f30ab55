package memcache_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mickamy/memcache"
)

func newTestClient(t *testing.T, f *fakeMemcached) *memcache.Client {
	t.Helper()
	c, err := memcache.New([]string{f.addr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	if err := c.Set("greeting", "hello world", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get("greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.([]byte)) != "hello world" {
		t.Fatalf("got %v", got)
	}
}

func TestGetCacheMiss(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	_, err := c.Get("missing")
	if !errors.Is(err, memcache.ErrCacheMiss) {
		t.Fatalf("got %v, want ErrCacheMiss", err)
	}
}

func TestAddRejectsExistingKey(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	if err := c.Add("k", "v1", 0); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	err := c.Add("k", "v2", 0)
	if !errors.Is(err, memcache.ErrNotStored) {
		t.Fatalf("got %v, want ErrNotStored", err)
	}
}

func TestReplaceRequiresExistingKey(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	err := c.Replace("nope", "v", 0)
	if !errors.Is(err, memcache.ErrNotStored) {
		t.Fatalf("got %v, want ErrNotStored", err)
	}
}

func TestGetsThenCasSucceeds(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	if err := c.Set("k", "v1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := c.Gets("k")
	if err != nil {
		t.Fatalf("Gets: %v", err)
	}
	if item.CAS == 0 {
		t.Fatal("expected non-zero CAS token")
	}
	if err := c.Cas("k", "v2", 0); err != nil {
		t.Fatalf("Cas: %v", err)
	}
	got, err := c.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.([]byte)) != "v2" {
		t.Fatalf("got %v", got)
	}
}

func TestCasWithoutPriorGetsDegradesToSet(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	if err := c.Cas("untouched", "v", 0); err != nil {
		t.Fatalf("Cas: %v", err)
	}
	got, err := c.Get("untouched")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.([]byte)) != "v" {
		t.Fatalf("got %v", got)
	}
}

func TestCasConflictAfterConcurrentWrite(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	if err := c.Set("k", "v1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := c.Gets("k")
	if err != nil {
		t.Fatalf("Gets: %v", err)
	}
	_ = item
	// Someone else writes in between.
	if err := c.Set("k", "v-from-elsewhere", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	err = c.Cas("k", "v2", 0)
	if !errors.Is(err, memcache.ErrCASConflict) {
		t.Fatalf("got %v, want ErrCASConflict", err)
	}
}

func TestDeleteOfMissingKeyIsNotAnError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	if err := c.Delete("never-set"); err != nil {
		t.Fatalf("Delete of a missing key should succeed, got %v", err)
	}
}

func TestGetMultiReturnsOnlyHits(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	if err := c.Set("a", "1", 0); err != nil {
		t.Fatalf("Set a: %v", err)
	}
	if err := c.Set("b", "2", 0); err != nil {
		t.Fatalf("Set b: %v", err)
	}

	got, err := c.GetMulti([]string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2: %v", len(got), got)
	}
}

func TestIncrDecrRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	if err := c.Set("counter", "10", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	n, err := c.Incr("counter", 5)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if n != 15 {
		t.Fatalf("Incr: got %d, want 15", n)
	}
	n, err = c.Decr("counter", 3)
	if err != nil {
		t.Fatalf("Decr: %v", err)
	}
	if n != 12 {
		t.Fatalf("Decr: got %d, want 12", n)
	}
}

func TestDecrFloorsAtZero(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	if err := c.Set("counter", "1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	n, err := c.Decr("counter", 5)
	if err != nil {
		t.Fatalf("Decr: %v", err)
	}
	if n != 0 {
		t.Fatalf("Decr: got %d, want 0", n)
	}
}

func TestIncrCacheMiss(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	_, err := c.Incr("missing", 1)
	if !errors.Is(err, memcache.ErrCacheMiss) {
		t.Fatalf("got %v, want ErrCacheMiss", err)
	}
}

func TestTouchUpdatesExpiration(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	if err := c.Set("k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Touch("k", 60); err != nil {
		t.Fatalf("Touch: %v", err)
	}
}

func TestTouchCacheMiss(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	err := c.Touch("missing", 60)
	if !errors.Is(err, memcache.ErrCacheMiss) {
		t.Fatalf("got %v, want ErrCacheMiss", err)
	}
}

func TestFlushAllClearsEveryKey(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	if err := c.Set("k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	_, err := c.Get("k")
	if !errors.Is(err, memcache.ErrCacheMiss) {
		t.Fatalf("got %v, want ErrCacheMiss after flush", err)
	}
}

func TestStatsReturnsPerServerEntries(t *testing.T) {
	t.Parallel()

	f := startFakeMemcached(t)
	c := newTestClient(t, f)
	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("got %d servers, want 1: %v", len(stats), stats)
	}
	for _, serverStats := range stats {
		if serverStats["pid"] != "1" {
			t.Fatalf("got stats %v, want pid=1", serverStats)
		}
	}
}

func TestSetMultiAndDeleteMultiAcrossManyKeys(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	items := make(map[string]any, 64)
	keys := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		k := fmt.Sprintf("k%d", i)
		items[k] = fmt.Sprintf("v%d", i)
		keys = append(keys, k)
	}
	failed, err := c.SetMulti(items, 0)
	if err != nil {
		t.Fatalf("SetMulti: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("SetMulti failed keys: %v", failed)
	}

	got, err := c.GetMulti(keys)
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("got %d results, want %d", len(got), len(items))
	}

	failed, err = c.DeleteMulti(keys)
	if err != nil {
		t.Fatalf("DeleteMulti: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("DeleteMulti failed keys: %v", failed)
	}
}

func TestSetMultiWithKeyPrefixRoundTrips(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	items := map[string]any{"k1": "a", "k2": "b"}
	failed, err := c.SetMulti(items, 0, "pfx_")
	if err != nil {
		t.Fatalf("SetMulti: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("SetMulti failed keys: %v", failed)
	}

	got, err := c.GetMulti([]string{"k1", "k2"}, "pfx_")
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if string(got["k1"].([]byte)) != "a" || string(got["k2"].([]byte)) != "b" {
		t.Fatalf("got %v, want un-prefixed keys", got)
	}
}

func TestNoReplySkipsResponse(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	if err := c.Set("k", "v", 0, memcache.WithNoReply()); err != nil {
		t.Fatalf("Set with WithNoReply: %v", err)
	}
	got, err := c.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.([]byte)) != "v" {
		t.Fatalf("got %v", got)
	}
}

func TestInvalidKeyRejectedBeforeNetworkIO(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, startFakeMemcached(t))
	var keyErr *memcache.KeyError
	err := c.Set("has space", "v", 0)
	if !errors.As(err, &keyErr) {
		t.Fatalf("got %v, want *KeyError", err)
	}
}
