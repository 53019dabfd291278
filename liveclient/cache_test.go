package liveclient

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestFingerprint(t *testing.T) {
	params := map[string]any{
		"page":   2,
		"filter": "open",
		"scroll": 991,
	}

	// selected params only, sorted by name
	fingerprint := Fingerprint("load_page", params, []string{"page", "filter"})
	assert.Equal(t, "load_page:filter=open:page=2", fingerprint)

	// same inputs, same key
	assert.Equal(t, fingerprint, Fingerprint("load_page", params, []string{"filter", "page"}))

	// no params at all
	assert.Equal(t, "refresh", Fingerprint("refresh", map[string]any{}, nil))
}

func TestFingerprintInternalParams(t *testing.T) {
	params := map[string]any{
		"page":            1,
		"_cacheRequestId": "abc",
		"_csrf":           "tok",
	}

	// internal params never contribute, whitelisted or not
	assert.Equal(t, "load_page:page=1", Fingerprint("load_page", params, nil))
	assert.Equal(t, "load_page:page=1", Fingerprint("load_page", params, []string{"page", "_csrf"}))
}

func TestFingerprintWhitelistFallback(t *testing.T) {
	params := map[string]any{
		"a": 1,
		"b": 2,
	}

	// when no whitelisted name is present, all non-internal params are used
	assert.Equal(t, "ev:a=1:b=2", Fingerprint("ev", params, []string{"missing"}))
}

func TestCacheLookupExpiry(t *testing.T) {
	cache := NewResponseCacheWithDefaults()
	epoch := time.Now()
	cache.now = func() time.Time { return epoch }

	cache.Store("k", &CachedResponse{Html: "<div></div>"}, 10*time.Second)

	response, ok := cache.Lookup("k")
	assert.Equal(t, true, ok)
	assert.Equal(t, "<div></div>", response.Html)

	// a read past expiry misses and purges the entry
	epoch = epoch.Add(11 * time.Second)
	_, ok = cache.Lookup("k")
	assert.Equal(t, false, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestCacheEviction(t *testing.T) {
	cache := NewResponseCache(&ResponseCacheSettings{
		Capacity:       2,
		PendingTimeout: time.Second,
	})

	cache.Store("a", &CachedResponse{Html: "a"}, time.Minute)
	cache.Store("b", &CachedResponse{Html: "b"}, time.Minute)
	// touch a so b is the eviction candidate
	_, ok := cache.Lookup("a")
	assert.Equal(t, true, ok)

	cache.Store("c", &CachedResponse{Html: "c"}, time.Minute)
	assert.Equal(t, 2, cache.Len())

	_, ok = cache.Lookup("b")
	assert.Equal(t, false, ok)
	_, ok = cache.Lookup("a")
	assert.Equal(t, true, ok)
	_, ok = cache.Lookup("c")
	assert.Equal(t, true, ok)
}

func TestCacheInvalidate(t *testing.T) {
	cache := NewResponseCacheWithDefaults()
	for i := 0; i < 4; i += 1 {
		cache.Store(fmt.Sprintf("load_page:page=%d", i), &CachedResponse{}, time.Minute)
	}
	cache.Store("refresh", &CachedResponse{}, time.Minute)

	removed := cache.Invalidate(func(fingerprint string) bool {
		return fingerprint != "refresh"
	})
	assert.Equal(t, 4, removed)
	assert.Equal(t, 1, cache.Len())
}

func TestCachePending(t *testing.T) {
	cache := NewResponseCacheWithDefaults()

	cache.RegisterPending("req-1", "load_page:page=2", 30*time.Second)
	assert.Equal(t, 1, cache.PendingCount())

	fingerprint, ttl, ok := cache.ResolvePending("req-1")
	assert.Equal(t, true, ok)
	assert.Equal(t, "load_page:page=2", fingerprint)
	assert.Equal(t, 30*time.Second, ttl)
	assert.Equal(t, 0, cache.PendingCount())

	// a registration resolves at most once
	_, _, ok = cache.ResolvePending("req-1")
	assert.Equal(t, false, ok)
}

func TestCachePendingTimeout(t *testing.T) {
	cache := NewResponseCache(&ResponseCacheSettings{
		Capacity:       10,
		PendingTimeout: 20 * time.Millisecond,
	})

	cache.RegisterPending("req-1", "k", time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for cache.PendingCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, cache.PendingCount())

	// the late response no longer correlates
	_, _, ok := cache.ResolvePending("req-1")
	assert.Equal(t, false, ok)
}
