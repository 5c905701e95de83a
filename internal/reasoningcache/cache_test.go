package reasoningcache

import (
	"testing"
	"time"

	"github.com/deepcode-reasoning/reasoning-server/internal/promptbuilder"
	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
)

func TestCacheTTLExpiry(t *testing.T) {
	c := New(10, 1<<20, time.Minute)
	current := time.Unix(0, 0)
	c.now = func() time.Time { return current }

	c.Put("k", schema.AnalysisResult{Status: schema.StatusSuccess})

	if _, ok := c.Get("k"); !ok {
		t.Fatalf("expected fresh entry to be returned")
	}

	current = current.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected entry older than TTL to never be returned")
	}
}

func TestCacheMaxEntriesEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2, 1<<20, time.Hour)

	c.Put("a", schema.AnalysisResult{Status: schema.StatusSuccess})
	c.Put("b", schema.AnalysisResult{Status: schema.StatusSuccess})
	c.Get("a") // a is now most-recently-used; b is least-recently-used
	c.Put("c", schema.AnalysisResult{Status: schema.StatusSuccess})

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected least-recently-used entry b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected recently-used entry a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("expected newly inserted entry c to be present")
	}
}

func TestCacheNeverExceedsByteCapAfterInsertion(t *testing.T) {
	c := New(1000, 300, time.Hour)

	for i := 0; i < 20; i++ {
		c.Put(string(rune('a'+i)), schema.AnalysisResult{
			Status: schema.StatusSuccess,
			Findings: schema.Findings{
				RootCauses: []schema.RootCause{{Description: "a reasonably long description of a root cause finding"}},
			},
		})
		_, bytes := c.Size()
		if bytes > 300 {
			t.Fatalf("cache bytes %d exceed cap 300 after insertion %d", bytes, i)
		}
	}
}

func TestCacheHasDoesNotCountAsAccess(t *testing.T) {
	c := New(10, 1<<20, time.Hour)
	c.Put("k", schema.AnalysisResult{Status: schema.StatusSuccess})

	if !c.Has("k") {
		t.Fatalf("expected Has to report presence")
	}
	stats := c.Stats()
	if stats.Hits != 0 {
		t.Fatalf("expected Has to not increment hit counter, got %d", stats.Hits)
	}
}

func TestCacheSweepPurgesExpiredRegardlessOfOrder(t *testing.T) {
	c := New(10, 1<<20, time.Minute)
	current := time.Unix(0, 0)
	c.now = func() time.Time { return current }

	c.Put("old", schema.AnalysisResult{Status: schema.StatusSuccess})
	current = current.Add(2 * time.Minute)
	c.Put("new", schema.AnalysisResult{Status: schema.StatusSuccess})

	purged := c.Sweep()
	if purged != 1 {
		t.Fatalf("expected exactly one expired entry purged, got %d", purged)
	}
	entries, _ := c.Size()
	if entries != 1 {
		t.Fatalf("expected one surviving entry, got %d", entries)
	}
}

func TestKeyIsOrderIndependentOverFileSet(t *testing.T) {
	c := New(10, 1<<20, time.Hour)
	ctx1 := schema.AnalysisContext{Focus: schema.Focus{Files: []string{"a.go", "b.go"}}}
	ctx2 := schema.AnalysisContext{Focus: schema.Focus{Files: []string{"b.go", "a.go"}}}

	k1 := c.Key(promptbuilder.TypeGeneral, ctx1)
	k2 := c.Key(promptbuilder.TypeGeneral, ctx2)
	if k1 != k2 {
		t.Fatalf("expected file-order-independent cache key, got %q vs %q", k1, k2)
	}
}
