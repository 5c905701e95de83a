// Package reasoningcache implements the bounded-size, TTL-keyed cache
// in front of the provider arbiter: a fingerprint of (analysis type,
// file set, query) maps to a prior AnalysisResult, with LRU eviction on
// insertion and a periodic sweep that purges expired entries.
package reasoningcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deepcode-reasoning/reasoning-server/internal/observability"
	"github.com/deepcode-reasoning/reasoning-server/internal/promptbuilder"
	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
)

// entryRef is the value stored in the LRU list; key lets eviction remove
// the matching map entry.
type entryRef struct {
	key   string
	entry schema.CacheEntry
}

// Cache is the ReasoningCache: bounded entry count, bounded total
// bytes, TTL per entry, LRU + memory-cap eviction on insertion, and a
// periodic expired-entry sweep.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	ttl        time.Duration
	totalBytes int64

	items map[string]*list.Element // key -> element in order (front = most recently used)
	order *list.List

	hits, misses, evictions int64

	metrics *observability.Metrics

	now func() time.Time
}

// New builds a cache with the given bounds.
func New(maxEntries int, maxBytes int64, ttl time.Duration) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

// SetMetrics attaches the process-wide metrics; nil leaves the cache
// silent.
func (c *Cache) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// gaugeLocked refreshes the entry/byte gauges; callers must hold c.mu.
func (c *Cache) gaugeLocked() {
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(len(c.items)))
		c.metrics.CacheBytes.Set(float64(c.totalBytes))
	}
}

// Key builds the fingerprint cache key: hash(analysisType ||
// sorted(focus file paths) || normalized(query)). Only the paths are
// hashed, not the files' contents.
func (c *Cache) Key(analysisType promptbuilder.AnalysisType, ctx schema.AnalysisContext) string {
	files := append([]string(nil), ctx.Focus.Files...)
	sort.Strings(files)

	query := strings.Join(ctx.AttemptedApproaches, "\n") + "\x00" + strings.Join(ctx.StuckPoints, "\n")
	normalizedQuery := strings.ToLower(strings.TrimSpace(query))

	h := sha256.New()
	h.Write([]byte(analysisType))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(files, "\x1f")))
	h.Write([]byte{0})
	h.Write([]byte(normalizedQuery))
	return hex.EncodeToString(h.Sum(nil))
}

// Get looks up key. It updates lastAccessedAt/accessCount and marks the
// entry most-recently-used, but a miss or an expired hit never does so.
// Entries older than TTL are never returned.
func (c *Cache) Get(key string) (schema.AnalysisResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.miss()
		return schema.AnalysisResult{}, false
	}
	ref := el.Value.(*entryRef)
	if ref.entry.Expired(c.now()) {
		c.removeElement(el)
		c.miss()
		return schema.AnalysisResult{}, false
	}

	ref.entry.AccessCount++
	ref.entry.LastAccessedAt = c.now()
	c.order.MoveToFront(el)
	c.hits++
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
	return ref.entry.Value, true
}

// miss records a cache miss; callers must hold c.mu.
func (c *Cache) miss() {
	c.misses++
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}

// Has reports presence of a non-expired entry without counting as an
// access (no lastAccessedAt/accessCount/LRU-order mutation).
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	ref := el.Value.(*entryRef)
	return !ref.entry.Expired(c.now())
}

// Put inserts or replaces the entry for key, evicting by least-recent
// access first, then purging over either cap until within bounds.
func (c *Cache) Put(key string, value schema.AnalysisResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := estimateSize(value)
	now := c.now()
	entry := schema.CacheEntry{
		Value:          value,
		CreatedAt:      now,
		TTL:            c.ttl,
		SizeBytes:      size,
		AccessCount:    0,
		LastAccessedAt: now,
	}

	if el, ok := c.items[key]; ok {
		old := el.Value.(*entryRef)
		c.totalBytes -= int64(old.entry.SizeBytes)
		old.entry = entry
		c.order.MoveToFront(el)
		c.totalBytes += int64(size)
	} else {
		el := c.order.PushFront(&entryRef{key: key, entry: entry})
		c.items[key] = el
		c.totalBytes += int64(size)
	}

	c.evictToFit()
	c.gaugeLocked()
}

func (c *Cache) evictToFit() {
	for (c.maxEntries > 0 && len(c.items) > c.maxEntries) || (c.maxBytes > 0 && c.totalBytes > c.maxBytes) {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
		c.evictions++
		if c.metrics != nil {
			c.metrics.CacheEvictions.Inc()
		}
	}
}

// removeElement deletes an element from both the list and the map and
// adjusts totalBytes; callers must hold c.mu.
func (c *Cache) removeElement(el *list.Element) {
	ref := el.Value.(*entryRef)
	c.order.Remove(el)
	delete(c.items, ref.key)
	c.totalBytes -= int64(ref.entry.SizeBytes)
}

// Sweep purges every expired entry regardless of LRU position; intended
// to run on a periodic timer (default every 5 minutes).
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var purged int
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		ref := el.Value.(*entryRef)
		if ref.entry.Expired(now) {
			c.removeElement(el)
			purged++
		}
		el = next
	}
	c.gaugeLocked()
	return purged
}

// Size returns the current entry count and total bytes.
func (c *Cache) Size() (entries int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items), c.totalBytes
}

// Stats reports cumulative hit/miss/eviction counters.
type Stats struct {
	Hits, Misses, Evictions int64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}

// estimateSize gives a rough byte-size estimate for cap accounting; an
// exact accounting would require a full JSON marshal on every insertion,
// which the cap itself does not need to be exact about.
func estimateSize(v schema.AnalysisResult) int {
	size := len(v.Metadata.Provider) + 64
	for _, rc := range v.Findings.RootCauses {
		size += len(rc.Description) + len(rc.Kind) + len(rc.FixStrategy) + 32
	}
	for _, ep := range v.Findings.ExecutionPaths {
		size += len(ep.ID) + 16
		for _, s := range ep.Steps {
			size += len(s.Operation) + 32
		}
	}
	for _, pb := range v.Findings.PerformanceBottleneck {
		size += len(pb.Suggestion) + 32
	}
	for _, csi := range v.Findings.CrossSystemImpacts {
		size += len(csi.Service) + 32
	}
	for _, a := range v.Recommendations.ImmediateActions {
		size += len(a.Description) + len(a.EstimatedEffort) + 32
	}
	for _, s := range v.Recommendations.InvestigationNextSteps {
		size += len(s)
	}
	for _, s := range v.EnrichedContext.NewInsights {
		size += len(s)
	}
	return size
}
