package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deepcode-reasoning/reasoning-server/internal/errs"
	"github.com/deepcode-reasoning/reasoning-server/internal/promptbuilder"
	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
)

func analysisCtx(files ...string) schema.AnalysisContext {
	return schema.AnalysisContext{Focus: schema.Focus{Files: files}}
}

func TestArbiterOrdersByPriorityThenName(t *testing.T) {
	genA := &FakeGenerator{Responses: []string{`{"status":"success"}`}}
	genB := &FakeGenerator{Responses: []string{`{"status":"success"}`}}
	genC := &FakeGenerator{Responses: []string{`{"status":"success"}`}}

	pB := NewFakeProvider("b", 1, genB)
	pA := NewFakeProvider("a", 1, genA)
	pZ := NewFakeProvider("z", 0, genC)

	a := New([]Provider{pB, pA, pZ}, nil, nil)
	got := a.Providers()
	if got[0].Name() != "z" || got[1].Name() != "a" || got[2].Name() != "b" {
		names := []string{got[0].Name(), got[1].Name(), got[2].Name()}
		t.Fatalf("unexpected order: %v", names)
	}
}

func TestArbiterFallsBackOnRetryableFailure(t *testing.T) {
	primaryGen := &FakeGenerator{Errs: []error{errors.New("503 service unavailable")}}
	secondaryGen := &FakeGenerator{Responses: []string{`{"status":"success"}`}}

	primary := NewFakeProvider("primary", 0, primaryGen)
	secondary := NewFakeProvider("secondary", 1, secondaryGen)

	a := New([]Provider{primary, secondary}, nil, nil)
	result, err := a.Analyze(context.Background(), analysisCtx("a.go"), promptbuilder.TypeGeneral)
	if err != nil {
		t.Fatalf("expected fallback success, got error: %v", err)
	}
	if !result.Metadata.FallbackUsed {
		t.Fatalf("expected fallbackUsed=true")
	}
	if result.Metadata.Provider != "secondary" {
		t.Fatalf("expected provider=secondary, got %q", result.Metadata.Provider)
	}

	stats := primary.Stats()
	if stats.Circuit.ConsecutiveFailures != 1 {
		t.Fatalf("expected primary consecutiveFailures=1, got %d", stats.Circuit.ConsecutiveFailures)
	}
	if stats.Circuit.Open {
		t.Fatalf("expected primary circuit to remain closed after one failure")
	}
}

func TestArbiterAttemptsEachProviderAtMostOnce(t *testing.T) {
	gen1 := &FakeGenerator{Errs: []error{errors.New("500 internal server error")}}
	gen2 := &FakeGenerator{Errs: []error{errors.New("500 internal server error")}}

	p1 := NewFakeProvider("p1", 0, gen1)
	p2 := NewFakeProvider("p2", 1, gen2)

	a := New([]Provider{p1, p2}, nil, nil)
	_, err := a.Analyze(context.Background(), analysisCtx("a.go"), promptbuilder.TypeGeneral)
	if err == nil {
		t.Fatalf("expected all-providers-failed error")
	}
	if gen1.calls != 1 || gen2.calls != 1 {
		t.Fatalf("expected exactly one call per provider, got %d and %d", gen1.calls, gen2.calls)
	}
}

func TestArbiterOpensCircuitAfterThreshold(t *testing.T) {
	fixedNow := time.Unix(1000, 0)
	gen := &FakeGenerator{Errs: []error{
		errors.New("500 error"), errors.New("500 error"), errors.New("500 error"), errors.New("500 error"),
	}}
	p := NewFakeProviderWithClock("only", 0, gen, func() time.Time { return fixedNow })
	a := New([]Provider{p}, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := a.Analyze(context.Background(), analysisCtx("a.go"), promptbuilder.TypeGeneral)
		if err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}
	stats := p.Stats()
	if !stats.Circuit.Open {
		t.Fatalf("expected circuit open after 3 consecutive failures")
	}

	// Circuit now open: the next request should skip calling analyze.
	callsBefore := gen.calls
	_, err := a.Analyze(context.Background(), analysisCtx("a.go"), promptbuilder.TypeGeneral)
	if err == nil {
		t.Fatalf("expected all-providers-failed while circuit is open")
	}
	if gen.calls != callsBefore {
		t.Fatalf("expected no new generate call while circuit open, calls went from %d to %d", callsBefore, gen.calls)
	}
}

func TestArbiterNotConfiguredShortCircuitsEveryCall(t *testing.T) {
	// A missing primary credential blocks analysis outright, even when a
	// fallback provider could have served the request.
	gen := &FakeGenerator{Responses: []string{`{"status":"success"}`}}
	secondary := NewFakeProvider("secondary", 1, gen)

	a := New([]Provider{secondary}, nil, nil)
	a.MarkNotConfigured()

	_, err := a.Analyze(context.Background(), analysisCtx("a.go"), promptbuilder.TypeGeneral)
	if errs.CategoryOf(err) != errs.CategoryProviderNotConfig {
		t.Fatalf("expected provider-not-configured, got %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("expected no provider call while not configured, got %d", gen.calls)
	}
}

func TestArbiterNoProvidersReturnsNotConfigured(t *testing.T) {
	a := New(nil, nil, nil)
	_, err := a.Analyze(context.Background(), analysisCtx("a.go"), promptbuilder.TypeGeneral)
	if errs.CategoryOf(err) != errs.CategoryProviderNotConfig {
		t.Fatalf("expected provider-not-configured, got %v", err)
	}
}

func TestArbiterEmptyFocusFilesBypassesCache(t *testing.T) {
	gen := &FakeGenerator{Responses: []string{`{"status":"success"}`}}
	p := NewFakeProvider("only", 0, gen)

	cache := newSpyCache()
	a := New([]Provider{p}, nil, cache)

	_, err := a.Analyze(context.Background(), analysisCtx(), promptbuilder.TypeGeneral)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cache.getCalls != 0 || cache.putCalls != 0 {
		t.Fatalf("expected cache bypass for empty focus.files, got getCalls=%d putCalls=%d", cache.getCalls, cache.putCalls)
	}
}

func TestArbiterCacheHitSkipsProvider(t *testing.T) {
	gen := &FakeGenerator{Responses: []string{`{"status":"success"}`}}
	p := NewFakeProvider("only", 0, gen)
	cache := newSpyCache()

	a := New([]Provider{p}, nil, cache)
	ctx := analysisCtx("a.go")

	first, err := a.Analyze(context.Background(), ctx, promptbuilder.TypeGeneral)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Metadata.FromCache {
		t.Fatalf("first call should not be a cache hit")
	}

	second, err := a.Analyze(context.Background(), ctx, promptbuilder.TypeGeneral)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Metadata.FromCache {
		t.Fatalf("expected second identical call to be a cache hit")
	}
	if gen.calls != 1 {
		t.Fatalf("expected provider to be invoked exactly once, got %d", gen.calls)
	}
}

// spyCache is a minimal in-memory Cache used only to observe call
// counts and exercise the arbiter's cache-bypass/cache-hit paths.
type spyCache struct {
	entries  map[string]schema.AnalysisResult
	getCalls int
	putCalls int
}

func newSpyCache() *spyCache {
	return &spyCache{entries: map[string]schema.AnalysisResult{}}
}

func (c *spyCache) Get(key string) (schema.AnalysisResult, bool) {
	c.getCalls++
	v, ok := c.entries[key]
	return v, ok
}

func (c *spyCache) Put(key string, value schema.AnalysisResult) {
	c.putCalls++
	c.entries[key] = value
}

func (c *spyCache) Key(analysisType promptbuilder.AnalysisType, ctx schema.AnalysisContext) string {
	return string(analysisType) + "|" + ctx.Focus.Files[0]
}
