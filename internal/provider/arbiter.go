package provider

import (
	"context"
	"sort"
	"time"

	"github.com/deepcode-reasoning/reasoning-server/internal/errs"
	"github.com/deepcode-reasoning/reasoning-server/internal/observability"
	"github.com/deepcode-reasoning/reasoning-server/internal/promptbuilder"
	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
)

// Cache is the narrow interface the arbiter needs from ReasoningCache,
// kept here (rather than importing the concrete cache package) to avoid
// a dependency cycle and to make the arbiter trivially testable without
// a real cache.
type Cache interface {
	Get(key string) (schema.AnalysisResult, bool)
	Put(key string, value schema.AnalysisResult)
	Key(analysisType promptbuilder.AnalysisType, ctx schema.AnalysisContext) string
}

// Arbiter selects and invokes providers with deterministic fallback.
type Arbiter struct {
	providers     []Provider
	costBudget    *float64
	cache         Cache
	metrics       *observability.Metrics
	notConfigured bool
}

// New builds an arbiter over the given providers, sorted once by
// ascending priority with a lexicographic-name tie-break so ordering is
// stable across equivalent requests.
func New(providers []Provider, costBudget *float64, cache Cache) *Arbiter {
	sorted := append([]Provider(nil), providers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority() != sorted[j].Priority() {
			return sorted[i].Priority() < sorted[j].Priority()
		}
		return sorted[i].Name() < sorted[j].Name()
	})
	return &Arbiter{providers: sorted, costBudget: costBudget, cache: cache}
}

// SetMetrics attaches the process-wide metrics; nil (the default) leaves
// the arbiter silent.
func (a *Arbiter) SetMetrics(m *observability.Metrics) {
	a.metrics = m
}

// MarkNotConfigured puts the arbiter in the missing-primary-credential
// state: the server still starts and serves non-analysis tools, but
// every Analyze call returns provider-not-configured regardless of any
// fallback provider's credential.
func (a *Arbiter) MarkNotConfigured() {
	a.notConfigured = true
}

// Analyze runs the selection algorithm from the component design: a
// cache check, then priority-ordered providers, each attempted at most
// once, with classified-retryable failures advancing to the next
// candidate.
func (a *Arbiter) Analyze(ctx context.Context, analysisCtx schema.AnalysisContext, analysisType promptbuilder.AnalysisType) (schema.AnalysisResult, error) {
	if a.notConfigured {
		return schema.AnalysisResult{}, errs.ProviderNotConfigured()
	}

	bypassCache := len(analysisCtx.Focus.Files) == 0

	var key string
	if a.cache != nil && !bypassCache {
		key = a.cache.Key(analysisType, analysisCtx)
		if cached, ok := a.cache.Get(key); ok {
			cached.Metadata.FromCache = true
			return cached, nil
		}
	}

	if len(a.providers) == 0 {
		return schema.AnalysisResult{}, errs.ProviderNotConfigured()
	}

	var attempted []string
	var lastErr error
	fellBack := false

	for i, p := range a.providers {
		select {
		case <-ctx.Done():
			return schema.AnalysisResult{}, ctx.Err()
		default:
		}

		if !p.IsAvailable() {
			continue
		}
		rl := p.GetRateLimit()
		if rl.Remaining <= 0 {
			continue
		}
		if a.costBudget != nil && p.EstimateCost(analysisCtx) > *a.costBudget {
			continue
		}

		attempted = append(attempted, p.Name())
		start := time.Now()
		result, err := p.Analyze(ctx, analysisCtx, analysisType)
		if a.metrics != nil {
			a.metrics.ProviderDuration(p.Name()).Observe(time.Since(start).Seconds())
		}
		if err == nil {
			if a.metrics != nil {
				a.metrics.ProviderAttempt(p.Name(), "success")
				if i > 0 && fellBack {
					a.metrics.ArbiterFallbacks.Inc()
				}
			}
			result.Metadata.Provider = p.Name()
			result.Metadata.FallbackUsed = i > 0 && fellBack
			if a.cache != nil && !bypassCache && result.Status == schema.StatusSuccess {
				a.cache.Put(key, result)
			}
			return result, nil
		}

		lastErr = err
		classification := Classify(err)
		if a.metrics != nil {
			outcome := "terminal-failure"
			if classification.Retryable {
				outcome = "retryable-failure"
			}
			a.metrics.ProviderAttempt(p.Name(), outcome)
		}
		if classification.Retryable {
			fellBack = true
			continue
		}
		// Not retryable: auth/quota-exceeded still allow other
		// providers to be tried, just never this one again in this
		// request.
		fellBack = true
		continue
	}

	if a.metrics != nil {
		a.metrics.AllProvidersFailed.Inc()
	}
	return schema.AnalysisResult{}, errs.AllProvidersFailed(attempted, lastErr)
}

// Providers exposes the arbiter's ordered provider list, used by the
// get_model_info/set_model tool handlers.
func (a *Arbiter) Providers() []Provider {
	return append([]Provider(nil), a.providers...)
}

// Reorder replaces the arbiter's priority ordering with the given
// provider-name sequence. Unknown names are rejected; the resulting
// order still breaks ties by lexicographic name within any names not
// explicitly listed (there are none once all names are given).
func (a *Arbiter) Reorder(names []string) error {
	byName := make(map[string]Provider, len(a.providers))
	for _, p := range a.providers {
		byName[p.Name()] = p
	}
	if len(names) != len(byName) {
		return errs.InvalidArguments("providerNames", "must name every configured provider exactly once")
	}
	next := make([]Provider, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		p, ok := byName[n]
		if !ok {
			return errs.InvalidArguments("providerNames", "unknown provider: "+n)
		}
		if seen[n] {
			return errs.InvalidArguments("providerNames", "duplicate provider: "+n)
		}
		seen[n] = true
		next = append(next, p)
	}
	a.providers = next
	return nil
}

// StatsOf reports the statistics snapshot for the given provider, if
// the provider exposes one (the two built-in providers and FakeProvider
// do).
func StatsOf(p Provider) (schema.ProviderStats, bool) {
	type statser interface{ Stats() schema.ProviderStats }
	if s, ok := p.(statser); ok {
		return s.Stats(), true
	}
	return schema.ProviderStats{}, false
}
