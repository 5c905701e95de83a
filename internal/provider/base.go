package provider

import (
	"context"
	"sync"
	"time"

	"github.com/deepcode-reasoning/reasoning-server/internal/promptbuilder"
	"github.com/deepcode-reasoning/reasoning-server/internal/responseparser"
	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
)

// circuitState mirrors schema.CircuitState but lives behind a mutex
// inside BaseProvider; transitions are idempotent and last-writer-wins,
// matching the process-wide singleton policy for provider stats.
type circuitState struct {
	open                bool
	consecutiveFailures int
	resetAt             time.Time
	recentUnavailable   []time.Time
}

// BaseProvider implements Analyze once on top of a Generator, so every
// concrete provider only needs to implement the network call itself.
type BaseProvider struct {
	name       string
	priority   int
	model      string
	credential string

	generator Generator

	failureThreshold int
	resetAfter       time.Duration

	mu        sync.Mutex
	rateLimit RateLimit
	circuit   circuitState
	stats     schema.ProviderStats

	promptOptions promptbuilder.Options
	fileProvider  func(files []string) map[string]string
	onCircuitOpen func()

	now func() time.Time
}

func newBaseProvider(name string, priority int, model, credential string, gen Generator, failureThreshold int, resetAfter time.Duration) *BaseProvider {
	return &BaseProvider{
		name:             name,
		priority:         priority,
		model:            model,
		credential:       credential,
		generator:        gen,
		failureThreshold: failureThreshold,
		resetAfter:       resetAfter,
		rateLimit:        RateLimit{Remaining: 1, ResetAt: time.Time{}},
		now:              time.Now,
		fileProvider:     func([]string) map[string]string { return nil },
	}
}

func (p *BaseProvider) Name() string  { return p.name }
func (p *BaseProvider) Priority() int { return p.priority }

// IsAvailable gates on (a) non-empty credential, (b) rate-limit
// remaining or reset elapsed, (c) circuit breaker closed.
func (p *BaseProvider) IsAvailable() bool {
	if p.credential == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.circuit.open {
		if now.Before(p.circuit.resetAt) {
			return false
		}
		// Past reset: circuit is half-open, allow a probing attempt.
	}
	if p.rateLimit.Remaining <= 0 && now.Before(p.rateLimit.ResetAt) {
		return false
	}
	return true
}

func (p *BaseProvider) EstimateCost(ctx schema.AnalysisContext) float64 {
	// Rough proportional estimate: a fixed per-file cost, matching the
	// arbiter's use of this value only as a comparison against an
	// optional budget cap, not an exact billing figure.
	return float64(len(ctx.Focus.Files)) * 0.01
}

func (p *BaseProvider) GetRateLimit() RateLimit {
	p.mu.Lock()
	defer p.mu.Unlock()
	// A provider whose window exhausted and then reset would otherwise
	// report Remaining=0 forever (only a success refreshes it, and the
	// arbiter never calls a provider reporting no remaining budget).
	if p.rateLimit.Remaining <= 0 && !p.rateLimit.ResetAt.IsZero() && !p.now().Before(p.rateLimit.ResetAt) {
		p.rateLimit.Remaining = 1
	}
	return p.rateLimit
}

// SetPromptOptions configures per-file truncation for prompt assembly.
func (p *BaseProvider) SetPromptOptions(opts promptbuilder.Options) {
	p.promptOptions = opts
}

// SetFileProvider allows the caller (the session/tournament layer) to
// supply the source text for the files named in context.Focus.Files.
func (p *BaseProvider) SetFileProvider(fn func(files []string) map[string]string) {
	p.fileProvider = fn
}

func (p *BaseProvider) Analyze(ctx context.Context, analysisCtx schema.AnalysisContext, analysisType promptbuilder.AnalysisType) (schema.AnalysisResult, error) {
	files := p.fileProvider(analysisCtx.Focus.Files)
	prompt := promptbuilder.Build(analysisCtx, analysisType, files, p.promptOptions)

	start := p.now()
	text, usage, err := p.generator.Generate(ctx, prompt)
	duration := p.now().Sub(start)

	p.mu.Lock()
	p.stats.Calls++
	p.stats.TotalDurationMs += duration.Milliseconds()
	p.mu.Unlock()

	if err != nil {
		p.recordFailure(err)
		return schema.AnalysisResult{}, err
	}

	p.recordSuccess(usage)

	result := responseparser.Parse(text)
	result.EnrichedContext.RuledOutApproaches = mergeRuledOut(analysisCtx.AttemptedApproaches, result.EnrichedContext.RuledOutApproaches)
	result.Metadata.Provider = p.name
	result.Metadata.DurationMs = duration.Milliseconds()
	if usage.TokensUsed > 0 {
		t := usage.TokensUsed
		result.Metadata.TokensUsed = &t
	}
	if usage.Cost > 0 {
		c := usage.Cost
		result.Metadata.Cost = &c
	}
	return result, nil
}

func (p *BaseProvider) recordSuccess(usage Usage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.LastSuccess = p.now()
	p.circuit.open = false
	p.circuit.consecutiveFailures = 0
	p.circuit.recentUnavailable = nil

	if usage.HasRateInfo {
		p.rateLimit.Remaining = usage.RateRemaining
		p.rateLimit.ResetAt = usage.RateResetAt
	}
}

func (p *BaseProvider) recordFailure(err error) {
	classification := Classify(err)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Failures++

	if !classification.Retryable {
		return
	}

	p.circuit.consecutiveFailures++
	now := p.now()

	if classification.Category == CategoryServiceUnavailable {
		p.circuit.recentUnavailable = append(p.circuit.recentUnavailable, now)
		p.circuit.recentUnavailable = pruneOld(p.circuit.recentUnavailable, now, time.Minute)
		if len(p.circuit.recentUnavailable) >= 2 {
			p.openCircuit(now)
			return
		}
	}

	if p.circuit.consecutiveFailures >= p.failureThreshold {
		p.openCircuit(now)
	}
}

func (p *BaseProvider) openCircuit(now time.Time) {
	p.circuit.open = true
	p.circuit.resetAt = now.Add(p.resetAfter)
	if p.onCircuitOpen != nil {
		p.onCircuitOpen()
	}
}

// OnCircuitOpen registers a callback fired each time the breaker trips,
// used to record the circuit-open counter without this package knowing
// about the metrics registry.
func (p *BaseProvider) OnCircuitOpen(fn func()) {
	p.onCircuitOpen = fn
}

// mergeRuledOut preserves the client's original attemptedApproaches in
// enrichedContext.ruledOutApproaches, appending anything the
// provider itself identified as ruled out beyond what the client tried.
func mergeRuledOut(attempted, providerRuledOut []string) []string {
	seen := make(map[string]bool, len(attempted)+len(providerRuledOut))
	out := make([]string, 0, len(attempted)+len(providerRuledOut))
	for _, a := range attempted {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, r := range providerRuledOut {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func pruneOld(times []time.Time, now time.Time, window time.Duration) []time.Time {
	out := times[:0]
	for _, t := range times {
		if now.Sub(t) <= window {
			out = append(out, t)
		}
	}
	return out
}

// CircuitIsOpen reports whether this provider's circuit breaker is
// currently tripped, for the health registry's provider-availability
// check.
func (p *BaseProvider) CircuitIsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.circuit.open
}

// Stats returns a snapshot of this provider's statistics, used by the
// arbiter and health registry.
func (p *BaseProvider) Stats() schema.ProviderStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.Circuit = schema.CircuitState{
		Open:                p.circuit.open,
		ConsecutiveFailures: p.circuit.consecutiveFailures,
		ResetAt:             p.circuit.resetAt,
	}
	return stats
}
