// Package tournament implements the Hypothesis Tournament Engine:
// bracketed competitive evaluation of parallel hypotheses with evidence
// scoring and round-based elimination.
package tournament

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deepcode-reasoning/reasoning-server/internal/concurrency"
	"github.com/deepcode-reasoning/reasoning-server/internal/errs"
	"github.com/deepcode-reasoning/reasoning-server/internal/observability"
	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
)

// HypothesisDraft is what the generation step parses out of the
// provider's response: a candidate statement plus a stated confidence.
type HypothesisDraft struct {
	Statement  string
	Confidence float64
}

// Generator produces the initial candidate hypothesis set for an issue.
// It is a thin seam so the engine's tests can supply deterministic
// drafts without depending on response-parsing of free text.
type Generator interface {
	Generate(ctx context.Context, analysisCtx schema.AnalysisContext, issue string, maxHypotheses int) ([]HypothesisDraft, error)
}

// GatherOutcome is what one per-hypothesis evidence session reports
// back: weighted for/against evidence plus the provider attribution and
// cost of the underlying analysis, which the engine rolls into the
// tournament's aggregated metadata.
type GatherOutcome struct {
	For      []schema.Evidence
	Against  []schema.Evidence
	Provider string
	Cost     float64
}

// EvidenceGatherer seeks evidence for and against a single hypothesis
// given the context. It models the "spawn a SessionManager-backed
// conversation" step from the component design without requiring the
// tournament engine to depend on the concrete session package (avoiding
// a cycle and keeping the engine trivially testable).
type EvidenceGatherer interface {
	GatherEvidence(ctx context.Context, analysisCtx schema.AnalysisContext, hypothesis schema.Hypothesis) (GatherOutcome, error)
}

// Engine runs tournaments.
type Engine struct {
	generator Generator
	evidence  EvidenceGatherer
	metrics   *observability.Metrics
	idGen     func() string
	now       func() time.Time
}

// New builds a tournament engine.
func New(generator Generator, evidence EvidenceGatherer) *Engine {
	return &Engine{
		generator: generator,
		evidence:  evidence,
		idGen:     func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

// SetMetrics attaches the process-wide metrics; nil leaves the engine
// silent.
func (e *Engine) SetMetrics(m *observability.Metrics) {
	e.metrics = m
}

// Run executes the full generation -> rounds -> scoring -> termination
// algorithm and returns the completed tournament.
func (e *Engine) Run(ctx context.Context, analysisCtx schema.AnalysisContext, issue string, config schema.TournamentConfig) (*schema.Tournament, error) {
	started := e.now()
	t := &schema.Tournament{
		ID:         e.idGen(),
		Context:    analysisCtx,
		Issue:      issue,
		Config:     config,
		Hypotheses: map[string]*schema.Hypothesis{},
		State:      schema.TournamentGenerating,
	}

	drafts, err := e.generator.Generate(ctx, analysisCtx, issue, config.MaxHypotheses)
	if err != nil {
		t.State = schema.TournamentFailed
		return t, err
	}
	if len(drafts) < 2 {
		t.State = schema.TournamentFailed
		return t, errs.InsufficientHypotheses(len(drafts))
	}

	var order []string
	for i, d := range drafts {
		id := fmt.Sprintf("h%d", i+1)
		h := schema.Hypothesis{
			ID:                id,
			Statement:         d.Statement,
			InitialConfidence: clamp01(d.Confidence),
			Score:             clamp01(d.Confidence),
		}
		h = h.WithIntroducedOrder(i)
		t.Hypotheses[id] = &h
		order = append(order, id)
	}

	t.State = schema.TournamentRunning
	survivors := order
	agg := &metadataAccumulator{providers: map[string]bool{}}

	for round := 1; round <= config.MaxRounds && len(survivors) > 1; round++ {
		survivors = e.runRound(ctx, t, survivors, config.ParallelSessions, round, agg)
	}

	t.WinnerID = pickWinner(t, survivors)
	t.Ranking = ranking(t, order)
	t.State = schema.TournamentComplete
	t.Metadata = schema.TournamentMetadata{
		TotalDurationMs:   e.now().Sub(started).Milliseconds(),
		ProvidersUsed:     agg.providerNames(),
		TotalCostEstimate: agg.totalCost,
	}
	return t, nil
}

// metadataAccumulator collects provider attribution and cost across the
// concurrent evidence sessions of every round.
type metadataAccumulator struct {
	mu        sync.Mutex
	providers map[string]bool
	totalCost float64
}

func (a *metadataAccumulator) record(provider string, cost float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if provider != "" {
		a.providers[provider] = true
	}
	a.totalCost += cost
}

func (a *metadataAccumulator) providerNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.providers))
	for name := range a.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ranking orders every hypothesis id by final score, best first, ties
// broken by earliest-introduced.
func ranking(t *schema.Tournament, order []string) []string {
	ranked := append([]string(nil), order...)
	sort.SliceStable(ranked, func(i, j int) bool {
		hi, hj := t.Hypotheses[ranked[i]], t.Hypotheses[ranked[j]]
		if hi.Score != hj.Score {
			return hi.Score > hj.Score
		}
		return hi.IntroducedOrder() < hj.IntroducedOrder()
	})
	return ranked
}

// runRound spawns bounded-parallel evidence-gathering sessions for each
// surviving hypothesis, recomputes scores, and eliminates the
// lowest-scoring half (rounded down, minimum one survivor).
func (e *Engine) runRound(ctx context.Context, t *schema.Tournament, survivors []string, parallelSessions int, roundNumber int, agg *metadataAccumulator) []string {
	sem := concurrency.NewSemaphore(parallelSessions)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, id := range survivors {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx); err != nil {
				return // timeout/cancellation classifies as neutral evidence: no update
			}
			defer sem.Release()

			h := t.Hypotheses[id]
			outcome, err := e.evidence.GatherEvidence(ctx, t.Context, *h)
			if err != nil {
				return // per-hypothesis session failure is not fatal; scores neutral
			}
			agg.record(outcome.Provider, outcome.Cost)

			mu.Lock()
			h.EvidenceFor = append(h.EvidenceFor, outcome.For...)
			h.EvidenceAgainst = append(h.EvidenceAgainst, outcome.Against...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, id := range survivors {
		h := t.Hypotheses[id]
		h.Score = recomputeScore(*h)
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		hi, hj := t.Hypotheses[survivors[i]], t.Hypotheses[survivors[j]]
		if hi.Score != hj.Score {
			return hi.Score > hj.Score
		}
		return hi.IntroducedOrder() < hj.IntroducedOrder()
	})

	keep := len(survivors) - len(survivors)/2
	if keep < 1 {
		keep = 1
	}
	keepSet := survivors[:keep]
	eliminated := survivors[keep:]

	round := schema.Round{Number: roundNumber}
	for _, id := range keepSet {
		round.SurvivorIDs = append(round.SurvivorIDs, id)
	}
	for _, id := range eliminated {
		n := roundNumber
		t.Hypotheses[id].EliminatedInRound = &n
		round.EliminatedIDs = append(round.EliminatedIDs, id)
	}
	t.Rounds = append(t.Rounds, round)

	if e.metrics != nil {
		e.metrics.TournamentRounds.Inc()
		e.metrics.TournamentEliminations.Add(float64(len(eliminated)))
	}

	return keepSet
}

// recomputeScore derives a hypothesis's score purely from evidence
// cardinality and quality, per the stated invariant.
func recomputeScore(h schema.Hypothesis) float64 {
	var forWeight, againstWeight float64
	for _, e := range h.EvidenceFor {
		forWeight += clamp01(e.Quality)
	}
	for _, e := range h.EvidenceAgainst {
		againstWeight += clamp01(e.Quality)
	}
	total := forWeight + againstWeight
	if total == 0 {
		return h.InitialConfidence
	}
	return clamp01(forWeight / total)
}

// pickWinner returns the highest-scoring survivor, ties broken by
// earliest-introduced hypothesis.
func pickWinner(t *schema.Tournament, survivors []string) string {
	if len(survivors) == 0 {
		return ""
	}
	best := survivors[0]
	for _, id := range survivors[1:] {
		h, bh := t.Hypotheses[id], t.Hypotheses[best]
		if h.Score > bh.Score || (h.Score == bh.Score && h.IntroducedOrder() < bh.IntroducedOrder()) {
			best = id
		}
	}
	return best
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
