package tournament

import (
	"context"
	"testing"
	"time"

	"github.com/deepcode-reasoning/reasoning-server/internal/promptbuilder"
	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
	"github.com/deepcode-reasoning/reasoning-server/internal/session"
)

type fixedArbiter struct {
	result schema.AnalysisResult
	err    error
}

func (f fixedArbiter) Analyze(ctx context.Context, analysisCtx schema.AnalysisContext, analysisType promptbuilder.AnalysisType) (schema.AnalysisResult, error) {
	return f.result, f.err
}

func TestArbiterGeneratorBuildsDraftsFromRootCauses(t *testing.T) {
	arb := fixedArbiter{result: schema.AnalysisResult{
		Findings: schema.Findings{RootCauses: []schema.RootCause{
			{Description: "nil pointer on cold path", Confidence: 0.9},
			{Description: "race in cache eviction", Confidence: 0.6},
		}},
	}}
	gen := ArbiterGenerator{Arbiter: arb}

	drafts, err := gen.Generate(context.Background(), testContext(), "why does it crash", 4)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(drafts) != 2 {
		t.Fatalf("expected 2 drafts, got %d", len(drafts))
	}
	if drafts[0].Statement != "nil pointer on cold path" || drafts[0].Confidence != 0.9 {
		t.Fatalf("unexpected first draft: %+v", drafts[0])
	}
}

func TestArbiterGeneratorRespectsMaxHypotheses(t *testing.T) {
	arb := fixedArbiter{result: schema.AnalysisResult{
		Findings:        schema.Findings{RootCauses: []schema.RootCause{{Description: "a", Confidence: 0.5}}},
		EnrichedContext: schema.EnrichedContext{NewInsights: []string{"b", "c", "d"}},
	}}
	gen := ArbiterGenerator{Arbiter: arb}

	drafts, err := gen.Generate(context.Background(), testContext(), "issue", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(drafts) != 2 {
		t.Fatalf("expected drafts capped at maxHypotheses=2, got %d", len(drafts))
	}
}

func TestSessionEvidenceGathererTranslatesVerdict(t *testing.T) {
	arb := &sequencedArbiter{results: []schema.AnalysisResult{
		{Status: schema.StatusSuccess},
		{
			Status: schema.StatusSuccess,
			Findings: schema.Findings{RootCauses: []schema.RootCause{
				{Description: "confirmed by stack trace", Confidence: 0.85},
			}},
			EnrichedContext: schema.EnrichedContext{
				ValidatedHypotheses: []string{"matches the reported symptom"},
				RuledOutApproaches:  []string{"not a config issue"},
			},
		},
	}}
	store := session.NewStore(10, time.Hour)
	mgr := session.NewManager(store, arb, 10)
	gatherer := SessionEvidenceGatherer{Sessions: mgr}

	h := schema.Hypothesis{ID: "h1", Statement: "the cache evicts entries too early"}
	outcome, err := gatherer.GatherEvidence(context.Background(), testContext(), h)
	if err != nil {
		t.Fatalf("gather evidence: %v", err)
	}
	if len(outcome.For) != 2 {
		t.Fatalf("expected 2 supporting evidence items, got %d: %+v", len(outcome.For), outcome.For)
	}
	if len(outcome.Against) != 1 {
		t.Fatalf("expected 1 refuting evidence item, got %d: %+v", len(outcome.Against), outcome.Against)
	}
}

type sequencedArbiter struct {
	results []schema.AnalysisResult
	calls   int
}

func (s *sequencedArbiter) Analyze(ctx context.Context, analysisCtx schema.AnalysisContext, analysisType promptbuilder.AnalysisType) (schema.AnalysisResult, error) {
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i], nil
	}
	return schema.AnalysisResult{Status: schema.StatusSuccess}, nil
}
