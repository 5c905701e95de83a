package tournament

import (
	"context"
	"fmt"

	"github.com/deepcode-reasoning/reasoning-server/internal/errs"
	"github.com/deepcode-reasoning/reasoning-server/internal/promptbuilder"
	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
	"github.com/deepcode-reasoning/reasoning-server/internal/session"
)

// providerArbiter is the narrow slice of *provider.Arbiter the adapters
// below need. Declared here, rather than importing the provider package
// directly, so this file depends only on the shape it calls.
type providerArbiter interface {
	Analyze(ctx context.Context, analysisCtx schema.AnalysisContext, analysisType promptbuilder.AnalysisType) (schema.AnalysisResult, error)
}

// ArbiterGenerator turns one provider call into a candidate hypothesis
// set by asking for a general root-cause analysis and treating each
// reported root cause as a distinct hypothesis.
type ArbiterGenerator struct {
	Arbiter providerArbiter
}

func (g ArbiterGenerator) Generate(ctx context.Context, analysisCtx schema.AnalysisContext, issue string, maxHypotheses int) ([]HypothesisDraft, error) {
	seeded := analysisCtx.Clone()
	seeded.StuckPoints = append([]string{issue}, seeded.StuckPoints...)

	result, err := g.Arbiter.Analyze(ctx, seeded, promptbuilder.TypeGeneral)
	if err != nil {
		return nil, err
	}

	var drafts []HypothesisDraft
	for _, rc := range result.Findings.RootCauses {
		drafts = append(drafts, HypothesisDraft{Statement: rc.Description, Confidence: rc.Confidence})
	}
	for _, insight := range result.EnrichedContext.NewInsights {
		if len(drafts) >= maxHypotheses {
			break
		}
		drafts = append(drafts, HypothesisDraft{Statement: insight, Confidence: 0.5})
	}
	if maxHypotheses > 0 && len(drafts) > maxHypotheses {
		drafts = drafts[:maxHypotheses]
	}
	return drafts, nil
}

// SessionEvidenceGatherer spawns a single-turn conversational session per
// hypothesis, framed as a hypothesis_test analysis, and translates the
// provider's verdict into weighted for/against evidence.
type SessionEvidenceGatherer struct {
	Sessions *session.Manager
}

func (g SessionEvidenceGatherer) GatherEvidence(ctx context.Context, analysisCtx schema.AnalysisContext, h schema.Hypothesis) (GatherOutcome, error) {
	question := fmt.Sprintf("Evaluate this hypothesis: %s", h.Statement)
	start, err := g.Sessions.Start(ctx, analysisCtx, promptbuilder.TypeHypothesisTest, question)
	if err != nil {
		return GatherOutcome{}, err
	}

	result, err := g.Sessions.Finalize(ctx, start.SessionID, "concise")
	if err != nil {
		if cat := errs.CategoryOf(err); cat == errs.CategorySessionBusy || cat == errs.CategorySessionNotFound {
			return GatherOutcome{}, err
		}
		result = start.InitialResponse
	}

	outcome := GatherOutcome{Provider: result.Metadata.Provider}
	if result.Metadata.Cost != nil {
		outcome.Cost = *result.Metadata.Cost
	}
	for _, rc := range result.Findings.RootCauses {
		outcome.For = append(outcome.For, schema.Evidence{Description: rc.Description, Quality: rc.Confidence})
	}
	for _, insight := range result.EnrichedContext.ValidatedHypotheses {
		outcome.For = append(outcome.For, schema.Evidence{Description: insight, Quality: 0.8})
	}
	for _, ruled := range result.EnrichedContext.RuledOutApproaches {
		outcome.Against = append(outcome.Against, schema.Evidence{Description: ruled, Quality: 0.8})
	}
	return outcome, nil
}
