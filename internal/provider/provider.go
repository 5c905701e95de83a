// Package provider defines the uniform Provider role contract, the
// error classification taxonomy, and the priority-ordered arbiter that
// selects and invokes providers with deterministic fallback.
package provider

import (
	"context"
	"time"

	"github.com/deepcode-reasoning/reasoning-server/internal/promptbuilder"
	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
)

// RateLimit describes a provider's remaining call budget.
type RateLimit struct {
	Remaining int
	ResetAt   time.Time
}

// Provider is the uniform capability every concrete LLM backend
// satisfies. Name/Priority are fixed at construction; the rest reflect
// live, mutable state.
type Provider interface {
	Name() string
	Priority() int
	IsAvailable() bool
	EstimateCost(ctx schema.AnalysisContext) float64
	GetRateLimit() RateLimit
	Analyze(ctx context.Context, analysisCtx schema.AnalysisContext, analysisType promptbuilder.AnalysisType) (schema.AnalysisResult, error)
}

// Generator is the single opaque network seam every concrete provider
// implements: send a fully-assembled prompt, get back raw text (or a
// classifiable error) plus usage metadata. Providers share Analyze's
// logic (prompt assembly -> generate -> parse) via BaseProvider and only
// implement this method themselves.
type Generator interface {
	Generate(ctx context.Context, prompt string) (text string, usage Usage, err error)
}

// Usage is the metadata a generate call reports back, used to update
// rate-limit state and result metadata.
type Usage struct {
	TokensUsed    int
	Cost          float64
	RateRemaining int
	RateResetAt   time.Time
	HasRateInfo   bool
}
