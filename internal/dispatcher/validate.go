package dispatcher

import (
	"time"

	"github.com/deepcode-reasoning/reasoning-server/internal/coderead"
	"github.com/deepcode-reasoning/reasoning-server/internal/errs"
	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
)

// Every tool's free-text strings and arrays are length-capped so a
// client cannot force unbounded prompt construction.
const (
	maxHypothesisChars = 2000
	maxIssueChars      = 1000
	maxApproachChars   = 1000
	maxStuckPointChars = 200
	maxArrayItems      = 100
)

func capString(field, s string, max int) (string, error) {
	if len(s) > max {
		return "", errs.InvalidArguments(field, "exceeds maximum length")
	}
	return s, nil
}

func capStrings(field string, in []string, maxItems, maxChars int) ([]string, error) {
	if len(in) > maxItems {
		return nil, errs.InvalidArguments(field, "exceeds maximum item count")
	}
	out := make([]string, len(in))
	for i, s := range in {
		v, err := capString(field, s, maxChars)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// resolvePaths validates that every path resolves within root (no
// traversal, no escape), returning an error for too many items or for
// the first path that fails and nil otherwise -- it returns no path list:
// the dispatcher doesn't rewrite paths to their resolved form because
// the reader re-resolves them itself; this pass exists purely to reject
// bad input early with a typed, field-scoped error.
func resolvePaths(field string, root string, paths []string) error {
	if len(paths) > maxArrayItems {
		return errs.InvalidArguments(field, "exceeds maximum item count")
	}
	resolver := coderead.Resolver{Root: root}
	for _, p := range paths {
		if _, err := resolver.Resolve(p); err != nil {
			return errs.InvalidArguments(field, "path escapes workspace or is invalid: "+p)
		}
	}
	return nil
}

// buildAnalysisContext validates an analysisRequest's fields and
// converts it into the canonical schema.AnalysisContext, enforcing
// focus.files non-empty per the data model's invariant.
func (d *Dispatcher) buildAnalysisContext(req analysisRequest) (schema.AnalysisContext, error) {
	approaches, err := capStrings("attemptedApproaches", req.AttemptedApproaches, maxArrayItems, maxApproachChars)
	if err != nil {
		return schema.AnalysisContext{}, err
	}
	stuck, err := capStrings("stuckPoints", req.StuckPoints, maxArrayItems, maxStuckPointChars)
	if err != nil {
		return schema.AnalysisContext{}, err
	}
	if len(req.PartialFindings) > maxArrayItems {
		return schema.AnalysisContext{}, errs.InvalidArguments("partialFindings", "exceeds maximum item count")
	}
	if len(req.Focus.Files) == 0 {
		return schema.AnalysisContext{}, errs.InvalidArguments("focus.files", "focus.files must not be empty")
	}
	if err := resolvePaths("focus.files", d.workspaceRoot, req.Focus.Files); err != nil {
		return schema.AnalysisContext{}, err
	}
	for _, ep := range req.Focus.EntryPoints {
		if err := resolvePaths("focus.entryPoints[].file", d.workspaceRoot, []string{ep.File}); err != nil {
			return schema.AnalysisContext{}, err
		}
	}

	findings := make([]schema.PartialFinding, 0, len(req.PartialFindings))
	for _, f := range req.PartialFindings {
		findings = append(findings, schema.PartialFinding{
			Kind:        f.Kind,
			Severity:    f.Severity,
			Location:    schema.CodeLocation{File: f.Location.File, Line: f.Location.Line},
			Description: f.Description,
			Evidence:    f.Evidence,
		})
	}

	entryPoints := make([]schema.CodeLocation, 0, len(req.Focus.EntryPoints))
	for _, ep := range req.Focus.EntryPoints {
		entryPoints = append(entryPoints, schema.CodeLocation{
			File: ep.File, Line: ep.Line, Column: ep.Column, FunctionName: ep.FunctionName,
		})
	}

	ctx := schema.AnalysisContext{
		AttemptedApproaches: approaches,
		PartialFindings:     findings,
		StuckPoints:         stuck,
		Focus: schema.Focus{
			Files:        req.Focus.Files,
			EntryPoints:  entryPoints,
			ServiceNames: req.Focus.ServiceNames,
		},
	}
	if req.BudgetRemainingSecs != nil && *req.BudgetRemainingSecs >= 0 {
		remaining := time.Duration(*req.BudgetRemainingSecs) * time.Second
		ctx.BudgetRemaining = &remaining
	}

	if err := ctx.Validate(); err != nil {
		return schema.AnalysisContext{}, err
	}
	return ctx, nil
}
