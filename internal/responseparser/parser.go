// Package responseparser extracts the first well-formed JSON object
// embedded in free-form LLM output and tolerantly coerces it into a
// schema.AnalysisResult. It never panics and never returns a Go error:
// a malformed or absent JSON payload becomes a "partial" result rather
// than a failure of the parse operation itself.
package responseparser

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
)

// Parse extracts and coerces raw model output into an AnalysisResult.
func Parse(raw string) schema.AnalysisResult {
	candidate, ok := extractBalancedObject(raw)
	if !ok || !gjson.Valid(candidate) {
		return partialResult("no well-formed JSON object found in provider output", raw)
	}

	root := gjson.Parse(candidate)
	return coerce(root)
}

// extractBalancedObject scans raw for the first top-level `{...}` run,
// tracking JSON string/escape state so braces inside string literals
// never confuse the depth count.
func extractBalancedObject(raw string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, r := range raw {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+len("}")], true
			}
		}
	}
	return "", false
}

func partialResult(reason, raw string) schema.AnalysisResult {
	snippet := raw
	const maxSnippet = 500
	if len(snippet) > maxSnippet {
		snippet = snippet[:maxSnippet] + "...(truncated)"
	}
	return schema.AnalysisResult{
		Status: schema.StatusPartial,
		Recommendations: schema.Recommendations{
			ImmediateActions: []schema.ImmediateAction{{
				Kind:        schema.ActionInvestigate,
				Description: "parser could not extract structured findings: " + reason,
				Priority:    schema.PriorityMedium,
			}},
			InvestigationNextSteps: []string{
				"inspect raw provider output for malformed JSON",
				fmt.Sprintf("raw output (possibly truncated): %s", snippet),
			},
		},
	}
}

func coerce(root gjson.Result) schema.AnalysisResult {
	result := schema.AnalysisResult{
		Status: coerceStatus(root.Get("status").String()),
		Findings: schema.Findings{
			RootCauses:            coerceRootCauses(root.Get("findings.rootCauses")),
			ExecutionPaths:        coerceExecutionPaths(root.Get("findings.executionPaths")),
			PerformanceBottleneck: coerceBottlenecks(root.Get("findings.performanceBottlenecks")),
			CrossSystemImpacts:    coerceCrossSystem(root.Get("findings.crossSystemImpacts")),
		},
		Recommendations: coerceRecommendations(root.Get("recommendations")),
		EnrichedContext: coerceEnrichedContext(root.Get("enrichedContext")),
		Metadata:        coerceMetadata(root.Get("metadata")),
	}
	return result
}

func coerceStatus(s string) schema.ResultStatus {
	switch schema.ResultStatus(s) {
	case schema.StatusSuccess, schema.StatusPartial, schema.StatusNeedMoreContext:
		return schema.ResultStatus(s)
	default:
		return schema.StatusPartial
	}
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

func stringsOf(arr gjson.Result) []string {
	if !arr.IsArray() {
		return nil
	}
	out := []string{}
	for _, v := range arr.Array() {
		out = append(out, v.String())
	}
	return out
}

// parseEvidenceLocation parses a "file:line" evidence string via the
// CodeLocation tolerant parser (missing line -> 0, missing file ->
// "unknown").
func parseEvidenceLocation(s string) schema.CodeLocation {
	return schema.ParseLocation(s)
}

func coerceLocation(v gjson.Result) schema.CodeLocation {
	if v.Type == gjson.String {
		return parseEvidenceLocation(v.String())
	}
	file := v.Get("file").String()
	if file == "" {
		file = "unknown"
	}
	line := int(v.Get("line").Int())
	if line < 0 {
		line = 0
	}
	return schema.CodeLocation{
		File:         file,
		Line:         line,
		Column:       int(v.Get("column").Int()),
		FunctionName: v.Get("functionName").String(),
	}
}

func coerceRootCauses(arr gjson.Result) []schema.RootCause {
	out := []schema.RootCause{}
	if !arr.IsArray() {
		return out
	}
	for _, v := range arr.Array() {
		evidence := []schema.CodeLocation{}
		for _, e := range v.Get("evidence").Array() {
			evidence = append(evidence, parseEvidenceLocation(e.String()))
		}
		out = append(out, schema.RootCause{
			Kind:        v.Get("kind").String(),
			Description: v.Get("description").String(),
			Evidence:    evidence,
			Confidence:  clamp01(v.Get("confidence").Float()),
			FixStrategy: v.Get("fixStrategy").String(),
		})
	}
	return out
}

func coerceExecutionPaths(arr gjson.Result) []schema.ExecutionPath {
	out := []schema.ExecutionPath{}
	if !arr.IsArray() {
		return out
	}
	for _, v := range arr.Array() {
		steps := []schema.ExecutionStep{}
		for _, s := range v.Get("steps").Array() {
			steps = append(steps, schema.ExecutionStep{
				Location:     coerceLocation(s.Get("location")),
				Operation:    s.Get("operation").String(),
				Inputs:       stringsOf(s.Get("inputs")),
				Outputs:      stringsOf(s.Get("outputs")),
				StateChanges: stringsOf(s.Get("stateChanges")),
			})
		}
		out = append(out, schema.ExecutionPath{
			ID:    v.Get("id").String(),
			Steps: steps,
			Complexity: schema.Complexity{
				Time:  v.Get("complexity.time").String(),
				Space: v.Get("complexity.space").String(),
			},
		})
	}
	return out
}

var validBottleneckKinds = map[string]schema.PerformanceBottleneckKind{
	string(schema.BottleneckNPlusOne):             schema.BottleneckNPlusOne,
	string(schema.BottleneckInefficientAlgorithm): schema.BottleneckInefficientAlgorithm,
	string(schema.BottleneckExcessiveIO):          schema.BottleneckExcessiveIO,
	string(schema.BottleneckMemoryLeak):           schema.BottleneckMemoryLeak,
}

func coerceBottlenecks(arr gjson.Result) []schema.PerformanceBottleneck {
	out := []schema.PerformanceBottleneck{}
	if !arr.IsArray() {
		return out
	}
	for _, v := range arr.Array() {
		kind, ok := validBottleneckKinds[v.Get("kind").String()]
		if !ok {
			continue // enum violation with no defensible nearest value: drop
		}
		out = append(out, schema.PerformanceBottleneck{
			Kind:     kind,
			Location: coerceLocation(v.Get("location")),
			Impact: schema.PerformanceImpact{
				EstimatedLatency:   v.Get("impact.estimatedLatency").String(),
				AffectedOperations: stringsOf(v.Get("impact.affectedOperations")),
				Frequency:          v.Get("impact.frequency").String(),
			},
			Suggestion: v.Get("suggestion").String(),
		})
	}
	return out
}

var validImpactKinds = map[string]schema.CrossSystemImpactKind{
	string(schema.ImpactBreaking):    schema.ImpactBreaking,
	string(schema.ImpactPerformance): schema.ImpactPerformance,
	string(schema.ImpactBehavioral):  schema.ImpactBehavioral,
}

func coerceCrossSystem(arr gjson.Result) []schema.CrossSystemImpact {
	out := []schema.CrossSystemImpact{}
	if !arr.IsArray() {
		return out
	}
	for _, v := range arr.Array() {
		kind, ok := validImpactKinds[v.Get("impactKind").String()]
		if !ok {
			continue
		}
		out = append(out, schema.CrossSystemImpact{
			Service:           v.Get("service").String(),
			ImpactKind:        kind,
			AffectedEndpoints: stringsOf(v.Get("affectedEndpoints")),
			DownstreamEffects: stringsOf(v.Get("downstreamEffects")),
		})
	}
	return out
}

var validActionKinds = map[string]schema.ImmediateActionKind{
	string(schema.ActionFix):         schema.ActionFix,
	string(schema.ActionInvestigate): schema.ActionInvestigate,
	string(schema.ActionRefactor):    schema.ActionRefactor,
	string(schema.ActionMonitor):     schema.ActionMonitor,
}

var validPriorities = map[string]schema.Priority{
	string(schema.PriorityLow):    schema.PriorityLow,
	string(schema.PriorityMedium): schema.PriorityMedium,
	string(schema.PriorityHigh):   schema.PriorityHigh,
}

func coercePriority(s string) schema.Priority {
	if p, ok := validPriorities[s]; ok {
		return p
	}
	return schema.PriorityMedium // nearest valid value
}

var validChangeTypes = map[string]schema.ChangeType{
	string(schema.ChangeCreate): schema.ChangeCreate,
	string(schema.ChangeModify): schema.ChangeModify,
	string(schema.ChangeDelete): schema.ChangeDelete,
}

func coerceRecommendations(v gjson.Result) schema.Recommendations {
	actions := []schema.ImmediateAction{}
	for _, a := range v.Get("immediateActions").Array() {
		kind, ok := validActionKinds[a.Get("kind").String()]
		if !ok {
			kind = schema.ActionInvestigate // nearest valid value
		}
		actions = append(actions, schema.ImmediateAction{
			Kind:            kind,
			Description:     a.Get("description").String(),
			Priority:        coercePriority(a.Get("priority").String()),
			EstimatedEffort: a.Get("estimatedEffort").String(),
		})
	}

	changes := []schema.CodeChange{}
	for _, c := range v.Get("codeChangesNeeded").Array() {
		changeType, ok := validChangeTypes[c.Get("changeType").String()]
		if !ok {
			continue
		}
		changes = append(changes, schema.CodeChange{
			File:          c.Get("file").String(),
			ChangeType:    changeType,
			Description:   c.Get("description").String(),
			SuggestedCode: c.Get("suggestedCode").String(),
		})
	}

	return schema.Recommendations{
		ImmediateActions:       actions,
		InvestigationNextSteps: stringsOf(v.Get("investigationNextSteps")),
		CodeChangesNeeded:      changes,
	}
}

func coerceEnrichedContext(v gjson.Result) schema.EnrichedContext {
	return schema.EnrichedContext{
		NewInsights:         stringsOf(v.Get("newInsights")),
		ValidatedHypotheses: stringsOf(v.Get("validatedHypotheses")),
		RuledOutApproaches:  stringsOf(v.Get("ruledOutApproaches")),
	}
}

func coerceMetadata(v gjson.Result) schema.ResultMetadata {
	m := schema.ResultMetadata{
		DurationMs: v.Get("durationMs").Int(),
		Provider:   v.Get("provider").String(),
	}
	if v.Get("cost").Exists() {
		c := v.Get("cost").Float()
		m.Cost = &c
	}
	if v.Get("tokensUsed").Exists() {
		t := int(v.Get("tokensUsed").Int())
		m.TokensUsed = &t
	}
	m.FallbackUsed = v.Get("fallbackUsed").Bool()
	return m
}
