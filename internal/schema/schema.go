// Package schema holds the data model shared by every subsystem: the
// untrusted input envelope, the typed analysis result, and the
// long-lived session/tournament/provider-stats/cache records.
package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deepcode-reasoning/reasoning-server/internal/errs"
)

// AnalysisContext is the untrusted input envelope from the client.
type AnalysisContext struct {
	AttemptedApproaches []string         `json:"attemptedApproaches"`
	PartialFindings     []PartialFinding `json:"partialFindings"`
	StuckPoints         []string         `json:"stuckPoints"`
	Focus               Focus            `json:"focus"`
	BudgetRemaining     *time.Duration   `json:"budgetRemainingSeconds,omitempty"`
}

type PartialFinding struct {
	Kind        string       `json:"kind"`
	Severity    string       `json:"severity"`
	Location    CodeLocation `json:"location"`
	Description string       `json:"description"`
	Evidence    []string     `json:"evidence"`
}

type Focus struct {
	Files        []string       `json:"files"`
	EntryPoints  []CodeLocation `json:"entryPoints,omitempty"`
	ServiceNames []string       `json:"serviceNames,omitempty"`
}

// Validate enforces the one structural invariant every downstream
// consumer assumes: focus.files must be non-empty once validated.
func (c AnalysisContext) Validate() error {
	if len(c.Focus.Files) == 0 {
		return errs.InvalidArguments("focus.files", "focus.files must not be empty")
	}
	return nil
}

// Clone makes a deep-enough copy that concurrent per-hypothesis sessions
// in the tournament engine never alias the caller's slices.
func (c AnalysisContext) Clone() AnalysisContext {
	out := c
	out.AttemptedApproaches = append([]string(nil), c.AttemptedApproaches...)
	out.PartialFindings = append([]PartialFinding(nil), c.PartialFindings...)
	out.StuckPoints = append([]string(nil), c.StuckPoints...)
	out.Focus.Files = append([]string(nil), c.Focus.Files...)
	out.Focus.EntryPoints = append([]CodeLocation(nil), c.Focus.EntryPoints...)
	out.Focus.ServiceNames = append([]string(nil), c.Focus.ServiceNames...)
	return out
}

// CodeLocation is file:line, with optional column/function name.
type CodeLocation struct {
	File         string `json:"file"`
	Line         int    `json:"line"`
	Column       int    `json:"column,omitempty"`
	FunctionName string `json:"functionName,omitempty"`
}

// String renders the canonical "file:line" form.
func (l CodeLocation) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// ParseLocation parses the canonical "file:line" form tolerantly:
// missing or unparseable line becomes 0, missing file becomes
// "unknown". ParseLocation(loc.String()) round-trips any well-formed
// location's file and line.
func ParseLocation(s string) CodeLocation {
	s = strings.TrimSpace(s)
	if s == "" {
		return CodeLocation{File: "unknown"}
	}
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return CodeLocation{File: s}
	}
	line, err := strconv.Atoi(strings.TrimSpace(s[idx+1:]))
	if err != nil {
		// No numeric suffix means the whole string is the file.
		return CodeLocation{File: s}
	}
	if line < 0 {
		line = 0
	}
	file := s[:idx]
	if file == "" {
		file = "unknown"
	}
	return CodeLocation{File: file, Line: line}
}

// ResultStatus is the top-level outcome of an analysis.
type ResultStatus string

const (
	StatusSuccess         ResultStatus = "success"
	StatusPartial         ResultStatus = "partial"
	StatusNeedMoreContext ResultStatus = "need-more-context"
)

// AnalysisResult is the typed output of a provider analysis call.
type AnalysisResult struct {
	Status          ResultStatus    `json:"status"`
	Findings        Findings        `json:"findings"`
	Recommendations Recommendations `json:"recommendations"`
	EnrichedContext EnrichedContext `json:"enrichedContext"`
	Metadata        ResultMetadata  `json:"metadata"`
}

type Findings struct {
	RootCauses            []RootCause             `json:"rootCauses"`
	ExecutionPaths        []ExecutionPath         `json:"executionPaths"`
	PerformanceBottleneck []PerformanceBottleneck `json:"performanceBottlenecks"`
	CrossSystemImpacts    []CrossSystemImpact     `json:"crossSystemImpacts"`
}

type RootCause struct {
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	Evidence    []CodeLocation `json:"evidence"`
	Confidence  float64        `json:"confidence"`
	FixStrategy string         `json:"fixStrategy"`
}

type ExecutionStep struct {
	Location     CodeLocation `json:"location"`
	Operation    string       `json:"operation"`
	Inputs       []string     `json:"inputs"`
	Outputs      []string     `json:"outputs"`
	StateChanges []string     `json:"stateChanges"`
}

type Complexity struct {
	Time  string `json:"time,omitempty"`
	Space string `json:"space,omitempty"`
}

type ExecutionPath struct {
	ID         string          `json:"id"`
	Steps      []ExecutionStep `json:"steps"`
	Complexity Complexity      `json:"complexity"`
}

// PerformanceBottleneckKind enumerates the recognized bottleneck kinds.
type PerformanceBottleneckKind string

const (
	BottleneckNPlusOne             PerformanceBottleneckKind = "n-plus-one"
	BottleneckInefficientAlgorithm PerformanceBottleneckKind = "inefficient-algorithm"
	BottleneckExcessiveIO          PerformanceBottleneckKind = "excessive-io"
	BottleneckMemoryLeak           PerformanceBottleneckKind = "memory-leak"
)

type PerformanceImpact struct {
	EstimatedLatency   string   `json:"estimatedLatency"`
	AffectedOperations []string `json:"affectedOperations"`
	Frequency          string   `json:"frequency"`
}

type PerformanceBottleneck struct {
	Kind       PerformanceBottleneckKind `json:"kind"`
	Location   CodeLocation              `json:"location"`
	Impact     PerformanceImpact         `json:"impact"`
	Suggestion string                    `json:"suggestion"`
}

type CrossSystemImpactKind string

const (
	ImpactBreaking    CrossSystemImpactKind = "breaking"
	ImpactPerformance CrossSystemImpactKind = "performance"
	ImpactBehavioral  CrossSystemImpactKind = "behavioral"
)

type CrossSystemImpact struct {
	Service           string                `json:"service"`
	ImpactKind        CrossSystemImpactKind `json:"impactKind"`
	AffectedEndpoints []string              `json:"affectedEndpoints"`
	DownstreamEffects []string              `json:"downstreamEffects"`
}

type Recommendations struct {
	ImmediateActions       []ImmediateAction `json:"immediateActions"`
	InvestigationNextSteps []string          `json:"investigationNextSteps"`
	CodeChangesNeeded      []CodeChange      `json:"codeChangesNeeded"`
}

type ImmediateActionKind string

const (
	ActionFix         ImmediateActionKind = "fix"
	ActionInvestigate ImmediateActionKind = "investigate"
	ActionRefactor    ImmediateActionKind = "refactor"
	ActionMonitor     ImmediateActionKind = "monitor"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type ImmediateAction struct {
	Kind            ImmediateActionKind `json:"kind"`
	Description     string              `json:"description"`
	Priority        Priority            `json:"priority"`
	EstimatedEffort string              `json:"estimatedEffort"`
}

type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

type CodeChange struct {
	File          string     `json:"file"`
	ChangeType    ChangeType `json:"changeType"`
	Description   string     `json:"description"`
	SuggestedCode string     `json:"suggestedCode,omitempty"`
}

type EnrichedContext struct {
	NewInsights         []string `json:"newInsights"`
	ValidatedHypotheses []string `json:"validatedHypotheses"`
	RuledOutApproaches  []string `json:"ruledOutApproaches"`
}

type ResultMetadata struct {
	DurationMs   int64    `json:"durationMs"`
	Provider     string   `json:"provider"`
	Cost         *float64 `json:"cost,omitempty"`
	TokensUsed   *int     `json:"tokensUsed,omitempty"`
	FallbackUsed bool     `json:"fallbackUsed,omitempty"`
	FromCache    bool     `json:"fromCache,omitempty"`
}

// SessionState is the per-session state machine position.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionProcessing SessionState = "processing"
	SessionFinalizing SessionState = "finalizing"
	SessionFinalized  SessionState = "finalized"
	SessionExpired    SessionState = "expired"
)

type TurnRole string

const (
	RoleClient   TurnRole = "client"
	RoleProvider TurnRole = "provider"
)

type Turn struct {
	Role       TurnRole  `json:"role"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	TokensUsed *int      `json:"tokensUsed,omitempty"`
}

// Session is a conversational unit: created by start, mutated only by
// the holder of its writer lock (enforced by internal/session, not this
// struct), transitioned to finalized by finalize, and removed from the
// store once finalization completes.
type Session struct {
	ID              string
	AnalysisType    string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	State           SessionState
	Turns           []Turn
	AnalysisContext AnalysisContext
	Result          *AnalysisResult
}

// Hypothesis is one candidate explanation under tournament evaluation.
type Hypothesis struct {
	ID                string     `json:"id"`
	Statement         string     `json:"statement"`
	InitialConfidence float64    `json:"initialConfidence"`
	SessionID         string     `json:"sessionId,omitempty"`
	EvidenceFor       []Evidence `json:"evidenceFor"`
	EvidenceAgainst   []Evidence `json:"evidenceAgainst"`
	Score             float64    `json:"score"`
	EliminatedInRound *int       `json:"eliminatedInRound,omitempty"`
	introducedOrder   int
}

// Evidence is one weighted piece of support or refutation for a
// hypothesis, as emitted by the provider.
type Evidence struct {
	Description string  `json:"description"`
	Quality     float64 `json:"quality"` // clamped to [0,1]
}

// IntroducedOrder returns the generation-order index used to break score
// ties deterministically (earliest-introduced wins).
func (h Hypothesis) IntroducedOrder() int { return h.introducedOrder }

// WithIntroducedOrder returns a copy with the order index set; used only
// by the tournament engine at generation time.
func (h Hypothesis) WithIntroducedOrder(n int) Hypothesis {
	h.introducedOrder = n
	return h
}

type TournamentState string

const (
	TournamentGenerating TournamentState = "generating"
	TournamentRunning    TournamentState = "running"
	TournamentComplete   TournamentState = "complete"
	TournamentFailed     TournamentState = "failed"
)

type TournamentConfig struct {
	MaxHypotheses    int `json:"maxHypotheses"`
	MaxRounds        int `json:"maxRounds"`
	ParallelSessions int `json:"parallelSessions"`
}

type Round struct {
	Number        int      `json:"number"`
	SurvivorIDs   []string `json:"survivorIds"`
	EliminatedIDs []string `json:"eliminatedIds"`
}

// TournamentMetadata aggregates cost and attribution across every
// provider call a tournament made: generation plus all per-hypothesis
// evidence sessions.
type TournamentMetadata struct {
	TotalDurationMs   int64    `json:"totalDurationMs"`
	ProvidersUsed     []string `json:"providersUsed"`
	TotalCostEstimate float64  `json:"totalCostEstimate"`
}

type Tournament struct {
	ID         string                 `json:"id"`
	Context    AnalysisContext        `json:"context"`
	Issue      string                 `json:"issue"`
	Config     TournamentConfig       `json:"config"`
	Hypotheses map[string]*Hypothesis `json:"hypotheses"`
	Rounds     []Round                `json:"rounds"`
	// Ranking orders every hypothesis id by final score, best first,
	// ties broken by earliest-introduced.
	Ranking  []string           `json:"ranking"`
	WinnerID string             `json:"winner,omitempty"`
	State    TournamentState    `json:"state"`
	Metadata TournamentMetadata `json:"metadata"`
}

// CircuitState is a provider's per-provider circuit breaker state.
type CircuitState struct {
	Open                bool      `json:"open"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	ResetAt             time.Time `json:"resetAt,omitempty"`
}

type ProviderStats struct {
	Calls           int64        `json:"calls"`
	Failures        int64        `json:"failures"`
	TotalDurationMs int64        `json:"totalDurationMs"`
	LastSuccess     time.Time    `json:"lastSuccess,omitempty"`
	Circuit         CircuitState `json:"circuit"`
}

type CacheEntry struct {
	Value          AnalysisResult
	CreatedAt      time.Time
	TTL            time.Duration
	SizeBytes      int
	AccessCount    int64
	LastAccessedAt time.Time
}

// Expired reports whether the entry is stale relative to now.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}
