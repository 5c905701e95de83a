// Package dispatcher implements the ToolDispatcher: it parses tool
// invocations against per-tool input schemas, validates paths/strings/
// arrays, routes each to the right subsystem, and wraps the outcome as
// a tool result. It is the one place that knows about every tool name
// in the closed catalog; everything downstream of it works in typed Go
// values, never raw JSON.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/deepcode-reasoning/reasoning-server/internal/checkpoint"
	"github.com/deepcode-reasoning/reasoning-server/internal/concurrency"
	"github.com/deepcode-reasoning/reasoning-server/internal/errs"
	"github.com/deepcode-reasoning/reasoning-server/internal/health"
	"github.com/deepcode-reasoning/reasoning-server/internal/observability"
	"github.com/deepcode-reasoning/reasoning-server/internal/promptbuilder"
	"github.com/deepcode-reasoning/reasoning-server/internal/provider"
	"github.com/deepcode-reasoning/reasoning-server/internal/reasoningcache"
	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
	"github.com/deepcode-reasoning/reasoning-server/internal/session"
	"github.com/deepcode-reasoning/reasoning-server/internal/tournament"
)

// arbiter is the narrow seam Dispatcher needs for one-shot analysis
// calls -- the same shape session.Arbiter and tournament's adapters
// already declare independently, kept local here too so this package
// never needs to import provider just for an interface it could define
// itself. A concrete *provider.Arbiter is passed in by main regardless,
// since get_model_info/set_model need the concrete type's Providers/
// Reorder methods.
type arbiter interface {
	Analyze(ctx context.Context, analysisCtx schema.AnalysisContext, analysisType promptbuilder.AnalysisType) (schema.AnalysisResult, error)
}

// Dispatcher owns the closed tool catalog and routes validated input to
// the Provider Arbiter, Session Manager, Tournament Engine, Health
// Registry, and provider registry.
type Dispatcher struct {
	arbiter         arbiter
	providerArbiter *provider.Arbiter
	sessions        *session.Manager
	sessionStore    *session.Store
	tournaments     *tournament.Engine
	healthRegistry  *health.Registry
	workspaceRoot   string
	metrics         *observability.Metrics
	analysisGate    *concurrency.Semaphore
	cache           *reasoningcache.Cache
	checkpoints     *checkpoint.Protocol
}

// Deps collects Dispatcher's dependencies. Every field besides Sessions
// and providerArbiter-shaped fields is optional in the sense that a nil
// value degrades a specific feature gracefully (no metrics recorded, no
// concurrency cap, no checkpoint cadence) rather than panicking --
// matching the rest of this package's "never surface a nil-pointer
// panic as the failure mode" stance.
type Deps struct {
	ProviderArbiter *provider.Arbiter
	Sessions        *session.Manager
	SessionStore    *session.Store
	Tournaments     *tournament.Engine
	HealthRegistry  *health.Registry
	WorkspaceRoot   string
	Metrics         *observability.Metrics
	AnalysisGate    *concurrency.Semaphore
	Cache           *reasoningcache.Cache
	Checkpoints     *checkpoint.Protocol
}

// New builds a Dispatcher from deps. See Deps for which fields may be
// left nil and what that disables.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		arbiter:         deps.ProviderArbiter,
		providerArbiter: deps.ProviderArbiter,
		sessions:        deps.Sessions,
		sessionStore:    deps.SessionStore,
		tournaments:     deps.Tournaments,
		healthRegistry:  deps.HealthRegistry,
		workspaceRoot:   deps.WorkspaceRoot,
		metrics:         deps.Metrics,
		analysisGate:    deps.AnalysisGate,
		cache:           deps.Cache,
		checkpoints:     deps.Checkpoints,
	}
}

// analysisTools names every tool whose handler reaches the provider
// arbiter at least once, and is therefore subject to the server-wide
// concurrency cap rather than running unbounded.
var analysisTools = map[string]bool{
	"escalate_analysis":         true,
	"trace_execution_path":      true,
	"cross_system_impact":       true,
	"performance_bottleneck":    true,
	"hypothesis_test":           true,
	"start_conversation":        true,
	"continue_conversation":     true,
	"finalize_conversation":     true,
	"run_hypothesis_tournament": true,
}

// Dispatch parses params against the schema for tool, validates it, and
// routes to the corresponding subsystem. The returned value is always
// one of the tool-specific result shapes in this package or in schema;
// callers (the RPC transport) marshal it directly as the JSON-RPC
// result.
func (d *Dispatcher) Dispatch(ctx context.Context, tool string, params rawParams) (result any, err error) {
	start := time.Now()
	defer func() {
		if d.metrics == nil {
			return
		}
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		d.metrics.ToolInvocation(tool, outcome)
		d.metrics.ToolDuration(tool).Observe(time.Since(start).Seconds())
	}()

	handler, ok := toolTable[tool]
	if !ok {
		return nil, errs.MethodNotFound(tool)
	}

	if d.analysisGate != nil && analysisTools[tool] {
		if !d.analysisGate.TryAcquire() {
			return nil, errs.ServerBusy("a few seconds")
		}
		defer d.analysisGate.Release()
	}

	result, err = handler(d, ctx, params)
	if err == nil && d.checkpoints != nil && analysisTools[tool] {
		d.checkpoints.RecordTurn(func() checkpoint.Checkpoint {
			return d.snapshot(tool)
		})
	}
	return result, err
}

// snapshot builds the checkpoint state for the memory protocol's
// periodic record. Called only when a checkpoint is actually due, so it
// is free to read every live subsystem's stats rather than caching them
// on every turn.
func (d *Dispatcher) snapshot(lastTool string) checkpoint.Checkpoint {
	cp := checkpoint.Checkpoint{LastResult: lastTool}
	if d.sessionStore != nil {
		cp.ActiveSessions = d.sessionStore.ActiveIDs()
	}
	if d.providerArbiter != nil {
		stats := make(map[string]schema.ProviderStats)
		for _, p := range d.providerArbiter.Providers() {
			if s, ok := provider.StatsOf(p); ok {
				stats[p.Name()] = s
			}
		}
		cp.ProviderStats = stats
	}
	if d.cache != nil {
		s := d.cache.Stats()
		if total := s.Hits + s.Misses; total > 0 {
			cp.CacheHitRate = float64(s.Hits) / float64(total)
		}
	}
	return cp
}

type handlerFunc func(d *Dispatcher, ctx context.Context, params rawParams) (any, error)

var toolTable = map[string]handlerFunc{
	"escalate_analysis":         (*Dispatcher).handleEscalate,
	"trace_execution_path":      (*Dispatcher).handleTraceExecutionPath,
	"cross_system_impact":       (*Dispatcher).handleCrossSystemImpact,
	"performance_bottleneck":    (*Dispatcher).handlePerformanceBottleneck,
	"hypothesis_test":           (*Dispatcher).handleHypothesisTest,
	"start_conversation":        (*Dispatcher).handleStartConversation,
	"continue_conversation":     (*Dispatcher).handleContinueConversation,
	"finalize_conversation":     (*Dispatcher).handleFinalizeConversation,
	"get_conversation_status":   (*Dispatcher).handleGetConversationStatus,
	"run_hypothesis_tournament": (*Dispatcher).handleRunTournament,
	"health_check":              (*Dispatcher).handleHealthCheck,
	"health_summary":            (*Dispatcher).handleHealthSummary,
	"get_model_info":            (*Dispatcher).handleGetModelInfo,
	"set_model":                 (*Dispatcher).handleSetModel,
}

// ToolNames returns the closed tool catalog, sorted by table iteration
// is not guaranteed so callers needing a stable order should sort this
// themselves (used by transport-level tools/list style surfaces, kept
// here rather than in internal/rpc since the catalog is this package's
// responsibility).
func ToolNames() []string {
	names := make([]string, 0, len(toolTable))
	for name := range toolTable {
		names = append(names, name)
	}
	return names
}

// unmarshalParams decodes params into dst, rejecting unknown top-level
// fields so a client typo in a param name surfaces as
// invalid-arguments instead of being silently dropped.
func unmarshalParams(params rawParams, dst any) error {
	if len(params) == 0 {
		return errs.InvalidArguments("params", "missing request body")
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.InvalidArguments("params", "malformed JSON: "+err.Error())
	}
	return nil
}

// withBudget tightens ctx to the client's remaining time budget when
// one was supplied; the transport-level per-call deadline still applies
// underneath, so the effective deadline is whichever is earlier.
func withBudget(ctx context.Context, analysisCtx schema.AnalysisContext) (context.Context, context.CancelFunc) {
	if analysisCtx.BudgetRemaining == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, *analysisCtx.BudgetRemaining)
}

func (d *Dispatcher) oneShot(ctx context.Context, req analysisRequest, analysisType promptbuilder.AnalysisType) (any, error) {
	analysisCtx, err := d.buildAnalysisContext(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withBudget(ctx, analysisCtx)
	defer cancel()
	return d.arbiter.Analyze(ctx, analysisCtx, analysisType)
}

func (d *Dispatcher) handleEscalate(ctx context.Context, params rawParams) (any, error) {
	var p escalateParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return d.oneShot(ctx, p.analysisRequest, promptbuilder.TypeGeneral)
}

func (d *Dispatcher) handleTraceExecutionPath(ctx context.Context, params rawParams) (any, error) {
	var p escalateParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return d.oneShot(ctx, p.analysisRequest, promptbuilder.TypeExecutionTrace)
}

func (d *Dispatcher) handleCrossSystemImpact(ctx context.Context, params rawParams) (any, error) {
	var p escalateParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return d.oneShot(ctx, p.analysisRequest, promptbuilder.TypeCrossSystem)
}

func (d *Dispatcher) handlePerformanceBottleneck(ctx context.Context, params rawParams) (any, error) {
	var p escalateParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return d.oneShot(ctx, p.analysisRequest, promptbuilder.TypePerformance)
}

func (d *Dispatcher) handleHypothesisTest(ctx context.Context, params rawParams) (any, error) {
	var p hypothesisTestParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	hypothesis, err := capString("hypothesis", p.Hypothesis, maxHypothesisChars)
	if err != nil {
		return nil, err
	}
	analysisCtx, err := d.buildAnalysisContext(p.analysisRequest)
	if err != nil {
		return nil, err
	}
	if hypothesis != "" {
		analysisCtx.StuckPoints = append([]string{"hypothesis under test: " + hypothesis}, analysisCtx.StuckPoints...)
	}
	ctx, cancel := withBudget(ctx, analysisCtx)
	defer cancel()
	return d.arbiter.Analyze(ctx, analysisCtx, promptbuilder.TypeHypothesisTest)
}

var analysisTypeByName = map[string]promptbuilder.AnalysisType{
	"execution_trace": promptbuilder.TypeExecutionTrace,
	"cross_system":    promptbuilder.TypeCrossSystem,
	"performance":     promptbuilder.TypePerformance,
	"hypothesis_test": promptbuilder.TypeHypothesisTest,
	"general":         promptbuilder.TypeGeneral,
}

func (d *Dispatcher) handleStartConversation(ctx context.Context, params rawParams) (any, error) {
	var p startConversationParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	analysisType, ok := analysisTypeByName[p.AnalysisType]
	if !ok {
		return nil, errs.InvalidArguments("analysisType", "unrecognized analysis type: "+p.AnalysisType)
	}
	question, err := capString("initialQuestion", p.InitialQuestion, maxHypothesisChars)
	if err != nil {
		return nil, err
	}
	analysisCtx, err := d.buildAnalysisContext(p.analysisRequest)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withBudget(ctx, analysisCtx)
	defer cancel()
	return d.sessions.Start(ctx, analysisCtx, analysisType, question)
}

func (d *Dispatcher) handleContinueConversation(ctx context.Context, params rawParams) (any, error) {
	var p continueConversationParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, errs.InvalidArguments("sessionId", "sessionId is required")
	}
	if p.Message == "" {
		return nil, errs.InvalidArguments("message", "message is required")
	}
	message, err := capString("message", p.Message, maxHypothesisChars)
	if err != nil {
		return nil, err
	}
	return d.sessions.Continue(ctx, p.SessionID, message)
}

var finalizeFormats = map[string]bool{"": true, "detailed": true, "concise": true, "actionable": true}

func (d *Dispatcher) handleFinalizeConversation(ctx context.Context, params rawParams) (any, error) {
	var p finalizeConversationParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, errs.InvalidArguments("sessionId", "sessionId is required")
	}
	if !finalizeFormats[p.Format] {
		return nil, errs.InvalidArguments("format", "must be one of detailed|concise|actionable")
	}
	format := p.Format
	if format == "" {
		format = "detailed"
	}
	return d.sessions.Finalize(ctx, p.SessionID, format)
}

func (d *Dispatcher) handleGetConversationStatus(ctx context.Context, params rawParams) (any, error) {
	var p getConversationStatusParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, errs.InvalidArguments("sessionId", "sessionId is required")
	}
	return d.sessions.Status(p.SessionID)
}

func (d *Dispatcher) handleRunTournament(ctx context.Context, params rawParams) (any, error) {
	var p runTournamentParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	issue, err := capString("issue", p.Issue, maxIssueChars)
	if err != nil {
		return nil, err
	}
	if issue == "" {
		return nil, errs.InvalidArguments("issue", "issue is required")
	}
	cfg := schema.TournamentConfig{
		MaxHypotheses:    p.Config.MaxHypotheses,
		MaxRounds:        p.Config.MaxRounds,
		ParallelSessions: p.Config.ParallelSessions,
	}
	if cfg.MaxHypotheses < 2 || cfg.MaxHypotheses > 20 {
		return nil, errs.InvalidArguments("config.maxHypotheses", "must be between 2 and 20")
	}
	if cfg.MaxRounds < 1 || cfg.MaxRounds > 5 {
		return nil, errs.InvalidArguments("config.maxRounds", "must be between 1 and 5")
	}
	if cfg.ParallelSessions < 1 || cfg.ParallelSessions > 10 {
		return nil, errs.InvalidArguments("config.parallelSessions", "must be between 1 and 10")
	}

	analysisCtx, err := d.buildAnalysisContext(p.analysisRequest)
	if err != nil {
		return nil, err
	}
	if d.tournaments == nil {
		return nil, errs.Internal("tournament engine not configured", nil)
	}
	ctx, cancel := withBudget(ctx, analysisCtx)
	defer cancel()
	t, err := d.tournaments.Run(ctx, analysisCtx, issue, cfg)
	if d.metrics != nil {
		outcome := "complete"
		if err != nil {
			outcome = "failed"
		}
		d.metrics.TournamentCompletion(outcome)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (d *Dispatcher) handleHealthCheck(ctx context.Context, params rawParams) (any, error) {
	if d.healthRegistry == nil {
		return nil, errs.Internal("health registry not configured", nil)
	}
	return d.healthRegistry.Run(ctx), nil
}

func (d *Dispatcher) handleHealthSummary(ctx context.Context, params rawParams) (any, error) {
	if d.healthRegistry == nil {
		return nil, errs.Internal("health registry not configured", nil)
	}
	return d.healthRegistry.Last(), nil
}

// providerInfo is the get_model_info response shape for one configured
// provider: name, priority, live availability, and a statistics
// snapshot where the concrete provider exposes one.
type providerInfo struct {
	Name      string                `json:"name"`
	Priority  int                   `json:"priority"`
	Available bool                  `json:"available"`
	Stats     *schema.ProviderStats `json:"stats,omitempty"`
}

func (d *Dispatcher) handleGetModelInfo(ctx context.Context, params rawParams) (any, error) {
	if d.providerArbiter == nil {
		return nil, errs.ProviderNotConfigured()
	}
	providers := d.providerArbiter.Providers()
	out := make([]providerInfo, 0, len(providers))
	for _, p := range providers {
		info := providerInfo{Name: p.Name(), Priority: p.Priority(), Available: p.IsAvailable()}
		if stats, ok := provider.StatsOf(p); ok {
			info.Stats = &stats
		}
		out = append(out, info)
	}
	return struct {
		Providers []providerInfo `json:"providers"`
	}{Providers: out}, nil
}

func (d *Dispatcher) handleSetModel(ctx context.Context, params rawParams) (any, error) {
	var p setModelParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if d.providerArbiter == nil {
		return nil, errs.ProviderNotConfigured()
	}
	if err := d.providerArbiter.Reorder(p.ProviderNames); err != nil {
		return nil, err
	}
	return struct {
		Order []string `json:"order"`
	}{Order: p.ProviderNames}, nil
}
