// Package session implements the Conversational Session Manager: a
// per-session state machine with single-writer concurrency, turn
// ordering, bounded lifetime, and TTL-based expiry.
package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deepcode-reasoning/reasoning-server/internal/errs"
	"github.com/deepcode-reasoning/reasoning-server/internal/observability"
	"github.com/deepcode-reasoning/reasoning-server/internal/promptbuilder"
	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
)

// Arbiter is the narrow interface Manager needs from the provider
// arbiter.
type Arbiter interface {
	Analyze(ctx context.Context, analysisCtx schema.AnalysisContext, analysisType promptbuilder.AnalysisType) (schema.AnalysisResult, error)
}

// record is the store's internal representation: the public Session
// plus the writer lock, held separately from the map so a lock
// operation never needs to hold the store-wide mutex.
type record struct {
	session schema.Session
	writer  *writerLock
}

// writerLock is a single-holder, non-queueing mutex: TryLock either
// acquires immediately or fails fast with session-busy, matching the
// "reject fast" Open Question resolution.
type writerLock struct {
	mu     sync.Mutex
	locked bool
}

func (w *writerLock) TryLock() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.locked {
		return false
	}
	w.locked = true
	return true
}

func (w *writerLock) Unlock() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.locked = false
}

func (w *writerLock) IsLocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.locked
}

// Store is the in-memory map from session id to session record.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*record
	maxSessions int
	ttl         time.Duration
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewStore builds a session store with the given bounds.
func NewStore(maxSessions int, ttl time.Duration) *Store {
	return &Store{
		sessions:    make(map[string]*record),
		maxSessions: maxSessions,
		ttl:         ttl,
		now:         time.Now,
	}
}

// SetMetrics attaches the process-wide metrics; nil leaves the store
// silent.
func (s *Store) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// gaugeLocked refreshes the active-session gauge; callers must hold
// s.mu.
func (s *Store) gaugeLocked() {
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(len(s.sessions)))
	}
}

// Manager owns the session state machine and sequences turns through
// the provider arbiter. File resolution for focus.files happens once,
// inside the provider layer (BaseProvider.fileProvider), so every caller
// of the arbiter -- one-shot, session, or tournament -- shares the same
// seam instead of each layer wiring its own.
type Manager struct {
	store    *Store
	arbiter  Arbiter
	maxTurns int
	idGen    func() string
}

// NewManager builds a SessionManager backed by store and arbiter.
func NewManager(store *Store, arbiter Arbiter, maxTurns int) *Manager {
	return &Manager{
		store:    store,
		arbiter:  arbiter,
		maxTurns: maxTurns,
		idGen:    func() string { return uuid.NewString() },
	}
}

// StartResult is returned by Start.
type StartResult struct {
	SessionID          string                `json:"sessionId"`
	InitialResponse    schema.AnalysisResult `json:"initialResponse"`
	SuggestedFollowUps []string              `json:"suggestedFollowUps"`
}

// Start creates a session in `active`, invokes the arbiter once for the
// initial question, stores the resulting turn, and returns.
func (m *Manager) Start(ctx context.Context, analysisCtx schema.AnalysisContext, analysisType promptbuilder.AnalysisType, initialQuestion string) (StartResult, error) {
	store := m.store
	store.mu.Lock()
	if store.maxSessions > 0 && len(store.sessions) >= store.maxSessions {
		store.mu.Unlock()
		return StartResult{}, errs.SessionLimitExceeded(store.maxSessions)
	}
	id := m.idGen()
	now := store.now()
	rec := &record{
		session: schema.Session{
			ID:              id,
			AnalysisType:    string(analysisType),
			CreatedAt:       now,
			LastActivityAt:  now,
			State:           schema.SessionActive,
			AnalysisContext: analysisCtx,
		},
		writer: &writerLock{},
	}
	store.sessions[id] = rec
	store.gaugeLocked()
	store.mu.Unlock()

	if !rec.writer.TryLock() {
		// Unreachable under single-writer-per-fresh-session invariant,
		// but handled defensively rather than assumed away.
		return StartResult{}, errs.SessionBusy(id)
	}
	defer rec.writer.Unlock()

	turnCtx := analysisCtx.Clone()
	if initialQuestion != "" {
		turnCtx.StuckPoints = append([]string{initialQuestion}, turnCtx.StuckPoints...)
	}
	result, err := m.invokeArbiter(ctx, turnCtx, analysisType)
	if err != nil {
		store.mu.Lock()
		delete(store.sessions, id)
		store.gaugeLocked()
		store.mu.Unlock()
		return StartResult{}, err
	}

	// Only the provider's initial turn is stored here; the client's
	// initialQuestion is folded into the prompt context rather than
	// stored as a turn of its own, so a fresh session's turns array
	// begins the client/provider alternation at the first continue call.
	store.mu.Lock()
	rec.session.Turns = append(rec.session.Turns,
		schema.Turn{Role: schema.RoleProvider, Message: summarize(result), Timestamp: store.now(), TokensUsed: result.Metadata.TokensUsed},
	)
	rec.session.LastActivityAt = store.now()
	store.mu.Unlock()

	if store.metrics != nil {
		store.metrics.SessionsStarted.Inc()
	}

	return StartResult{
		SessionID:          id,
		InitialResponse:    result,
		SuggestedFollowUps: result.Recommendations.InvestigationNextSteps,
	}, nil
}

// ContinueResult is returned by Continue.
type ContinueResult struct {
	Response    schema.AnalysisResult `json:"response"`
	Progress    string                `json:"progress"`
	CanFinalize bool                  `json:"canFinalize"`
}

// Continue appends a client turn, invokes the arbiter with accumulated
// context, and appends the provider turn. Fails fast with session-busy
// if the writer lock is already held.
func (m *Manager) Continue(ctx context.Context, sessionID, message string) (ContinueResult, error) {
	rec, err := m.lookup(sessionID)
	if err != nil {
		return ContinueResult{}, err
	}

	if !rec.writer.TryLock() {
		return ContinueResult{}, errs.SessionBusy(sessionID)
	}
	defer rec.writer.Unlock()

	m.store.mu.Lock()
	if rec.session.State == schema.SessionExpired || rec.session.State == schema.SessionFinalized {
		m.store.mu.Unlock()
		return ContinueResult{}, errs.SessionNotFound(sessionID)
	}
	rec.session.State = schema.SessionProcessing
	rec.session.Turns = append(rec.session.Turns, schema.Turn{Role: schema.RoleClient, Message: message, Timestamp: m.store.now()})
	ctxSnapshot := rec.session.AnalysisContext.Clone()
	// The accumulated conversation rides along in the cloned context the
	// same way Start folds the initial question in, so the provider sees
	// every prior turn plus the new client message.
	ctxSnapshot.StuckPoints = append(conversationLines(rec.session.Turns), ctxSnapshot.StuckPoints...)
	analysisType := promptbuilder.AnalysisType(rec.session.AnalysisType)
	m.store.mu.Unlock()

	result, err := m.invokeArbiter(ctx, ctxSnapshot, analysisType)
	if err != nil {
		// Abandon the in-flight turn: roll the appended client turn
		// back and leave the session active for another attempt.
		m.store.mu.Lock()
		rec.session.Turns = rec.session.Turns[:len(rec.session.Turns)-1]
		rec.session.State = schema.SessionActive
		m.store.mu.Unlock()
		return ContinueResult{}, err
	}

	m.store.mu.Lock()
	rec.session.Turns = append(rec.session.Turns, schema.Turn{Role: schema.RoleProvider, Message: summarize(result), Timestamp: m.store.now(), TokensUsed: result.Metadata.TokensUsed})
	rec.session.State = schema.SessionActive
	rec.session.LastActivityAt = m.store.now()
	turnCount := len(rec.session.Turns)
	m.store.mu.Unlock()

	canFinalize := result.Status == schema.StatusSuccess || turnCount >= m.maxTurns*2

	return ContinueResult{Response: result, Progress: progressNote(turnCount, m.maxTurns), CanFinalize: canFinalize}, nil
}

// Finalize invokes the arbiter with a summary instruction, stores the
// terminal result, transitions to finalized, and removes the session
// from the store -- the single source of truth against accumulation.
func (m *Manager) Finalize(ctx context.Context, sessionID string, format string) (schema.AnalysisResult, error) {
	rec, err := m.lookup(sessionID)
	if err != nil {
		return schema.AnalysisResult{}, err
	}

	if !rec.writer.TryLock() {
		return schema.AnalysisResult{}, errs.SessionBusy(sessionID)
	}
	defer rec.writer.Unlock()

	m.store.mu.Lock()
	if rec.session.State == schema.SessionExpired || rec.session.State == schema.SessionFinalized {
		m.store.mu.Unlock()
		return schema.AnalysisResult{}, errs.SessionNotFound(sessionID)
	}
	rec.session.State = schema.SessionFinalizing
	ctxSnapshot := rec.session.AnalysisContext.Clone()
	ctxSnapshot.StuckPoints = append(
		append([]string{finalizeInstruction(format)}, conversationLines(rec.session.Turns)...),
		ctxSnapshot.StuckPoints...)
	analysisType := promptbuilder.AnalysisType(rec.session.AnalysisType)
	m.store.mu.Unlock()

	result, err := m.invokeArbiter(ctx, ctxSnapshot, analysisType)
	if err != nil {
		m.store.mu.Lock()
		rec.session.State = schema.SessionActive
		m.store.mu.Unlock()
		return schema.AnalysisResult{}, err
	}

	m.store.mu.Lock()
	rec.session.State = schema.SessionFinalized
	rec.session.Result = &result
	delete(m.store.sessions, sessionID)
	m.store.gaugeLocked()
	m.store.mu.Unlock()

	if m.store.metrics != nil {
		m.store.metrics.SessionsFinalized.Inc()
	}

	return result, nil
}

// StatusResult is returned by Status.
type StatusResult struct {
	State          schema.SessionState `json:"state"`
	TurnCount      int                 `json:"turnCount"`
	TokensUsed     int                 `json:"tokensUsed"`
	LastActivityAt time.Time           `json:"lastActivityAt"`
	CanFinalize    bool                `json:"canFinalize"`
}

func (m *Manager) Status(sessionID string) (StatusResult, error) {
	rec, err := m.lookup(sessionID)
	if err != nil {
		return StatusResult{}, err
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	tokens := 0
	for _, t := range rec.session.Turns {
		if t.TokensUsed != nil {
			tokens += *t.TokensUsed
		}
	}
	return StatusResult{
		State:          rec.session.State,
		TurnCount:      len(rec.session.Turns),
		TokensUsed:     tokens,
		LastActivityAt: rec.session.LastActivityAt,
		CanFinalize:    len(rec.session.Turns) >= 2,
	}, nil
}

func (m *Manager) lookup(sessionID string) (*record, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	rec, ok := m.store.sessions[sessionID]
	if !ok {
		return nil, errs.SessionNotFound(sessionID)
	}
	return rec, nil
}

func (m *Manager) invokeArbiter(ctx context.Context, analysisCtx schema.AnalysisContext, analysisType promptbuilder.AnalysisType) (schema.AnalysisResult, error) {
	return m.arbiter.Analyze(ctx, analysisCtx, analysisType)
}

func summarize(result schema.AnalysisResult) string {
	if len(result.Findings.RootCauses) > 0 {
		return result.Findings.RootCauses[0].Description
	}
	return string(result.Status)
}

// conversationLines renders the session's turns as role-prefixed lines
// for embedding in the next prompt's context.
func conversationLines(turns []schema.Turn) []string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, string(t.Role)+": "+t.Message)
	}
	return lines
}

// finalizeInstruction keys the closing summary request by the client's
// requested format.
func finalizeInstruction(format string) string {
	switch format {
	case "concise":
		return "Produce the final summary of this conversation: only the highest-confidence root causes and the single most important immediate action."
	case "actionable":
		return "Produce the final summary of this conversation as concrete actions: populate immediateActions and codeChangesNeeded with everything the client should do next."
	default:
		return "Produce the final detailed summary of this conversation: every root cause, execution path, and recommendation established across the turns."
	}
}

func progressNote(turnCount, maxTurns int) string {
	if maxTurns <= 0 {
		return ""
	}
	return "turn " + strconv.Itoa(turnCount/2) + " of " + strconv.Itoa(maxTurns)
}

// Sweep removes sessions idle longer than the store's TTL, transitioning
// them to expired first. Intended to run on a periodic timer.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed int
	for id, rec := range s.sessions {
		if rec.session.State == schema.SessionFinalized {
			continue
		}
		if now.Sub(rec.session.LastActivityAt) > s.ttl {
			rec.session.State = schema.SessionExpired
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 && s.metrics != nil {
		s.metrics.SessionsExpired.Add(float64(removed))
	}
	s.gaugeLocked()
	return removed
}

// Count returns the current number of live sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ActiveIDs returns the IDs of every currently live session, for
// inclusion in a checkpoint snapshot.
func (s *Store) ActiveIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
