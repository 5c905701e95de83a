package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deepcode-reasoning/reasoning-server/internal/errs"
	"github.com/deepcode-reasoning/reasoning-server/internal/promptbuilder"
	"github.com/deepcode-reasoning/reasoning-server/internal/schema"
)

// fakeArbiter is a minimal Arbiter test double; each call returns the
// next canned result or error in sequence.
type fakeArbiter struct {
	mu      sync.Mutex
	results []schema.AnalysisResult
	errs    []error
	calls   int
}

func (f *fakeArbiter) Analyze(ctx context.Context, analysisCtx schema.AnalysisContext, analysisType promptbuilder.AnalysisType) (schema.AnalysisResult, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()

	if i < len(f.errs) && f.errs[i] != nil {
		return schema.AnalysisResult{}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return schema.AnalysisResult{Status: schema.StatusSuccess}, nil
}

func newCtx() schema.AnalysisContext {
	return schema.AnalysisContext{Focus: schema.Focus{Files: []string{"a.go"}}}
}

func TestSessionStartContinueFinalizeLifecycle(t *testing.T) {
	arb := &fakeArbiter{results: []schema.AnalysisResult{
		{Status: schema.StatusSuccess},
		{Status: schema.StatusSuccess},
		{Status: schema.StatusSuccess},
	}}
	store := NewStore(10, time.Hour)
	mgr := NewManager(store, arb, 10)

	start, err := mgr.Start(context.Background(), newCtx(), promptbuilder.TypeGeneral, "why does this fail?")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if start.SessionID == "" {
		t.Fatalf("expected non-empty session id")
	}

	if _, err := mgr.Continue(context.Background(), start.SessionID, "more detail"); err != nil {
		t.Fatalf("continue: %v", err)
	}

	status, err := mgr.Status(start.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.TurnCount != 3 {
		t.Fatalf("expected 3 turns (initial provider turn + client + provider), got %d", status.TurnCount)
	}

	if _, err := mgr.Finalize(context.Background(), start.SessionID, "concise"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	_, err = mgr.Status(start.SessionID)
	if e, ok := errs.As(err); !ok || e.Category != errs.CategorySessionNotFound {
		t.Fatalf("expected session-not-found after finalize, got %v", err)
	}
}

// gatedArbiter answers its first call (Start) immediately and holds its
// second call open until release is closed, closing entered once that
// call is in flight, so a test can overlap two Continue calls for certain.
type gatedArbiter struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (g *gatedArbiter) Analyze(ctx context.Context, analysisCtx schema.AnalysisContext, analysisType promptbuilder.AnalysisType) (schema.AnalysisResult, error) {
	g.mu.Lock()
	i := g.calls
	g.calls++
	g.mu.Unlock()

	if i == 1 {
		close(g.entered)
		<-g.release
	}
	return schema.AnalysisResult{Status: schema.StatusSuccess}, nil
}

func TestContinueConcurrentCallsOneSucceedsOneBusy(t *testing.T) {
	arb := &gatedArbiter{entered: make(chan struct{}), release: make(chan struct{})}
	store := NewStore(10, time.Hour)
	mgr := NewManager(store, arb, 10)

	start, err := mgr.Start(context.Background(), newCtx(), promptbuilder.TypeGeneral, "q")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, results[0] = mgr.Continue(context.Background(), start.SessionID, "msg")
	}()
	// The first Continue is now inside its arbiter call and holds the
	// session's writer lock, so the second one overlaps it.
	<-arb.entered
	_, results[1] = mgr.Continue(context.Background(), start.SessionID, "msg")
	close(arb.release)
	wg.Wait()

	successes, busies := 0, 0
	for _, e := range results {
		if e == nil {
			successes++
		} else if cat, ok := errs.As(e); ok && cat.Category == errs.CategorySessionBusy {
			busies++
		}
	}
	if successes != 1 || busies != 1 {
		t.Fatalf("expected exactly one success and one session-busy, got successes=%d busies=%d (errs=%v)", successes, busies, results)
	}

	status, err := mgr.Status(start.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.TurnCount != 3 {
		t.Fatalf("expected turns.length == 3 (initial + 1 client + 1 provider), got %d", status.TurnCount)
	}
}

func TestSessionLimitExceeded(t *testing.T) {
	arb := &fakeArbiter{}
	store := NewStore(2, time.Hour)
	mgr := NewManager(store, arb, 10)

	for i := 0; i < 2; i++ {
		if _, err := mgr.Start(context.Background(), newCtx(), promptbuilder.TypeGeneral, "q"); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}

	_, err := mgr.Start(context.Background(), newCtx(), promptbuilder.TypeGeneral, "q")
	if e, ok := errs.As(err); !ok || e.Category != errs.CategorySessionLimitExceeded {
		t.Fatalf("expected session-limit-exceeded, got %v", err)
	}
}

func TestFinalizeSecondCallReturnsNotFound(t *testing.T) {
	arb := &fakeArbiter{}
	store := NewStore(10, time.Hour)
	mgr := NewManager(store, arb, 10)

	start, _ := mgr.Start(context.Background(), newCtx(), promptbuilder.TypeGeneral, "q")
	if _, err := mgr.Finalize(context.Background(), start.SessionID, "concise"); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	_, err := mgr.Finalize(context.Background(), start.SessionID, "concise")
	if e, ok := errs.As(err); !ok || e.Category != errs.CategorySessionNotFound {
		t.Fatalf("expected session-not-found on second finalize, got %v", err)
	}
}

func TestStoreSweepExpiresIdleSessions(t *testing.T) {
	store := NewStore(10, time.Minute)
	current := time.Unix(0, 0)
	store.now = func() time.Time { return current }

	arb := &fakeArbiter{}
	mgr := NewManager(store, arb, 10)
	start, err := mgr.Start(context.Background(), newCtx(), promptbuilder.TypeGeneral, "q")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	current = current.Add(2 * time.Minute)
	removed := store.Sweep()
	if removed != 1 {
		t.Fatalf("expected one session swept, got %d", removed)
	}

	_, err = mgr.Status(start.SessionID)
	if e, ok := errs.As(err); !ok || e.Category != errs.CategorySessionNotFound {
		t.Fatalf("expected session-not-found after expiry sweep, got %v", err)
	}
}

// capturingArbiter records each AnalysisContext it is invoked with.
type capturingArbiter struct {
	mu       sync.Mutex
	contexts []schema.AnalysisContext
}

func (c *capturingArbiter) Analyze(ctx context.Context, analysisCtx schema.AnalysisContext, analysisType promptbuilder.AnalysisType) (schema.AnalysisResult, error) {
	c.mu.Lock()
	c.contexts = append(c.contexts, analysisCtx)
	c.mu.Unlock()
	return schema.AnalysisResult{Status: schema.StatusSuccess}, nil
}

func TestContinueAndFinalizeCarryConversationContext(t *testing.T) {
	arb := &capturingArbiter{}
	store := NewStore(10, time.Hour)
	mgr := NewManager(store, arb, 10)

	start, err := mgr.Start(context.Background(), newCtx(), promptbuilder.TypeGeneral, "initial question")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := mgr.Continue(context.Background(), start.SessionID, "what about the retry path?"); err != nil {
		t.Fatalf("continue: %v", err)
	}
	if _, err := mgr.Finalize(context.Background(), start.SessionID, "actionable"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if len(arb.contexts) != 3 {
		t.Fatalf("expected 3 arbiter calls, got %d", len(arb.contexts))
	}
	if !containsSubstring(arb.contexts[0].StuckPoints, "initial question") {
		t.Fatalf("start call missing initial question: %v", arb.contexts[0].StuckPoints)
	}
	if !containsSubstring(arb.contexts[1].StuckPoints, "what about the retry path?") {
		t.Fatalf("continue call missing the client message: %v", arb.contexts[1].StuckPoints)
	}
	if !containsSubstring(arb.contexts[2].StuckPoints, "what about the retry path?") {
		t.Fatalf("finalize call missing conversation history: %v", arb.contexts[2].StuckPoints)
	}
	if !containsSubstring(arb.contexts[2].StuckPoints, "concrete actions") {
		t.Fatalf("finalize call missing format instruction: %v", arb.contexts[2].StuckPoints)
	}
}

func containsSubstring(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func TestContinueRollsBackOnArbiterFailure(t *testing.T) {
	arb := &fakeArbiter{
		results: []schema.AnalysisResult{{Status: schema.StatusSuccess}},
	}
	store := NewStore(10, time.Hour)
	mgr := NewManager(store, arb, 10)

	start, err := mgr.Start(context.Background(), newCtx(), promptbuilder.TypeGeneral, "q")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	arb.errs = []error{nil, errs.AllProvidersFailed([]string{"primary"}, nil)}

	if _, err := mgr.Continue(context.Background(), start.SessionID, "will fail"); err == nil {
		t.Fatalf("expected continue to propagate the arbiter error")
	}

	status, err := mgr.Status(start.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.TurnCount != 1 {
		t.Fatalf("expected rollback to leave only the initial turn, got %d", status.TurnCount)
	}
	if status.State != schema.SessionActive {
		t.Fatalf("expected session to remain active after rollback, got %q", status.State)
	}
}
