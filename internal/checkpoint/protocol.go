// Package checkpoint implements the Health & Memory Protocol's memory
// side: a bounded in-memory ring of periodic reasoning checkpoints, with
// optional append-only persistence for operator inspection across
// restarts. The in-memory ring is always authoritative; persistence is a
// side effect that never blocks or fails a checkpoint record.
package checkpoint

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Checkpoint is one recorded snapshot of server-wide reasoning state.
type Checkpoint struct {
	Sequence       int       `json:"sequence"`
	RecordedAt     time.Time `json:"recordedAt"`
	ActiveSessions []string  `json:"activeSessions"`
	ProviderStats  any       `json:"providerStats,omitempty"`
	CacheHitRate   float64   `json:"cacheHitRate"`
	LastResult     string    `json:"lastResult,omitempty"`
}

// Protocol owns the fixed-size checkpoint ring and the counters
// governing when a new checkpoint is recorded.
type Protocol struct {
	mu sync.Mutex

	maxCheckpoints        int
	thoughtsPerCheckpoint int

	turnsSinceLast int
	sequence       int
	ring           []Checkpoint // logical order: oldest first

	persistPath string
	now         func() time.Time
}

// New builds a Protocol. persistPath may be empty, which disables
// persistence without affecting the in-memory ring's correctness.
func New(maxCheckpoints, thoughtsPerCheckpoint int, persistPath string) *Protocol {
	if maxCheckpoints <= 0 {
		maxCheckpoints = 100
	}
	if thoughtsPerCheckpoint <= 0 {
		thoughtsPerCheckpoint = 10
	}
	return &Protocol{
		maxCheckpoints:        maxCheckpoints,
		thoughtsPerCheckpoint: thoughtsPerCheckpoint,
		persistPath:           persistPath,
		now:                   time.Now,
	}
}

// RecordTurn notes that one provider turn completed. Every
// thoughtsPerCheckpoint turns, it snapshots the supplied state into a
// new checkpoint. snapshot is called only when a checkpoint is actually
// due, so callers can make it as expensive as computing a real stats
// rollup without paying that cost on every turn.
func (p *Protocol) RecordTurn(snapshot func() Checkpoint) {
	p.mu.Lock()
	p.turnsSinceLast++
	due := p.turnsSinceLast >= p.thoughtsPerCheckpoint
	if due {
		p.turnsSinceLast = 0
	}
	p.mu.Unlock()

	if !due {
		return
	}

	cp := snapshot()
	p.append(cp)
}

// Force records a checkpoint immediately, bypassing the
// thoughtsPerCheckpoint cadence.
func (p *Protocol) Force(cp Checkpoint) {
	p.append(cp)
}

func (p *Protocol) append(cp Checkpoint) {
	p.mu.Lock()
	p.sequence++
	cp.Sequence = p.sequence
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = p.now()
	}
	p.ring = append(p.ring, cp)
	if len(p.ring) > p.maxCheckpoints {
		p.ring = p.ring[len(p.ring)-p.maxCheckpoints:]
	}
	p.mu.Unlock()

	p.persist(cp)
}

// persist appends one newline-delimited JSON record. Any error is
// swallowed: persistence is a diagnostic aid, never a correctness
// requirement.
func (p *Protocol) persist(cp Checkpoint) {
	if p.persistPath == "" {
		return
	}
	f, err := os.OpenFile(p.persistPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	line, err := json.Marshal(cp)
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = f.Write(line)
}

// Recall returns every checkpoint currently held, oldest first, for a
// resumed session or an operator inspecting recent history.
func (p *Protocol) Recall() []Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Checkpoint(nil), p.ring...)
}

// Latest returns the most recently recorded checkpoint, if any.
func (p *Protocol) Latest() (Checkpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ring) == 0 {
		return Checkpoint{}, false
	}
	return p.ring[len(p.ring)-1], true
}

// Len reports how many checkpoints are currently retained.
func (p *Protocol) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ring)
}
