package checkpoint

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordTurnCadence(t *testing.T) {
	p := New(100, 3, "")
	snapshots := 0
	snap := func() Checkpoint {
		snapshots++
		return Checkpoint{ActiveSessions: []string{"s1"}}
	}

	for i := 0; i < 8; i++ {
		p.RecordTurn(snap)
	}

	if snapshots != 2 {
		t.Fatalf("expected 2 snapshots over 8 turns at cadence 3, got %d", snapshots)
	}
	if p.Len() != 2 {
		t.Fatalf("expected 2 retained checkpoints, got %d", p.Len())
	}
}

func TestRingBounded(t *testing.T) {
	p := New(3, 1, "")
	for i := 0; i < 10; i++ {
		p.RecordTurn(func() Checkpoint { return Checkpoint{} })
	}
	if p.Len() != 3 {
		t.Fatalf("expected ring capped at 3, got %d", p.Len())
	}

	all := p.Recall()
	if all[0].Sequence != 8 || all[2].Sequence != 10 {
		t.Fatalf("expected sequences 8,9,10, got %+v", all)
	}
}

func TestLatest(t *testing.T) {
	p := New(5, 1, "")
	if _, ok := p.Latest(); ok {
		t.Fatalf("expected no latest on empty ring")
	}
	p.Force(Checkpoint{CacheHitRate: 0.5})
	latest, ok := p.Latest()
	if !ok || latest.CacheHitRate != 0.5 {
		t.Fatalf("unexpected latest: %+v ok=%v", latest, ok)
	}
}

func TestPersistenceAppendsNDJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints.jsonl")

	p := New(10, 1, path)
	p.Force(Checkpoint{ActiveSessions: []string{"a"}})
	p.Force(Checkpoint{ActiveSessions: []string{"a", "b"}})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("expected persisted file, got error: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 persisted lines, got %d", len(lines))
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(lines[1]), &cp); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	if len(cp.ActiveSessions) != 2 {
		t.Fatalf("unexpected decoded checkpoint: %+v", cp)
	}
}

func TestEmptyPersistPathDisablesPersistence(t *testing.T) {
	p := New(10, 1, "")
	p.Force(Checkpoint{})
	if p.persistPath != "" {
		t.Fatalf("unexpected persist path")
	}
}
