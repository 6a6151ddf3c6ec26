package walker

import (
	"errors"
	"testing"
)

func TestPlan_Advance(t *testing.T) {
	p := NewPlan(Task{Type: "sale"}, Task{Type: "payout"})

	pos, ok := p.Current()
	if !ok || pos.TaskIndex != 0 || pos.Cursor != "" {
		t.Fatalf("unexpected start position %+v", pos)
	}

	if err := p.Advance(pos, "c1"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// A stale position is rejected so cursors never rewind.
	if err := p.Advance(pos, "c9"); err == nil {
		t.Fatal("expected stale advance to fail")
	}

	pos, _ = p.Current()
	if err := p.Advance(pos, "c1"); !errors.Is(err, ErrCursorStalled) {
		t.Fatalf("expected ErrCursorStalled, got %v", err)
	}
	if err := p.Advance(pos, ""); err != nil {
		t.Fatalf("exhaust: %v", err)
	}

	pos, ok = p.Current()
	if !ok || pos.TaskIndex != 1 || pos.Task.Type != "payout" {
		t.Fatalf("expected second task, got %+v", pos)
	}
	if err := p.Advance(pos, ""); err != nil {
		t.Fatalf("exhaust: %v", err)
	}
	if !p.Exhausted() || p.Index() != 2 || p.Len() != 2 {
		t.Fatalf("expected exhausted plan, index=%d", p.Index())
	}
	if _, ok := p.Current(); ok {
		t.Fatal("exhausted plan has no current position")
	}
}
