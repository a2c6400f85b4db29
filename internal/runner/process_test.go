package runner

import (
	"testing"

	"github.com/agentcore/agentcore/internal/domain"
)

// TestEventRingWrapsAndOrdersOldestFirst verifies the ring buffer's
// wrap-aware read order (spec §4.E.6).
func TestEventRingWrapsAndOrdersOldestFirst(t *testing.T) {
	var r eventRing
	for i := 0; i < RingSize+10; i++ {
		r.push(domain.StreamEvent{Type: domain.EventRaw, Text: string(rune('A' + i%26))})
	}
	out := r.snapshot()
	if len(out) != RingSize {
		t.Fatalf("len = %d, want %d", len(out), RingSize)
	}
	// The oldest surviving event is the 11th pushed (index 10).
	want := string(rune('A' + 10%26))
	if out[0].Text != want {
		t.Fatalf("out[0].Text = %q, want %q", out[0].Text, want)
	}
}

// TestEventRingBeforeWrapReturnsInsertionOrder verifies an
// under-capacity ring just returns what was stored.
func TestEventRingBeforeWrapReturnsInsertionOrder(t *testing.T) {
	var r eventRing
	r.push(domain.StreamEvent{Text: "a"})
	r.push(domain.StreamEvent{Text: "b"})
	out := r.snapshot()
	if len(out) != 2 || out[0].Text != "a" || out[1].Text != "b" {
		t.Fatalf("snapshot = %+v, want [a b]", out)
	}
}

// TestMarkSeenPrunesAtCap verifies seenMessageIds is pruned to half
// size once over SeenIDsCap (spec §3).
func TestMarkSeenPrunesAtCap(t *testing.T) {
	p := newAgentProcess(&domain.Agent{ID: "a1"})
	for i := 0; i < SeenIDsCap+1; i++ {
		id := string(rune(i))
		if already := p.markSeen(id); already {
			t.Fatalf("markSeen(%q) reported already seen on first insert", id)
		}
	}
	if len(p.seenOrder) != SeenIDsPruneTo {
		t.Fatalf("len(seenOrder) = %d, want %d", len(p.seenOrder), SeenIDsPruneTo)
	}
}

// TestMarkSeenIdempotent verifies a repeated id reports already-seen.
func TestMarkSeenIdempotent(t *testing.T) {
	p := newAgentProcess(&domain.Agent{ID: "a1"})
	if already := p.markSeen("msg-1"); already {
		t.Fatal("first markSeen reported already seen")
	}
	if already := p.markSeen("msg-1"); !already {
		t.Fatal("second markSeen did not report already seen")
	}
}

// TestAddListenerUnsubscribe verifies the returned unsubscribe func
// removes the listener.
func TestAddListenerUnsubscribe(t *testing.T) {
	p := newAgentProcess(&domain.Agent{ID: "a1"})
	unsub := p.addListener(func(domain.StreamEvent) {})
	if len(p.listeners) != 1 {
		t.Fatalf("len(listeners) = %d, want 1", len(p.listeners))
	}
	unsub()
	if len(p.listeners) != 0 {
		t.Fatalf("len(listeners) = %d, want 0 after unsubscribe", len(p.listeners))
	}
}
