package bus

import (
	"testing"
)

// TestPostAndQueryVisibility verifies a broadcast is visible to
// everyone except excluded roles, and a direct message only to its
// addressee (spec §4.D query).
func TestPostAndQueryVisibility(t *testing.T) {
	b := New()
	b.Post(PostRequest{From: "orchestrator", Type: TypeInfo, Content: "broadcast"})
	b.Post(PostRequest{From: "orchestrator", To: "agent-1", Type: TypeTask, Content: "direct"})
	b.Post(PostRequest{From: "orchestrator", Type: TypeStatus, Content: "no-reviewers", ExcludeRoles: []string{"reviewer"}})

	msgsForAgent1 := b.Query(QueryFilter{To: "agent-1", AgentRole: "worker"})
	if len(msgsForAgent1) != 3 {
		t.Fatalf("len = %d, want 3 (broadcast + direct + non-excluded broadcast)", len(msgsForAgent1))
	}

	msgsForReviewer := b.Query(QueryFilter{To: "agent-2", AgentRole: "reviewer"})
	if len(msgsForReviewer) != 1 {
		t.Fatalf("len = %d, want 1 (only the plain broadcast, excluded one filtered)", len(msgsForReviewer))
	}
}

// TestFIFOCapDropsOldest verifies the FIFO hard cap drops the oldest
// message on overflow (spec §3 Message).
func TestFIFOCapDropsOldest(t *testing.T) {
	b := New()
	var firstID string
	for i := 0; i < MaxMessages+10; i++ {
		msg := b.Post(PostRequest{From: "x", Type: TypeInfo, Content: "m"})
		if i == 0 {
			firstID = msg.ID
		}
	}
	if b.Len() != MaxMessages {
		t.Fatalf("Len() = %d, want %d", b.Len(), MaxMessages)
	}
	for _, m := range b.Query(QueryFilter{}) {
		if m.ID == firstID {
			t.Fatal("oldest message was not dropped on overflow")
		}
	}
}

// TestMarkReadIdempotent verifies readBy contains an agent at most
// once (spec §8 round-trip law).
func TestMarkReadIdempotent(t *testing.T) {
	b := New()
	msg := b.Post(PostRequest{From: "x", To: "agent-1", Type: TypeInfo, Content: "hi"})

	b.MarkRead(msg.ID, "agent-1")
	b.MarkRead(msg.ID, "agent-1")

	results := b.Query(QueryFilter{To: "agent-1"})
	if len(results[0].ReadBy) != 1 {
		t.Fatalf("len(ReadBy) = %d, want 1", len(results[0].ReadBy))
	}
}

// TestSubscriberPanicDoesNotCrashBus verifies a panicking subscriber
// is caught and other subscribers still receive the event.
func TestSubscriberPanicDoesNotCrashBus(t *testing.T) {
	b := New()
	var gotSecond bool
	b.Subscribe(func(Message) { panic("boom") })
	b.Subscribe(func(Message) { gotSecond = true })

	b.Post(PostRequest{From: "x", Type: TypeInfo, Content: "hi"})

	if !gotSecond {
		t.Fatal("second subscriber did not observe the post after the first panicked")
	}
}

// TestCleanupForAgentRemovesBothDirections verifies cleanup removes
// messages where the agent is either sender or recipient.
func TestCleanupForAgentRemovesBothDirections(t *testing.T) {
	b := New()
	b.Post(PostRequest{From: "agent-1", To: "agent-2", Type: TypeInfo, Content: "a"})
	b.Post(PostRequest{From: "agent-3", To: "agent-1", Type: TypeInfo, Content: "b"})
	b.Post(PostRequest{From: "agent-3", To: "agent-4", Type: TypeInfo, Content: "c"})

	removed := b.CleanupForAgent("agent-1")
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
}

// TestUnsubscribeStopsDelivery verifies the returned unsubscribe
// function stops further delivery.
func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	unsub := b.Subscribe(func(Message) { count++ })
	b.Post(PostRequest{From: "x", Type: TypeInfo, Content: "1"})
	unsub()
	b.Post(PostRequest{From: "x", Type: TypeInfo, Content: "2"})

	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}
