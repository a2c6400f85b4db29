package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentcore/agentcore/internal/bus"
	"github.com/agentcore/agentcore/internal/domain"
)

// fakeRunner implements Runner with a small scripted agent map.
type fakeRunner struct {
	mu          sync.Mutex
	agents      map[string]*domain.Agent
	delivering  map[string]bool
	messages    []string // agentID:prompt
	messageErr  error
	interrupts  map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{agents: make(map[string]*domain.Agent), delivering: make(map[string]bool), interrupts: make(map[string]bool)}
}

func (f *fakeRunner) CanDeliver(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok || !a.Status.Deliverable() || a.SessionID == "" || f.delivering[id] {
		return false
	}
	f.delivering[id] = true
	return true
}

func (f *fakeRunner) DeliveryDone(id string) {
	f.mu.Lock()
	delete(f.delivering, id)
	f.mu.Unlock()
}

func (f *fakeRunner) CanInterrupt(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts[id]
}

func (f *fakeRunner) Message(ctx context.Context, id, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, id+":"+prompt)
	return f.messageErr
}

func (f *fakeRunner) Get(id string) (*domain.Agent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	return a, ok
}

func (f *fakeRunner) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeRunner) lastMessage() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1]
}

func (f *fakeRunner) isDelivering(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivering[id]
}

// fakeKillSwitch implements KillSwitch.
type fakeKillSwitch struct{ killed bool }

func (f *fakeKillSwitch) IsKilled() bool { return f.killed }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestOnPostDeliversDirectMessageToIdleAgent(t *testing.T) {
	r := newFakeRunner()
	r.agents["agent-1"] = &domain.Agent{ID: "agent-1", Status: domain.StatusIdle, SessionID: "s1"}
	b := bus.New()
	s := New(DefaultConfig(), r, b, &fakeKillSwitch{})
	s.Attach()

	b.Post(bus.PostRequest{From: "peer", To: "agent-1", Type: bus.TypeInfo, Content: "hello"})

	waitFor(t, func() bool { return r.messageCount() == 1 })
	if !containsStr(r.lastMessage(), "hello") {
		t.Fatalf("lastMessage = %q, want it to contain the post content", r.lastMessage())
	}
	waitFor(t, func() bool { return !r.isDelivering("agent-1") })
}

func TestOnPostIgnoresBroadcast(t *testing.T) {
	r := newFakeRunner()
	r.agents["agent-1"] = &domain.Agent{ID: "agent-1", Status: domain.StatusIdle, SessionID: "s1"}
	b := bus.New()
	s := New(DefaultConfig(), r, b, &fakeKillSwitch{})
	s.Attach()

	b.Post(bus.PostRequest{From: "peer", Type: bus.TypeInfo, Content: "broadcast"})

	time.Sleep(20 * time.Millisecond)
	if r.messageCount() != 0 {
		t.Fatalf("messageCount = %d, want 0 for a broadcast post", r.messageCount())
	}
}

func TestOnPostIgnoresStatusType(t *testing.T) {
	r := newFakeRunner()
	r.agents["agent-1"] = &domain.Agent{ID: "agent-1", Status: domain.StatusIdle, SessionID: "s1"}
	b := bus.New()
	s := New(DefaultConfig(), r, b, &fakeKillSwitch{})
	s.Attach()

	b.Post(bus.PostRequest{From: "peer", To: "agent-1", Type: bus.TypeStatus, Content: "status update"})

	time.Sleep(20 * time.Millisecond)
	if r.messageCount() != 0 {
		t.Fatalf("messageCount = %d, want 0 for a status-typed post", r.messageCount())
	}
}

func TestOnPostInterruptBypassesCanDeliver(t *testing.T) {
	r := newFakeRunner()
	r.agents["agent-1"] = &domain.Agent{ID: "agent-1", Status: domain.StatusRunning, SessionID: "s1"}
	r.interrupts["agent-1"] = true
	b := bus.New()
	s := New(DefaultConfig(), r, b, &fakeKillSwitch{})
	s.Attach()

	b.Post(bus.PostRequest{From: "peer", To: "agent-1", Type: bus.TypeInterrupt, Content: "stop"})

	waitFor(t, func() bool { return r.messageCount() == 1 })
	if !containsStr(r.lastMessage(), "interrupt") {
		t.Fatalf("lastMessage = %q, want the interrupt header", r.lastMessage())
	}
}

func TestOnAgentIdleDeliversOldestActionableMessage(t *testing.T) {
	r := newFakeRunner()
	r.agents["agent-1"] = &domain.Agent{ID: "agent-1", Status: domain.StatusIdle, SessionID: "s1", Role: "worker"}
	b := bus.New()
	b.Post(bus.PostRequest{From: "peer", To: "agent-1", Type: bus.TypeStatus, Content: "status"})
	b.Post(bus.PostRequest{From: "peer", To: "agent-1", Type: bus.TypeTask, Content: "do work"})

	cfg := Config{SettleDelay: 5 * time.Millisecond}
	s := New(cfg, r, b, &fakeKillSwitch{})
	s.OnAgentIdle("agent-1")

	waitFor(t, func() bool { return r.messageCount() == 1 })
	if !containsStr(r.lastMessage(), "do work") {
		t.Fatalf("lastMessage = %q, want the task message (status skipped)", r.lastMessage())
	}
}

func TestOnAgentIdleSkipsWhenKillSwitchActive(t *testing.T) {
	r := newFakeRunner()
	r.agents["agent-1"] = &domain.Agent{ID: "agent-1", Status: domain.StatusIdle, SessionID: "s1"}
	b := bus.New()
	b.Post(bus.PostRequest{From: "peer", To: "agent-1", Type: bus.TypeTask, Content: "do work"})

	cfg := Config{SettleDelay: 5 * time.Millisecond}
	s := New(cfg, r, b, &fakeKillSwitch{killed: true})
	s.OnAgentIdle("agent-1")

	time.Sleep(30 * time.Millisecond)
	if r.messageCount() != 0 {
		t.Fatalf("messageCount = %d, want 0 with kill switch active", r.messageCount())
	}
}

func TestOnAgentIdleDebouncesRapidReIdle(t *testing.T) {
	r := newFakeRunner()
	r.agents["agent-1"] = &domain.Agent{ID: "agent-1", Status: domain.StatusIdle, SessionID: "s1"}
	b := bus.New()
	b.Post(bus.PostRequest{From: "peer", To: "agent-1", Type: bus.TypeTask, Content: "do work"})

	cfg := Config{SettleDelay: 30 * time.Millisecond}
	s := New(cfg, r, b, &fakeKillSwitch{})
	s.OnAgentIdle("agent-1")
	time.Sleep(10 * time.Millisecond)
	s.OnAgentIdle("agent-1") // resets the settle timer

	time.Sleep(25 * time.Millisecond)
	if r.messageCount() != 0 {
		t.Fatalf("messageCount = %d, want 0 before the debounced settle delay elapses", r.messageCount())
	}
	waitFor(t, func() bool { return r.messageCount() == 1 })
}

func containsStr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
