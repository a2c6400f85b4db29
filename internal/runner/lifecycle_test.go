package runner

import (
	"sync"
	"testing"
	"time"

	"github.com/agentcore/agentcore/internal/domain"
)

func TestCanDeliverReservesAndGates(t *testing.T) {
	m, _, _ := newTestManager()
	agent := &domain.Agent{ID: "a1", Status: domain.StatusIdle, SessionID: "s1"}
	m.agents[agent.ID] = agent

	if !m.CanDeliver(agent.ID) {
		t.Fatal("CanDeliver() = false, want true for idle agent with a session")
	}
	if m.CanDeliver(agent.ID) {
		t.Fatal("CanDeliver() = true on second call, want false (already reserved)")
	}
	m.DeliveryDone(agent.ID)
	if !m.CanDeliver(agent.ID) {
		t.Fatal("CanDeliver() = false after DeliveryDone(), want true")
	}
}

func TestCanDeliverFalseWithoutSession(t *testing.T) {
	m, _, _ := newTestManager()
	agent := &domain.Agent{ID: "a1", Status: domain.StatusIdle}
	m.agents[agent.ID] = agent
	if m.CanDeliver(agent.ID) {
		t.Fatal("CanDeliver() = true for an agent with no sessionId")
	}
}

func TestCanDeliverFalseForRunningAgent(t *testing.T) {
	m, _, _ := newTestManager()
	agent := &domain.Agent{ID: "a1", Status: domain.StatusRunning, SessionID: "s1"}
	m.agents[agent.ID] = agent
	if m.CanDeliver(agent.ID) {
		t.Fatal("CanDeliver() = true for a running agent")
	}
}

func TestCanInterruptRequiresLiveProcessAndSession(t *testing.T) {
	m, _, _ := newTestManager()
	agent := &domain.Agent{ID: "a1", Status: domain.StatusRunning, SessionID: "s1"}
	proc := newAgentProcess(agent)
	m.agents[agent.ID] = agent
	m.processes[agent.ID] = proc

	if !m.CanInterrupt(agent.ID) {
		t.Fatal("CanInterrupt() = false for a running agent with a live process and session")
	}

	proc.mu.Lock()
	proc.exited = true
	proc.mu.Unlock()

	if m.CanInterrupt(agent.ID) {
		t.Fatal("CanInterrupt() = true for an exited process")
	}
}

func TestDedupRejectsWithinWindow(t *testing.T) {
	m, _, _ := newTestManager()
	if _, dup := m.reserveDedup("parent-1", "worker"); dup {
		t.Fatal("reserveDedup() = true on first reservation, want false")
	}

	if _, dup := m.reserveDedup("parent-1", "worker"); !dup {
		t.Fatal("reserveDedup() = false within the dedup window, want true")
	}
	if _, dup := m.reserveDedup("parent-1", "other-name"); dup {
		t.Fatal("reserveDedup() = true for a distinct name, want false")
	}
}

func TestDedupExpiresAfterWindow(t *testing.T) {
	m, _, _ := newTestManager()
	m.cfg.DedupWindow = 10 * time.Millisecond
	m.reserveDedup("parent-1", "worker")
	time.Sleep(20 * time.Millisecond)

	if _, dup := m.reserveDedup("parent-1", "worker"); dup {
		t.Fatal("reserveDedup() = true after the dedup window elapsed, want false")
	}
}

func TestReserveDedupReleaseAllowsRetry(t *testing.T) {
	m, _, _ := newTestManager()
	if _, dup := m.reserveDedup("parent-1", "worker"); dup {
		t.Fatal("reserveDedup() = true on first reservation, want false")
	}
	m.releaseDedup("parent-1", "worker")

	if _, dup := m.reserveDedup("parent-1", "worker"); dup {
		t.Fatal("reserveDedup() = true after releaseDedup, want false")
	}
}

func TestReserveDedupIsAtomicUnderConcurrency(t *testing.T) {
	m, _, _ := newTestManager()
	const attempts = 50

	results := make(chan bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dup := m.reserveDedup("parent-1", "worker")
			results <- !dup
		}()
	}
	wg.Wait()
	close(results)

	reserved := 0
	for ok := range results {
		if ok {
			reserved++
		}
	}
	if reserved != 1 {
		t.Fatalf("reservations succeeded = %d, want exactly 1 across %d concurrent callers", reserved, attempts)
	}
}

func TestDestroyRemovesAgentAndState(t *testing.T) {
	m, p, ws := newTestManager()
	agent := &domain.Agent{ID: "a1", Status: domain.StatusIdle}
	proc := newAgentProcess(agent)
	m.agents[agent.ID] = agent
	m.processes[agent.ID] = proc
	_ = p.SaveAgentState(agent)

	if err := m.Destroy(agent.ID); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	if _, ok := m.Get(agent.ID); ok {
		t.Fatal("agent still present in Get() after Destroy")
	}
	if !ws.removed[agent.ID] {
		t.Fatal("workspace was not removed on Destroy")
	}
	if _, ok := p.states[agent.ID]; ok {
		t.Fatal("persisted state was not removed on Destroy")
	}
}

func TestDestroyUnknownAgentReturnsError(t *testing.T) {
	m, _, _ := newTestManager()
	if err := m.Destroy("missing"); err == nil {
		t.Fatal("Destroy() error = nil for an unknown agent id, want an error")
	}
}

func TestResumeRespawnsZombieAsIdle(t *testing.T) {
	m, _, _ := newTestManager()
	agent := &domain.Agent{ID: "a1", Status: domain.StatusPaused}
	proc := newAgentProcess(agent)
	proc.exited = true
	m.agents[agent.ID] = agent
	m.processes[agent.ID] = proc

	var idleNotified bool
	m.onIdle = func(string) { idleNotified = true }

	if err := m.Resume(agent.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if agent.Status != domain.StatusIdle {
		t.Fatalf("status = %v, want idle for a zombie resume", agent.Status)
	}
	if !idleNotified {
		t.Fatal("onIdle callback was not invoked for zombie resume")
	}
}
