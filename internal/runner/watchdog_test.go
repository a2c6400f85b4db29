package runner

import (
	"testing"
	"time"

	"github.com/agentcore/agentcore/internal/domain"
)

func TestWatchdogDetectsStartTimeout(t *testing.T) {
	m, _, _ := newTestManager()
	m.cfg.StartTimeout = time.Millisecond
	agent := &domain.Agent{ID: "a1", Status: domain.StatusStarting, CreatedAt: time.Now().Add(-time.Hour)}
	proc := newAgentProcess(agent)
	m.agents[agent.ID] = agent
	m.processes[agent.ID] = proc

	m.watchdogCheckOne(agent.ID)

	if agent.Status != domain.StatusError {
		t.Fatalf("status = %v, want error after start timeout", agent.Status)
	}
}

func TestWatchdogDetectsDeadProcess(t *testing.T) {
	m, _, _ := newTestManager()
	agent := &domain.Agent{ID: "a1", Status: domain.StatusRunning}
	proc := newAgentProcess(agent)
	code := 0
	proc.exited = true
	proc.exitCode = &code
	m.agents[agent.ID] = agent
	m.processes[agent.ID] = proc

	var idleNotified bool
	m.onIdle = func(string) { idleNotified = true }

	m.watchdogCheckOne(agent.ID)

	if agent.Status != domain.StatusIdle {
		t.Fatalf("status = %v, want idle for a clean-exit dead process", agent.Status)
	}
	if !idleNotified {
		t.Fatal("onIdle was not invoked for a clean-exit dead process")
	}
}

func TestWatchdogDetectsDeadProcessWithError(t *testing.T) {
	m, _, _ := newTestManager()
	agent := &domain.Agent{ID: "a1", Status: domain.StatusRunning}
	proc := newAgentProcess(agent)
	code := 1
	proc.exited = true
	proc.exitCode = &code
	m.agents[agent.ID] = agent
	m.processes[agent.ID] = proc

	m.watchdogCheckOne(agent.ID)

	if agent.Status != domain.StatusError {
		t.Fatalf("status = %v, want error for a non-zero exit", agent.Status)
	}
}

func TestWatchdogMarksStalledBeforeErrorCap(t *testing.T) {
	m, _, _ := newTestManager()
	m.cfg.StallThreshold = time.Millisecond
	m.cfg.MaxStallCount = 3
	agent := &domain.Agent{ID: "a1", Status: domain.StatusRunning, LastActivity: time.Now().Add(-time.Hour)}
	proc := newAgentProcess(agent)
	m.agents[agent.ID] = agent
	m.processes[agent.ID] = proc

	m.watchdogCheckOne(agent.ID)

	if agent.Status != domain.StatusStalled {
		t.Fatalf("status = %v, want stalled on first stall detection", agent.Status)
	}
	if agent.StallCount != 1 {
		t.Fatalf("stallCount = %d, want 1", agent.StallCount)
	}
}

func TestWatchdogEscalatesToErrorAtMaxStallCount(t *testing.T) {
	m, _, _ := newTestManager()
	m.cfg.StallThreshold = time.Millisecond
	m.cfg.MaxStallCount = 2
	agent := &domain.Agent{
		ID:           "a1",
		Status:       domain.StatusRunning,
		LastActivity: time.Now().Add(-time.Hour),
		StallCount:   1,
	}
	proc := newAgentProcess(agent)
	m.agents[agent.ID] = agent
	m.processes[agent.ID] = proc

	m.watchdogCheckOne(agent.ID)

	if agent.Status != domain.StatusError {
		t.Fatalf("status = %v, want error once stallCount reaches MaxStallCount", agent.Status)
	}
}

func TestWatchdogCandidatesSkipsTerminalish(t *testing.T) {
	m, _, _ := newTestManager()
	m.agents["a1"] = &domain.Agent{ID: "a1", Status: domain.StatusDestroying}
	m.agents["a2"] = &domain.Agent{ID: "a2", Status: domain.StatusRunning}

	candidates := m.watchdogCandidates()
	if len(candidates) != 1 || candidates[0] != "a2" {
		t.Fatalf("candidates = %v, want [a2]", candidates)
	}
}
