package runner

import (
	"testing"

	"github.com/agentcore/agentcore/internal/domain"
)

func TestRestoreRefusesWithTombstone(t *testing.T) {
	m, p, _ := newTestManager()
	p.tombstoned = true
	_ = p.SaveAgentState(&domain.Agent{ID: "a1", Status: domain.StatusRunning, SessionID: "s1"})

	if err := m.Restore(); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if _, ok := m.Get("a1"); ok {
		t.Fatal("Restore() inserted an agent despite a tombstone being present")
	}
}

func TestRestoreMarksRunningAsRestoredButKeepsError(t *testing.T) {
	m, p, ws := newTestManager()
	_ = p.SaveAgentState(&domain.Agent{ID: "a1", Status: domain.StatusRunning, SessionID: "s1", Name: "worker"})
	_ = p.SaveAgentState(&domain.Agent{ID: "a2", Status: domain.StatusError, SessionID: "s2", Name: "worker2"})

	if err := m.Restore(); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	a1, ok := m.Get("a1")
	if !ok || a1.Status != domain.StatusRestored {
		t.Fatalf("a1 status = %v, ok=%v, want restored", a1, ok)
	}
	if !a1.Status.Deliverable() {
		t.Fatal("restored agent a1 is not deliverable, want messages to be deliverable per sessionId")
	}
	a2, ok := m.Get("a2")
	if !ok || a2.Status != domain.StatusError {
		t.Fatalf("a2 status = %v, ok=%v, want error preserved", a2, ok)
	}
	if ws.ensured["a1"] == "" {
		t.Fatal("workspace was not re-ensured for restored agent a1")
	}
}

func TestRestoreAgentIsAssignableByOrchestrator(t *testing.T) {
	m, p, _ := newTestManager()
	_ = p.SaveAgentState(&domain.Agent{ID: "a1", Status: domain.StatusRunning, SessionID: "s1", Name: "worker"})

	if err := m.Restore(); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	assignable := m.IdleOrRestoredWithSession()
	found := false
	for _, a := range assignable {
		if a.ID == "a1" {
			found = true
		}
	}
	if !found {
		t.Fatal("restored agent a1 not present in IdleOrRestoredWithSession(), orchestrator could never assign it a task")
	}

	if !m.CanDeliver("a1") {
		t.Fatal("CanDeliver(a1) = false for a restored agent with a session")
	}
}
