package runner

import (
	"time"

	"github.com/agentcore/agentcore/internal/domain"
	"github.com/agentcore/agentcore/pkg/logger"
	"github.com/agentcore/agentcore/pkg/util"
)

// StartWatchdog runs the periodic health sweep (spec §4.E.7) until
// stop is closed. Grounded on the teacher's monitor/patrol.go ticker
// loop, adapted from stagnation-fingerprint detection to stall-count
// based detection.
func (m *Manager) StartWatchdog(stop <-chan struct{}) {
	m.watchdogStop = make(chan struct{})
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	util.SafeGo(func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-m.watchdogStop:
				return
			case <-ticker.C:
				m.watchdogTick()
			}
		}
	})
}

// StopWatchdog halts a previously started watchdog loop.
func (m *Manager) StopWatchdog() {
	if m.watchdogStop != nil {
		close(m.watchdogStop)
	}
}

func (m *Manager) watchdogTick() {
	for _, id := range m.watchdogCandidates() {
		m.watchdogCheckOne(id)
	}
	m.SweepOrphans()
}

// watchdogCandidates snapshots agent ids not under a lifecycle lock and
// not in a status the watchdog must leave alone.
func (m *Manager) watchdogCandidates() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.agents))
	for id, a := range m.agents {
		if a.Status.Terminalish() {
			continue
		}
		if m.lockHeld(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// lockHeld reports whether id's lifecycle lock is currently held,
// without blocking — TryLock returns false if another goroutine holds
// it, which we immediately release-undo since we only need the read.
func (m *Manager) lockHeld(id string) bool {
	lock := m.lockFor(id)
	if lock.mu.TryLock() {
		lock.mu.Unlock()
		return false
	}
	return true
}

func (m *Manager) watchdogCheckOne(id string) {
	m.mu.RLock()
	agent, ok := m.agents[id]
	proc := m.processes[id]
	m.mu.RUnlock()
	if !ok || proc == nil {
		return
	}

	proc.mu.Lock()
	exited := proc.exited
	proc.mu.Unlock()

	now := time.Now()

	// Dead process: exited but status still says running.
	if exited && agent.Status == domain.StatusRunning {
		proc.mu.Lock()
		code := 0
		if proc.exitCode != nil {
			code = *proc.exitCode
		}
		proc.mu.Unlock()
		if code == 0 {
			m.setStatus(id, domain.StatusIdle)
			if m.onIdle != nil {
				m.onIdle(id)
			}
		} else {
			m.setStatus(id, domain.StatusError)
		}
		return
	}

	// Start timeout.
	if agent.Status == domain.StatusStarting && now.Sub(agent.CreatedAt) > m.cfg.StartTimeout {
		m.setStatus(id, domain.StatusError)
		return
	}

	// Stall: running, alive, no activity for StallThreshold.
	if agent.Status == domain.StatusRunning && !exited && now.Sub(agent.LastActivity) > m.cfg.StallThreshold {
		m.mu.Lock()
		agent.StallCount++
		count := agent.StallCount
		m.mu.Unlock()

		if count >= m.cfg.MaxStallCount {
			m.setStatus(id, domain.StatusError)
			return
		}

		m.setStatus(id, domain.StatusStalled)
		m.recordEvent(id, domain.StreamEvent{
			Type:    domain.EventSystem,
			Subtype: domain.SubtypeWatchdog,
			Hint:    "agent has produced no output in a while; consider messaging it or destroying and retrying",
		})
		if m.onIdle != nil {
			m.onIdle(id)
		}
		logger.Warn("runner: agent stalled", logger.FieldAgentID, id, logger.FieldCount, count)
	}
}
