package runner

import (
	"github.com/agentcore/agentcore/internal/domain"
	"github.com/agentcore/agentcore/pkg/logger"
)

// Restore implements spec §4.E.10: on startup after a restart, refuses
// outright if a tombstone is present; otherwise re-inserts every
// persisted Agent with a null process handle, re-ensures its
// workspace, and marks it restored (or leaves an already-terminal
// error status alone) since the supervising process is necessarily
// gone. Restored agents can still receive messages and be assigned
// tasks because they carry a sessionId.
func (m *Manager) Restore() error {
	if m.persist.HasTombstone() {
		logger.Warn("runner: restore refused, tombstone present")
		return nil
	}

	states, err := m.persist.LoadAllAgentStates()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, agent := range states {
		if agent.Status != domain.StatusError {
			agent.Status = domain.StatusRestored
		}

		if _, err := m.workspace.EnsureWorkspace(agent.Name, agent.ID); err != nil {
			logger.Warn("runner: re-ensure workspace failed during restore", logger.FieldAgentID, agent.ID, logger.FieldError, err)
		}

		m.agents[agent.ID] = agent
		m.processes[agent.ID] = newAgentProcess(agent)
		if err := m.persist.SaveAgentState(agent.Clone()); err != nil {
			logger.Warn("runner: save state failed during restore", logger.FieldAgentID, agent.ID, logger.FieldError, err)
		}
		logger.Info("runner: restored agent", logger.FieldAgentID, agent.ID, logger.FieldStatus, string(agent.Status))
	}
	return nil
}
