package runner

import (
	"context"
	"os"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentcore/agentcore/internal/domain"
	apperrors "github.com/agentcore/agentcore/pkg/errors"
	"github.com/agentcore/agentcore/pkg/logger"
)

// killEscalation is the SIGTERM -> SIGKILL grace window applied to a
// process group (spec §4.E.4, §4.E.9).
const killEscalation = 5 * time.Second

// signalGroup sends sig to the process group rooted at pid, tolerating
// a process that has already exited.
func signalGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, sig); err != nil && err != syscall.ESRCH {
		logger.Warn("runner: signal process group failed", logger.FieldPID, pid, logger.FieldError, err)
	}
}

// killProcessGroup sends SIGTERM, polls the group leader's liveness for
// up to killEscalation, then SIGKILLs if it is still alive.
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	signalGroup(pid, syscall.SIGTERM)
	deadline := time.Now().Add(killEscalation)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return // leader gone
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := syscall.Kill(pid, 0); err == nil {
		signalGroup(pid, syscall.SIGKILL)
	}
}

// CanDeliver implements spec §4.E.5: true iff the agent exists, no
// delivery is already in flight, status is deliverable, and a session
// has been captured. On true it atomically reserves the slot; callers
// must call DeliveryDone afterwards.
func (m *Manager) CanDeliver(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || !a.Status.Deliverable() || a.SessionID == "" {
		return false
	}
	m.deliveringMu.Lock()
	defer m.deliveringMu.Unlock()
	if m.delivering[id] {
		return false
	}
	m.delivering[id] = true
	return true
}

// DeliveryDone releases the delivery reservation taken by CanDeliver.
func (m *Manager) DeliveryDone(id string) {
	m.deliveringMu.Lock()
	delete(m.delivering, id)
	m.deliveringMu.Unlock()
}

// CanInterrupt implements spec §4.E.5: status running/starting with a
// live process and a captured session.
func (m *Manager) CanInterrupt(id string) bool {
	m.mu.RLock()
	a, ok := m.agents[id]
	proc := m.processes[id]
	m.mu.RUnlock()
	if !ok || proc == nil || !a.Status.Interruptible() || a.SessionID == "" {
		return false
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	return !proc.exited
}

// Message implements spec §4.E.4: resumes an existing session with a
// new prompt, serialized onto the agent's lifecycle lock so a
// concurrent message/destroy cannot race.
func (m *Manager) Message(ctx context.Context, id, prompt string) error {
	if m.killsw != nil && m.killsw.IsKilled() {
		return apperrors.Wrap(apperrors.ErrPreconditionFailed, "runner.Message", "kill switch active")
	}

	m.mu.RLock()
	agent := m.agents[id]
	proc := m.processes[id]
	m.mu.RUnlock()
	if agent == nil || proc == nil {
		return apperrors.Wrap(apperrors.ErrNotFound, "runner.Message", "agent not found")
	}
	if agent.SessionID == "" {
		return apperrors.Wrap(apperrors.ErrPreconditionFailed, "runner.Message", "agent has no session to resume")
	}
	if agent.Status == domain.StatusKilling {
		return apperrors.Wrap(apperrors.ErrPreconditionFailed, "runner.Message", "agent is being killed")
	}

	lock := m.lockFor(id)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	proc.mu.Lock()
	oldPID := proc.pid
	oldExited := proc.exited
	proc.listeners = make(map[int]listener) // detach before signalling
	proc.mu.Unlock()

	if oldPID > 0 && !oldExited {
		killProcessGroup(oldPID)
	}

	m.setStatus(id, domain.StatusRunning)

	if _, err := m.workspace.EnsureWorkspace(agent.Name, id); err != nil {
		return apperrors.Wrap(err, "runner.Message", "re-ensure workspace")
	}

	m.recordEvent(id, domain.StreamEvent{Type: domain.EventUserPrompt, Text: prompt})
	return m.spawn(ctx, id, prompt, agent.SessionID)
}

// Pause implements spec §4.E.8.
func (m *Manager) Pause(id string) error {
	m.mu.RLock()
	proc := m.processes[id]
	m.mu.RUnlock()
	if proc == nil {
		return apperrors.Wrap(apperrors.ErrNotFound, "runner.Pause", "agent not found")
	}
	proc.mu.Lock()
	pid := proc.pid
	proc.mu.Unlock()
	signalGroup(pid, syscall.SIGSTOP)
	m.setStatus(id, domain.StatusPaused)
	return nil
}

// Resume implements spec §4.E.8: continues a stopped process group, or
// if the process exited while paused (zombie), flips status to idle so
// the next message respawns via --resume.
func (m *Manager) Resume(id string) error {
	m.mu.RLock()
	proc := m.processes[id]
	m.mu.RUnlock()
	if proc == nil {
		return apperrors.Wrap(apperrors.ErrNotFound, "runner.Resume", "agent not found")
	}

	proc.mu.Lock()
	exited := proc.exited
	pid := proc.pid
	if exited {
		proc.pausedZombie = true
	}
	proc.mu.Unlock()

	if exited {
		m.setStatus(id, domain.StatusIdle)
		if m.onIdle != nil {
			m.onIdle(id)
		}
		return nil
	}

	signalGroup(pid, syscall.SIGCONT)
	m.setStatus(id, domain.StatusRunning)
	return nil
}

// Destroy implements spec §4.E.9's non-nuclear path.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	agent, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrNotFound, "runner.Destroy", "agent not found")
	}
	agent.Status = domain.StatusDestroying
	delete(m.agents, id)
	proc := m.processes[id]
	delete(m.processes, id)
	m.mu.Unlock()

	m.deliveringMu.Lock()
	delete(m.delivering, id)
	m.deliveringMu.Unlock()

	lock := m.lockFor(id)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	var attached []listener
	if proc != nil {
		proc.mu.Lock()
		if len(proc.persistBatch) > 0 {
			_ = m.persist.AppendEvents(id, proc.persistBatch)
			proc.persistBatch = nil
		}
		pid := proc.pid
		exited := proc.exited
		for _, l := range proc.listeners {
			attached = append(attached, l)
		}
		proc.listeners = make(map[int]listener)
		proc.mu.Unlock()

		if pid > 0 && !exited {
			killProcessGroup(pid)
		}
	}

	m.recordDestroyedBroadcast(id)
	for _, l := range attached {
		cb := l.cb
		safeNotify(func() { cb(domain.StreamEvent{Type: domain.EventDestroyed}) })
	}

	if err := m.workspace.Remove(id); err != nil {
		logger.Warn("runner: remove workspace failed", logger.FieldAgentID, id, logger.FieldError, err)
	}
	if err := m.persist.RemoveEvents(id); err != nil {
		logger.Warn("runner: remove event log failed", logger.FieldAgentID, id, logger.FieldError, err)
	}
	if err := m.persist.RemoveAgentState(id); err != nil {
		logger.Warn("runner: remove agent state failed", logger.FieldAgentID, id, logger.FieldError, err)
	}
	return nil
}

// recordDestroyedBroadcast reports a synthetic destroyed event through
// the manager-wide onEvent hook; Destroy delivers the same event to
// the per-agent listeners it detached.
func (m *Manager) recordDestroyedBroadcast(id string) {
	if m.onEvent != nil {
		safeNotify(func() { m.onEvent(id, domain.StreamEvent{Type: domain.EventDestroyed}) })
	}
}

// Dispose implements spec §4.E.9's graceful shutdown path: flush
// everything, kill every tracked process, clear the maps, but leave
// state files on disk so a subsequent start restores them.
func (m *Manager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			m.mu.RLock()
			proc := m.processes[id]
			m.mu.RUnlock()
			if proc == nil {
				return nil
			}
			m.flushEventBatch(id)
			proc.mu.Lock()
			pid := proc.pid
			exited := proc.exited
			proc.mu.Unlock()
			if pid > 0 && !exited {
				killProcessGroup(pid)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.agents = make(map[string]*domain.Agent)
	m.processes = make(map[string]*AgentProcess)
	m.mu.Unlock()
	return nil
}

// EmergencyDestroyAll implements spec §4.E.9's nuclear path: it
// fire-and-forget SIGKILLs every tracked process group (falling back
// to the bare PID), deletes all durable state, writes the tombstone,
// then sweeps the process table for untracked processes whose command
// line contains cfg.AgentCommand. A second sweep runs 500ms later for
// processes born mid-kill. It does not activate the kill switch
// itself, and processes that do not match cfg.AgentCommand (shells,
// git, http clients started by an agent) are not killed.
func (m *Manager) EmergencyDestroyAll(reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.processes))
	pids := make([]int, 0, len(m.processes))
	for id, proc := range m.processes {
		ids = append(ids, id)
		proc.mu.Lock()
		pids = append(pids, proc.pid)
		proc.listeners = make(map[int]listener)
		proc.mu.Unlock()
	}
	m.agents = make(map[string]*domain.Agent)
	m.processes = make(map[string]*AgentProcess)
	m.mu.Unlock()

	for i, pid := range pids {
		if pid > 0 {
			if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
				_ = syscall.Kill(pid, syscall.SIGKILL)
			}
		}
		id := ids[i]
		if err := m.persist.RemoveEvents(id); err != nil {
			logger.Warn("runner: emergency remove events failed", logger.FieldAgentID, id, logger.FieldError, err)
		}
		if err := m.persist.RemoveAgentState(id); err != nil {
			logger.Warn("runner: emergency remove state failed", logger.FieldAgentID, id, logger.FieldError, err)
		}
	}

	if err := m.persist.WriteTombstone(reason); err != nil {
		logger.Error("runner: write tombstone failed", logger.FieldError, err, logger.FieldReason, reason)
	}

	sweepOrphanProcesses(m.cfg.AgentCommand, pids)
	time.AfterFunc(500*time.Millisecond, func() {
		sweepOrphanProcesses(m.cfg.AgentCommand, nil)
	})
}

// SweepOrphans runs one orphan-process sweep against the live process
// table: every currently tracked PID is exempt, everything else
// matching cfg.AgentCommand is killed. Exported so internal/recovery
// can call it at startup and the watchdog can call it every tick,
// beyond the fire-and-forget sweep EmergencyDestroyAll already does.
func (m *Manager) SweepOrphans() {
	m.mu.RLock()
	pids := make([]int, 0, len(m.processes))
	for _, proc := range m.processes {
		proc.mu.Lock()
		pids = append(pids, proc.pid)
		proc.mu.Unlock()
	}
	m.mu.RUnlock()
	sweepOrphanProcesses(m.cfg.AgentCommand, pids)
}

// sweepOrphanProcesses lists running processes and SIGKILLs any whose
// command line contains agentCommand and whose PID is not in the
// tracked set, catching children spawned by an agent but not
// registered with the manager. Init, this process and processes that
// do not match agentCommand are never killed.
func sweepOrphanProcesses(agentCommand string, tracked []int) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return
	}
	trackedSet := make(map[int]bool, len(tracked))
	for _, p := range tracked {
		trackedSet[p] = true
	}
	self := os.Getpid()
	for _, e := range entries {
		pid, err := parsePID(e.Name())
		if err != nil || pid <= 1 || pid == self || trackedSet[pid] {
			continue
		}
		cmdline, err := os.ReadFile("/proc/" + e.Name() + "/cmdline")
		if err != nil {
			continue
		}
		if matchesCommand(cmdline, agentCommand) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
}

func parsePID(name string) (int, error) {
	n := 0
	if name == "" {
		return 0, os.ErrInvalid
	}
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func matchesCommand(cmdline []byte, agentCommand string) bool {
	if agentCommand == "" {
		return false
	}
	return indexOfStr(string(cmdline), agentCommand) >= 0
}
