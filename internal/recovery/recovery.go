// Package recovery orchestrates the startup and shutdown sequence
// that spans the persistence store, the agent supervisor, the
// workspace provisioner and the kill switch (spec §4.J): restore
// persisted agents, sweep orphaned processes, prune stale workspace
// directories, then run the watchdog and the kill switch's remote poll
// loop until a graceful or emergency teardown is requested.
//
// Grounded on the teacher's internal/monitor/patrol.go Start (ticker
// goroutine wiring) and internal/runner/manager.go's
// CleanOrphanedProcesses (startup sweep called once before the server
// begins accepting work), generalized here into one orchestration
// point instead of being scattered across main().
package recovery

import (
	"context"
	"sync"

	"github.com/agentcore/agentcore/internal/domain"
	"github.com/agentcore/agentcore/pkg/logger"
)

// Runner is the subset of *runner.Manager recovery needs.
type Runner interface {
	Restore() error
	SweepOrphans()
	List() []*domain.Agent
	StartWatchdog(stop <-chan struct{})
	StopWatchdog()
	Dispose(ctx context.Context) error
	EmergencyDestroyAll(reason string)
}

// PersistStore is the subset of *persist.Store recovery needs.
type PersistStore interface {
	CleanupStaleState() error
}

// Workspace is the subset of *workspace.Provisioner recovery needs.
type Workspace interface {
	PruneStale(liveIDs map[string]bool) (int, error)
}

// KillSwitch is the subset of *killswitch.Switch recovery needs.
type KillSwitch interface {
	LoadPersistedState(ctx context.Context) error
	IsKilled() bool
	Activate(ctx context.Context, reason string) error
	StartPoll(ctx context.Context, onRemoteActivation func(reason string))
	Stop()
}

// Service coordinates the startup/shutdown sequence. It owns no state
// of its own beyond a teardown guard; all durable state lives in the
// collaborators it wires together.
type Service struct {
	runner    Runner
	persist   PersistStore
	workspace Workspace
	killsw    KillSwitch

	stopCh        chan struct{}
	emergencyOnce sync.Once
}

// New creates a recovery Service over its collaborators.
func New(runner Runner, persist PersistStore, ws Workspace, killsw KillSwitch) *Service {
	return &Service{runner: runner, persist: persist, workspace: ws, killsw: killsw, stopCh: make(chan struct{})}
}

// Start runs the full startup sequence and then launches the
// supervisor's watchdog and the kill switch's remote poll loop, both
// of which keep running until ctx is done or Stop is called. Any
// remote-activation discovered by the poll loop is escalated to
// EmergencyShutdown so a kill switch flipped from another host tears
// down this process's agents too (spec §7 "kill switch remote
// activation ... emergency shutdown").
func (s *Service) Start(ctx context.Context) error {
	if err := s.killsw.LoadPersistedState(ctx); err != nil {
		logger.Warn("recovery: load persisted kill switch state failed", logger.FieldError, err)
	}
	if s.killsw.IsKilled() {
		logger.Error("recovery: kill switch already active at startup, skipping restore")
	} else if err := s.runner.Restore(); err != nil {
		logger.Error("recovery: restore agents failed", logger.FieldError, err)
	}

	s.runner.SweepOrphans()

	if err := s.persist.CleanupStaleState(); err != nil {
		logger.Warn("recovery: cleanup stale persisted state failed", logger.FieldError, err)
	}

	s.pruneStaleWorkspaces()

	s.runner.StartWatchdog(s.stopCh)
	s.killsw.StartPoll(ctx, func(reason string) {
		s.EmergencyShutdown(context.Background(), "kill switch remote activation: "+reason)
	})
	return nil
}

func (s *Service) pruneStaleWorkspaces() {
	live := make(map[string]bool)
	for _, a := range s.runner.List() {
		live[a.ID] = true
	}
	removed, err := s.workspace.PruneStale(live)
	if err != nil {
		logger.Warn("recovery: prune stale workspaces failed", logger.FieldError, err)
		return
	}
	if removed > 0 {
		logger.Info("recovery: pruned stale workspace directories", logger.FieldCount, removed)
	}
}

// Stop performs a graceful teardown: stop the watchdog and kill switch
// poll loop, then dispose of the supervisor, which flushes state but
// preserves it for the next restore (spec §4.E.dispose).
func (s *Service) Stop(ctx context.Context) error {
	close(s.stopCh)
	s.runner.StopWatchdog()
	s.killsw.Stop()
	return s.runner.Dispose(ctx)
}

// EmergencyShutdown activates the kill switch and runs the
// supervisor's nuclear teardown together, idempotently: whichever
// caller reaches it first (a local fatal-error path or the kill
// switch's remote-poll callback) performs the teardown exactly once.
func (s *Service) EmergencyShutdown(ctx context.Context, reason string) {
	s.emergencyOnce.Do(func() {
		logger.Error("recovery: emergency shutdown", logger.FieldReason, reason)
		if err := s.killsw.Activate(ctx, reason); err != nil {
			logger.Error("recovery: kill switch activate failed", logger.FieldError, err)
		}
		s.runner.EmergencyDestroyAll(reason)
	})
}
