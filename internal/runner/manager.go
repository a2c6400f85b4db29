package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/agentcore/internal/domain"
	apperrors "github.com/agentcore/agentcore/pkg/errors"
	"github.com/agentcore/agentcore/pkg/logger"
)

// Config holds the tunables spec §5/§6 names as environment-driven caps.
type Config struct {
	MaxAgents           int
	MaxDepth            int
	MaxChildren         int
	DedupWindow         time.Duration
	SessionTTL          time.Duration
	PausedTTL           time.Duration
	WatchdogInterval    time.Duration
	StallThreshold      time.Duration
	StartTimeout        time.Duration
	MaxStallCount       int
	AllowedModels       map[string]bool
	DefaultModel        string
	AgentCommand        string
	MaxTurns            int
}

// DefaultConfig mirrors the numeric defaults named throughout spec §5.
func DefaultConfig() Config {
	return Config{
		MaxAgents:        20,
		MaxDepth:         3,
		MaxChildren:      6,
		DedupWindow:      10 * time.Second,
		SessionTTL:       4 * time.Hour,
		PausedTTL:        24 * time.Hour,
		WatchdogInterval: 30 * time.Second,
		StallThreshold:   10 * time.Minute,
		StartTimeout:     2 * time.Minute,
		MaxStallCount:    3,
		AllowedModels:    map[string]bool{"default": true},
		DefaultModel:     "default",
		AgentCommand:     "agent",
		MaxTurns:         50,
	}
}

// PersistStore is the subset of internal/persist.Store the runner needs.
type PersistStore interface {
	SaveAgentState(agent *domain.Agent) error
	RemoveAgentState(id string) error
	AppendEvents(id string, lines [][]byte) error
	ReadEvents(id string) ([]domain.StreamEvent, error)
	RemoveEvents(id string) error
	LoadAllAgentStates() ([]*domain.Agent, error)
	HasTombstone() bool
	WriteTombstone(reason string) error
}

// KillSwitch is the subset of internal/killswitch.Switch the runner needs.
type KillSwitch interface {
	IsKilled() bool
}

// WorkspaceProvisioner is the subset of internal/workspace.Provisioner
// the runner needs.
type WorkspaceProvisioner interface {
	EnsureWorkspace(agentName, agentID string) (string, error)
	BuildEnv(agentID string) ([]string, error)
	Remove(agentID string) error
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Name                       string
	ParentID                   string
	Model                      string
	Prompt                     string
	DangerouslySkipPermissions bool
	Role                       string
}

// Manager owns the live agent map and the per-agent lifecycle locks.
//
// Lock hierarchy (grounded on the teacher's documented rule in
// manager.go): mu < AgentProcess.mu. NEVER acquire the Manager write
// lock while holding an AgentProcess lock.
type Manager struct {
	cfg Config

	persist   PersistStore
	killsw    KillSwitch
	workspace WorkspaceProvisioner
	onEvent   func(agentID string, ev domain.StreamEvent)
	onIdle    func(agentID string)

	mu        sync.RWMutex
	agents    map[string]*domain.Agent
	processes map[string]*AgentProcess

	locksMu        sync.Mutex
	lifecycleLocks map[string]*lifecycleLock

	dedupMu sync.Mutex
	dedup   map[string]time.Time // key = parentID + "\x00" + name

	deliveringMu sync.Mutex
	delivering   map[string]bool

	watchdogStop chan struct{}
}

// lifecycleLock is the per-agent serialized task chain (spec §4.E.4,
// §9 "single-flight slot per agent id").
type lifecycleLock struct {
	mu sync.Mutex
}

// New creates a Manager. onEvent is invoked for every event of every
// agent (fan-out point for auto-delivery/orchestrator listeners);
// onIdle is invoked whenever an agent transitions to a deliverable
// status.
func New(cfg Config, persist PersistStore, killsw KillSwitch, ws WorkspaceProvisioner, onEvent func(string, domain.StreamEvent), onIdle func(string)) *Manager {
	return &Manager{
		cfg:            cfg,
		persist:        persist,
		killsw:         killsw,
		workspace:      ws,
		onEvent:        onEvent,
		onIdle:         onIdle,
		agents:         make(map[string]*domain.Agent),
		processes:      make(map[string]*AgentProcess),
		lifecycleLocks: make(map[string]*lifecycleLock),
		dedup:          make(map[string]time.Time),
		delivering:     make(map[string]bool),
	}
}

func (m *Manager) lockFor(id string) *lifecycleLock {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.lifecycleLocks[id]
	if !ok {
		l = &lifecycleLock{}
		m.lifecycleLocks[id] = l
	}
	return l
}

// Create validates preconditions and spawns a new agent (spec §4.E.1).
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*domain.Agent, error) {
	if m.killsw != nil && m.killsw.IsKilled() {
		return nil, apperrors.Wrap(apperrors.ErrPreconditionFailed, "runner.Create", "kill switch active")
	}

	m.mu.RLock()
	count := len(m.agents)
	var parent *domain.Agent
	siblingCount := 0
	if req.ParentID != "" {
		parent = m.agents[req.ParentID]
		for _, a := range m.agents {
			if a.ParentID == req.ParentID {
				siblingCount++
			}
		}
	}
	m.mu.RUnlock()

	if count >= m.cfg.MaxAgents {
		return nil, apperrors.Wrap(apperrors.ErrPreconditionFailed, "runner.Create", "maximum agents reached")
	}
	depth := 1
	if req.ParentID != "" {
		if parent == nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "runner.Create", "parent agent not found")
		}
		depth = parent.Depth + 1
		if depth > m.cfg.MaxDepth {
			return nil, apperrors.Wrap(apperrors.ErrPreconditionFailed, "runner.Create", "maximum depth exceeded")
		}
		if siblingCount >= m.cfg.MaxChildren {
			return nil, apperrors.Wrap(apperrors.ErrPreconditionFailed, "runner.Create", "maximum children per parent exceeded")
		}
	}

	if existing, dup := m.reserveDedup(req.ParentID, req.Name); dup {
		return nil, apperrors.Wrap(apperrors.ErrConflict, "runner.Create",
			fmt.Sprintf("Agent %q was already created recently (existing id %s)", req.Name, existing))
	}

	model := req.Model
	if !m.cfg.AllowedModels[model] {
		model = m.cfg.DefaultModel
	}

	id := uuid.NewString()
	dir, err := m.workspace.EnsureWorkspace(req.Name, id)
	if err != nil {
		m.releaseDedup(req.ParentID, req.Name)
		return nil, apperrors.Wrap(err, "runner.Create", "ensure workspace")
	}

	agent := &domain.Agent{
		ID:                         id,
		Name:                       req.Name,
		CreatedAt:                  time.Now(),
		Depth:                      depth,
		ParentID:                   req.ParentID,
		WorkspaceDir:               dir,
		Model:                      model,
		Status:                     domain.StatusStarting,
		LastActivity:               time.Now(),
		Role:                       req.Role,
		DangerouslySkipPermissions: req.DangerouslySkipPermissions,
	}

	proc := newAgentProcess(agent)

	m.mu.Lock()
	m.agents[id] = agent
	m.processes[id] = proc
	m.mu.Unlock()

	if err := m.persist.SaveAgentState(agent); err != nil {
		logger.Warn("runner: save state failed on create", logger.FieldAgentID, id, logger.FieldError, err)
	}

	// Synthetic user_prompt event so reconnecting subscribers see the
	// original prompt even though it never came through stdout.
	m.recordEvent(id, domain.StreamEvent{Type: domain.EventUserPrompt, Text: req.Prompt})

	if err := m.spawn(ctx, id, req.Prompt, ""); err != nil {
		return nil, err
	}
	return agent.Clone(), nil
}

// reserveDedup checks and reserves the (parentID, name) dedup key in
// one critical section, so two concurrent Create calls for the same
// key can never both observe "no dup" before either reserves it
// (spec's "two concurrent create() calls within 10s: exactly one
// succeeds"). The caller must releaseDedup on any failure that occurs
// before the agent is recorded in m.agents.
func (m *Manager) reserveDedup(parentID, name string) (string, bool) {
	key := parentID + "\x00" + name
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()
	now := time.Now()
	for k, t := range m.dedup {
		if now.Sub(t) > m.cfg.DedupWindow {
			delete(m.dedup, k)
		}
	}
	if _, ok := m.dedup[key]; ok {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for _, a := range m.agents {
			if a.ParentID == parentID && a.Name == name {
				return a.ID, true
			}
		}
		return "", true
	}
	m.dedup[key] = now
	return "", false
}

// releaseDedup undoes a reservation made by reserveDedup, used when
// Create fails before the agent it was reserved for ever exists.
func (m *Manager) releaseDedup(parentID, name string) {
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()
	delete(m.dedup, parentID+"\x00"+name)
}

// Get returns a snapshot of one agent.
func (m *Manager) Get(id string) (*domain.Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// List returns a stable-ordered snapshot of every agent
// (snapshot-then-lock pattern grounded on manager.go List).
func (m *Manager) List() []*domain.Agent {
	m.mu.RLock()
	out := make([]*domain.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.Clone())
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// IdleOrRestoredWithSession returns agents usable by the orchestrator's
// assignment cycle: idle or restored, with a captured session.
func (m *Manager) IdleOrRestoredWithSession() []*domain.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Agent
	for _, a := range m.agents {
		if (a.Status == domain.StatusIdle || a.Status == domain.StatusRestored) && a.SessionID != "" {
			out = append(out, a.Clone())
		}
	}
	return out
}

func (m *Manager) setStatus(id string, status domain.Status) {
	m.mu.Lock()
	a, ok := m.agents[id]
	if ok {
		a.Status = status
		a.LastActivity = time.Now()
	}
	m.mu.Unlock()
	if ok {
		if err := m.persist.SaveAgentState(a.Clone()); err != nil {
			logger.Warn("runner: save state failed", logger.FieldAgentID, id, logger.FieldError, err)
		}
	}
}
