package runner

import (
	"sync"

	"github.com/agentcore/agentcore/internal/domain"
)

// fakePersist is an in-memory PersistStore double for tests that don't
// exercise the real atomic-write/debounce behavior (covered in
// internal/persist).
type fakePersist struct {
	mu         sync.Mutex
	states     map[string]*domain.Agent
	events     map[string][][]byte
	tombstoned bool
	tombReason string
}

func newFakePersist() *fakePersist {
	return &fakePersist{
		states: make(map[string]*domain.Agent),
		events: make(map[string][][]byte),
	}
}

func (f *fakePersist) SaveAgentState(agent *domain.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[agent.ID] = agent
	return nil
}

func (f *fakePersist) RemoveAgentState(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, id)
	return nil
}

func (f *fakePersist) AppendEvents(id string, lines [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[id] = append(f.events[id], lines...)
	return nil
}

func (f *fakePersist) ReadEvents(id string) ([]domain.StreamEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.StreamEvent
	for _, line := range f.events[id] {
		out = append(out, domain.ParseEvent(line))
	}
	return out, nil
}

func (f *fakePersist) RemoveEvents(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, id)
	return nil
}

func (f *fakePersist) LoadAllAgentStates() ([]*domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Agent, 0, len(f.states))
	for _, a := range f.states {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakePersist) HasTombstone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tombstoned
}

func (f *fakePersist) WriteTombstone(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tombstoned = true
	f.tombReason = reason
	return nil
}

// fakeKillSwitch is a KillSwitch double.
type fakeKillSwitch struct{ killed bool }

func (f *fakeKillSwitch) IsKilled() bool { return f.killed }

// fakeWorkspace is a WorkspaceProvisioner double.
type fakeWorkspace struct {
	mu       sync.Mutex
	ensured  map[string]string
	removed  map[string]bool
	failNext bool
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{ensured: make(map[string]string), removed: make(map[string]bool)}
}

func (w *fakeWorkspace) EnsureWorkspace(agentName, agentID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	dir := "/tmp/workspaces/" + agentID
	w.ensured[agentID] = dir
	return dir, nil
}

func (w *fakeWorkspace) BuildEnv(agentID string) ([]string, error) {
	return []string{"PATH=/usr/bin"}, nil
}

func (w *fakeWorkspace) Remove(agentID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed[agentID] = true
	return nil
}

// newTestManager builds a Manager wired to the fakes above, for tests
// that exercise lifecycle/event-batching logic without spawning a real
// child process.
func newTestManager() (*Manager, *fakePersist, *fakeWorkspace) {
	p := newFakePersist()
	ws := newFakeWorkspace()
	cfg := DefaultConfig()
	m := New(cfg, p, &fakeKillSwitch{}, ws, nil, nil)
	return m, p, ws
}
