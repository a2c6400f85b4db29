// Package persist implements the durable per-agent state files, the
// append-only event log and the tombstone (spec §4.A).
//
// Grounded on the teacher's internal/config/architecture.go atomic
// write discipline (temp file + os.Rename under a mutex) and on
// internal/codex/rollout_reader.go's buffered line-scanning idiom for
// reading a JSONL log back.
package persist

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentcore/agentcore/internal/domain"
	apperrors "github.com/agentcore/agentcore/pkg/errors"
	"github.com/agentcore/agentcore/pkg/logger"
)

const (
	// MaxPersistedLines is the event log size kept after truncation.
	MaxPersistedLines = 5000
	// TruncateThreshold triggers a truncation pass once exceeded.
	TruncateThreshold = 10000
	// DebounceWindow coalesces non-meaningful state writes.
	DebounceWindow = 500 * time.Millisecond

	tombstoneName = "_kill-switch-tombstone"
)

// meaningfulStatuses write immediately, bypassing the debounce timer
// (spec §3 persistence layout).
var meaningfulStatuses = map[domain.Status]bool{
	domain.StatusIdle:    true,
	domain.StatusRunning: true,
	domain.StatusError:   true,
}

// Store owns the on-disk layout: {stateDir}/{id}.json,
// {eventsDir}/{id}.jsonl and the tombstone file.
type Store struct {
	stateDir  string
	eventsDir string

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]*domain.Agent
}

// New creates a Store rooted at the given directories, creating them
// if absent.
func New(stateDir, eventsDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return nil, apperrors.Wrap(err, "persist.New", "mkdir state dir")
	}
	if err := os.MkdirAll(eventsDir, 0o750); err != nil {
		return nil, apperrors.Wrap(err, "persist.New", "mkdir events dir")
	}
	return &Store{
		stateDir:  stateDir,
		eventsDir: eventsDir,
		timers:    make(map[string]*time.Timer),
		pending:   make(map[string]*domain.Agent),
	}, nil
}

func (s *Store) statePath(id string) string { return filepath.Join(s.stateDir, id+".json") }
func (s *Store) tempStatePath(id string) string {
	return filepath.Join(s.stateDir, id+".json.tmp")
}
func (s *Store) eventsPath(id string) string { return filepath.Join(s.eventsDir, id+".jsonl") }

// atomicWrite writes data to path via a same-directory temp file plus
// rename, matching architecture.go's SaveArchitecture contract.
func atomicWrite(path, tmp string, data []byte, mode os.FileMode) error {
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SaveAgentState writes the agent record, immediately if the status
// transition is "meaningful", otherwise coalesced behind a per-agent
// 500ms timer (spec §4.A saveAgentState).
func (s *Store) SaveAgentState(agent *domain.Agent) error {
	if meaningfulStatuses[agent.Status] {
		s.mu.Lock()
		if t, ok := s.timers[agent.ID]; ok {
			t.Stop()
			delete(s.timers, agent.ID)
			delete(s.pending, agent.ID)
		}
		s.mu.Unlock()
		return s.writeNow(agent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := agent.Clone()
	s.pending[agent.ID] = snapshot
	if _, ok := s.timers[agent.ID]; ok {
		return nil // timer already armed, latest snapshot will be used when it fires
	}
	s.timers[agent.ID] = time.AfterFunc(DebounceWindow, func() {
		s.mu.Lock()
		pending := s.pending[agent.ID]
		delete(s.pending, agent.ID)
		delete(s.timers, agent.ID)
		s.mu.Unlock()
		if pending == nil {
			return
		}
		if err := s.writeNow(pending); err != nil {
			logger.Warn("persist: debounced write failed", logger.FieldAgentID, agent.ID, logger.FieldError, err)
		}
	})
	return nil
}

func (s *Store) writeNow(agent *domain.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return apperrors.Wrap(err, "persist.SaveAgentState", "marshal agent")
	}
	if err := atomicWrite(s.statePath(agent.ID), s.tempStatePath(agent.ID), data, 0o640); err != nil {
		return apperrors.Wrap(err, "persist.SaveAgentState", "atomic write")
	}
	return nil
}

// LoadAllAgentStates returns every valid stored agent, silently
// dropping (and removing) empty/partial files left by a prior crash.
// Returns nil if the tombstone is present (spec §4.A loadAllAgentStates).
func (s *Store) LoadAllAgentStates() ([]*domain.Agent, error) {
	if s.HasTombstone() {
		return nil, nil
	}
	entries, err := os.ReadDir(s.stateDir)
	if err != nil {
		return nil, apperrors.Wrap(err, "persist.LoadAllAgentStates", "read state dir")
	}

	var out []*domain.Agent
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.stateDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil || len(bytes.TrimSpace(data)) == 0 {
			_ = os.Remove(path)
			continue
		}
		var agent domain.Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			logger.Warn("persist: dropping unparsable state file", logger.FieldPath, path, logger.FieldError, err)
			_ = os.Remove(path)
			continue
		}
		out = append(out, &agent)
	}
	return out, nil
}

// RemoveAgentState deletes the state and temp files for id. On
// eventually-consistent backing stores a failed delete is retried
// once after overwriting with empty content (spec §4.A removeAgentState).
func (s *Store) RemoveAgentState(id string) error {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	path := s.statePath(id)
	_ = os.Remove(s.tempStatePath(id))
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}

	if werr := os.WriteFile(path, []byte{}, 0o640); werr == nil {
		err = os.Remove(path)
	}
	if err != nil && !os.IsNotExist(err) {
		logger.Warn("persist: state file still present after retry", logger.FieldAgentID, id, logger.FieldError, err)
		return apperrors.Wrap(err, "persist.RemoveAgentState", "delete after retry")
	}
	return nil
}

// AppendEvents appends JSONL-encoded lines to the agent's event log
// and truncates when the log exceeds TruncateThreshold lines.
func (s *Store) AppendEvents(id string, lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	f, err := os.OpenFile(s.eventsPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return apperrors.Wrap(err, "persist.AppendEvents", "open events file")
	}
	defer f.Close()

	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return apperrors.Wrap(err, "persist.AppendEvents", "write events")
	}

	return s.truncateIfNeeded(id)
}

// truncateIfNeeded keeps the last MaxPersistedLines lines once the log
// exceeds TruncateThreshold (spec §3 EVENTS_DIR).
func (s *Store) truncateIfNeeded(id string) error {
	path := s.eventsPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	if len(lines) <= TruncateThreshold {
		return nil
	}
	kept := lines[len(lines)-MaxPersistedLines:]
	var buf bytes.Buffer
	for _, l := range kept {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := atomicWrite(path, tmp, buf.Bytes(), 0o640); err != nil {
		return apperrors.Wrap(err, "persist.truncateIfNeeded", "atomic rewrite")
	}
	logger.Info("persist: truncated event log", logger.FieldAgentID, id, logger.FieldCount, len(kept))
	return nil
}

// ReadEvents reads back the full JSONL event log for id in one
// os.ReadFile call, skipping (not failing on) any unparsable line.
func (s *Store) ReadEvents(id string) ([]domain.StreamEvent, error) {
	data, err := os.ReadFile(s.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "persist.ReadEvents", "read events file")
	}
	var out []domain.StreamEvent
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev domain.StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// RemoveEvents deletes the event log for id.
func (s *Store) RemoveEvents(id string) error {
	err := os.Remove(s.eventsPath(id))
	if err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(err, "persist.RemoveEvents", "delete events file")
	}
	return nil
}

// WriteTombstone creates the sentinel file that blocks restoration,
// recording reason and the time it was written.
func (s *Store) WriteTombstone(reason string) error {
	path := filepath.Join(s.stateDir, tombstoneName)
	body := time.Now().UTC().Format(time.RFC3339) + " " + reason
	return atomicWrite(path, path+".tmp", []byte(body), 0o640)
}

// HasTombstone reports whether the tombstone file is present.
func (s *Store) HasTombstone() bool {
	_, err := os.Stat(filepath.Join(s.stateDir, tombstoneName))
	return err == nil
}

// ClearTombstone removes the sentinel file.
func (s *Store) ClearTombstone() error {
	err := os.Remove(filepath.Join(s.stateDir, tombstoneName))
	if err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(err, "persist.ClearTombstone", "remove tombstone")
	}
	return nil
}

// CleanupStaleState purges orphaned temp files and event logs whose
// matching state file is gone (spec §4.A cleanupStaleState).
func (s *Store) CleanupStaleState() error {
	live := make(map[string]bool)
	entries, err := os.ReadDir(s.stateDir)
	if err != nil {
		return apperrors.Wrap(err, "persist.CleanupStaleState", "read state dir")
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case filepath.Ext(name) == ".json":
			live[name[:len(name)-len(".json")]] = true
		case filepath.Ext(name) == ".tmp":
			_ = os.Remove(filepath.Join(s.stateDir, name))
		}
	}

	evEntries, err := os.ReadDir(s.eventsDir)
	if err != nil {
		return apperrors.Wrap(err, "persist.CleanupStaleState", "read events dir")
	}
	for _, e := range evEntries {
		name := e.Name()
		if filepath.Ext(name) != ".jsonl" {
			continue
		}
		id := name[:len(name)-len(".jsonl")]
		if !live[id] {
			_ = os.Remove(filepath.Join(s.eventsDir, name))
			logger.Info("persist: removed orphaned event log", logger.FieldAgentID, id)
		}
	}
	return nil
}
