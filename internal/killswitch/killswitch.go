// Package killswitch implements the tri-source emergency stop flag
// (spec §4.B): an in-memory atomic flag, a local file and a remote
// object-store replica, plus a tombstone handshake with internal/persist.
//
// Grounded on the teacher's internal/bus/resilient.go: the
// atomic.Bool health flag and ticker-driven poll loop are the same
// shape as "is the bus healthy, check back every N seconds" — reused
// here for "is the kill switch active remotely, check back every 10s".
package killswitch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentcore/agentcore/internal/domain"
	"github.com/agentcore/agentcore/pkg/logger"
)

const (
	localFileName = "kill-switch.json"
	pollInterval  = 10 * time.Second
)

// RemoteStore is the minimal object-store contract the kill switch
// needs: fetch and upload a small JSON blob. No cloud SDK appears
// anywhere in the example pack for a generic bucket PUT/GET, so this
// is implemented over a plain HTTP client against a presigned-URL
// style endpoint (see DESIGN.md).
type RemoteStore interface {
	Fetch(ctx context.Context) (domain.KillSwitchState, bool, error)
	Upload(ctx context.Context, state domain.KillSwitchState) error
}

// HTTPRemoteStore is a RemoteStore backed by plain HTTP GET/PUT
// against an object-store URL (e.g. a GCS/S3 object with a bucket
// policy allowing anonymous or bearer-token access).
type HTTPRemoteStore struct {
	URL    string
	Client *http.Client
}

// Fetch issues a GET against the configured URL.
func (r *HTTPRemoteStore) Fetch(ctx context.Context) (domain.KillSwitchState, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return domain.KillSwitchState{}, false, err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return domain.KillSwitchState{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return domain.KillSwitchState{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return domain.KillSwitchState{}, false, io.EOF
	}
	var state domain.KillSwitchState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return domain.KillSwitchState{}, false, err
	}
	return state, true, nil
}

// Upload issues a PUT of the serialized state.
func (r *HTTPRemoteStore) Upload(ctx context.Context, state domain.KillSwitchState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (r *HTTPRemoteStore) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

// Tombstoner is implemented by internal/persist.Store. The kill switch
// only clears the tombstone (in Deactivate) and doesn't own its
// storage; runner.EmergencyDestroyAll writes it.
type Tombstoner interface {
	WriteTombstone(reason string) error
	ClearTombstone() error
	HasTombstone() bool
}

// Switch is the tri-source kill switch.
type Switch struct {
	killed atomic.Bool

	localDir string
	remote   RemoteStore
	tomb     Tombstoner

	mu      sync.Mutex
	reason  string
	stopCh  chan struct{}
	stopped bool
}

// New creates a Switch whose local replica lives under localDir (a
// directory NOT exposed to any agent workspace, per spec §4.C).
func New(localDir string, remote RemoteStore, tomb Tombstoner) (*Switch, error) {
	if err := os.MkdirAll(localDir, 0o750); err != nil {
		return nil, err
	}
	return &Switch{localDir: localDir, remote: remote, tomb: tomb, stopCh: make(chan struct{})}, nil
}

func (s *Switch) localPath() string { return filepath.Join(s.localDir, localFileName) }

// IsKilled is a pure in-memory check, safe to call on every mutating
// hot path (spec §4.B isKilled).
func (s *Switch) IsKilled() bool { return s.killed.Load() }

// Activate sets all three replicas. The remote upload is best effort:
// failures are logged, not returned, since the in-memory and local
// replicas already took effect.
func (s *Switch) Activate(ctx context.Context, reason string) error {
	state := domain.KillSwitchState{Killed: true, Reason: reason, ActivatedAt: time.Now().UTC()}
	s.killed.Store(true)
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp := s.localPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.localPath()); err != nil {
		return err
	}

	if s.remote != nil {
		if err := s.remote.Upload(ctx, state); err != nil {
			logger.Warn("killswitch: remote upload failed", logger.FieldReason, reason, logger.FieldError, err)
		}
	}
	logger.Error("killswitch: activated", logger.FieldReason, reason)
	return nil
}

// Deactivate clears all three replicas and the tombstone.
func (s *Switch) Deactivate(ctx context.Context) error {
	s.killed.Store(false)
	s.mu.Lock()
	s.reason = ""
	s.mu.Unlock()

	if err := os.Remove(s.localPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if s.remote != nil {
		if err := s.remote.Upload(ctx, domain.KillSwitchState{Killed: false}); err != nil {
			logger.Warn("killswitch: remote clear failed", logger.FieldError, err)
		}
	}
	if s.tomb != nil {
		return s.tomb.ClearTombstone()
	}
	return nil
}

// LoadPersistedState runs at startup: local file first, else one
// remote poll (spec §4.B loadPersistedState).
func (s *Switch) LoadPersistedState(ctx context.Context) error {
	data, err := os.ReadFile(s.localPath())
	if err == nil {
		var state domain.KillSwitchState
		if jerr := json.Unmarshal(data, &state); jerr == nil && state.Killed {
			s.killed.Store(true)
			s.mu.Lock()
			s.reason = state.Reason
			s.mu.Unlock()
			return nil
		}
	}

	if s.remote == nil {
		return nil
	}
	state, found, err := s.remote.Fetch(ctx)
	if err != nil {
		logger.Warn("killswitch: remote fetch at startup failed", logger.FieldError, err)
		return nil
	}
	if found && state.Killed {
		s.killed.Store(true)
		s.mu.Lock()
		s.reason = state.Reason
		s.mu.Unlock()
	}
	return nil
}

// StartPoll runs a 10s ticker that checks the remote replica for an
// activation this process doesn't know about yet, invoking
// onRemoteActivation exactly once on the transition (spec §4.B
// startPoll).
func (s *Switch) StartPoll(ctx context.Context, onRemoteActivation func(reason string)) {
	if s.remote == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if s.killed.Load() {
					continue
				}
				state, found, err := s.remote.Fetch(ctx)
				if err != nil || !found || !state.Killed {
					continue
				}
				s.killed.Store(true)
				s.mu.Lock()
				s.reason = state.Reason
				s.mu.Unlock()
				logger.Error("killswitch: remote activation discovered", logger.FieldReason, state.Reason)
				if onRemoteActivation != nil {
					onRemoteActivation(state.Reason)
				}
			}
		}
	}()
}

// Stop halts the poll loop.
func (s *Switch) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

// Reason returns the recorded activation reason, if any.
func (s *Switch) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
