package capability

import (
	"context"

	"github.com/agentcore/agentcore/internal/domain"
	"github.com/agentcore/agentcore/pkg/logger"
)

// ProfileSink is the subset of *taskgraph.Graph WarmGraph needs.
type ProfileSink interface {
	RestoreCapabilityProfile(p *domain.CapabilityProfile)
}

// ProfileStore is the subset of *Store that WarmGraph and Syncer need,
// declared as an interface so both are testable without a live
// Postgres connection.
type ProfileStore interface {
	LoadAll(ctx context.Context) ([]*domain.CapabilityProfile, error)
	Save(ctx context.Context, p *domain.CapabilityProfile) error
}

// WarmGraph loads every persisted profile from store and installs it
// into sink, run once at startup so a restart doesn't reset learned
// capability confidence back to zero (spec.md's CapabilityProfile
// contract doesn't itself mention durability; this is the supplement
// named in SPEC_FULL.md). Returns the number of profiles restored.
func WarmGraph(ctx context.Context, store ProfileStore, sink ProfileSink) (int, error) {
	profiles, err := store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range profiles {
		sink.RestoreCapabilityProfile(p)
	}
	return len(profiles), nil
}

// Syncer persists capability outcomes as they happen, wrapping a Store
// that may be nil (no DATABASE_URL configured) so callers don't need
// to branch on whether durability is enabled.
type Syncer struct {
	store ProfileStore
}

// NewSyncer wraps store. A nil store makes every Persist call a no-op,
// so callers can construct a Syncer unconditionally.
func NewSyncer(store ProfileStore) *Syncer {
	return &Syncer{store: store}
}

// Persist saves p if durability is enabled, logging (not returning) on
// failure: a failed durability write must never block the in-memory
// graph mutation it's shadowing.
func (s *Syncer) Persist(ctx context.Context, p *domain.CapabilityProfile) {
	if s == nil || s.store == nil || p == nil {
		return
	}
	if err := s.store.Save(ctx, p); err != nil {
		logger.Warn("capability: persist profile failed", logger.FieldAgentID, p.AgentID, logger.FieldError, err)
	}
}
