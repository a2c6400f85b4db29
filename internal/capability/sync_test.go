package capability

import (
	"context"
	"testing"

	"github.com/agentcore/agentcore/internal/domain"
)

type fakeStore struct {
	profiles []*domain.CapabilityProfile
	saved    []*domain.CapabilityProfile
	saveErr  error
}

func (f *fakeStore) LoadAll(ctx context.Context) ([]*domain.CapabilityProfile, error) {
	return f.profiles, nil
}

func (f *fakeStore) Save(ctx context.Context, p *domain.CapabilityProfile) error {
	f.saved = append(f.saved, p)
	return f.saveErr
}

type fakeSink struct {
	restored []*domain.CapabilityProfile
}

func (f *fakeSink) RestoreCapabilityProfile(p *domain.CapabilityProfile) {
	f.restored = append(f.restored, p)
}

func TestWarmGraphInstallsEveryPersistedProfile(t *testing.T) {
	store := &fakeStore{profiles: []*domain.CapabilityProfile{
		{AgentID: "a1"},
		{AgentID: "a2"},
	}}
	sink := &fakeSink{}

	n, err := WarmGraph(context.Background(), store, sink)
	if err != nil {
		t.Fatalf("WarmGraph() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	if len(sink.restored) != 2 {
		t.Fatalf("restored = %d, want 2", len(sink.restored))
	}
}

func TestSyncerPersistIsNoopWithNilStore(t *testing.T) {
	s := NewSyncer(nil)
	s.Persist(context.Background(), &domain.CapabilityProfile{AgentID: "a1"})
}

func TestSyncerPersistSavesToStore(t *testing.T) {
	store := &fakeStore{}
	s := NewSyncer(store)
	s.Persist(context.Background(), &domain.CapabilityProfile{AgentID: "a1"})
	if len(store.saved) != 1 || store.saved[0].AgentID != "a1" {
		t.Fatalf("saved = %+v, want one profile for a1", store.saved)
	}
}

func TestSyncerPersistToleratesSaveError(t *testing.T) {
	store := &fakeStore{saveErr: context.DeadlineExceeded}
	s := NewSyncer(store)
	s.Persist(context.Background(), &domain.CapabilityProfile{AgentID: "a1"})
}
