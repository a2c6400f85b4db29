package taskgraph

import (
	"github.com/agentcore/agentcore/internal/domain"
	apperrors "github.com/agentcore/agentcore/pkg/errors"
)

// MaxCapabilitiesPerProfile bounds a profile's tag count (spec §4.F
// "CapabilityProfile CRUD with size caps").
const MaxCapabilitiesPerProfile = 100

// GetCapabilityProfile returns a snapshot, or false if none recorded.
func (g *Graph) GetCapabilityProfile(agentID string) (*domain.CapabilityProfile, bool) {
	g.capMu.RLock()
	defer g.capMu.RUnlock()
	p, ok := g.capabilities[agentID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// UpsertCapability records or updates a single capability tag's
// confidence score for agentID, creating the profile if needed.
func (g *Graph) UpsertCapability(agentID, tag string, confidence float64) (*domain.CapabilityProfile, error) {
	if len(tag) > MaxCapabilityTagLen {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "taskgraph.UpsertCapability", "capability tag too long")
	}

	g.capMu.Lock()
	defer g.capMu.Unlock()
	p, ok := g.capabilities[agentID]
	if !ok {
		p = &domain.CapabilityProfile{
			AgentID:      agentID,
			Capabilities: make(map[string]float64),
			SuccessRate:  make(map[string]float64),
		}
		g.capabilities[agentID] = p
	}
	if _, exists := p.Capabilities[tag]; !exists && len(p.Capabilities) >= MaxCapabilitiesPerProfile {
		return nil, apperrors.Wrap(apperrors.ErrPreconditionFailed, "taskgraph.UpsertCapability", "capability profile at capacity")
	}
	p.Capabilities[tag] = confidence
	return p.Clone(), nil
}

// RecordOutcome updates totalCompleted/totalFailed and recomputes the
// per-tag success rate for every tag in tags, used after a task
// finishes (spec §3 CapabilityProfile).
func (g *Graph) RecordOutcome(agentID string, tags []string, success bool) *domain.CapabilityProfile {
	g.capMu.Lock()
	defer g.capMu.Unlock()
	p, ok := g.capabilities[agentID]
	if !ok {
		p = &domain.CapabilityProfile{
			AgentID:      agentID,
			Capabilities: make(map[string]float64),
			SuccessRate:  make(map[string]float64),
		}
		g.capabilities[agentID] = p
	}
	if success {
		p.TotalCompleted++
	} else {
		p.TotalFailed++
	}
	total := p.TotalCompleted + p.TotalFailed
	for _, tag := range tags {
		if total == 0 {
			continue
		}
		prevRate := p.SuccessRate[tag]
		// Exponential moving average keeps one bad run from
		// overwhelming a long track record.
		const alpha = 0.2
		var sample float64
		if success {
			sample = 1
		}
		p.SuccessRate[tag] = prevRate*(1-alpha) + sample*alpha
	}
	return p.Clone()
}

// RestoreCapabilityProfile installs a profile loaded from durable
// storage (internal/capability) into the in-memory map verbatim,
// overwriting whatever is already recorded for that agent. Used once
// at startup to warm the graph from a persisted backing store; never
// called from the normal UpsertCapability/RecordOutcome hot path.
func (g *Graph) RestoreCapabilityProfile(p *domain.CapabilityProfile) {
	g.capMu.Lock()
	defer g.capMu.Unlock()
	g.capabilities[p.AgentID] = p.Clone()
}

// DeleteCapabilityProfile removes agentID's profile entirely.
func (g *Graph) DeleteCapabilityProfile(agentID string) {
	g.capMu.Lock()
	defer g.capMu.Unlock()
	delete(g.capabilities, agentID)
}
