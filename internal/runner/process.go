// Package runner implements the agent supervisor (spec §4.E): spawn,
// attach, event streaming with backpressure and batching, the ring
// buffer, watchdog, and graceful/emergency shutdown.
//
// Grounded on the teacher's internal/runner/manager.go (lock
// hierarchy, AgentProcess/AgentState shape, Launch/Stop/List idioms)
// and internal/runner/ringbuf.go (mutex-protected bounded buffer,
// here adapted from a byte slice to an index-addressed event ring).
package runner

import (
	"os/exec"
	"sync"
	"time"

	"github.com/agentcore/agentcore/internal/domain"
)

// RingSize is the fixed capacity of the per-agent event cache (spec §3).
const RingSize = 1000

// SeenIDsCap / SeenIDsPruneTo bound the dedup set for assistant
// message ids (spec §3 AgentProcess.seenMessageIds).
const (
	SeenIDsCap     = 1000
	SeenIDsPruneTo = 500
)

// MaxLineBuffer is the backpressure threshold: stdout is paused once
// the unconsumed line buffer exceeds this size (spec §4.E.2).
const MaxLineBuffer = 1 << 20 // 1 MiB

// FlushInterval is the batch-flush timer armed on the first buffered
// event (spec §4.E.2 step 5).
const FlushInterval = 16 * time.Millisecond

// listener is a per-subscription callback fed with the events of one
// agent, in stdout arrival order.
type listener struct {
	id int
	cb func(domain.StreamEvent)
}

// eventRing is a fixed-capacity circular buffer of StreamEvent, index
// addressed via a monotonic total counter (spec §3 eventBuffer /
// eventBufferTotal, spec §4.E.6 wrap-aware read order).
type eventRing struct {
	buf   [RingSize]domain.StreamEvent
	total uint64
}

func (r *eventRing) push(ev domain.StreamEvent) {
	r.buf[r.total%RingSize] = ev
	r.total++
}

// snapshot returns up to RingSize events, oldest first.
func (r *eventRing) snapshot() []domain.StreamEvent {
	if r.total == 0 {
		return nil
	}
	if r.total < RingSize {
		out := make([]domain.StreamEvent, r.total)
		copy(out, r.buf[:r.total])
		return out
	}
	out := make([]domain.StreamEvent, RingSize)
	start := r.total % RingSize
	n := copy(out, r.buf[start:])
	copy(out[n:], r.buf[:start])
	return out
}

// AgentProcess is the in-memory, non-durable half of a supervised
// agent: the live OS process handle plus in-flight parsing/batching
// state (spec §3 AgentProcess).
type AgentProcess struct {
	mu sync.Mutex // guards everything below; taken after Manager.mu, never before it (see the Manager lock hierarchy)

	agent *domain.Agent

	cmd        *exec.Cmd
	pid        int
	stdin      interface{ Close() error }
	exitCode   *int
	exited     bool
	pausedZombie bool

	lineBuffer []byte
	stdoutPaused bool

	ring eventRing

	seenMessageIDs map[string]struct{}
	seenOrder      []string

	listeners   map[int]listener
	nextListID  int

	persistBatch   [][]byte
	listenerBatch  []domain.StreamEvent
	flushTimer     *time.Timer
	flushArmed     bool
	batchScheduled bool

	inDelivery bool
}

func newAgentProcess(agent *domain.Agent) *AgentProcess {
	return &AgentProcess{
		agent:          agent,
		seenMessageIDs: make(map[string]struct{}),
		listeners:      make(map[int]listener),
	}
}

// addListener registers cb and returns an unsubscribe function.
func (p *AgentProcess) addListener(cb func(domain.StreamEvent)) func() {
	p.mu.Lock()
	id := p.nextListID
	p.nextListID++
	p.listeners[id] = listener{id: id, cb: cb}
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// markSeen records a message id, pruning to half-size once over cap
// (spec §4.E.2 step 2 / spec §3 seenMessageIds).
func (p *AgentProcess) markSeen(id string) (alreadySeen bool) {
	if _, ok := p.seenMessageIDs[id]; ok {
		return true
	}
	p.seenMessageIDs[id] = struct{}{}
	p.seenOrder = append(p.seenOrder, id)
	if len(p.seenOrder) > SeenIDsCap {
		drop := len(p.seenOrder) - SeenIDsPruneTo
		for _, old := range p.seenOrder[:drop] {
			delete(p.seenMessageIDs, old)
		}
		p.seenOrder = append([]string(nil), p.seenOrder[drop:]...)
	}
	return false
}
