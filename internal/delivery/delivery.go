// Package delivery implements the auto-delivery glue (spec §4.H): two
// triggers, a bus post and an agent idle transition, both funneled
// through the supervisor's canDeliver/deliveryDone gate so they never
// race each other onto the same agent.
//
// Grounded on the teacher's internal/bus/router.go AgentRouter: its
// getOrCreateClient double-checked-locking cache is the same shape as
// the delivering-set gate here, just swapping a connection cache for a
// single in-flight reservation per agent id.
package delivery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentcore/agentcore/internal/bus"
	"github.com/agentcore/agentcore/internal/domain"
	"github.com/agentcore/agentcore/pkg/logger"
	"github.com/agentcore/agentcore/pkg/util"
)

// Runner is the subset of *runner.Manager the delivery glue needs.
type Runner interface {
	CanDeliver(id string) bool
	DeliveryDone(id string)
	CanInterrupt(id string) bool
	Message(ctx context.Context, id, prompt string) error
	Get(id string) (*domain.Agent, bool)
}

// Bus is the subset of *bus.Bus the delivery glue needs.
type Bus interface {
	Subscribe(cb bus.Subscriber) func()
	Query(filter bus.QueryFilter) []bus.Message
	MarkRead(id, agentID string) bool
}

// KillSwitch is the subset of internal/killswitch.Switch the delivery
// glue needs.
type KillSwitch interface {
	IsKilled() bool
}

// Config tunes the idle-transition settle delay.
type Config struct {
	SettleDelay time.Duration
}

// DefaultConfig mirrors spec §4.H's default settle delay.
func DefaultConfig() Config {
	return Config{SettleDelay: 250 * time.Millisecond}
}

// Service wires a Bus subscription and an idle-transition hook onto a
// Runner, delivering queued messages as soon as an agent can accept
// one.
type Service struct {
	cfg    Config
	runner Runner
	bus    Bus
	killsw KillSwitch

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a Service. Call Attach to start receiving bus posts, and
// wire OnAgentIdle as the runner's onIdle callback.
func New(cfg Config, runner Runner, b Bus, killsw KillSwitch) *Service {
	return &Service{
		cfg:    cfg,
		runner: runner,
		bus:    b,
		killsw: killsw,
		timers: make(map[string]*time.Timer),
	}
}

// Attach subscribes to the bus and returns an unsubscribe function.
func (s *Service) Attach() func() {
	return s.bus.Subscribe(s.onPost)
}

// onPost implements spec §4.H trigger 1.
func (s *Service) onPost(msg bus.Message) {
	if msg.To == "" || msg.Type == bus.TypeStatus {
		return
	}

	if msg.Type == bus.TypeInterrupt {
		if !s.runner.CanInterrupt(msg.To) {
			return
		}
		s.bus.MarkRead(msg.ID, msg.To)
		s.deliver(msg.To, "interrupt", msg, nil)
		return
	}

	if !s.runner.CanDeliver(msg.To) {
		return
	}
	s.bus.MarkRead(msg.ID, msg.To)
	s.deliver(msg.To, "message", msg, func() { s.runner.DeliveryDone(msg.To) })
}

// OnAgentIdle implements spec §4.H trigger 2: wired as the runner's
// onIdle callback. Debounces via a per-agent settle timer so a rapid
// re-idle does not stack deliveries.
func (s *Service) OnAgentIdle(agentID string) {
	s.mu.Lock()
	if t, ok := s.timers[agentID]; ok {
		t.Stop()
	}
	s.timers[agentID] = time.AfterFunc(s.cfg.SettleDelay, func() {
		s.deliverOldestQueued(agentID)
	})
	s.mu.Unlock()
}

func (s *Service) deliverOldestQueued(agentID string) {
	if s.killsw != nil && s.killsw.IsKilled() {
		return
	}
	if !s.runner.CanDeliver(agentID) {
		return
	}

	agent, ok := s.runner.Get(agentID)
	if !ok {
		s.runner.DeliveryDone(agentID)
		return
	}

	msg, ok := s.pickOldestActionable(agentID, agent.Role)
	if !ok {
		s.runner.DeliveryDone(agentID)
		return
	}
	s.bus.MarkRead(msg.ID, agentID)
	s.deliver(agentID, "message", msg, func() { s.runner.DeliveryDone(agentID) })
}

// pickOldestActionable returns the oldest unread-by-agentID message
// visible to this recipient's role, excluding status messages (spec
// §4.H trigger 2 "pick the oldest unreadBy == agentId actionable
// message").
func (s *Service) pickOldestActionable(agentID, role string) (bus.Message, bool) {
	msgs := s.bus.Query(bus.QueryFilter{To: agentID, AgentRole: role, UnreadBy: agentID})
	for _, m := range msgs {
		if m.Type != bus.TypeStatus {
			return m, true
		}
	}
	return bus.Message{}, false
}

// deliver builds the sender/type header and resumes the agent with it
// (spec §4.H "prefixed with a header identifying sender and message
// type"). release, if non-nil, is called after Message returns so the
// delivery reservation is held for the full spawn attempt rather than
// released the instant the goroutine is scheduled (spec §4.H "release
// the lock in all exit paths").
func (s *Service) deliver(agentID, kind string, msg bus.Message, release func()) {
	prompt := deliveryHeader(kind, msg) + msg.Content
	util.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if release != nil {
			defer release()
		}
		if err := s.runner.Message(ctx, agentID, prompt); err != nil {
			logger.Warn("delivery: message failed", logger.FieldAgentID, agentID, logger.FieldError, err)
		}
	})
}

func deliveryHeader(kind string, msg bus.Message) string {
	sender := msg.From
	if msg.FromName != "" {
		sender = msg.FromName
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(kind)
	b.WriteString(" from ")
	b.WriteString(sender)
	b.WriteString(" type=")
	b.WriteString(string(msg.Type))
	b.WriteString("]\n")
	return b.String()
}
