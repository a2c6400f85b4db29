package bus

import (
	"sync"
	"time"

	"github.com/agentcore/agentcore/pkg/logger"
)

// Subscriber receives every post synchronously, in total post order.
// A panicking callback is recovered and logged and does not affect
// other subscribers or the bus itself (spec §4.D subscribe); a slow
// callback delays the Post call and every subscriber notified after it.
type Subscriber func(Message)

// Bus is the bounded FIFO message log with filtered fan-out.
type Bus struct {
	mu          sync.Mutex
	messages    []Message
	subscribers map[int]Subscriber
	nextSubID   int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int]Subscriber)}
}

// QueryFilter narrows Query results.
type QueryFilter struct {
	To         string
	From       string
	Type       MessageType
	Channel    string
	UnreadBy   string
	Since      time.Time
	AgentRole  string
	Limit      int
}

// Post appends a message, enforcing the FIFO cap with oldest-drop on
// overflow, then fans out to subscribers (spec §4.D post).
func (b *Bus) Post(req PostRequest) Message {
	msg := newMessage(req)

	b.mu.Lock()
	b.messages = append(b.messages, msg)
	if len(b.messages) > MaxMessages {
		b.messages = b.messages[len(b.messages)-MaxMessages:]
	}
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.dispatch(sub, msg)
	}
	return msg
}

// dispatch invokes sub, recovering from panics so one misbehaving
// listener cannot crash the bus (spec §4.D subscribe contract).
func (b *Bus) dispatch(sub Subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("bus: subscriber panicked", logger.FieldError, r, logger.FieldTopic, msg.Channel)
		}
	}()
	sub(msg)
}

// Subscribe registers cb for every future post and returns an
// unsubscribe function.
func (b *Bus) Subscribe(cb Subscriber) func() {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = cb
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// Query returns messages matching filter, ordered oldest to newest
// (spec §4.D query).
func (b *Bus) Query(filter QueryFilter) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, 0)
	for _, m := range b.messages {
		if filter.From != "" && m.From != filter.From {
			continue
		}
		if filter.To != "" {
			if !m.VisibleTo(filter.To, filter.AgentRole) {
				continue
			}
		} else if filter.AgentRole != "" && m.To == "" && m.ExcludeRoles[filter.AgentRole] {
			continue
		}
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if filter.Channel != "" && m.Channel != filter.Channel {
			continue
		}
		if !filter.Since.IsZero() && !m.CreatedAt.After(filter.Since) {
			continue
		}
		if filter.UnreadBy != "" && m.ReadBy[filter.UnreadBy] {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// MarkRead marks id as read by agentID. Idempotent: readBy contains
// agentID at most once (spec §8 round-trip law).
func (b *Bus) MarkRead(id, agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.messages {
		if b.messages[i].ID == id {
			b.messages[i].ReadBy[agentID] = true
			return true
		}
	}
	return false
}

// MarkAllRead marks every message visible to agentID (of the given
// role) as read.
func (b *Bus) MarkAllRead(agentID, role string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for i := range b.messages {
		m := &b.messages[i]
		if !m.VisibleTo(agentID, role) || m.ReadBy[agentID] {
			continue
		}
		m.ReadBy[agentID] = true
		count++
	}
	return count
}

// UnreadCount returns the number of messages visible to agentID that
// it has not yet read.
func (b *Bus) UnreadCount(agentID, role string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, m := range b.messages {
		if m.VisibleTo(agentID, role) && !m.ReadBy[agentID] {
			count++
		}
	}
	return count
}

// DeleteMessage removes a single message by id.
func (b *Bus) DeleteMessage(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.messages {
		if m.ID == id {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			return true
		}
	}
	return false
}

// CleanupForAgent removes every message where from == id or to == id,
// used when an agent is destroyed (spec §4.D cleanupForAgent).
func (b *Bus) CleanupForAgent(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.messages[:0]
	removed := 0
	for _, m := range b.messages {
		if m.From == id || m.To == id {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	b.messages = kept
	return removed
}

// Len returns the current message count (test/diagnostic helper).
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}
