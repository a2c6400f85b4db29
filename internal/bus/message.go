// Package bus implements the in-memory message bus (spec §4.D): a
// bounded FIFO log with filtered fan-out and read tracking.
//
// Grounded on the teacher's internal/bus/bus.go Publish/Subscribe
// fan-out-under-lock discipline (append, then notify, all inside one
// lock so subscribers observe a single total order) and matchTopic
// prefix-matching idiom, generalized from topic-only routing to the
// richer {to, from, type, channel, excludeRoles, readBy} model spec §3
// names.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the kinds of inter-agent message.
type MessageType string

const (
	TypeTask      MessageType = "task"
	TypeResult    MessageType = "result"
	TypeQuestion  MessageType = "question"
	TypeInfo      MessageType = "info"
	TypeStatus    MessageType = "status"
	TypeInterrupt MessageType = "interrupt"
)

// MaxMessages is the hard FIFO cap (spec §3 Message).
const MaxMessages = 500

// Message is immutable once posted except for ReadBy, which only ever
// grows (spec §3 Message, §4.D post/query).
type Message struct {
	ID           string            `json:"id"`
	From         string            `json:"from"`
	FromName     string            `json:"fromName,omitempty"`
	To           string            `json:"to,omitempty"` // empty = broadcast
	Type         MessageType       `json:"type"`
	Content      string            `json:"content"`
	Channel      string            `json:"channel,omitempty"`
	ExcludeRoles map[string]bool   `json:"excludeRoles,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ReadBy       map[string]bool   `json:"readBy"`
}

// PostRequest is the input to Post.
type PostRequest struct {
	From         string
	FromName     string
	To           string
	Type         MessageType
	Content      string
	Channel      string
	ExcludeRoles []string
	Metadata     map[string]any
}

func newMessage(req PostRequest) Message {
	var excl map[string]bool
	if len(req.ExcludeRoles) > 0 {
		excl = make(map[string]bool, len(req.ExcludeRoles))
		for _, r := range req.ExcludeRoles {
			excl[r] = true
		}
	}
	return Message{
		ID:           uuid.NewString(),
		From:         req.From,
		FromName:     req.FromName,
		To:           req.To,
		Type:         req.Type,
		Content:      req.Content,
		Channel:      req.Channel,
		ExcludeRoles: excl,
		Metadata:     req.Metadata,
		CreatedAt:    time.Now(),
		ReadBy:       make(map[string]bool),
	}
}

// VisibleTo reports whether msg is visible to an addressee of the
// given role (spec §4.D query: `to == addressee` OR broadcast AND
// role not excluded).
func (m Message) VisibleTo(addressee, role string) bool {
	if m.To != "" && m.To != addressee {
		return false
	}
	if m.To == "" && role != "" && m.ExcludeRoles[role] {
		return false
	}
	return true
}
