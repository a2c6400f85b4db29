package domain

import "encoding/json"

// StreamEvent is the discriminated envelope for every line the child
// process emits on stdout (plus the synthetic events the supervisor
// injects itself: user_prompt, done, destroyed). Grounded on the
// tagged-event envelope idiom from the teacher's codex client
// (Type + raw payload) generalized to spec §3's StreamEvent variants.
//
// The parser must accept unknown `type` values and preserve them as
// Raw rather than reject the line (spec §9 "polymorphic stream
// events").
type StreamEvent struct {
	Type string `json:"type"`

	// Subtype discriminates `system` events (init, command_output,
	// watchdog, paused, resumed).
	Subtype string `json:"subtype,omitempty"`

	// SessionID is carried by the system/init event only.
	SessionID string `json:"session_id,omitempty"`

	// Message carries the nested assistant/user content blocks,
	// kept as raw JSON since its shape varies per content kind
	// (text / tool_use / tool_result) and the supervisor only needs
	// to walk it looking for message id, usage and displayable text.
	Message json.RawMessage `json:"message,omitempty"`

	// Result-turn summary fields (type == "result").
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	Usage        json.RawMessage `json:"usage,omitempty"`

	// Raw text for `raw` (unparsable line) and `stderr` events, and
	// for synthetic `user_prompt` events recorded at spawn time.
	Text string `json:"text,omitempty"`

	// ExitCode is set on the synthetic `done` event.
	ExitCode *int `json:"exitCode,omitempty"`

	// Hint is an optional human-readable recovery suggestion attached
	// to synthetic `watchdog` system events.
	Hint string `json:"hint,omitempty"`
}

// Stream event type tags.
const (
	EventSystem     = "system"
	EventUserPrompt = "user_prompt"
	EventAssistant  = "assistant"
	EventUser       = "user"
	EventResult     = "result"
	EventStderr     = "stderr"
	EventRaw        = "raw"
	EventDone       = "done"
	EventDestroyed  = "destroyed"
)

// System event subtypes.
const (
	SubtypeInit          = "init"
	SubtypeCommandOutput = "command_output"
	SubtypeWatchdog      = "watchdog"
	SubtypePaused        = "paused"
	SubtypeResumed       = "resumed"
)

// ParseEvent decodes one stdout line into a StreamEvent. A line that
// is not valid JSON, or whose `type` is missing or not one of the
// known tags, becomes a `raw` event rather than an error, per spec §6
// (the child's stream contract tolerates non-JSON noise).
func ParseEvent(line []byte) StreamEvent {
	var ev StreamEvent
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return StreamEvent{Type: EventRaw, Text: string(line)}
	}
	switch ev.Type {
	case EventSystem, EventUserPrompt, EventAssistant, EventUser, EventResult,
		EventStderr, EventRaw, EventDone, EventDestroyed:
		return ev
	}
	return StreamEvent{Type: EventRaw, Text: string(line)}
}

// assistantMessage is the minimal shape needed to extract the message
// id, usage counters and displayable text out of an assistant/user
// event's nested `message` payload. Only the top-level `message.id` is
// read; an id nested inside a content block is not looked up.
type assistantMessage struct {
	ID    string `json:"id"`
	Usage struct {
		InputTokens         int64 `json:"input_tokens"`
		CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadTokens     int64 `json:"cache_read_input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
	} `json:"usage"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
}

// ExtractUsage pulls (messageID, tokensIn, tokensOut) out of an
// assistant event's nested message, per spec §4.E.2 step 2.
func ExtractUsage(ev StreamEvent) (messageID string, tokensIn, tokensOut int64, ok bool) {
	if len(ev.Message) == 0 {
		return "", 0, 0, false
	}
	var m assistantMessage
	if err := json.Unmarshal(ev.Message, &m); err != nil || m.ID == "" {
		return "", 0, 0, false
	}
	tokensIn = m.Usage.InputTokens + m.Usage.CacheCreationTokens + m.Usage.CacheReadTokens
	tokensOut = m.Usage.OutputTokens
	return m.ID, tokensIn, tokensOut, true
}

// ExtractLastText returns the last `text` content block of an
// assistant/user event, used to decide whether a stalled agent has
// produced new output (spec §4.E.2 step 2's stall-reset condition).
func ExtractLastText(ev StreamEvent) (string, bool) {
	if len(ev.Message) == 0 {
		return "", false
	}
	var m assistantMessage
	if err := json.Unmarshal(ev.Message, &m); err != nil {
		return "", false
	}
	for i := len(m.Content) - 1; i >= 0; i-- {
		block := m.Content[i]
		if block.Type == "text" || block.Type == "tool_use" {
			return block.Text, true
		}
	}
	return "", false
}
