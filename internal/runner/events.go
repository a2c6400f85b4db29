package runner

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/agentcore/agentcore/internal/domain"
	"github.com/agentcore/agentcore/pkg/logger"
	"github.com/agentcore/agentcore/pkg/util"
)

// maxLinesPerBatch caps the synchronous work done per scheduler turn
// so one agent's output burst cannot starve others (spec §4.E.2
// Batch processor).
const maxLinesPerBatch = 50

// processBatch drains proc.lineBuffer in chunks of maxLinesPerBatch,
// yielding to the scheduler between chunks, and resumes stdout once
// the buffer is drained if it had been paused for backpressure.
func (m *Manager) processBatch(agentID string) {
	m.mu.RLock()
	proc := m.processes[agentID]
	m.mu.RUnlock()
	if proc == nil {
		return
	}

	for {
		proc.mu.Lock()
		buf := proc.lineBuffer
		if len(buf) == 0 {
			proc.batchScheduled = false
			proc.mu.Unlock()
			return
		}

		lines, rest := splitLines(buf, maxLinesPerBatch)
		proc.lineBuffer = rest
		proc.mu.Unlock()

		for _, line := range lines {
			m.ingestLine(agentID, proc, line)
		}

		if len(rest) == 0 {
			proc.mu.Lock()
			proc.batchScheduled = false
			if proc.stdoutPaused {
				proc.stdoutPaused = false
			}
			proc.mu.Unlock()
			return
		}
		// Yield before continuing with the next chunk.
		util.SafeGo(func() { m.processBatch(agentID) })
		return
	}
}

// splitLines extracts up to max newline-terminated lines from buf,
// keeping the trailing partial line in the remainder.
func splitLines(buf []byte, max int) (lines [][]byte, rest []byte) {
	start := 0
	for len(lines) < max {
		idx := bytes.IndexByte(buf[start:], '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, buf[start:start+idx])
		start += idx + 1
	}
	return lines, buf[start:]
}

func (m *Manager) ingestLine(agentID string, proc *AgentProcess, line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	ev := domain.ParseEvent(line)
	m.handleEvent(agentID, proc, ev)
}

// ingestLineLocked is used from the process-exit path where proc.mu
// is already held and the remaining lineBuffer must be flushed as a
// single batch (spec §4.E.3).
func (m *Manager) ingestLineLocked(proc *AgentProcess, agentID string, buf []byte) {
	for _, line := range bytes.Split(buf, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev := domain.ParseEvent(line)
		m.appendToBatchLocked(proc, agentID, ev)
	}
}

// sanitizePatterns are secret-shaped substrings stripped from event
// text before it reaches disk or subscribers (spec §4.E.2 step 5
// "Sanitize the event").
var sanitizePatterns = []string{
	"sk-ant-", "sk-", "ghp_", "AKIA",
}

func sanitizeText(s string) string {
	for _, p := range sanitizePatterns {
		if idx := indexOfStr(s, p); idx >= 0 {
			return s[:idx] + "[REDACTED]"
		}
	}
	return s
}

func indexOfStr(s, substr string) int {
	n, l := len(s), len(substr)
	if l == 0 {
		return -1
	}
	for i := 0; i+l <= n; i++ {
		if s[i:i+l] == substr {
			return i
		}
	}
	return -1
}

// handleEvent implements spec §4.E.2 "Per-event handling".
func (m *Manager) handleEvent(agentID string, proc *AgentProcess, ev domain.StreamEvent) {
	if ev.Type == domain.EventSystem && ev.Subtype == domain.SubtypeInit && ev.SessionID != "" {
		m.mu.Lock()
		if agent, ok := m.agents[agentID]; ok && agent.SessionID == "" {
			agent.SessionID = ev.SessionID
			m.mu.Unlock()
			if err := m.persist.SaveAgentState(agent.Clone()); err != nil {
				logger.Warn("runner: save state failed on session capture", logger.FieldAgentID, agentID, logger.FieldError, err)
			}
		} else {
			m.mu.Unlock()
		}
	}

	if ev.Type == domain.EventAssistant {
		m.handleAssistantEvent(agentID, proc, ev)
	}
	if ev.Type == domain.EventResult {
		m.handleResultEvent(agentID, ev)
	}

	m.mu.Lock()
	if agent, ok := m.agents[agentID]; ok {
		agent.LastActivity = time.Now()
	}
	m.mu.Unlock()

	ev.Text = sanitizeText(ev.Text)
	proc.mu.Lock()
	m.appendToBatchLocked(proc, agentID, ev)
	proc.mu.Unlock()
}

func (m *Manager) handleAssistantEvent(agentID string, proc *AgentProcess, ev domain.StreamEvent) {
	m.mu.Lock()
	agent := m.agents[agentID]
	if agent != nil && agent.Status == domain.StatusStalled {
		if _, ok := domain.ExtractLastText(ev); ok {
			agent.Status = domain.StatusRunning
			agent.StallCount = 0
		}
	}
	m.mu.Unlock()

	messageID, tokensIn, tokensOut, ok := domain.ExtractUsage(ev)
	if !ok {
		return
	}
	proc.mu.Lock()
	already := proc.markSeen(messageID)
	proc.mu.Unlock()
	if already {
		return
	}

	cost := estimateCost(agentCostModel(m, agentID), tokensIn, tokensOut)
	m.mu.Lock()
	if agent != nil {
		agent.Usage.TokensIn += tokensIn
		agent.Usage.TokensOut += tokensOut
		agent.Usage.CostUSD += cost
	}
	m.mu.Unlock()
}

func (m *Manager) handleResultEvent(agentID string, ev domain.StreamEvent) {
	_, tokensIn, tokensOut, ok := domain.ExtractUsage(ev)
	m.mu.Lock()
	defer m.mu.Unlock()
	agent := m.agents[agentID]
	if agent == nil {
		return
	}
	if ok {
		// Latest-value-wins for tokensIn (the CLI reports full
		// context each turn); tokensOut stays additive.
		agent.Usage.TokensIn = tokensIn
		agent.Usage.TokensOut += tokensOut
	}
	if ev.TotalCostUSD > 0 {
		agent.Usage.CostUSD += ev.TotalCostUSD
	}
}

func agentCostModel(m *Manager, agentID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.agents[agentID]; ok {
		return a.Model
	}
	return ""
}

// modelPricePerMTok is a minimal per-model (input, output) USD price
// table per million tokens, used to estimate the cost of every newly
// seen assistant message; a `result` event's total_cost_usd is added
// on top of these estimates.
var modelPricePerMTok = map[string][2]float64{
	"default": {3.0, 15.0},
}

func estimateCost(model string, tokensIn, tokensOut int64) float64 {
	price, ok := modelPricePerMTok[model]
	if !ok {
		price = modelPricePerMTok["default"]
	}
	return float64(tokensIn)/1e6*price[0] + float64(tokensOut)/1e6*price[1]
}

// appendToBatchLocked appends ev's JSONL to the persist batch, to the
// ring buffer, and to the listener batch, arming the flush timer if
// not already armed (spec §4.E.2 step 5). Caller holds proc.mu.
func (m *Manager) appendToBatchLocked(proc *AgentProcess, agentID string, ev domain.StreamEvent) {
	line, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("runner: marshal event failed", logger.FieldAgentID, agentID, logger.FieldError, err)
		return
	}
	proc.persistBatch = append(proc.persistBatch, line)
	proc.ring.push(ev)
	proc.listenerBatch = append(proc.listenerBatch, ev)

	if !proc.flushArmed {
		proc.flushArmed = true
		time.AfterFunc(FlushInterval, func() { m.flushEventBatch(agentID) })
	}
}

// recordEvent is used for synthetic events (user_prompt, done,
// destroyed, watchdog) that don't come from the child's stdout.
func (m *Manager) recordEvent(agentID string, ev domain.StreamEvent) {
	m.mu.RLock()
	proc := m.processes[agentID]
	m.mu.RUnlock()
	if proc == nil {
		return
	}
	proc.mu.Lock()
	m.appendToBatchLocked(proc, agentID, ev)
	proc.mu.Unlock()
}

// flushEventBatch swaps out the persist and listener batches and
// delivers each pending event to disk (via the per-agent serialized
// append) and to every listener, catching per-listener errors (spec
// §4.E.2 Flush).
func (m *Manager) flushEventBatch(agentID string) {
	m.mu.RLock()
	proc := m.processes[agentID]
	m.mu.RUnlock()
	if proc == nil {
		return
	}

	proc.mu.Lock()
	toPersist := proc.persistBatch
	proc.persistBatch = nil
	toNotify := proc.listenerBatch
	proc.listenerBatch = nil
	proc.flushArmed = false
	listeners := make([]listener, 0, len(proc.listeners))
	for _, l := range proc.listeners {
		listeners = append(listeners, l)
	}
	proc.mu.Unlock()

	if len(toPersist) > 0 {
		if err := m.persist.AppendEvents(agentID, toPersist); err != nil {
			logger.Warn("runner: append events failed", logger.FieldAgentID, agentID, logger.FieldError, err)
		}
	}

	for _, ev := range toNotify {
		if m.onEvent != nil {
			safeNotify(func() { m.onEvent(agentID, ev) })
		}
		for _, l := range listeners {
			cb := l.cb
			safeNotify(func() { cb(ev) })
		}
	}
}

func safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("runner: listener panicked", logger.FieldError, r)
		}
	}()
	fn()
}

// GetEvents returns up to RingSize most recent events for id, serving
// from the in-memory ring if populated, else streaming from disk and
// hydrating the ring for subsequent reads (spec §4.E.6).
func (m *Manager) GetEvents(agentID string) ([]domain.StreamEvent, error) {
	m.mu.RLock()
	proc := m.processes[agentID]
	m.mu.RUnlock()
	if proc == nil {
		return nil, nil
	}

	proc.mu.Lock()
	if proc.ring.total > 0 {
		out := proc.ring.snapshot()
		proc.mu.Unlock()
		return out, nil
	}
	proc.mu.Unlock()

	events, err := m.persist.ReadEvents(agentID)
	if err != nil {
		return nil, err
	}

	proc.mu.Lock()
	for _, ev := range events {
		proc.ring.push(ev)
	}
	proc.mu.Unlock()

	if len(events) > RingSize {
		events = events[len(events)-RingSize:]
	}
	return events, nil
}

// Subscribe registers a per-subscription listener for agentID's
// events, in arrival order.
func (m *Manager) Subscribe(agentID string, cb func(domain.StreamEvent)) (func(), bool) {
	m.mu.RLock()
	proc := m.processes[agentID]
	m.mu.RUnlock()
	if proc == nil {
		return nil, false
	}
	return proc.addListener(cb), true
}
