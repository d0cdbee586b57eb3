package main

import "time"

// toolCorrelator pairs tool invocations with their eventual results across
// both live and historical sources. The map is scoped to the active session
// and rolls across history pages, so a result arriving in a later page can
// still find a call registered from an earlier one.
type toolCorrelator struct {
	pending map[string]*chatMessage
}

func newToolCorrelator() *toolCorrelator {
	return &toolCorrelator{pending: make(map[string]*chatMessage)}
}

// register records a tool-use message as awaiting a result. If the id is
// already registered, the most recent registration wins for future
// correlation and the earlier message keeps a nil result permanently.
func (c *toolCorrelator) register(msg *chatMessage) {
	if msg == nil || !msg.isToolUse || msg.toolID == "" {
		return
	}
	c.pending[msg.toolID] = msg
}

// attach resolves a tool result. A registered id mutates that message's
// result in place (identity and order key unchanged) and returns nil. An
// unknown id returns a standalone assistant message carrying the result,
// timestamped at receipt, for the caller to merge; results are never dropped.
func (c *toolCorrelator) attach(toolID string, result toolOutcome, now time.Time) *chatMessage {
	if msg, ok := c.pending[toolID]; ok {
		outcome := result
		msg.toolResult = &outcome
		delete(c.pending, toolID)
		return nil
	}
	outcome := result
	return &chatMessage{
		role:       roleAssistant,
		content:    result.content,
		timestamp:  now,
		toolID:     toolID,
		toolResult: &outcome,
	}
}

// reset clears the rolling map on session switch or explicit new-session.
func (c *toolCorrelator) reset() {
	c.pending = make(map[string]*chatMessage)
}
