package main

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Event kinds on the bidirectional live channel.
const (
	eventSessionCreated = "session-created"
	eventTurnContent    = "turn-content"
	eventRawOutput      = "raw-output-chunk"
	eventStatus         = "status"
	eventError          = "error"
	eventSessionAborted = "session-aborted"
	eventCompletion     = "completion"
)

// liveEvent is one frame from the live channel.
type liveEvent struct {
	Type      string     `json:"type"`
	SessionID string     `json:"sessionId"`
	Parts     []turnPart `json:"parts"`
	Chunk     string     `json:"chunk"`
	Status    string     `json:"status"`
	Message   string     `json:"message"`
	Result    string     `json:"result"`
	Timestamp string     `json:"timestamp"`
}

// turnPart is one typed part inside a turn-content event.
type turnPart struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// liveAdapter translates live channel frames into normalized record deltas.
// It performs no ordering and never lets a malformed payload escape: bad
// frames are logged and skipped. Session-identifier conflicts are raised to
// the consumer instead of being resolved here.
type liveAdapter struct {
	log *zap.Logger
	now func() time.Time

	sessionID        string
	onSessionCreated func(id string)
	onSessionSwitch  func(id string)
}

func newLiveAdapter(log *zap.Logger) *liveAdapter {
	return &liveAdapter{log: log, now: time.Now}
}

// handle consumes one raw frame and returns zero or more deltas.
func (a *liveAdapter) handle(raw []byte) []recordDelta {
	var ev liveEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		a.log.Warn("malformed live event", zap.Error(err), zap.Int("bytes", len(raw)))
		return []recordDelta{{kind: deltaSkip}}
	}

	switch ev.Type {
	case eventSessionCreated:
		a.trackSession(ev.SessionID)
		return nil
	case eventTurnContent:
		if ev.SessionID != "" && a.sessionID != "" && ev.SessionID != a.sessionID {
			a.signalSwitch(ev.SessionID)
			return []recordDelta{{kind: deltaSkip}}
		}
		return a.handleParts(ev)
	case eventRawOutput:
		if ev.Chunk == "" {
			return nil
		}
		return []recordDelta{{kind: deltaAppendText, text: ev.Chunk}}
	case eventStatus:
		return nil
	case eventError:
		return []recordDelta{
			{kind: deltaFinalizeStream},
			{kind: deltaNewMessage, message: &chatMessage{
				role:      roleError,
				content:   ev.Message,
				timestamp: a.eventTime(ev),
			}},
		}
	case eventSessionAborted:
		// A remote abort (another client) must leave the same terminal marker
		// a local abort does.
		return []recordDelta{
			{kind: deltaFinalizeStream},
			{kind: deltaNewMessage, message: &chatMessage{
				role:      roleError,
				content:   interruptionNotice,
				timestamp: a.eventTime(ev),
			}},
		}
	case eventCompletion:
		return []recordDelta{{kind: deltaFinalizeStream, text: ev.Result}}
	default:
		a.log.Warn("unknown live event type", zap.String("type", ev.Type))
		return []recordDelta{{kind: deltaSkip}}
	}
}

func (a *liveAdapter) handleParts(ev liveEvent) []recordDelta {
	ts := a.eventTime(ev)
	deltas := make([]recordDelta, 0, len(ev.Parts))
	for _, part := range ev.Parts {
		switch part.Type {
		case "text":
			if part.Text == "" {
				continue
			}
			deltas = append(deltas, recordDelta{kind: deltaAppendText, text: part.Text})
		case "thinking", "reasoning":
			text := part.Thinking
			if text == "" {
				text = part.Text
			}
			if text == "" {
				continue
			}
			deltas = append(deltas, recordDelta{kind: deltaAppendText, text: text, reasoning: true})
		case "tool_use", "tool-call":
			if part.ID == "" {
				a.log.Warn("tool-use part without id", zap.String("name", part.Name))
				deltas = append(deltas, recordDelta{kind: deltaSkip})
				continue
			}
			deltas = append(deltas, recordDelta{kind: deltaNewMessage, message: &chatMessage{
				role:      roleAssistant,
				timestamp: ts,
				sourceID:  part.ID,
				isToolUse: true,
				toolName:  part.Name,
				toolID:    part.ID,
				toolInput: part.Input,
			}})
		case "tool_result", "tool-result":
			if part.ToolUseID == "" {
				a.log.Warn("tool-result part without tool_use_id")
				deltas = append(deltas, recordDelta{kind: deltaSkip})
				continue
			}
			deltas = append(deltas, recordDelta{
				kind:   deltaAttachToolResult,
				toolID: part.ToolUseID,
				result: toolOutcome{
					content: normalizeMessageContent(part.Content),
					isError: part.IsError,
				},
			})
		case "interactive_prompt", "prompt":
			if part.Text == "" {
				continue
			}
			deltas = append(deltas, recordDelta{kind: deltaNewMessage, message: &chatMessage{
				role:      roleInteractivePrompt,
				content:   part.Text,
				timestamp: ts,
			}})
		default:
			a.log.Warn("unknown turn part type", zap.String("type", part.Type))
			deltas = append(deltas, recordDelta{kind: deltaSkip})
		}
	}
	return deltas
}

func (a *liveAdapter) trackSession(id string) {
	if id == "" {
		return
	}
	switch {
	case a.sessionID == "":
		a.sessionID = id
		if a.onSessionCreated != nil {
			a.onSessionCreated(id)
		}
	case a.sessionID != id:
		a.signalSwitch(id)
	}
}

func (a *liveAdapter) signalSwitch(id string) {
	a.log.Info("session switch detected",
		zap.String("tracked", a.sessionID),
		zap.String("incoming", id))
	if a.onSessionSwitch != nil {
		a.onSessionSwitch(id)
	}
}

// adoptSession is called by the consumer after it has decided how to handle a
// session switch.
func (a *liveAdapter) adoptSession(id string) {
	a.sessionID = id
}

func (a *liveAdapter) eventTime(ev liveEvent) time.Time {
	if ts, ok := parseTimeString(ev.Timestamp); ok {
		return ts
	}
	return a.now()
}
