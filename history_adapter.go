package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// rawHistoryRecord is one line-oriented history row as fetched from storage.
type rawHistoryRecord struct {
	rowID   int64
	seq     int64
	hasSeq  bool
	payload []byte
}

// blobRecord is one opaque record from the embedded-database source. The data
// may or may not decode to structured JSON.
type blobRecord struct {
	blobID int64
	seq    int64
	data   []byte
}

// historyLine is the top-level JSON object of a line-oriented record. Older
// records carry role/content directly; newer ones nest them under message.
type historyLine struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Message   json.RawMessage `json:"message"`
}

// lineMessage is the nested message payload within a history line.
type lineMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp any             `json:"timestamp"`
}

// contentBlock supports the typed content block formats of both backends.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Reasoning string          `json:"reasoning"`
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Input     json.RawMessage `json:"input"`
	Arguments json.RawMessage `json:"arguments"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

// historyAdapter translates stored history records into the same normalized
// delta stream the live adapter emits, tagged with the record's native
// sequence and row identifier so the orderer can use the strongest key.
type historyAdapter struct {
	log *zap.Logger
}

func newHistoryAdapter(log *zap.Logger) *historyAdapter {
	return &historyAdapter{log: log}
}

// normalizeRecords handles the line-oriented shape: sequential turns with
// embedded tool_use/tool_result parts sharing a correlation id. System-role
// records are filtered out entirely; malformed payloads are skipped.
func (a *historyAdapter) normalizeRecords(records []rawHistoryRecord) []recordDelta {
	deltas := make([]recordDelta, 0, len(records))
	for _, rec := range records {
		deltas = append(deltas, a.normalizeOne(rec)...)
	}
	return deltas
}

// normalizeBlobs handles the embedded-database shape: each blob is content-
// sniffed for UTF-8 and embedded JSON. Hex-encoded payloads are decoded
// first; partially binary blobs get boundary extraction. Blobs that do not
// yield valid structured content are silently dropped.
func (a *historyAdapter) normalizeBlobs(blobs []blobRecord) []recordDelta {
	deltas := make([]recordDelta, 0, len(blobs))
	for _, blob := range blobs {
		payload, ok := extractBlobJSON(blob.data)
		if !ok {
			a.log.Debug("dropping undecodable blob",
				zap.Int64("blob_id", blob.blobID),
				zap.Int("bytes", len(blob.data)))
			continue
		}
		deltas = append(deltas, a.normalizeOne(rawHistoryRecord{
			rowID:   blob.blobID,
			seq:     blob.seq,
			hasSeq:  true,
			payload: payload,
		})...)
	}
	return deltas
}

func (a *historyAdapter) normalizeOne(rec rawHistoryRecord) []recordDelta {
	var line historyLine
	if err := json.Unmarshal(rec.payload, &line); err != nil {
		a.log.Warn("malformed history record", zap.Int64("row_id", rec.rowID), zap.Error(err))
		return []recordDelta{{kind: deltaSkip}}
	}

	role := line.Role
	content := line.Content
	fallbackTime := any(nil)
	if len(line.Message) > 0 {
		var msg lineMessage
		if err := json.Unmarshal(line.Message, &msg); err != nil {
			a.log.Warn("malformed nested message", zap.Int64("row_id", rec.rowID), zap.Error(err))
			return []recordDelta{{kind: deltaSkip}}
		}
		if msg.Role != "" {
			role = msg.Role
		}
		if len(msg.Content) > 0 {
			content = msg.Content
		}
		fallbackTime = msg.Timestamp
	}

	if role == "system" {
		return nil
	}
	if role == "" && len(content) == 0 {
		return []recordDelta{{kind: deltaSkip}}
	}

	ts := parseRecordTime(line.Timestamp, fallbackTime)
	base := chatMessage{
		role:         normalizeHistoryRole(role),
		timestamp:    ts,
		sourceID:     line.ID,
		nativeSeq:    rec.seq,
		hasNativeSeq: rec.hasSeq,
		rowID:        rec.rowID,
		hasRowID:     rec.rowID != 0,
	}
	if base.sourceID == "" {
		base.sourceID = fmt.Sprintf("row-%d", rec.rowID)
	}
	return a.expandContent(base, content)
}

// expandContent splits one record into deltas: text and reasoning blocks
// collapse into a single message, while each tool_use and tool_result part
// becomes its own delta so the correlator can pair them across records.
func (a *historyAdapter) expandContent(base chatMessage, content json.RawMessage) []recordDelta {
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		msg := base
		msg.content = strings.TrimSpace(asString)
		return []recordDelta{{kind: deltaNewMessage, message: &msg}}
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		msg := base
		msg.content = normalizeMessageContent(content)
		if msg.content == "" {
			return []recordDelta{{kind: deltaSkip}}
		}
		return []recordDelta{{kind: deltaNewMessage, message: &msg}}
	}

	var (
		deltas    []recordDelta
		texts     []string
		reasoning []string
	)
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) != "" {
				texts = append(texts, strings.TrimSpace(block.Text))
			}
		case "thinking", "reasoning":
			for _, candidate := range []string{block.Thinking, block.Reasoning, block.Text} {
				if strings.TrimSpace(candidate) != "" {
					reasoning = append(reasoning, strings.TrimSpace(candidate))
					break
				}
			}
		case "tool_use", "toolCall":
			if block.ID == "" {
				a.log.Warn("history tool-use block without id", zap.String("name", block.Name))
				continue
			}
			input := block.Input
			if len(input) == 0 {
				input = block.Arguments
			}
			msg := base
			msg.isToolUse = true
			msg.toolName = block.Name
			msg.toolID = block.ID
			msg.toolInput = input
			deltas = append(deltas, recordDelta{kind: deltaNewMessage, message: &msg})
		case "tool_result", "toolResult":
			if block.ToolUseID == "" {
				a.log.Warn("history tool-result block without tool_use_id")
				continue
			}
			body := strings.TrimSpace(block.Text)
			if body == "" {
				body = normalizeMessageContent(block.Content)
			}
			deltas = append(deltas, recordDelta{
				kind:   deltaAttachToolResult,
				toolID: block.ToolUseID,
				result: toolOutcome{content: body, isError: block.IsError},
			})
		default:
			if strings.TrimSpace(block.Text) != "" {
				texts = append(texts, strings.TrimSpace(block.Text))
			}
		}
	}

	if len(texts) > 0 || len(reasoning) > 0 {
		msg := base
		msg.content = strings.Join(texts, "\n")
		msg.reasoning = strings.Join(reasoning, "\n")
		deltas = append([]recordDelta{{kind: deltaNewMessage, message: &msg}}, deltas...)
	}
	if len(deltas) == 0 {
		return []recordDelta{{kind: deltaSkip}}
	}
	return deltas
}

func normalizeHistoryRole(role string) messageRole {
	switch role {
	case "user":
		return roleUser
	case "assistant":
		return roleAssistant
	case "error":
		return roleError
	case "interactive-prompt", "interactive_prompt":
		return roleInteractivePrompt
	default:
		return roleAssistant
	}
}

// extractBlobJSON sniffs an opaque blob for embedded JSON. Fully hex-encoded
// payloads are decoded first. For partially binary data the candidate is the
// span from the first '{' to the last '}'; this is a best-effort heuristic
// and can misparse blobs holding multiple independent objects.
func extractBlobJSON(data []byte) (json.RawMessage, bool) {
	if len(data) == 0 {
		return nil, false
	}
	if decoded, ok := tryHexDecode(data); ok {
		data = decoded
	}

	start := bytes.IndexByte(data, '{')
	end := bytes.LastIndexByte(data, '}')
	if start < 0 || end < start {
		return nil, false
	}
	candidate := data[start : end+1]
	if !utf8.Valid(candidate) || !json.Valid(candidate) {
		return nil, false
	}
	return json.RawMessage(candidate), true
}

func tryHexDecode(data []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) < 2 || len(trimmed)%2 != 0 {
		return nil, false
	}
	for _, b := range trimmed {
		if !isHexDigit(b) {
			return nil, false
		}
	}
	decoded, err := hex.DecodeString(string(trimmed))
	if err != nil {
		return nil, false
	}
	return decoded, true
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// normalizeMessageContent flattens an arbitrarily shaped content payload into
// display text: a bare string, a block array, or anything else via a generic
// fallback.
func normalizeMessageContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.TrimSpace(asString)
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, block := range blocks {
			part := formatContentBlock(block)
			if part != "" {
				parts = append(parts, part)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}

	var asAny any
	if err := json.Unmarshal(raw, &asAny); err == nil {
		return strings.TrimSpace(fmt.Sprintf("%v", asAny))
	}
	return strings.TrimSpace(string(raw))
}

func formatContentBlock(block contentBlock) string {
	switch block.Type {
	case "text":
		return strings.TrimSpace(block.Text)
	case "thinking", "reasoning":
		for _, candidate := range []string{block.Thinking, block.Reasoning, block.Text} {
			if strings.TrimSpace(candidate) != "" {
				return "[thinking] " + strings.TrimSpace(candidate)
			}
		}
		return "[thinking]"
	case "tool_use", "toolCall":
		name := strings.TrimSpace(block.Name)
		if name == "" {
			name = "unknown"
		}
		args := strings.TrimSpace(string(block.Input))
		if args == "" {
			args = strings.TrimSpace(string(block.Arguments))
		}
		if args == "" || args == "null" {
			return fmt.Sprintf("[tool_use] %s", name)
		}
		return fmt.Sprintf("[tool_use] %s %s", name, args)
	case "tool_result", "toolResult":
		if strings.TrimSpace(block.Text) != "" {
			return "[tool_result] " + strings.TrimSpace(block.Text)
		}
		if len(block.Content) > 0 {
			nested := normalizeMessageContent(block.Content)
			if nested != "" {
				return "[tool_result] " + nested
			}
		}
		return "[tool_result]"
	default:
		if strings.TrimSpace(block.Text) != "" {
			return strings.TrimSpace(block.Text)
		}
		if len(block.Content) > 0 {
			nested := normalizeMessageContent(block.Content)
			if nested != "" {
				return nested
			}
		}
		if block.Type != "" {
			return "[" + block.Type + "]"
		}
		return ""
	}
}
