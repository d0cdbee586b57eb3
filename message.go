package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// messageRole enumerates the roles a transcript entry can carry.
type messageRole string

const (
	roleUser              messageRole = "user"
	roleAssistant         messageRole = "assistant"
	roleError             messageRole = "error"
	roleInteractivePrompt messageRole = "interactive-prompt"
)

// toolOutcome is the result half of a tool invocation, attached after correlation.
type toolOutcome struct {
	content string
	isError bool
}

// chatMessage is one normalized transcript entry. A message stays mutable while
// isStreaming is true or a tool result is still expected; afterwards it is
// treated as immutable. The transcript owns the sequence; adapters and the
// correlator only produce or patch entries.
type chatMessage struct {
	role      messageRole
	content   string
	timestamp time.Time
	key       orderKey
	sourceID  string

	isToolUse  bool
	toolName   string
	toolID     string
	toolInput  json.RawMessage
	toolResult *toolOutcome

	isStreaming bool
	reasoning   string

	// Ordering hints carried from the source record. Never exposed to
	// callers: sources disagree on numbering, so only the derived key is.
	nativeSeq    int64
	hasNativeSeq bool
	rowID        int64
	hasRowID     bool
}

// strongestSeq returns the most precise source-native ordering value available.
func (m *chatMessage) strongestSeq() (int64, bool) {
	if m.hasNativeSeq {
		return m.nativeSeq, true
	}
	if m.hasRowID {
		return m.rowID, true
	}
	return 0, false
}

// orderKey is the derived total-order key. Entries compare by block, then the
// per-block sequence value, then insertion order. Backfilled pages get
// decreasing negative blocks so an older page always sorts before everything
// already present, regardless of how its timestamps relate to live entries.
type orderKey struct {
	block int64
	seq   int64
	tie   int64
}

func (k orderKey) less(o orderKey) bool {
	if k.block != o.block {
		return k.block < o.block
	}
	if k.seq != o.seq {
		return k.seq < o.seq
	}
	return k.tie < o.tie
}

func (k orderKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.block, k.seq, k.tie)
}

type deltaKind int

const (
	deltaSkip deltaKind = iota
	deltaNewMessage
	deltaAppendText
	deltaAttachToolResult
	deltaFinalizeStream
)

// recordDelta is the tagged intermediate record both source adapters emit.
// The kind selects which fields are meaningful:
//   - deltaNewMessage: message
//   - deltaAppendText: text (a streaming fragment)
//   - deltaAttachToolResult: toolID, result
//   - deltaFinalizeStream: text, when non-empty, is the authoritative full
//     body that replaces any partial streamed content
//   - deltaSkip: nothing; the record was malformed or filtered
type recordDelta struct {
	kind      deltaKind
	message   *chatMessage
	text      string
	reasoning bool // deltaAppendText targets the reasoning side channel
	toolID    string
	result    toolOutcome
}

const maxDisplayBytes = 100_000 // truncate very long text content for display

// sanitizeForTerminal strips non-printable characters that corrupt terminal
// output. If more than 10% of the content is non-printable, it's treated as
// binary and replaced with a placeholder showing the byte count. Applied at
// render time only; stored content is untouched.
func sanitizeForTerminal(s string) string {
	if len(s) == 0 {
		return s
	}
	nonPrintable := 0
	total := 0
	for _, r := range s {
		total++
		if r != '\n' && r != '\r' && r != '\t' && (r < 32 || r == 127 || (r >= 0x80 && r <= 0x9F)) {
			nonPrintable++
		}
	}
	if total > 0 && nonPrintable*10 > total {
		return fmt.Sprintf("[binary content, %s]", formatByteSizeCompact(int64(len(s))))
	}

	truncated := false
	if len(s) > maxDisplayBytes {
		// Truncate at a rune boundary
		for i := range s {
			if i >= maxDisplayBytes {
				s = s[:i]
				truncated = true
				break
			}
		}
	}

	var result string
	if nonPrintable == 0 {
		result = s
	} else {
		var b strings.Builder
		b.Grow(len(s))
		for _, r := range s {
			if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127 && !(r >= 0x80 && r <= 0x9F)) {
				b.WriteRune(r)
			}
		}
		result = b.String()
	}
	if truncated {
		result += fmt.Sprintf("\n\n[truncated — full content is %s]", formatByteSizeCompact(int64(len(s))))
	}
	return result
}

func formatByteSizeCompact(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}
	if bytes < 1024*1024 {
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	}
	return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
}

// parseRecordTime resolves a record timestamp from a primary string field with
// an untyped fallback. JSON numbers decode as float64; the sources that send
// numbers use epoch milliseconds.
func parseRecordTime(primary string, fallback any) time.Time {
	if ts, ok := parseTimeString(primary); ok {
		return ts
	}
	switch v := fallback.(type) {
	case string:
		if ts, ok := parseTimeString(v); ok {
			return ts
		}
	case float64:
		ms := int64(v)
		if ms > 0 {
			return time.UnixMilli(ms)
		}
	}
	return time.Time{}
}

func parseTimeString(s string) (time.Time, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return time.Time{}, false
	}
	if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return parsed, true
	}
	// SQLite bare datetime (stored as UTC, no timezone indicator)
	if parsed, err := time.Parse("2006-01-02 15:04:05", trimmed); err == nil {
		return parsed, true
	}
	return time.Time{}, false
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}
