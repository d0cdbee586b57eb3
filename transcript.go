package main

import "time"

// transcript is the authoritative in-memory ordered sequence of normalized
// messages. It combines the orderer (key assignment, append/prepend merge)
// with the store (arena ownership, read-only view for the UI).
//
// The arena holds every message ever merged; order holds arena indexes in key
// order. Mutation in place (streaming append, tool-result attach) goes through
// the arena pointer, so already-rendered entries keep their identity.
type transcript struct {
	arena []*chatMessage
	order []int

	insertSeq int64 // global insertion counter, breaks all remaining ties
	minBlock  int64 // block assigned to the next prepended page
}

func newTranscript() *transcript {
	return &transcript{}
}

func (t *transcript) len() int {
	return len(t.order)
}

// messages returns the ordered transcript as a read-only view. The slice is
// fresh on every call; the pointed-to messages are shared.
func (t *transcript) messages() []*chatMessage {
	out := make([]*chatMessage, len(t.order))
	for i, idx := range t.order {
		out[i] = t.arena[idx]
	}
	return out
}

func (t *transcript) last() *chatMessage {
	if len(t.order) == 0 {
		return nil
	}
	return t.arena[t.order[len(t.order)-1]]
}

// openStreaming returns the single message currently open for streaming
// append, or nil. Only the most recent entry qualifies: an older message with
// a stale isStreaming flag is not a valid append target.
func (t *transcript) openStreaming() *chatMessage {
	msg := t.last()
	if msg == nil {
		return nil
	}
	if msg.role == roleAssistant && !msg.isToolUse && msg.isStreaming {
		return msg
	}
	return nil
}

// mergeAppend assigns each record an order key monotonically after the
// current maximum and pushes it to the tail. The source-native sequence (or
// row id) is used when present; otherwise a synthetic counter continues from
// the current maximum.
func (t *transcript) mergeAppend(msgs []*chatMessage) {
	for _, msg := range msgs {
		t.appendOne(msg)
	}
}

func (t *transcript) appendOne(msg *chatMessage) {
	t.insertSeq++
	key := orderKey{block: 0, seq: 0, tie: t.insertSeq}
	if seq, ok := msg.strongestSeq(); ok {
		key.seq = seq
	}
	if max, ok := t.maxKey(); ok {
		if key.block < max.block {
			key.block = max.block
		}
		if !max.less(key) {
			// Never insert at or before the current tail: a native sequence
			// that runs backwards still lands after everything present.
			key = orderKey{block: max.block, seq: max.seq, tie: t.insertSeq}
		}
	}
	msg.key = key
	t.arena = append(t.arena, msg)
	t.order = append(t.order, len(t.arena)-1)
}

// mergePrepend inserts an older page as a contiguous block strictly before the
// current minimum, preserving the intra-page order given by the source.
// Existing entries are never re-sorted or touched.
func (t *transcript) mergePrepend(msgs []*chatMessage) {
	if len(msgs) == 0 {
		return
	}
	t.minBlock--
	block := t.minBlock

	indexes := make([]int, 0, len(msgs))
	var prev orderKey
	for i, msg := range msgs {
		t.insertSeq++
		key := orderKey{block: block, seq: int64(i), tie: t.insertSeq}
		if seq, ok := msg.strongestSeq(); ok {
			key.seq = seq
		}
		if i > 0 && !prev.less(key) {
			// A key-less record between native-keyed ones must not sort
			// before its predecessor; the tie counter keeps it strictly after.
			key = orderKey{block: block, seq: prev.seq, tie: t.insertSeq}
		}
		prev = key
		msg.key = key
		t.arena = append(t.arena, msg)
		indexes = append(indexes, len(t.arena)-1)
	}
	t.order = append(indexes, t.order...)
}

func (t *transcript) maxKey() (orderKey, bool) {
	msg := t.last()
	if msg == nil {
		return orderKey{}, false
	}
	return msg.key, true
}

// clear drops the whole transcript. Used on explicit new-session only; there
// is no per-message delete.
func (t *transcript) clear() {
	t.arena = nil
	t.order = nil
	t.insertSeq = 0
	t.minBlock = 0
}

// appendStreaming adds flushed fragment text: appended to the open streaming
// message when one exists, otherwise a new streaming assistant message is
// created with the text as initial content.
func (t *transcript) appendStreaming(text string, now time.Time) {
	if open := t.openStreaming(); open != nil {
		open.content += text
		return
	}
	t.mergeAppend([]*chatMessage{{
		role:        roleAssistant,
		content:     text,
		timestamp:   now,
		isStreaming: true,
	}})
}

// appendReasoning adds side-channel reasoning text to the open streaming
// message, creating one with empty content when none is open.
func (t *transcript) appendReasoning(text string, now time.Time) {
	if open := t.openStreaming(); open != nil {
		open.reasoning += text
		return
	}
	t.mergeAppend([]*chatMessage{{
		role:        roleAssistant,
		timestamp:   now,
		isStreaming: true,
		reasoning:   text,
	}})
}

// replaceStreaming installs authoritative final text. An open streaming
// message has its content replaced, not appended, so partial deltas cannot
// drift from the true final body; without one, non-empty text becomes a new
// finalized message.
func (t *transcript) replaceStreaming(text string, now time.Time) {
	if open := t.openStreaming(); open != nil {
		open.content = text
		open.isStreaming = false
		return
	}
	if text == "" {
		return
	}
	t.mergeAppend([]*chatMessage{{
		role:      roleAssistant,
		content:   text,
		timestamp: now,
	}})
}

// finalizeStream closes the open streaming message, if any.
func (t *transcript) finalizeStream() {
	if open := t.openStreaming(); open != nil {
		open.isStreaming = false
	}
}

const interruptionNotice = "Session interrupted by user."

// appendInterruption records that the turn was aborted mid-generation.
func (t *transcript) appendInterruption(now time.Time) {
	t.mergeAppend([]*chatMessage{{
		role:      roleError,
		content:   interruptionNotice,
		timestamp: now,
	}})
}
