package main

import (
	"testing"
	"time"
)

func toolUseMessage(id, name string) *chatMessage {
	return &chatMessage{
		role:      roleAssistant,
		timestamp: time.Now(),
		isToolUse: true,
		toolID:    id,
		toolName:  name,
	}
}

func TestAttachResolvesRegisteredToolUseInPlace(t *testing.T) {
	t.Parallel()

	c := newToolCorrelator()
	call := toolUseMessage("t1", "read_file")
	c.register(call)

	standalone := c.attach("t1", toolOutcome{content: "file body"}, time.Now())
	if standalone != nil {
		t.Fatalf("expected in-place attach, got standalone message %q", standalone.content)
	}
	if call.toolResult == nil {
		t.Fatalf("expected tool result attached to the registered call")
	}
	if call.toolResult.content != "file body" {
		t.Fatalf("result content got=%q want=%q", call.toolResult.content, "file body")
	}
	if call.toolResult.isError {
		t.Fatalf("expected non-error result")
	}
}

func TestAttachUnknownIDReturnsStandaloneMessage(t *testing.T) {
	t.Parallel()

	c := newToolCorrelator()
	registered := toolUseMessage("t1", "read_file")
	c.register(registered)

	standalone := c.attach("t-unknown", toolOutcome{content: "orphan", isError: true}, time.Now())
	if standalone == nil {
		t.Fatalf("expected a standalone message for an unknown id")
	}
	if standalone.role != roleAssistant {
		t.Fatalf("standalone role got=%q want=%q", standalone.role, roleAssistant)
	}
	if standalone.toolResult == nil || !standalone.toolResult.isError {
		t.Fatalf("expected the orphan result carried on the standalone message")
	}
	if registered.toolResult != nil {
		t.Fatalf("unknown id must not mutate an existing message")
	}
}

func TestDuplicateToolIDLastRegistrationWins(t *testing.T) {
	t.Parallel()

	c := newToolCorrelator()
	first := toolUseMessage("t1", "read_file")
	second := toolUseMessage("t1", "write_file")
	c.register(first)
	c.register(second)

	if standalone := c.attach("t1", toolOutcome{content: "done"}, time.Now()); standalone != nil {
		t.Fatalf("expected in-place attach to the most recent registration")
	}
	if second.toolResult == nil || second.toolResult.content != "done" {
		t.Fatalf("expected result on the later registration")
	}
	// The earlier message never resolves.
	if first.toolResult != nil {
		t.Fatalf("earlier duplicate registration must keep a nil result")
	}
}

func TestAttachConsumesRegistration(t *testing.T) {
	t.Parallel()

	c := newToolCorrelator()
	call := toolUseMessage("t1", "bash")
	c.register(call)

	if standalone := c.attach("t1", toolOutcome{content: "first"}, time.Now()); standalone != nil {
		t.Fatalf("first attach should resolve in place")
	}
	if standalone := c.attach("t1", toolOutcome{content: "second"}, time.Now()); standalone == nil {
		t.Fatalf("second result for a consumed id should become standalone")
	}
	if call.toolResult.content != "first" {
		t.Fatalf("first result overwritten: got=%q", call.toolResult.content)
	}
}

func TestResetDropsRollingMap(t *testing.T) {
	t.Parallel()

	c := newToolCorrelator()
	c.register(toolUseMessage("t1", "bash"))
	c.reset()

	if standalone := c.attach("t1", toolOutcome{content: "late"}, time.Now()); standalone == nil {
		t.Fatalf("expected standalone message after reset cleared the map")
	}
}

func TestRegisterIgnoresNonToolMessages(t *testing.T) {
	t.Parallel()

	c := newToolCorrelator()
	c.register(textMessage(roleAssistant, "plain"))
	c.register(nil)

	if standalone := c.attach("", toolOutcome{content: "x"}, time.Now()); standalone == nil {
		t.Fatalf("expected standalone message; nothing should have been registered")
	}
}
