package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicVersion   = "2023-06-01"
	claudeDefaultModel = "claude-sonnet-4-20250514"
	claudeBaseURL      = "https://api.anthropic.com"
	cursorBaseURL      = "http://127.0.0.1:8765"
	defaultHTTPTimeout = 180 * time.Second
	maxStreamTokens    = 8192
)

type apiErrorEnvelope struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// newBackendClient picks the client for the configured provider.
func newBackendClient(cfg appConfig) backendClient {
	httpClient := &http.Client{} // streaming responses; cancellation via context
	if cfg.Provider == providerCursor {
		base := cfg.BaseURL
		if base == "" {
			base = cursorBaseURL
		}
		return &cursorClient{baseURL: base, model: cfg.CursorModel, http: httpClient}
	}
	base := cfg.BaseURL
	if base == "" {
		base = claudeBaseURL
	}
	return &claudeClient{apiKey: cfg.APIKey, baseURL: base, model: claudeDefaultModel, http: httpClient}
}

func emitLiveEvent(emit func(raw []byte), ev liveEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	emit(raw)
}

// claudeClient drives the Claude-style backend: a streaming messages request
// whose SSE frames are translated into the live event vocabulary.
type claudeClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

type claudeRequest struct {
	Model     string                 `json:"model"`
	MaxTokens int                    `json:"max_tokens"`
	Stream    bool                   `json:"stream"`
	Messages  []claudeRequestMessage `json:"messages"`
}

type claudeRequestMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type claudeStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *claudeClient) startTurn(ctx context.Context, cmd turnCommand, emit func(raw []byte)) error {
	if strings.TrimSpace(c.apiKey) == "" {
		return errors.New("missing API key")
	}

	reqBody := claudeRequest{
		Model:     c.model,
		MaxTokens: maxStreamTokens,
		Stream:    true,
		Messages:  []claudeRequestMessage{{Role: "user", Content: buildClaudeContent(cmd)}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call messages API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		var apiErr apiErrorEnvelope
		if json.Unmarshal(body, &apiErr) == nil && strings.TrimSpace(apiErr.Error.Message) != "" {
			return fmt.Errorf("messages API %d %s: %s", resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
		}
		return fmt.Errorf("messages API %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return c.consumeStream(resp.Body, cmd, emit)
}

// pendingToolBlock accumulates a tool_use block whose input arrives as
// partial JSON deltas.
type pendingToolBlock struct {
	id    string
	name  string
	input strings.Builder
}

func (c *claudeClient) consumeStream(body io.Reader, cmd turnCommand, emit func(raw []byte)) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	pending := make(map[int]*pendingToolBlock)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev claudeStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			if cmd.sessionKey == "" && ev.Message.ID != "" {
				emitLiveEvent(emit, liveEvent{Type: eventSessionCreated, SessionID: ev.Message.ID})
			}
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				pending[ev.Index] = &pendingToolBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				emitLiveEvent(emit, liveEvent{Type: eventTurnContent, Parts: []turnPart{{Type: "text", Text: ev.Delta.Text}}})
			case "thinking_delta":
				emitLiveEvent(emit, liveEvent{Type: eventTurnContent, Parts: []turnPart{{Type: "thinking", Thinking: ev.Delta.Thinking}}})
			case "input_json_delta":
				if block, ok := pending[ev.Index]; ok {
					block.input.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			if block, ok := pending[ev.Index]; ok {
				delete(pending, ev.Index)
				input := json.RawMessage(block.input.String())
				if !json.Valid(input) {
					input = nil
				}
				emitLiveEvent(emit, liveEvent{Type: eventTurnContent, Parts: []turnPart{{
					Type:  "tool_use",
					ID:    block.id,
					Name:  block.name,
					Input: input,
				}}})
			}
		case "message_stop":
			emitLiveEvent(emit, liveEvent{Type: eventCompletion})
		case "error":
			emitLiveEvent(emit, liveEvent{Type: eventError, Message: ev.Error.Message})
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan event stream: %w", err)
	}
	return nil
}

func buildClaudeContent(cmd turnCommand) any {
	if len(cmd.attachments) == 0 {
		return cmd.text
	}
	blocks := make([]map[string]any, 0, len(cmd.attachments)+1)
	for _, att := range cmd.attachments {
		blocks = append(blocks, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": att.mediaType,
				"data":       base64.StdEncoding.EncodeToString(att.data),
			},
		})
	}
	blocks = append(blocks, map[string]any{"type": "text", "text": cmd.text})
	return blocks
}

func (c *claudeClient) abortTurn(_ context.Context, _ string) error {
	// The stream request is torn down by context cancellation; there is no
	// separate abort endpoint.
	return nil
}

// cursorClient drives the Cursor-style agent endpoint, which answers with
// newline-delimited JSON events.
type cursorClient struct {
	baseURL string
	model   string
	http    *http.Client
}

type cursorStartRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	SessionID string `json:"sessionId,omitempty"`
	Resume    bool   `json:"resume"`
}

type cursorEvent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	CallID    string          `json:"callId"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Result    json.RawMessage `json:"result"`
	IsError   bool            `json:"isError"`
	SessionID string          `json:"sessionId"`
	Message   string          `json:"message"`
}

func (c *cursorClient) startTurn(ctx context.Context, cmd turnCommand, emit func(raw []byte)) error {
	payload, err := json.Marshal(cursorStartRequest{
		Model:     c.model,
		Prompt:    cmd.text,
		SessionID: cmd.sessionKey,
		Resume:    cmd.resume,
	})
	if err != nil {
		return fmt.Errorf("marshal agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/agent/stream", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call agent endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agent endpoint %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev cursorEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		c.translate(ev, emit)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan agent stream: %w", err)
	}
	return nil
}

func (c *cursorClient) translate(ev cursorEvent, emit func(raw []byte)) {
	switch ev.Type {
	case "sessionCreated":
		emitLiveEvent(emit, liveEvent{Type: eventSessionCreated, SessionID: ev.SessionID})
	case "textDelta":
		emitLiveEvent(emit, liveEvent{Type: eventTurnContent, Parts: []turnPart{{Type: "text", Text: ev.Text}}})
	case "thinkingDelta":
		emitLiveEvent(emit, liveEvent{Type: eventTurnContent, Parts: []turnPart{{Type: "thinking", Thinking: ev.Text}}})
	case "toolCallStarted":
		emitLiveEvent(emit, liveEvent{Type: eventTurnContent, Parts: []turnPart{{
			Type:  "tool_use",
			ID:    ev.CallID,
			Name:  ev.Name,
			Input: ev.Args,
		}}})
	case "toolCallCompleted":
		emitLiveEvent(emit, liveEvent{Type: eventTurnContent, Parts: []turnPart{{
			Type:      "tool_result",
			ToolUseID: ev.CallID,
			Content:   ev.Result,
			IsError:   ev.IsError,
		}}})
	case "interactionQuery":
		emitLiveEvent(emit, liveEvent{Type: eventTurnContent, Parts: []turnPart{{Type: "interactive_prompt", Text: ev.Text}}})
	case "turnEnded":
		emitLiveEvent(emit, liveEvent{Type: eventCompletion, Result: ev.Text})
	case "turnAborted":
		emitLiveEvent(emit, liveEvent{Type: eventSessionAborted, SessionID: ev.SessionID})
	case "error":
		emitLiveEvent(emit, liveEvent{Type: eventError, Message: ev.Message})
	case "heartbeat", "tokenDelta", "summaryStarted", "summaryCompleted":
		// Bookkeeping frames with no transcript effect.
	}
}

func (c *cursorClient) abortTurn(ctx context.Context, sessionKey string) error {
	payload, err := json.Marshal(map[string]string{"sessionId": sessionKey})
	if err != nil {
		return fmt.Errorf("marshal abort request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, defaultHTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/agent/abort", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build abort request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call abort endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("abort endpoint %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
