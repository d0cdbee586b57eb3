package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errTurnInFlight = errors.New("a turn is already in flight")

// historySource is the external read-only message source for past sessions.
type historySource interface {
	fetchPage(ctx context.Context, sessionKey string, limit, offset int) (historyPage, error)
	fetchAll(ctx context.Context, sessionKey string) ([]blobRecord, error)
}

// snapshotWriter is the advisory persistence surface for the transcript.
type snapshotWriter interface {
	saveSnapshot(ctx context.Context, sessionKey, snapshot string) error
}

// attachment rides along with a submitted turn.
type attachment struct {
	name      string
	mediaType string
	data      []byte
}

// turnCommand is the start-turn command sent over the live channel.
type turnCommand struct {
	text        string
	sessionKey  string // empty for a new session
	resume      bool
	options     map[string]any
	attachments []attachment
}

// backendClient drives one backend over the live channel. emit delivers raw
// live-event frames back to the engine in arrival order.
type backendClient interface {
	startTurn(ctx context.Context, cmd turnCommand, emit func(raw []byte)) error
	abortTurn(ctx context.Context, sessionKey string) error
}

// transcriptEngine owns the merge pipeline: both adapters feed the tool
// correlator and stream accumulator, whose output the orderer merges into the
// transcript. All transcript mutation happens under one mutex, standing in
// for the single event-processing context; history fetches run on their own
// goroutine but each page merges atomically.
type transcriptEngine struct {
	mu  sync.Mutex
	log *zap.Logger
	cfg appConfig

	transcript  *transcript
	correlator  *toolCorrelator
	accumulator *streamAccumulator
	pager       *paginationController
	live        *liveAdapter
	history     *historyAdapter

	source    historySource
	snapshots snapshotWriter
	sessions  sessionGuard
	client    backendClient

	sessionKey    string
	turnActive    bool
	pendingSwitch string
	banner        string

	cancelTurn context.CancelFunc
	onChange   func()
	now        func() time.Time
}

func newTranscriptEngine(cfg appConfig, log *zap.Logger, source historySource, snapshots snapshotWriter, sessions sessionGuard, client backendClient, onChange func()) *transcriptEngine {
	e := &transcriptEngine{
		log:        log,
		cfg:        cfg,
		transcript: newTranscript(),
		correlator: newToolCorrelator(),
		live:       newLiveAdapter(log),
		history:    newHistoryAdapter(log),
		source:     source,
		snapshots:  snapshots,
		sessions:   sessions,
		client:     client,
		onChange:   onChange,
		now:        time.Now,
	}
	e.accumulator = newStreamAccumulator(cfg.Debounce, e.flushFromTimer)
	e.pager = newPaginationController(cfg.PageSize, nil, log)
	e.live.onSessionCreated = e.sessionCreatedLocked
	e.live.onSessionSwitch = e.sessionSwitchLocked
	return e
}

// setNearOldest installs the viewport proximity check used to guard backfill.
func (e *transcriptEngine) setNearOldest(fn func() bool) {
	e.pager.nearOldest = fn
}

func (e *transcriptEngine) notify() {
	if e.onChange != nil {
		e.onChange()
	}
}

// messages returns a point-in-time copy of the ordered transcript. Entries
// are detached value copies: the event path mutates open messages in place
// under the lock, and consumers read the returned view without it.
func (e *transcriptEngine) messages() []*chatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	shared := e.transcript.messages()
	out := make([]*chatMessage, len(shared))
	for i, msg := range shared {
		dup := *msg
		if msg.toolResult != nil {
			result := *msg.toolResult
			dup.toolResult = &result
		}
		out[i] = &dup
	}
	return out
}

func (e *transcriptEngine) currentBanner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.banner
}

func (e *transcriptEngine) turnInFlight() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turnActive
}

func (e *transcriptEngine) session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionKey
}

func (e *transcriptEngine) sessionSwitchPending() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingSwitch
}

// handleLiveEvent consumes one raw frame from the live channel. Events are
// processed strictly in arrival order; the lock serializes them with history
// merges and UI reads.
func (e *transcriptEngine) handleLiveEvent(raw []byte) {
	e.mu.Lock()
	deltas := e.live.handle(raw)
	e.applyLiveLocked(deltas)
	e.mu.Unlock()
	e.notify()
}

func (e *transcriptEngine) applyLiveLocked(deltas []recordDelta) {
	for _, d := range deltas {
		switch d.kind {
		case deltaSkip:
		case deltaNewMessage:
			// Buffered fragments precede this record on the wire; flush them
			// first so text keeps its place relative to the new entry.
			e.flushPendingLocked()
			if d.message.isToolUse {
				e.correlator.register(d.message)
			}
			e.transcript.mergeAppend([]*chatMessage{d.message})
		case deltaAppendText:
			if d.reasoning {
				e.transcript.appendReasoning(d.text, e.now())
			} else {
				e.accumulator.fragment(d.text)
			}
		case deltaAttachToolResult:
			if standalone := e.correlator.attach(d.toolID, d.result, e.now()); standalone != nil {
				e.transcript.mergeAppend([]*chatMessage{standalone})
			}
		case deltaFinalizeStream:
			e.finishStreamLocked(d.text)
			e.endTurnLocked()
		}
	}
}

// flushFromTimer is the accumulator's debounce callback. The buffer is
// drained under the engine lock: a timer that lost the race against a
// completion or abort finds it already empty and does nothing.
func (e *transcriptEngine) flushFromTimer() {
	e.mu.Lock()
	text := e.accumulator.drain()
	if text == "" {
		e.mu.Unlock()
		return
	}
	e.transcript.appendStreaming(text, e.now())
	e.mu.Unlock()
	e.notify()
	go e.persistSnapshot()
}

func (e *transcriptEngine) flushPendingLocked() {
	if text := e.accumulator.drain(); text != "" {
		e.transcript.appendStreaming(text, e.now())
	}
}

// finishStreamLocked closes the live stream. Empty authoritative text is a
// plain stop: the remaining buffer is flushed as a final append. Non-empty
// text replaces whatever was streamed, so partial deltas cannot drift from
// the true final body.
func (e *transcriptEngine) finishStreamLocked(authoritative string) {
	if authoritative == "" {
		e.flushPendingLocked()
		e.transcript.finalizeStream()
		return
	}
	e.accumulator.drain()
	e.transcript.replaceStreaming(authoritative, e.now())
}

func (e *transcriptEngine) endTurnLocked() {
	if !e.turnActive {
		return
	}
	e.turnActive = false
	if e.cancelTurn != nil {
		e.cancelTurn = nil
	}
	e.sessions.markInactive(e.sessionKey)
	go e.persistSnapshot()
}

// submitTurn appends the user message, marks the session active, and starts
// the turn on the backend client. The first turn of a fresh transcript runs
// under a temporary session id until the server assigns a real one.
func (e *transcriptEngine) submitTurn(text string, attachments []attachment) error {
	e.mu.Lock()
	if e.turnActive {
		e.mu.Unlock()
		return errTurnInFlight
	}
	resume := e.sessionKey != "" && !isTemporarySessionID(e.sessionKey)
	if e.sessionKey == "" {
		e.sessionKey = newTemporarySessionID()
	}
	key := e.sessionKey
	e.transcript.mergeAppend([]*chatMessage{{
		role:      roleUser,
		content:   text,
		timestamp: e.now(),
	}})
	e.turnActive = true
	e.banner = ""

	cmd := turnCommand{
		text:        text,
		resume:      resume,
		attachments: attachments,
		options: map[string]any{
			"provider": e.cfg.Provider,
			"model":    e.cfg.CursorModel,
		},
	}
	if resume {
		cmd.sessionKey = key
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelTurn = cancel
	e.mu.Unlock()

	e.sessions.markActive(key)
	go func() {
		if err := e.client.startTurn(ctx, cmd, e.handleLiveEvent); err != nil && ctx.Err() == nil {
			e.transportFailure(err)
		}
	}()
	e.notify()
	return nil
}

// abortTurn terminates an in-progress generation: buffered fragments are
// flushed, the stream closes, and an interruption notice is appended.
// Already-flushed content is kept.
func (e *transcriptEngine) abortTurn() {
	e.mu.Lock()
	if e.cancelTurn != nil {
		e.cancelTurn()
		e.cancelTurn = nil
	}
	e.flushPendingLocked()
	e.transcript.finalizeStream()
	e.transcript.appendInterruption(e.now())
	wasActive := e.turnActive
	e.turnActive = false
	key := e.sessionKey
	e.mu.Unlock()

	if wasActive {
		e.sessions.markInactive(key)
		go func() {
			if err := e.client.abortTurn(context.Background(), key); err != nil {
				e.log.Warn("abort command failed", zap.Error(err))
			}
		}()
	}
	e.notify()
}

// transportFailure surfaces a mid-turn transport error as a terminal
// error-role message and clears the loading state.
func (e *transcriptEngine) transportFailure(err error) {
	e.mu.Lock()
	e.flushPendingLocked()
	e.transcript.finalizeStream()
	e.transcript.mergeAppend([]*chatMessage{{
		role:      roleError,
		content:   fmt.Sprintf("connection failed: %v", err),
		timestamp: e.now(),
	}})
	e.turnActive = false
	key := e.sessionKey
	e.mu.Unlock()

	e.sessions.markInactive(key)
	e.notify()
}

// sessionCreatedLocked runs inside handleLiveEvent with the lock held.
func (e *transcriptEngine) sessionCreatedLocked(id string) {
	e.sessions.replaceTemporaryId(id)
	e.sessionKey = id
}

// sessionSwitchLocked records a conflicting session identifier. The transcript
// is left untouched until the consumer resolves the switch.
func (e *transcriptEngine) sessionSwitchLocked(id string) {
	e.pendingSwitch = id
}

// resolveSessionSwitch applies the consumer's decision: preserve keeps the
// current transcript under the new id, otherwise everything is cleared.
func (e *transcriptEngine) resolveSessionSwitch(preserve bool) {
	e.mu.Lock()
	id := e.pendingSwitch
	e.pendingSwitch = ""
	if id == "" {
		e.mu.Unlock()
		return
	}
	if !preserve {
		e.clearLocked()
	}
	e.sessionKey = id
	e.live.adoptSession(id)
	e.mu.Unlock()
	e.notify()
}

// newSession performs the explicit bulk clear and resets all per-session
// state, including the rolling correlation map and pagination cursor.
func (e *transcriptEngine) newSession() {
	e.mu.Lock()
	e.clearLocked()
	e.sessionKey = ""
	e.live.adoptSession("")
	e.mu.Unlock()
	e.notify()
}

func (e *transcriptEngine) clearLocked() {
	e.accumulator.drain()
	e.transcript.clear()
	e.correlator.reset()
	e.pager.reset()
	e.banner = ""
	e.turnActive = false
}

// loadInitial fetches the newest history window for the current session. The
// embedded backend has no pagination contract: its full ordered blob set is
// normalized in one pass and no further pages exist.
func (e *transcriptEngine) loadInitial(ctx context.Context) error {
	if !e.pager.requestInitial() {
		return nil
	}
	if e.cfg.Provider == providerCursor {
		blobs, err := e.source.fetchAll(ctx, e.session())
		if err != nil {
			e.pageFailure(err)
			return err
		}
		e.mergeHistory(e.history.normalizeBlobs(blobs))
		e.pager.onSuccess(historyPage{})
		e.notify()
		return nil
	}
	return e.fetchAndMergePage(ctx)
}

// loadOlder backfills one older page when the pagination guards allow it.
func (e *transcriptEngine) loadOlder(ctx context.Context) error {
	if !e.pager.requestMore() {
		return nil
	}
	return e.fetchAndMergePage(ctx)
}

func (e *transcriptEngine) fetchAndMergePage(ctx context.Context) error {
	limit, offset := e.pager.nextRequest()
	page, err := e.source.fetchPage(ctx, e.session(), limit, offset)
	if err != nil {
		e.pageFailure(err)
		return err
	}
	e.mergeHistory(e.history.normalizeRecords(page.records))
	e.pager.onSuccess(page)
	e.mu.Lock()
	e.banner = ""
	e.mu.Unlock()
	e.notify()
	return nil
}

func (e *transcriptEngine) pageFailure(err error) {
	e.pager.onFailure(err)
	e.mu.Lock()
	e.banner = fmt.Sprintf("history load failed: %v", err)
	e.mu.Unlock()
	e.notify()
}

// mergeHistory prepends one normalized page as a single atomic block, so a
// fetch completing mid-turn cannot interleave with live appends.
func (e *transcriptEngine) mergeHistory(deltas []recordDelta) {
	e.mu.Lock()
	defer e.mu.Unlock()

	batch := make([]*chatMessage, 0, len(deltas))
	for _, d := range deltas {
		switch d.kind {
		case deltaSkip:
		case deltaNewMessage:
			if d.message.isToolUse {
				e.correlator.register(d.message)
			}
			batch = append(batch, d.message)
		case deltaAttachToolResult:
			// The rolling map spans pages: a call from an earlier page (or
			// the live turn) resolves in place, an unknown id joins the block.
			if standalone := e.correlator.attach(d.toolID, d.result, e.now()); standalone != nil {
				batch = append(batch, standalone)
			}
		default:
			e.log.Warn("unexpected history delta kind", zap.Int("kind", int(d.kind)))
		}
	}
	e.transcript.mergePrepend(batch)
}

// snapshotMessage is the persisted form of one transcript entry.
type snapshotMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
	IsToolUse bool   `json:"isToolUse,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	ToolID    string `json:"toolId,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// persistSnapshot writes the advisory transcript snapshot. It runs off the
// event path and may lag the in-memory transcript by one flush cycle.
func (e *transcriptEngine) persistSnapshot() {
	if e.snapshots == nil {
		return
	}
	e.mu.Lock()
	key := e.sessionKey
	e.mu.Unlock()
	if key == "" {
		return
	}
	msgs := e.messages()

	out := make([]snapshotMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, snapshotMessage{
			Role:      string(m.role),
			Content:   m.content,
			Timestamp: formatTimestamp(m.timestamp),
			IsToolUse: m.isToolUse,
			ToolName:  m.toolName,
			ToolID:    m.toolID,
			Reasoning: m.reasoning,
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		e.log.Warn("marshal transcript snapshot", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.snapshots.saveSnapshot(ctx, key, string(data)); err != nil {
		e.log.Warn("persist transcript snapshot", zap.Error(err))
	}
}
