package main

import (
	"strings"
	"sync"
	"time"
)

const defaultDebounceWindow = 100 * time.Millisecond

// streamAccumulator merges token-level fragments of the current live turn
// into one flush per debounce window, so the consumer renders once per batch
// instead of once per token.
//
// The accumulator owns only the pending buffer and the timer. When the window
// elapses with no new fragment, the timer goroutine invokes onFlush, which
// must take the owner's lock and then drain; every synchronous path (stream
// stop, authoritative final text, abort) drains under that same lock. The
// buffer is never emptied outside the owner's lock, so a timer that loses the
// race against a completion finds nothing left and cannot revive stale text.
type streamAccumulator struct {
	mu      sync.Mutex
	window  time.Duration
	buf     strings.Builder
	timer   *time.Timer
	onFlush func()
}

func newStreamAccumulator(window time.Duration, onFlush func()) *streamAccumulator {
	if window <= 0 {
		window = defaultDebounceWindow
	}
	return &streamAccumulator{window: window, onFlush: onFlush}
}

// fragment buffers one streaming text fragment and re-arms the debounce
// timer. Fragments arriving within the window coalesce into a single flush.
func (a *streamAccumulator) fragment(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	a.buf.WriteString(text)
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.window, a.onFlush)
	a.mu.Unlock()
}

// drain disarms the timer and returns whatever is buffered. Callers use it to
// flush immediately regardless of where the debounce cycle stands, or to
// discard the buffer when authoritative final text supersedes it.
func (a *streamAccumulator) drain() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	text := a.buf.String()
	a.buf.Reset()
	return text
}
