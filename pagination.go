package main

import (
	"context"

	"github.com/qmuntal/stateless"
	"go.uber.org/zap"
)

// Pagination states and triggers.
const (
	pageStateIdle           = "idle"
	pageStateLoadingInitial = "loading-initial"
	pageStateLoadingMore    = "loading-more"
)

const (
	triggerLoadInitial   = "load-initial"
	triggerLoadMore      = "load-more"
	triggerLoadSucceeded = "load-succeeded"
	triggerLoadFailed    = "load-failed"
)

// paginationController drives fetch-more-history requests. Backfill is only
// entered when more pages exist, no load is in flight (enforced by the state
// machine: loads start from idle only), and the viewport sits near the oldest
// loaded boundary. A failed load keeps the cursor so a retry re-requests the
// same page.
type paginationController struct {
	fsm *stateless.StateMachine
	log *zap.Logger

	pageSize   int
	offset     int
	hasMore    bool
	total      int
	nearOldest func() bool
}

func newPaginationController(pageSize int, nearOldest func() bool, log *zap.Logger) *paginationController {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	p := &paginationController{
		log:        log,
		pageSize:   pageSize,
		hasMore:    true,
		nearOldest: nearOldest,
	}
	p.fsm = p.buildFSM()
	return p
}

func (p *paginationController) buildFSM() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(pageStateIdle)

	fsm.Configure(pageStateIdle).
		Permit(triggerLoadInitial, pageStateLoadingInitial).
		Permit(triggerLoadMore, pageStateLoadingMore, func(_ context.Context, _ ...any) bool {
			return p.hasMore && p.viewportNearOldest()
		})

	fsm.Configure(pageStateLoadingInitial).
		Permit(triggerLoadSucceeded, pageStateIdle).
		Permit(triggerLoadFailed, pageStateIdle)

	fsm.Configure(pageStateLoadingMore).
		Permit(triggerLoadSucceeded, pageStateIdle).
		Permit(triggerLoadFailed, pageStateIdle)

	return fsm
}

func (p *paginationController) viewportNearOldest() bool {
	if p.nearOldest == nil {
		return true
	}
	return p.nearOldest()
}

func (p *paginationController) state() string {
	state, _ := p.fsm.MustState().(string)
	return state
}

func (p *paginationController) loading() bool {
	return p.state() != pageStateIdle
}

// requestInitial starts the first page load. Returns false when a load is
// already in flight.
func (p *paginationController) requestInitial() bool {
	return p.fsm.Fire(triggerLoadInitial) == nil
}

// requestMore starts a backfill load when the guards allow it.
func (p *paginationController) requestMore() bool {
	return p.fsm.Fire(triggerLoadMore) == nil
}

// nextRequest reports the limit and offset for the load currently in flight.
func (p *paginationController) nextRequest() (limit, offset int) {
	return p.pageSize, p.offset
}

// onSuccess records a delivered page and advances the cursor.
func (p *paginationController) onSuccess(page historyPage) {
	p.offset += len(page.records)
	p.hasMore = page.hasMore
	p.total = page.total
	if err := p.fsm.Fire(triggerLoadSucceeded); err != nil {
		p.log.Warn("pagination success in unexpected state", zap.String("state", p.state()))
	}
}

// onFailure returns to idle with the cursor unchanged, so the next request
// retries the same page instead of silently skipping it.
func (p *paginationController) onFailure(err error) {
	p.log.Warn("history page load failed", zap.Error(err), zap.Int("offset", p.offset))
	if fireErr := p.fsm.Fire(triggerLoadFailed); fireErr != nil {
		p.log.Warn("pagination failure in unexpected state", zap.String("state", p.state()))
	}
}

// reset discards all pagination state for a full session reload.
func (p *paginationController) reset() {
	p.offset = 0
	p.hasMore = true
	p.total = 0
	p.fsm = p.buildFSM()
}
