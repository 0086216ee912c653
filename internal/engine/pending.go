package engine

import (
	"sync"
	"time"

	"kistra/internal/logger"
	"kistra/internal/types"
)

// PendingExit records a SELL that could not be submitted because the market
// was closed or the symbol was un-orderable. The registry defers resubmission
// until the backoff elapses or the market reopens.
type PendingExit struct {
	Symbol     string
	Reason     types.ExitReason
	DenyReason string
	FirstSeen  time.Time
	LastTry    time.Time
	Attempts   int
}

// PendingExitRegistry is the in-process set of deferred exits. It is rebuilt
// naturally after a restart: the next cycle re-derives the same exit signal
// from persisted position state.
type PendingExitRegistry struct {
	mu      sync.Mutex
	backoff time.Duration
	entries map[string]*PendingExit
}

func NewPendingExitRegistry(backoff time.Duration) *PendingExitRegistry {
	return &PendingExitRegistry{
		backoff: backoff,
		entries: make(map[string]*PendingExit),
	}
}

// Defer records (or refreshes) a pending exit for symbol.
func (r *PendingExitRegistry) Defer(symbol string, reason types.ExitReason, denyReason string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[symbol]
	if !ok {
		entry = &PendingExit{Symbol: symbol, FirstSeen: now}
		r.entries[symbol] = entry
		logger.Warnf("pending-exit: deferred symbol=%s reason=%s deny=%s", symbol, reason, denyReason)
	}
	entry.Reason = reason
	entry.DenyReason = denyReason
	entry.LastTry = now
	entry.Attempts++
}

// Ready reports whether a deferred exit for symbol may be retried now: the
// backoff elapsed, or the regular session is open again.
func (r *PendingExitRegistry) Ready(symbol string, now time.Time) (PendingExit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[symbol]
	if !ok {
		return PendingExit{}, false
	}
	if now.Sub(entry.LastTry) >= r.backoff || SessionAt(now) == SessionRegular {
		return *entry, true
	}
	return PendingExit{}, false
}

// Has reports whether symbol has a deferred exit, ready or not.
func (r *PendingExitRegistry) Has(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[symbol]
	return ok
}

// Clear removes the deferred exit after a successful resubmission.
func (r *PendingExitRegistry) Clear(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[symbol]; ok {
		delete(r.entries, symbol)
		logger.Infof("pending-exit: cleared symbol=%s", symbol)
	}
}

// Len returns the number of deferred exits.
func (r *PendingExitRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
