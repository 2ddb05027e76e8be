package loop

import (
	"context"
	"sync"
	"time"
)

// Lifecycle coordinates two-phase cancellation for one run: a
// cooperative flag the loop checks at every iteration boundary, and a
// hard context cancel that aborts the in-flight operation at its next
// suspension point. A watchdog arms on Cancel; if bookkeeping has not
// finished when it fires, Forced() closes so the owner can return
// without waiting on a wedged operation. Journal writes are append-only
// and replay tolerates a torn tail, so force-termination never
// corrupts durable state.
type Lifecycle struct {
	mu         sync.Mutex
	cancelled  bool
	reason     string
	hardCancel context.CancelFunc
	grace      time.Duration
	forced     chan struct{}
	finished   bool
	watchdog   *time.Timer
}

// NewLifecycle builds an idle lifecycle with the given watchdog grace.
func NewLifecycle(grace time.Duration) *Lifecycle {
	return &Lifecycle{grace: grace, forced: make(chan struct{})}
}

// Bind attaches the run context's cancel function for the hard phase.
func (l *Lifecycle) Bind(cancel context.CancelFunc) {
	l.mu.Lock()
	l.hardCancel = cancel
	l.mu.Unlock()
}

// Cancel requests termination: sets the cooperative flag, fires the
// hard cancel, and arms the watchdog. Only the first call wins.
func (l *Lifecycle) Cancel(reason string) bool {
	l.mu.Lock()
	if l.cancelled || l.finished {
		l.mu.Unlock()
		return false
	}
	l.cancelled = true
	l.reason = reason
	cancel := l.hardCancel
	if l.grace > 0 {
		l.watchdog = time.AfterFunc(l.grace, l.force)
	}
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

func (l *Lifecycle) force() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return
	}
	close(l.forced)
}

// Cancelled reports the cooperative flag.
func (l *Lifecycle) Cancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled
}

// Reason returns what the canceller gave, or "" if not cancelled.
func (l *Lifecycle) Reason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Forced closes when the watchdog gave up waiting for bookkeeping.
func (l *Lifecycle) Forced() <-chan struct{} {
	return l.forced
}

// Finish marks bookkeeping complete and disarms the watchdog.
func (l *Lifecycle) Finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = true
	if l.watchdog != nil {
		l.watchdog.Stop()
	}
}
