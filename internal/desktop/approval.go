package desktop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"deskpilot/internal/logging"
)

// ErrApprovalTimeout is returned when nobody answered in time.
var ErrApprovalTimeout = errors.New("approval request timed out")

// ApprovalRequest is a one-shot confirmation. Whichever of approve,
// deny, timeout or cancellation lands first decides the outcome; every
// later resolution is discarded.
type ApprovalRequest struct {
	ID     string
	Prompt string

	mu       sync.Mutex
	resolved bool
	approved bool
	done     chan struct{}
}

// NewApprovalRequest builds an unresolved request.
func NewApprovalRequest(prompt string) *ApprovalRequest {
	return &ApprovalRequest{
		ID:     uuid.New().String(),
		Prompt: prompt,
		done:   make(chan struct{}),
	}
}

// Approve resolves the request positively. Returns false if something
// already resolved it.
func (r *ApprovalRequest) Approve() bool { return r.resolve(true) }

// Deny resolves the request negatively. Returns false if something
// already resolved it.
func (r *ApprovalRequest) Deny() bool { return r.resolve(false) }

func (r *ApprovalRequest) resolve(approved bool) bool {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return false
	}
	r.resolved = true
	r.approved = approved
	close(r.done)
	r.mu.Unlock()
	logging.Get(logging.CategoryDesktop).Debugw("approval resolved", "id", r.ID, "approved", approved)
	return true
}

func (r *ApprovalRequest) decision() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.approved
}

// Resolved reports whether a decision has landed.
func (r *ApprovalRequest) Resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// Wait blocks until the request resolves, the timeout elapses, or ctx
// is cancelled. Timeout and cancellation themselves resolve the request
// (as denial) so a late Approve cannot revive a step that already moved
// on; if an answer raced in first, that answer wins.
func (r *ApprovalRequest) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.done:
		return r.decision(), nil
	case <-timer.C:
		if r.resolve(false) {
			return false, ErrApprovalTimeout
		}
		return r.decision(), nil
	case <-ctx.Done():
		if r.resolve(false) {
			return false, ctx.Err()
		}
		return r.decision(), nil
	}
}
