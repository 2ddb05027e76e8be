package loop

import (
	"context"
	"fmt"
	"time"
)

// preIteration runs the ordered gate checks before every perceive. A
// non-nil result terminates the run. Order is load-bearing:
// cancellation, network pause, wall clock, token budget, iteration
// ceiling, display sleep.
func (e *Engine) preIteration(ctx context.Context) *Result {
	if e.life.Cancelled() || ctx.Err() != nil {
		return e.cancelledResult()
	}

	if res := e.waitNetwork(ctx); res != nil {
		return res
	}

	if !e.deadline.IsZero() && time.Now().After(e.deadline) {
		return e.failed(fmt.Sprintf("run timed out after %s", e.cfg.GetRunTimeout()))
	}

	if res := e.checkTokenBudget(); res != nil {
		return res
	}

	if e.iterations >= e.maxIterations {
		return e.failed(fmt.Sprintf("reached the maximum of %d iterations without completing", e.maxIterations))
	}
	if remaining := e.maxIterations - e.iterations; remaining <= 2 && !e.warnedIters {
		e.warnedIters = true
		e.injectWarning(fmt.Sprintf("Only %d iterations remain. Finish the task now or report CANNOT COMPLETE with a reason.", remaining))
	}

	if res := e.waitDisplay(ctx); res != nil {
		return res
	}
	return nil
}

func (e *Engine) checkTokenBudget() *Result {
	if e.tokenBudget <= 0 {
		return nil
	}
	total := e.meter.Total()
	if total >= e.tokenBudget {
		return e.failed(fmt.Sprintf("token budget exhausted (%d of %d tokens used)", total, e.tokenBudget))
	}
	warnAt := e.cfg.Run.TokenWarnRatio
	if warnAt <= 0 || warnAt >= 1 {
		warnAt = 0.8
	}
	if !e.warnedTokens && float64(total) >= warnAt*float64(e.tokenBudget) {
		e.warnedTokens = true
		e.injectWarning("You have used most of the token budget for this run. Work directly toward completion.")
	}
	return nil
}

// waitNetwork pauses while the network is unreachable, bounded by the
// configured timeout. The run fails rather than hangs.
func (e *Engine) waitNetwork(ctx context.Context) *Result {
	if e.desk.Monitor == nil || e.desk.Monitor.NetworkReachable() {
		return nil
	}
	timeout := e.cfg.GetNetworkPauseTimeout()
	e.log.Warnw("network unreachable, pausing run", "timeout", timeout)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.cfg.GetNetworkPollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return e.cancelledResult()
		case <-ticker.C:
		}
		if e.life.Cancelled() {
			return e.cancelledResult()
		}
		if e.desk.Monitor.NetworkReachable() {
			e.log.Infow("network reachable again, resuming run")
			return nil
		}
		if time.Now().After(deadline) {
			return e.failed(fmt.Sprintf("network unreachable for over %s", timeout))
		}
	}
}

// waitDisplay pauses while the display sleeps, bounded by the
// configured timeout.
func (e *Engine) waitDisplay(ctx context.Context) *Result {
	if e.desk.Monitor == nil || !e.desk.Monitor.DisplayAsleep() {
		return nil
	}
	timeout := e.cfg.GetDisplayPauseTimeout()
	e.log.Warnw("display asleep, pausing run", "timeout", timeout)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.cfg.GetDisplayPollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return e.cancelledResult()
		case <-ticker.C:
		}
		if e.life.Cancelled() {
			return e.cancelledResult()
		}
		if !e.desk.Monitor.DisplayAsleep() {
			e.log.Infow("display awake again, resuming run")
			return nil
		}
		if time.Now().After(deadline) {
			return e.failed(fmt.Sprintf("display asleep for over %s", timeout))
		}
	}
}

func (e *Engine) injectWarning(text string) {
	if err := e.convo.InjectWarning(text); err != nil {
		e.log.Warnw("warning injection rejected", "error", err)
	}
}

func (e *Engine) injectGuidance(text string) {
	if err := e.convo.InjectGuidance(text); err != nil {
		e.log.Warnw("guidance injection rejected", "error", err)
	}
}
