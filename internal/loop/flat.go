package loop

import (
	"context"
	"fmt"

	"deskpilot/internal/journal"
	"deskpilot/internal/plan"
	"deskpilot/internal/verify"
)

// node names a state in the iteration graph.
type node string

const (
	nodePerceive node = "perceive"
	nodePlan     node = "plan"
	nodeAct      node = "act"
	nodeObserve  node = "observe"
	nodeEvaluate node = "evaluate"
	nodeRecover  node = "recover"
	nodeComplete node = "complete"
)

// edge is one outgoing transition; a nil predicate always matches.
type edge struct {
	to   node
	when func(*cycle) bool
}

// flatEdges is the iteration graph. The first matching edge wins, and
// a node with no matching edge terminates the run. Complete loops back
// to perceive only when verification rejected a premature completion
// claim.
var flatEdges = map[node][]edge{
	nodePerceive: {{to: nodePlan}},
	nodePlan: {
		{to: nodeAct, when: func(st *cycle) bool { return len(st.toolCalls) > 0 }},
		{to: nodeEvaluate},
	},
	nodeAct:     {{to: nodeObserve}},
	nodeObserve: {{to: nodeEvaluate}},
	nodeEvaluate: {
		{to: nodeComplete, when: func(st *cycle) bool { return st.completion || st.failure }},
		{to: nodeRecover, when: func(st *cycle) bool { return st.stuck }},
		{to: nodePerceive},
	},
	nodeRecover: {
		{to: nodeComplete, when: func(st *cycle) bool { return st.exhausted }},
		{to: nodePerceive},
	},
	nodeComplete: {
		{to: nodePerceive, when: func(st *cycle) bool { return st.premature }},
	},
}

func nextNode(n node, st *cycle) (node, bool) {
	for _, ed := range flatEdges[n] {
		if ed.when == nil || ed.when(st) {
			return ed.to, true
		}
	}
	return "", false
}

// NewMachine builds a plan machine wired with the engine's perceptual
// similarity check, so stuck detection tolerates encoder noise.
func (e *Engine) NewMachine(p *plan.Plan) *plan.Machine {
	return plan.NewMachine(p, e.cfg.Plan.StuckWindow, e.similarFunc())
}

// RunFlat drives the unplanned perception-action cycle until the graph
// terminates or a pre-iteration gate ends the run.
func (e *Engine) RunFlat(ctx context.Context) *Result {
	e.begin()
	m := e.NewMachine(&plan.Plan{Command: e.command})

	current := nodePerceive
	st := &cycle{}
	for {
		if current == nodePerceive {
			if res := e.preIteration(ctx); res != nil {
				return res
			}
			e.iterations++
			e.journalEvent(journal.IterationStarted(e.iterations))
			e.metrics.Iterations.Inc()
			st = &cycle{}
		}
		if err := e.execNode(ctx, current, st, m); err != nil {
			return e.failFromError(err)
		}
		next, ok := nextNode(current, st)
		if !ok || next == nodePerceive {
			e.journalEvent(journal.IterationCompleted(e.iterations, st.shotName))
		}
		if !ok {
			break
		}
		current = next
	}
	if st.done == nil {
		return e.failed("iteration graph terminated without an outcome")
	}
	return st.done
}

func (e *Engine) execNode(ctx context.Context, n node, st *cycle, m *plan.Machine) error {
	e.log.Debugw("node", "iteration", e.iterations, "node", n)
	switch n {
	case nodePerceive:
		e.perceive(ctx, st)
	case nodePlan:
		return e.callModel(ctx, st)
	case nodeAct:
		e.act(ctx, st)
	case nodeObserve:
		e.observe(ctx, st, m)
	case nodeEvaluate:
		e.evaluate(st, m)
	case nodeRecover:
		e.recoverStuck(st, m)
	case nodeComplete:
		e.complete(ctx, st)
	}
	return nil
}

// evaluate inspects the model's text for terminal signals, falling
// back to stuck detection when neither appears.
func (e *Engine) evaluate(st *cycle, m *plan.Machine) {
	if len(st.toolCalls) == 0 {
		// Text-only cycles never pass observe; feed the repetition
		// window here so repeated refusals still read as stuck.
		m.NoteObservation(nil, st.text)
	}
	st.completion = plan.HasCompletionSignal(st.text)
	st.failure = plan.HasFailureSignal(st.text)
	if !st.completion && !st.failure {
		st.stuck = m.DetectStuck()
	}
}

// recoverStuck injects advisory guidance and clears the repetition
// window; once attempts run out it routes to complete as a failure.
func (e *Engine) recoverStuck(st *cycle, m *plan.Machine) {
	e.recoveries++
	if e.recoveries > maxRecoveries {
		st.exhausted = true
		return
	}
	e.log.Infow("stuck detected, injecting recovery guidance", "attempt", e.recoveries)
	e.injectGuidance("No visible progress across the last few iterations. Step back, look at the current screen, and try a different approach than before.")
	m.ResetStuckWindow()
}

// complete decides the run outcome. A completion claim is verified;
// rejection marks the claim premature and the graph loops back.
func (e *Engine) complete(ctx context.Context, st *cycle) {
	if st.exhausted {
		st.done = &Result{
			Iterations: e.iterations,
			Stuck:      true,
			Reason:     fmt.Sprintf("no progress after %d recovery attempts", maxRecoveries),
		}
		return
	}
	if st.failure {
		reason := plan.FailureReason(st.text)
		if reason == "" {
			reason = "the model reported it cannot complete the task"
		}
		st.done = &Result{Iterations: e.iterations, Reason: reason}
		return
	}

	if verify.AutoPass(e.toolLog) {
		st.done = &Result{Success: true, Iterations: e.iterations, Summary: st.text}
		return
	}
	score := e.runVerification(ctx,
		e.snapVerifyRequest(ctx, st.text, e.toolLog, e.cfg.Verification.Threshold))
	if score.Pass {
		st.done = &Result{Success: true, Iterations: e.iterations, Summary: st.text, FinalScore: score}
		return
	}
	e.log.Infow("premature completion claim rejected", "score", score.Overall, "reason", score.Reason)
	st.premature = true
	st.completion = false
	e.injectGuidance("Verification rejected the completion claim: " + score.Reason + ". The task does not appear finished; keep working.")
}

func (e *Engine) similarFunc() func(a, b []byte) bool {
	stride := e.cfg.Plan.SimilarityStride
	noise := e.cfg.Plan.SimilarityNoise
	identity := e.cfg.Plan.SimilarityIdentity
	return func(a, b []byte) bool {
		sim, err := verify.Similarity(a, b, stride, noise)
		return err == nil && sim >= identity
	}
}
