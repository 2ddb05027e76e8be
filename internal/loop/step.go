package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"deskpilot/internal/desktop"
	"deskpilot/internal/journal"
	"deskpilot/internal/model"
	"deskpilot/internal/plan"
	"deskpilot/internal/usage"
	"deskpilot/internal/verify"
)

// escalationTailLen caps how many recent tool executions the advisory
// model sees when a step is stuck.
const escalationTailLen = 6

// RunPlan executes the plan step by step. Each step gets its own
// iteration budget, dependency gate, optional confirmation gate and
// failure cascade; the run ends with a single verification pass over
// the accumulated outcome summary.
func (e *Engine) RunPlan(ctx context.Context, m *plan.Machine) *Result {
	e.begin()
	for {
		step, ok := m.Current()
		if !ok {
			break
		}
		if res := e.runStep(ctx, m, step); res != nil {
			return res
		}
		m.Advance()
	}
	return e.finalVerification(ctx, m)
}

// runStep drives one step to a recorded outcome. A nil return means
// the run continues with the next step; a non-nil Result ends the run.
func (e *Engine) runStep(ctx context.Context, m *plan.Machine, step *plan.Step) *Result {
	if m.Skipped(step.ID) {
		e.log.Infow("step already skipped by replan", "step", step.ID, "title", step.Title)
		return nil
	}
	if ok, reason := m.CanProceed(step); !ok {
		if step.Criticality == plan.CriticalityCritical {
			return e.failed(fmt.Sprintf("critical step %d (%s) is %s", step.ID+1, step.Title, reason))
		}
		e.log.Infow("skipping blocked step", "step", step.ID, "title", step.Title, "reason", reason)
		m.RecordOutcome(plan.StepOutcome{StepID: step.ID, Kind: plan.OutcomeSkipped, Reason: reason})
		return nil
	}

	if step.RequiresConfirmation {
		approved, res := e.confirmStep(ctx, step)
		if res != nil {
			return res
		}
		if !approved {
			m.RecordOutcome(plan.StepOutcome{StepID: step.ID, Kind: plan.OutcomeSkipped, Reason: "confirmation was not granted"})
			return nil
		}
	}

	instruction := e.stepInstruction(step)
	if e.stepsStarted == 0 {
		e.convo.AppendUserText(instruction)
	} else if err := e.convo.InjectStepTransition(step.Title, instruction); err != nil {
		e.log.Warnw("step transition rejected", "step", step.ID, "error", err)
		e.convo.AppendUserText(instruction)
	}
	e.stepsStarted++
	e.log.Infow("step started", "step", step.ID, "title", step.Title, "budget", step.MaxIterations)

	for {
		if e.life.Cancelled() {
			return e.cancelledResult()
		}
		if m.BudgetExhausted(step) {
			fail := stepFailure{reason: fmt.Sprintf("step iteration budget (%d) exhausted", step.MaxIterations)}
			res, _ := e.resolveStepFailure(ctx, m, step, fail)
			return res
		}
		if res := e.preIteration(ctx); res != nil {
			return res
		}

		e.iterations++
		m.BumpIteration()
		e.journalEvent(journal.IterationStarted(e.iterations))
		e.metrics.Iterations.Inc()

		st := &cycle{}
		if err := e.runCycle(ctx, st, m); err != nil {
			return e.failFromError(err)
		}
		e.journalEvent(journal.IterationCompleted(e.iterations, st.shotName))

		if plan.HasFailureSignal(st.text) {
			outcome := m.ValidateOutcome(step, st.text, st.usedVisual)
			fail := stepFailure{reason: outcome.Reason, alternatives: !m.BudgetExhausted(step)}
			res, retry := e.resolveStepFailure(ctx, m, step, fail)
			if res != nil {
				return res
			}
			if retry {
				continue
			}
			return nil
		}

		if plan.HasCompletionSignal(st.text) {
			outcome := m.ValidateOutcome(step, st.text, st.usedVisual)
			m.RecordOutcome(outcome)
			if outcome.Provisional {
				req := e.snapVerifyRequest(ctx, st.text, st.toolResults, e.cfg.Verification.MidStepThreshold)
				score := e.runVerification(ctx, req)
				if !score.Pass {
					m.Overturn(step.ID, plan.OutcomeUncertain, "completion claim rejected by verification")
					e.log.Infow("mid-step verification rejected completion",
						"step", step.ID, "score", score.Overall, "reason", score.Reason)
					e.injectGuidance(fmt.Sprintf(
						"Verification did not confirm step %d is complete: %s. Re-check the screen and finish the step before claiming completion.",
						step.ID+1, score.Reason))
					continue
				}
				outcome.Provisional = false
				m.RecordOutcome(outcome)
			}
			e.log.Infow("step complete", "step", step.ID, "iterations", m.IterationsUsed(), "kind", outcome.Kind)
			return nil
		}

		if m.DetectStuck() {
			if m.MarkEscalated() {
				e.escalate(ctx, m)
				continue
			}
			fail := stepFailure{reason: "no progress detected even after advisory escalation", stuck: true}
			res, _ := e.resolveStepFailure(ctx, m, step, fail)
			return res
		}
	}
}

// confirmStep surfaces a one-shot approval request and blocks until it
// resolves. Timeouts count as denial; cancellation ends the run.
func (e *Engine) confirmStep(ctx context.Context, step *plan.Step) (bool, *Result) {
	prompt := fmt.Sprintf("Step %d requires confirmation: %s. Proceed?", step.ID+1, step.Action)
	req := desktop.NewApprovalRequest(prompt)
	e.journalEvent(journal.ApprovalRequested(prompt))
	e.desk.Responder.RequestApproval(req)

	approved, err := req.Wait(ctx, e.cfg.GetApprovalTimeout())
	switch {
	case err == nil:
		outcome := "denied"
		if approved {
			outcome = "approved"
		}
		e.metrics.Approvals.WithLabelValues(outcome).Inc()
		e.journalEvent(journal.ApprovalResolved(approved, "answered"))
		return approved, nil
	case errors.Is(err, desktop.ErrApprovalTimeout):
		e.metrics.Approvals.WithLabelValues("timeout").Inc()
		e.journalEvent(journal.ApprovalResolved(false, "timed out"))
		e.log.Infow("approval timed out, treating as denial", "step", step.ID)
		return false, nil
	default:
		e.journalEvent(journal.ApprovalResolved(false, "run cancelled"))
		return false, e.cancelledResult()
	}
}

func (e *Engine) stepInstruction(step *plan.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on this step now: %s\n", step.Action)
	if step.ExpectedOutcome != "" {
		fmt.Fprintf(&b, "Expected outcome: %s\n", step.ExpectedOutcome)
	}
	if step.TargetApp != "" {
		fmt.Fprintf(&b, "Target application: %s\n", step.TargetApp)
	}
	if len(step.ExpectedTools) > 0 {
		fmt.Fprintf(&b, "Likely tools: %s\n", strings.Join(step.ExpectedTools, ", "))
	}
	b.WriteString("Say STEP COMPLETE when this step is done, or CANNOT COMPLETE: <reason> if it is impossible.")
	return b.String()
}

// stepFailure describes one failed attempt at a step.
type stepFailure struct {
	reason       string
	alternatives bool // untried alternatives may still be consulted
	stuck        bool // failure came from the no-progress safety net
}

// resolveStepFailure runs the failure cascade: try the next listed
// alternative while budget remains, otherwise record the failure and
// either abort (critical step) or consult the model about the rest of
// the plan. retry means an alternative was injected and the step
// should keep going; a nil Result with retry false moves to the next
// step.
func (e *Engine) resolveStepFailure(ctx context.Context, m *plan.Machine, step *plan.Step, f stepFailure) (res *Result, retry bool) {
	if f.alternatives {
		if alt, ok := m.NextAlternative(step); ok {
			e.log.Infow("trying alternative approach", "step", step.ID, "alternative", alt)
			e.injectGuidance(fmt.Sprintf("The current approach is not working (%s). Try this instead: %s", f.reason, alt))
			m.ResetStuckWindow()
			return nil, true
		}
	}

	m.RecordOutcome(plan.StepOutcome{StepID: step.ID, Kind: plan.OutcomeFailed, Reason: f.reason})
	e.log.Warnw("step failed", "step", step.ID, "title", step.Title, "reason", f.reason)

	if step.Criticality == plan.CriticalityCritical {
		res := e.failed(fmt.Sprintf("critical step %d (%s) failed: %s", step.ID+1, step.Title, f.reason))
		res.Stuck = f.stuck
		return res, false
	}

	decision := e.consultReplan(ctx, m, step, f.reason)
	switch decision.Action {
	case replanAbort:
		reason := decision.Reason
		if reason == "" {
			reason = f.reason
		}
		res := e.failed(fmt.Sprintf("run aborted after step %d (%s) failed: %s", step.ID+1, step.Title, reason))
		res.Stuck = f.stuck
		return res, false
	case replanSkip:
		m.SkipFuture(decision.SkipSteps, "skipped after an earlier step failed")
		e.log.Infow("replan skipped future steps", "steps", decision.SkipSteps, "reason", decision.Reason)
	}
	return nil, false
}

// escalate asks a stronger advisory model for a different approach and
// feeds the suggestion back into the conversation. Failures here only
// cost the one retry the escalation would have bought.
func (e *Engine) escalate(ctx context.Context, m *plan.Machine) {
	escModel := e.cfg.Model.Escalation
	if escModel == "" {
		escModel = e.modelName
	}
	e.log.Warnw("no progress detected, consulting advisory model", "model", escModel)
	e.journalEvent(journal.Escalated(escModel, "no progress across recent iterations"))

	var b strings.Builder
	fmt.Fprintf(&b, "TASK: %s\n", e.command)
	b.WriteString("RECENT ACTIONS:\n")
	tail := e.toolLog
	if len(tail) > escalationTailLen {
		tail = tail[len(tail)-escalationTailLen:]
	}
	for _, tr := range tail {
		status := "ok"
		if tr.IsError {
			status = "error"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", tr.Name, status, firstLine(tr.Output))
	}
	b.WriteString("\nThe agent is repeating itself without progress. Suggest one concrete, different approach in under 80 words.")

	resp, err := e.client.Send(ctx, model.SendRequest{
		Model:     escModel,
		System:    "You are a senior automation engineer advising a stuck desktop agent.",
		Messages:  []model.Message{model.NewTextMessage(model.RoleUser, b.String())},
		MaxTokens: 300,
	})
	if err != nil {
		e.log.Warnw("advisory escalation failed", "error", err)
		m.ResetStuckWindow()
		return
	}
	e.meter.Record(escModel, usage.OpEscalation, resp.InputTokens, resp.OutputTokens)
	e.metrics.RecordCall(usage.OpEscalation, resp.InputTokens, resp.OutputTokens)
	if suggestion := strings.TrimSpace(resp.Text); suggestion != "" {
		e.injectGuidance("A senior advisor suggests: " + suggestion)
	}
	m.ResetStuckWindow()
}

type replanAction string

const (
	replanContinue replanAction = "continue"
	replanSkip     replanAction = "skip"
	replanAbort    replanAction = "abort"
)

type replanDecision struct {
	Action    replanAction `json:"action"`
	SkipSteps []int        `json:"skip_steps"`
	Reason    string       `json:"reason"`
}

// consultReplan asks the model whether the remaining plan is still
// worth executing after a non-critical step failed. Anything that goes
// wrong here defaults to continuing; a failed consultation must never
// take the run down with it.
func (e *Engine) consultReplan(ctx context.Context, m *plan.Machine, failed *plan.Step, reason string) replanDecision {
	keepGoing := replanDecision{Action: replanContinue}
	upcoming := m.Upcoming()
	if len(upcoming) == 0 {
		return keepGoing
	}

	var b strings.Builder
	b.WriteString("A step in the plan failed. Decide how the rest of the plan should proceed.\n\n")
	b.WriteString("PLAN PROGRESS:\n")
	b.WriteString(m.OutcomeSummary())
	fmt.Fprintf(&b, "\nFAILED STEP %d: %s\nFailure reason: %s\n\n", failed.ID+1, failed.Title, reason)
	b.WriteString("UPCOMING STEPS:\n")
	for _, s := range upcoming {
		fmt.Fprintf(&b, "- %d: %s\n", s.ID+1, s.Title)
	}
	b.WriteString("\nRespond with JSON only:\n")
	b.WriteString(`{"action": "continue"|"skip"|"abort", "skip_steps": [step numbers to skip], "reason": "<one sentence>"}` + "\n")
	b.WriteString("Continue when the remaining steps stand on their own. Skip only steps that needed the failed one. Abort only when nothing left is worth doing.")

	resp, err := e.client.Send(ctx, model.SendRequest{
		Model:     e.modelName,
		Messages:  []model.Message{model.NewTextMessage(model.RoleUser, b.String())},
		MaxTokens: 300,
	})
	if err != nil {
		e.log.Warnw("replan consultation failed, continuing plan", "error", err)
		return keepGoing
	}
	e.meter.Record(e.modelName, usage.OpReplan, resp.InputTokens, resp.OutputTokens)
	e.metrics.RecordCall(usage.OpReplan, resp.InputTokens, resp.OutputTokens)

	var d replanDecision
	if err := json.Unmarshal([]byte(cleanJSONResponse(resp.Text)), &d); err != nil {
		e.log.Warnw("replan response unparsable, continuing plan", "error", err)
		return keepGoing
	}
	switch d.Action {
	case replanContinue, replanSkip, replanAbort:
	default:
		d.Action = replanContinue
	}
	// The model sees 1-based step numbers; the machine wants ids.
	for i, id := range d.SkipSteps {
		if id > 0 {
			d.SkipSteps[i] = id - 1
		}
	}
	return d
}

// finalVerification scores the whole run against the synthesized
// outcome summary. Runs that never touched a visual tool auto-pass the
// verification leg; failed steps still fail the run.
func (e *Engine) finalVerification(ctx context.Context, m *plan.Machine) *Result {
	summary := m.OutcomeSummary()
	stepsOK := !m.Failed()

	if verify.AutoPass(e.toolLog) {
		e.log.Infow("final verification auto-passed", "reason", "no visual tools used")
		res := &Result{Success: stepsOK, Summary: summary, Iterations: e.iterations}
		if !stepsOK {
			res.Reason = "one or more plan steps failed"
		}
		return res
	}

	req := e.snapVerifyRequest(ctx, summary, e.toolLog, e.cfg.Verification.Threshold)
	score := e.runVerification(ctx, req)
	success := stepsOK && score.Pass
	res := &Result{Success: success, Summary: summary, Iterations: e.iterations, FinalScore: score}
	if !success {
		switch {
		case !stepsOK:
			res.Reason = "one or more plan steps failed"
		default:
			res.Reason = "final verification failed: " + score.Reason
		}
	}
	return res
}

func cleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}
