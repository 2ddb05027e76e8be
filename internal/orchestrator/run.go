package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deskpilot/internal/convo"
	"deskpilot/internal/intent"
	"deskpilot/internal/journal"
	"deskpilot/internal/loop"
	"deskpilot/internal/model"
	"deskpilot/internal/plan"
	"deskpilot/internal/usage"
	"deskpilot/internal/verify"
)

const chatSystemPrompt = `You are a helpful assistant embedded in a desktop automation agent. The user is chatting, not asking you to operate the computer. Answer briefly and conversationally. Do not describe desktop actions you cannot take in this mode.`

// StartRun routes one user command to its handler and returns when the
// resulting run reaches a terminal state. source names where the
// command came from (cli, chat, voice) and is recorded, not interpreted.
// targetProcess optionally scopes screen capture to one application.
func (o *Orchestrator) StartRun(ctx context.Context, command, source, targetProcess string) (*RunResult, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("empty command")
	}

	runID := newRunID()
	meter := usage.NewRunMeter(runID, o.tracker)

	cls := intent.NewClassifier(o.meteredClient(meter, usage.OpIntent), o.cfg.Model.Model, o.intentThreshold())
	if mem := o.recallMemory(); mem.PreviousCommand != "" {
		cls.Remember(mem.PreviousCommand, mem.Outcome, mem.ActiveApp)
	}

	in, err := cls.Classify(ctx, command, source)
	if err != nil {
		return nil, fmt.Errorf("classify intent: %w", err)
	}
	o.log.Infow("command classified",
		"run", runID, "kind", in.Kind, "confidence", in.Confidence, "source", source)

	switch in.Kind {
	case intent.KindChat:
		return o.runChat(ctx, runID, command, meter)
	case intent.KindMeta:
		return o.runMeta(ctx, runID, in.Meta, meter)
	case intent.KindClarification:
		o.desk.Responder.SendText(in.Question)
		return o.finish(runID, meter, &RunResult{Success: true, Summary: in.Question}), nil
	default:
		return o.runTask(ctx, runID, command, source, targetProcess, in, meter)
	}
}

// runChat answers a conversational command with a single model call.
// No journal, no iterations: nothing happened that could be resumed.
func (o *Orchestrator) runChat(ctx context.Context, runID, command string, meter *usage.RunMeter) (*RunResult, error) {
	resp, err := o.client.Send(ctx, model.SendRequest{
		Model:     o.cfg.Model.Model,
		System:    chatSystemPrompt,
		Messages:  []model.Message{model.NewTextMessage(model.RoleUser, command)},
		MaxTokens: o.cfg.Model.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chat reply: %w", err)
	}
	meter.Record(o.cfg.Model.Model, usage.OpChat, resp.InputTokens, resp.OutputTokens)
	o.metrics.RecordCall(usage.OpChat, resp.InputTokens, resp.OutputTokens)

	text := strings.TrimSpace(resp.Text)
	o.desk.Responder.SendText(text)
	return o.finish(runID, meter, &RunResult{Success: true, Summary: text}), nil
}

// runTask claims the run slot and drives a full perception-action run,
// planned or flat.
func (o *Orchestrator) runTask(ctx context.Context, runID, command, source, targetProcess string, in *intent.Intent, meter *usage.RunMeter) (*RunResult, error) {
	life := loop.NewLifecycle(o.cfg.GetWatchdogGrace())
	if err := o.claim(&activeRun{id: runID, command: command, started: time.Now(), life: life}); err != nil {
		return nil, err
	}
	defer o.release(runID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	life.Bind(cancel)

	o.metrics.RunsStarted.Inc()

	jnl, err := journal.Open(o.cfg.JournalDir(), runID)
	if err != nil {
		o.log.Warnw("journal unavailable, run will not be resumable", "run", runID, "error", err)
	}
	o.journalEvent(jnl, journal.RunCreated(command, source))
	started := time.Now().UTC()
	o.indexUpsert(journal.RunRecord{
		ID: runID, Command: command, Source: source,
		Status: journal.StatusRunning, FinalScore: -1,
		StartedAt: started, UpdatedAt: started,
	})

	eng := loop.New(loop.Options{
		Client:        o.client,
		Verifier:      verify.NewEngine(o.scorer, o.cfg.Verification, o.cfg.Plan.SimilarityStride, o.cfg.Plan.SimilarityNoise),
		Desktop:       o.desk,
		Convo:         convo.New(o.cfg.Conversation, command),
		Meter:         meter,
		Journal:       jnl,
		Metrics:       o.metrics,
		Lifecycle:     life,
		Config:        o.cfg,
		Command:       command,
		TargetProcess: targetProcess,
	})

	var machine *plan.Machine
	if !in.IsSimple {
		planner := plan.NewPlanner(o.meteredClient(meter, usage.OpPlan), o.cfg.Model.Model, o.policy, o.cfg.Plan)
		draft, perr := planner.Propose(runCtx, command, targetProcess)
		switch {
		case perr != nil:
			o.log.Warnw("planning failed, running without a plan", "run", runID, "error", perr)
		case draft.Question != "":
			// The planner needs an answer before anything touches the
			// desktop. Surface the question and end the run cleanly.
			o.desk.Responder.SendText(draft.Question)
			res := &loop.Result{Success: true, Summary: draft.Question}
			life.Finish()
			return o.finishTask(runID, command, source, targetProcess, started, jnl, meter, res), nil
		case !draft.Plan.Empty():
			machine = eng.NewMachine(draft.Plan)
			o.log.Infow("plan accepted", "run", runID, "steps", len(draft.Plan.Steps))
		default:
			o.log.Infow("planner returned no steps, running flat", "run", runID)
		}
	}

	res := o.runLoop(runCtx, runID, life, func(ctx context.Context) *loop.Result {
		if machine != nil {
			return eng.RunPlan(ctx, machine)
		}
		return eng.RunFlat(ctx)
	})
	life.Finish()

	return o.finishTask(runID, command, source, targetProcess, started, jnl, meter, res), nil
}

// runLoop executes the engine on its own goroutine so the watchdog can
// force-abandon a loop that ignores cancellation past the grace period.
// The abandoned goroutine cannot corrupt the journal: terminal events
// are written by finishTask, never by the loop.
func (o *Orchestrator) runLoop(ctx context.Context, runID string, life *loop.Lifecycle, run func(context.Context) *loop.Result) *loop.Result {
	resultCh := make(chan *loop.Result, 1)
	go func() { resultCh <- run(ctx) }()

	select {
	case res := <-resultCh:
		return res
	case <-life.Forced():
		o.log.Errorw("watchdog forced run termination", "run", runID, "reason", life.Reason())
		return &loop.Result{Cancelled: true, Reason: "run force-terminated after cancellation grace expired"}
	}
}

// finishTask writes the terminal journal event, updates the index and
// metrics, refreshes the one-slot memory, and folds token totals into
// the result.
func (o *Orchestrator) finishTask(runID, command, source, targetProcess string, started time.Time, jnl *journal.Journal, meter *usage.RunMeter, res *loop.Result) *RunResult {
	var (
		terminal journal.Event
		outcome  string
		status   string
	)
	switch {
	case res.Cancelled:
		terminal = journal.RunCancelled(res.Reason)
		outcome, status = "cancelled", journal.StatusCancelled
	case res.Stuck:
		terminal = journal.RunStuck(res.Reason)
		outcome, status = "failed", journal.StatusStuck
	case res.Success:
		terminal = journal.RunCompleted(res.Summary)
		outcome, status = "success", journal.StatusCompleted
	default:
		terminal = journal.RunFailed(res.Reason)
		outcome, status = "failed", journal.StatusFailed
	}
	o.journalEvent(jnl, terminal)
	if err := jnl.Close(); err != nil {
		o.log.Warnw("journal close failed", "run", runID, "error", err)
	}
	o.metrics.RunsCompleted.WithLabelValues(outcome).Inc()

	score := -1
	if res.FinalScore != nil {
		score = res.FinalScore.Overall
	}
	o.indexUpsert(journal.RunRecord{
		ID: runID, Command: command, Source: source,
		Status: status, Iterations: res.Iterations, FinalScore: score,
		StartedAt: started, UpdatedAt: time.Now().UTC(),
	})

	o.remember(command, memoOutcome(res), targetProcess)
	o.log.Infow("run finished",
		"run", runID, "status", status, "iterations", res.Iterations, "summary", firstLine(res.Summary))

	out := &RunResult{
		Success:    res.Success,
		Summary:    res.Summary,
		Iterations: res.Iterations,
		FinalScore: res.FinalScore,
		Cancelled:  res.Cancelled,
		Stuck:      res.Stuck,
	}
	if !res.Success && res.Reason != "" {
		out.Summary = res.Reason
	}
	return o.finish(runID, meter, out)
}

// finish stamps the run id and token totals onto a result.
func (o *Orchestrator) finish(runID string, meter *usage.RunMeter, res *RunResult) *RunResult {
	res.RunID = runID
	res.InputTokens, res.OutputTokens = meter.Totals()
	res.VerifyInput, res.VerifyOutput = meter.VerifyTotals()
	return res
}

func (o *Orchestrator) journalEvent(jnl *journal.Journal, ev journal.Event) {
	if jnl == nil {
		return
	}
	if err := jnl.Append(ev); err != nil {
		o.log.Warnw("journal append failed", "type", ev.Type, "error", err)
		return
	}
	o.metrics.JournalEvents.Inc()
}

func (o *Orchestrator) indexUpsert(rec journal.RunRecord) {
	if o.index == nil {
		return
	}
	if err := o.index.Upsert(rec); err != nil {
		o.log.Warnw("index update failed", "run", rec.ID, "error", err)
	}
}

// memoOutcome condenses a result into the one-line memory the next
// classification sees.
func memoOutcome(res *loop.Result) string {
	switch {
	case res.Cancelled:
		return "cancelled: " + res.Reason
	case res.Success:
		if res.Summary != "" {
			return "succeeded: " + firstLine(res.Summary)
		}
		return "succeeded"
	default:
		return "failed: " + res.Reason
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
