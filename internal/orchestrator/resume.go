package orchestrator

import (
	"context"
	"fmt"
	"time"

	"deskpilot/internal/convo"
	"deskpilot/internal/journal"
	"deskpilot/internal/loop"
	"deskpilot/internal/usage"
	"deskpilot/internal/verify"
)

// ResumeIncomplete scans the journal tree for runs that died without a
// terminal event and continues each one in turn. Stale runs are
// abandoned instead of resumed; a task that sat untouched for an hour
// is operating on a desktop that no longer looks like its history.
func (o *Orchestrator) ResumeIncomplete(ctx context.Context) ([]*RunResult, error) {
	root := o.cfg.JournalDir()
	ids, err := journal.ListRuns(root)
	if err != nil {
		return nil, fmt.Errorf("list journals: %w", err)
	}

	var out []*RunResult
	for _, id := range ids {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		state, err := journal.LoadState(root, id)
		if err != nil {
			o.log.Warnw("journal replay failed", "run", id, "error", err)
			continue
		}
		if !state.Incomplete() {
			continue
		}
		if state.Stale(time.Now(), o.cfg.GetStaleAfter()) {
			o.abandon(state)
			continue
		}

		res, err := o.resumeTask(ctx, state)
		if err != nil {
			o.log.Warnw("resume failed", "run", id, "error", err)
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// resumeTask reopens an incomplete run's journal and continues the loop
// from the recorded iteration count. A resumed run always runs flat:
// plans are not journaled, and the conversation seed already recounts
// what the earlier iterations did.
func (o *Orchestrator) resumeTask(ctx context.Context, state *journal.RunState) (*RunResult, error) {
	runID := state.RunID
	life := loop.NewLifecycle(o.cfg.GetWatchdogGrace())
	if err := o.claim(&activeRun{id: runID, command: state.Command, started: time.Now(), life: life}); err != nil {
		return nil, err
	}
	defer o.release(runID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	life.Bind(cancel)

	jnl, err := journal.Open(o.cfg.JournalDir(), runID)
	if err != nil {
		return nil, fmt.Errorf("reopen journal: %w", err)
	}

	o.metrics.RunsStarted.Inc()
	o.indexUpsert(journal.RunRecord{
		ID: runID, Command: state.Command, Source: state.Source,
		Status: journal.StatusRunning, Iterations: state.Iterations, FinalScore: state.LastScore,
		StartedAt: state.StartedAt, UpdatedAt: time.Now().UTC(),
	})
	o.log.Infow("resuming run",
		"run", runID, "iterations", state.Iterations, "events", state.EventCount)

	meter := usage.NewRunMeter(runID, o.tracker)
	conv := convo.New(o.cfg.Conversation, state.Command)
	conv.SeedResume(state.Seed())

	eng := loop.New(loop.Options{
		Client:         o.client,
		Verifier:       verify.NewEngine(o.scorer, o.cfg.Verification, o.cfg.Plan.SimilarityStride, o.cfg.Plan.SimilarityNoise),
		Desktop:        o.desk,
		Convo:          conv,
		Meter:          meter,
		Journal:        jnl,
		Metrics:        o.metrics,
		Lifecycle:      life,
		Config:         o.cfg,
		Command:        state.Command,
		StartIteration: state.Iterations,
	})

	res := o.runLoop(runCtx, runID, life, eng.RunFlat)
	life.Finish()

	return o.finishTask(runID, state.Command, state.Source, "", state.StartedAt, jnl, meter, res), nil
}

// abandon closes out a stale incomplete run found at startup. The
// retention sweep would do the same eventually; doing it here keeps the
// status list truthful immediately.
func (o *Orchestrator) abandon(state *journal.RunState) {
	jnl, err := journal.Open(o.cfg.JournalDir(), state.RunID)
	if err != nil {
		o.log.Warnw("abandon failed", "run", state.RunID, "error", err)
		return
	}
	o.journalEvent(jnl, journal.RunAbandoned("stale incomplete run abandoned at startup"))
	if err := jnl.Close(); err != nil {
		o.log.Warnw("journal close failed", "run", state.RunID, "error", err)
	}
	o.metrics.RunsCompleted.WithLabelValues("abandoned").Inc()
	o.indexUpsert(journal.RunRecord{
		ID: state.RunID, Command: state.Command, Source: state.Source,
		Status: journal.StatusAbandoned, Iterations: state.Iterations, FinalScore: state.LastScore,
		StartedAt: state.StartedAt, UpdatedAt: time.Now().UTC(),
	})
	o.log.Infow("abandoned stale run", "run", state.RunID, "last_event", state.LastEvent)
}
