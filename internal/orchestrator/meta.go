package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"deskpilot/internal/intent"
	"deskpilot/internal/journal"
	"deskpilot/internal/resilience"
	"deskpilot/internal/usage"
)

const helpText = `I operate the desktop for you. Try:
- a task: "open Mail and send the quarterly report to Sam"
- "status" shows the active run and recent history
- "stop" cancels the active run
- "screenshot" captures the current screen
- "usage" reports token spend
Anything else is treated as a task or answered as chat.`

// runMeta services an engine control command locally. Meta commands
// never claim the run slot, so "stop" and "status" work while a task
// run is in flight.
func (o *Orchestrator) runMeta(ctx context.Context, runID string, meta intent.Meta, meter *usage.RunMeter) (*RunResult, error) {
	var summary string
	switch meta {
	case intent.MetaStop:
		summary = o.stopText()
	case intent.MetaStatus:
		summary = o.statusText()
	case intent.MetaScreenshot:
		shot, err := o.desk.Observer.CaptureScreen(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("capture screen: %w", err)
		}
		o.desk.Responder.SendImage(shot)
		summary = "screenshot sent"
	case intent.MetaUsage:
		summary = o.usageText()
	default:
		summary = helpText
	}
	o.desk.Responder.SendText(summary)
	return o.finish(runID, meter, &RunResult{Success: true, Summary: summary}), nil
}

func (o *Orchestrator) stopText() string {
	id, command, ok := o.Active()
	switch {
	case !ok:
		return "no active run to stop"
	case o.CancelActive("stop requested by user"):
		return fmt.Sprintf("stopping run %s (%s)", id, firstLine(command))
	default:
		return fmt.Sprintf("run %s is already stopping", id)
	}
}

func (o *Orchestrator) statusText() string {
	var b strings.Builder
	if id, command, ok := o.Active(); ok {
		fmt.Fprintf(&b, "Run %s is active: %s\n", id, firstLine(command))
	} else {
		b.WriteString("No run is active.\n")
	}
	fmt.Fprintf(&b, "Model service: %s.\n", breakerPhrase(o.breaker.State()))

	if o.index != nil {
		recent, err := o.index.List(journal.ListFilter{Limit: 5})
		if err != nil {
			o.log.Warnw("index list failed", "error", err)
		} else if len(recent) > 0 {
			b.WriteString("Recent runs:\n")
			for _, r := range recent {
				fmt.Fprintf(&b, "- %s  %s  %d iterations  %s\n",
					r.ID, r.Status, r.Iterations, clipText(r.Command, 60))
			}
		}
	}

	if mem := o.recallMemory(); mem.PreviousCommand != "" {
		fmt.Fprintf(&b, "Last command: %s (%s)\n",
			clipText(mem.PreviousCommand, 60), clipText(mem.Outcome, 80))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Orchestrator) usageText() string {
	if o.tracker == nil {
		return "token accounting is not enabled"
	}
	stats := o.tracker.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "Tokens all time: %d in / %d out (%d total)\n",
		stats.Overall.Input, stats.Overall.Output, stats.Overall.Total)

	if len(stats.ByOperation) > 0 {
		ops := make([]string, 0, len(stats.ByOperation))
		for op := range stats.ByOperation {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		b.WriteString("By operation:\n")
		for _, op := range ops {
			tc := stats.ByOperation[op]
			fmt.Fprintf(&b, "- %s: %d in / %d out\n", op, tc.Input, tc.Output)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func breakerPhrase(state string) string {
	switch state {
	case resilience.StateOpen:
		return "unavailable (circuit open)"
	case resilience.StateHalfOpen:
		return "recovering (half-open probe pending)"
	default:
		return "available"
	}
}

func clipText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
