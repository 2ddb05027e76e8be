package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"deskpilot/internal/logging"
)

// ToolRecord is one replayed tool execution.
type ToolRecord struct {
	Iteration int
	Tool      string
	Output    string
	IsError   bool
}

// RunState is everything replay can recover about a run: enough to
// rebuild a synthetic conversation and continue the loop from the
// recorded iteration count.
type RunState struct {
	RunID      string
	Command    string
	Source     string
	Iterations int // count of iteration_completed events
	LastScore  int // -1 until a verification event is seen
	Tools      []ToolRecord
	Terminal   EventType // "" while the run is incomplete
	Reason     string    // terminal reason, if any
	EventCount int
	StartedAt  time.Time
	LastEvent  time.Time
}

// Replay reads the ordered events for runID. A torn final line (the
// process died mid-append) is skipped with a warning rather than
// failing the whole replay.
func Replay(root, runID string) ([]Event, error) {
	defer logging.Timed(logging.Get(logging.CategoryJournal), "replay "+runID)()
	path := filepath.Join(root, runID, FileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal for replay: %w", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			logging.Get(logging.CategoryJournal).Warnw("skipping corrupt journal line",
				"run", runID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return events, nil
}

// DeriveState folds events into a RunState.
func DeriveState(runID string, events []Event) *RunState {
	state := &RunState{RunID: runID, LastScore: -1, EventCount: len(events)}
	for _, ev := range events {
		if state.StartedAt.IsZero() || ev.Timestamp.Before(state.StartedAt) {
			state.StartedAt = ev.Timestamp
		}
		if ev.Timestamp.After(state.LastEvent) {
			state.LastEvent = ev.Timestamp
		}
		switch ev.Type {
		case EventRunCreated:
			state.Command = ev.Command
			state.Source = ev.Source
		case EventIterationCompleted:
			state.Iterations++
		case EventToolExecuted:
			state.Tools = append(state.Tools, ToolRecord{
				Iteration: ev.Iteration,
				Tool:      ev.Tool,
				Output:    ev.Output,
				IsError:   ev.IsError,
			})
		case EventVerification:
			state.LastScore = ev.Score
		default:
			if ev.Type.IsTerminal() {
				state.Terminal = ev.Type
				state.Reason = ev.Reason
			}
		}
	}
	return state
}

// LoadState replays and folds in one call.
func LoadState(root, runID string) (*RunState, error) {
	events, err := Replay(root, runID)
	if err != nil {
		return nil, err
	}
	return DeriveState(runID, events), nil
}

// Incomplete reports whether the run has events but never reached a
// terminal event.
func (s *RunState) Incomplete() bool {
	return s.EventCount > 0 && s.Terminal == ""
}

// Stale reports whether the last event is older than staleAfter.
// Stale incomplete runs are abandoned, not resumed.
func (s *RunState) Stale(now time.Time, staleAfter time.Duration) bool {
	if s.LastEvent.IsZero() {
		return true
	}
	return now.Sub(s.LastEvent) > staleAfter
}

// Seed renders a textual summary of the interrupted run for seeding a
// synthetic conversation on resume. The model sees what already
// happened without replaying any screenshots.
func (s *RunState) Seed() string {
	var b strings.Builder
	b.WriteString("You are resuming an interrupted task after a restart.\n")
	fmt.Fprintf(&b, "TASK: %s\n", s.Command)
	fmt.Fprintf(&b, "ITERATIONS ALREADY COMPLETED: %d\n", s.Iterations)
	if s.LastScore >= 0 {
		fmt.Fprintf(&b, "LAST VERIFICATION SCORE: %d/100\n", s.LastScore)
	}
	if len(s.Tools) > 0 {
		b.WriteString("ACTIONS ALREADY TAKEN:\n")
		for _, t := range s.Tools {
			status := "ok"
			if t.IsError {
				status = "error"
			}
			fmt.Fprintf(&b, "- iteration %d: %s (%s)", t.Iteration, t.Tool, status)
			if t.Output != "" {
				fmt.Fprintf(&b, " %s", clip(t.Output, 120))
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("Capture the current screen state before acting; it may have changed.")
	return b.String()
}

// ListRuns returns the run ids present under root, oldest first by
// directory name. Missing root is an empty listing, not an error.
func ListRuns(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list journal root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
