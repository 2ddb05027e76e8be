package journal

import "time"

// EventType discriminates journal records. The ordered sequence of
// events for a run id is that run's durable state.
type EventType string

const (
	EventRunCreated         EventType = "run_created"
	EventIterationStarted   EventType = "iteration_started"
	EventIterationCompleted EventType = "iteration_completed"
	EventToolExecuted       EventType = "tool_executed"
	EventVerification       EventType = "verification"
	EventEscalated          EventType = "escalated"
	EventApprovalRequested  EventType = "approval_requested"
	EventApprovalResolved   EventType = "approval_resolved"
	EventRunCompleted       EventType = "run_completed"
	EventRunFailed          EventType = "run_failed"
	EventRunStuck           EventType = "run_stuck"
	EventRunCancelled       EventType = "run_cancelled"
	EventRunAbandoned       EventType = "run_abandoned"
)

// Event is one journal record. Fields beyond Type and Timestamp are
// populated per event kind and omitted otherwise, so each jsonl line
// stays small and greppable.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"ts"`

	// run_created
	Command string `json:"command,omitempty"`
	Source  string `json:"source,omitempty"`

	// iteration_* and tool_executed; 1-based
	Iteration int `json:"iteration,omitempty"`

	// tool_executed
	Tool    string `json:"tool,omitempty"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// iteration_completed
	Screenshot string `json:"screenshot,omitempty"`

	// verification; a zero score serializes absent and replays as zero
	Score int  `json:"score,omitempty"`
	Pass  bool `json:"pass,omitempty"`

	// escalated
	Model string `json:"model,omitempty"`

	// approval_requested / approval_resolved
	Prompt   string `json:"prompt,omitempty"`
	Approved bool   `json:"approved,omitempty"`

	// terminal events, escalations and approval resolutions
	Reason string `json:"reason,omitempty"`
}

// IsTerminal reports whether t closes a run. Escalation is not
// terminal; the run retries with the stronger model after it.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunStuck, EventRunCancelled, EventRunAbandoned:
		return true
	}
	return false
}

func RunCreated(command, source string) Event {
	return Event{Type: EventRunCreated, Command: command, Source: source}
}

func IterationStarted(iteration int) Event {
	return Event{Type: EventIterationStarted, Iteration: iteration}
}

func IterationCompleted(iteration int, screenshot string) Event {
	return Event{Type: EventIterationCompleted, Iteration: iteration, Screenshot: screenshot}
}

func ToolExecuted(iteration int, tool, output string, isError bool) Event {
	return Event{Type: EventToolExecuted, Iteration: iteration, Tool: tool, Output: clip(output, 500), IsError: isError}
}

func Verification(iteration, score int, pass bool, reason string) Event {
	return Event{Type: EventVerification, Iteration: iteration, Score: score, Pass: pass, Reason: clip(reason, 500)}
}

func Escalated(model, reason string) Event {
	return Event{Type: EventEscalated, Model: model, Reason: clip(reason, 500)}
}

func ApprovalRequested(prompt string) Event {
	return Event{Type: EventApprovalRequested, Prompt: clip(prompt, 500)}
}

func ApprovalResolved(approved bool, reason string) Event {
	return Event{Type: EventApprovalResolved, Approved: approved, Reason: reason}
}

func RunCompleted(summary string) Event {
	return Event{Type: EventRunCompleted, Reason: clip(summary, 1000)}
}

func RunFailed(reason string) Event {
	return Event{Type: EventRunFailed, Reason: clip(reason, 1000)}
}

func RunStuck(reason string) Event {
	return Event{Type: EventRunStuck, Reason: clip(reason, 1000)}
}

func RunCancelled(reason string) Event {
	return Event{Type: EventRunCancelled, Reason: clip(reason, 1000)}
}

func RunAbandoned(reason string) Event {
	return Event{Type: EventRunAbandoned, Reason: clip(reason, 1000)}
}

// clip bounds journaled text so a chatty tool cannot bloat the log.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
