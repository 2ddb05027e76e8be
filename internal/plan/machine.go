package plan

import (
	"bytes"
	"fmt"
	"strings"
)

// Completion signals the loop prompt asks the model to emit. Matching
// is case-insensitive substring.
const (
	SignalTaskComplete   = "TASK COMPLETE"
	SignalStepComplete   = "STEP COMPLETE"
	SignalCannotComplete = "CANNOT COMPLETE"
)

// HasCompletionSignal reports whether the model claims it is done.
func HasCompletionSignal(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, strings.ToLower(SignalTaskComplete)) ||
		strings.Contains(lower, strings.ToLower(SignalStepComplete))
}

// HasFailureSignal reports whether the model declares it cannot finish.
func HasFailureSignal(text string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(SignalCannotComplete))
}

// Machine tracks a plan through a run: the current step, per-step
// iteration spend, accumulated outcomes, the stuck-detection windows,
// the per-step alternatives cursor, and the one-shot escalation flag.
// It is owned by the run's loop and is not safe for concurrent use.
type Machine struct {
	plan    *Plan
	window  int
	similar func(a, b []byte) bool

	current   int
	stepIters int
	outcomes  []StepOutcome
	shots     [][]byte
	texts     []string
	altCursor map[int]int
	escalated bool
}

// NewMachine builds a machine for plan. window is the number of
// consecutive no-progress cycles that count as stuck. similar decides
// whether two screenshots are visually near-identical; nil falls back
// to exact byte equality.
func NewMachine(plan *Plan, window int, similar func(a, b []byte) bool) *Machine {
	if window <= 0 {
		window = 3
	}
	if similar == nil {
		similar = bytes.Equal
	}
	return &Machine{
		plan:      plan,
		window:    window,
		similar:   similar,
		altCursor: make(map[int]int),
	}
}

// Plan returns the plan under execution.
func (m *Machine) Plan() *Plan { return m.plan }

// Current returns the step under execution, or false when every step
// has been visited.
func (m *Machine) Current() (*Step, bool) {
	if m.plan.Empty() || m.current >= len(m.plan.Steps) {
		return nil, false
	}
	return &m.plan.Steps[m.current], true
}

// Advance moves to the next step and resets the per-step counters and
// stuck windows. The alternatives cursor keeps its position so a
// revisited step does not repeat approaches already tried.
func (m *Machine) Advance() {
	m.current++
	m.stepIters = 0
	m.ResetStuckWindow()
}

// CanProceed checks the step's dependency gate. The reason names the
// first blocking dependency, numbered 1-based like every model-facing
// surface.
func (m *Machine) CanProceed(step *Step) (bool, string) {
	for _, dep := range step.DependsOn {
		outcome, ok := m.OutcomeFor(dep)
		if !ok {
			return false, fmt.Sprintf("blocked by dependency: step %d has no outcome", dep+1)
		}
		if outcome.Kind != OutcomeSucceeded {
			return false, fmt.Sprintf("blocked by dependency: step %d %s", dep+1, outcome.Kind)
		}
	}
	return true, ""
}

// RecordOutcome appends the outcome, or replaces the existing entry
// for the same step in place so order reflects execution.
func (m *Machine) RecordOutcome(o StepOutcome) {
	for i := range m.outcomes {
		if m.outcomes[i].StepID == o.StepID {
			m.outcomes[i] = o
			return
		}
	}
	m.outcomes = append(m.outcomes, o)
}

// Overturn replaces a provisional success after verification rejected
// it. Returns false if the step has no recorded outcome.
func (m *Machine) Overturn(stepID int, kind OutcomeKind, reason string) bool {
	for i := range m.outcomes {
		if m.outcomes[i].StepID == stepID {
			m.outcomes[i] = StepOutcome{StepID: stepID, Kind: kind, Reason: reason}
			return true
		}
	}
	return false
}

// OutcomeFor returns the recorded outcome for a step id.
func (m *Machine) OutcomeFor(stepID int) (StepOutcome, bool) {
	for _, o := range m.outcomes {
		if o.StepID == stepID {
			return o, true
		}
	}
	return StepOutcome{}, false
}

// Outcomes returns a copy of the outcomes in execution order.
func (m *Machine) Outcomes() []StepOutcome {
	out := make([]StepOutcome, len(m.outcomes))
	copy(out, m.outcomes)
	return out
}

// Failed reports whether any step failed.
func (m *Machine) Failed() bool {
	for _, o := range m.outcomes {
		if o.Kind == OutcomeFailed {
			return true
		}
	}
	return false
}

// BumpIteration charges one iteration to the current step and returns
// the new count.
func (m *Machine) BumpIteration() int {
	m.stepIters++
	return m.stepIters
}

// IterationsUsed returns the current step's iteration spend.
func (m *Machine) IterationsUsed() int { return m.stepIters }

// BudgetExhausted reports whether the step's iteration budget is spent.
func (m *Machine) BudgetExhausted(step *Step) bool {
	return m.stepIters >= step.MaxIterations
}

// NoteObservation feeds the stuck-detection windows with the latest
// post-action screenshot and model text. Nil screenshots are skipped;
// text is whitespace-normalized before comparison.
func (m *Machine) NoteObservation(screenshot []byte, text string) {
	if len(screenshot) > 0 {
		m.shots = append(m.shots, screenshot)
		if len(m.shots) > m.window {
			m.shots = m.shots[len(m.shots)-m.window:]
		}
	}
	if t := normalizeText(text); t != "" {
		m.texts = append(m.texts, t)
		if len(m.texts) > m.window {
			m.texts = m.texts[len(m.texts)-m.window:]
		}
	}
}

// DetectStuck reports no progress: the last window screenshots are
// near-identical, or the last window texts repeat.
func (m *Machine) DetectStuck() bool {
	if len(m.shots) >= m.window {
		identical := true
		for i := 1; i < len(m.shots); i++ {
			if !m.similar(m.shots[i-1], m.shots[i]) {
				identical = false
				break
			}
		}
		if identical {
			return true
		}
	}
	if len(m.texts) >= m.window {
		for i := 1; i < len(m.texts); i++ {
			if m.texts[i-1] != m.texts[i] {
				return false
			}
		}
		return true
	}
	return false
}

// ResetStuckWindow clears both windows, used after recovery guidance
// or an alternative approach gives the model a fresh start.
func (m *Machine) ResetStuckWindow() {
	m.shots = nil
	m.texts = nil
}

// NextAlternative returns the step's next untried fallback approach.
func (m *Machine) NextAlternative(step *Step) (string, bool) {
	cursor := m.altCursor[step.ID]
	if cursor >= len(step.Alternatives) {
		return "", false
	}
	m.altCursor[step.ID] = cursor + 1
	return step.Alternatives[cursor], true
}

// MarkEscalated consumes the run's single advisory escalation.
// Returns false if it was already spent.
func (m *Machine) MarkEscalated() bool {
	if m.escalated {
		return false
	}
	m.escalated = true
	return true
}

// Escalated reports whether the escalation has been spent.
func (m *Machine) Escalated() bool { return m.escalated }

// ValidateOutcome maps the model's self-reported completion signal
// into a StepOutcome. A critical step's success claim after visual
// tool use is provisional pending mid-step verification.
func (m *Machine) ValidateOutcome(step *Step, modelText string, usedVisualTool bool) StepOutcome {
	switch {
	case HasFailureSignal(modelText):
		return StepOutcome{
			StepID: step.ID,
			Kind:   OutcomeFailed,
			Reason: signalReason(modelText, SignalCannotComplete),
		}
	case HasCompletionSignal(modelText):
		o := StepOutcome{StepID: step.ID, Kind: OutcomeSucceeded}
		if step.Criticality == CriticalityCritical && usedVisualTool {
			o.Provisional = true
		}
		return o
	default:
		return StepOutcome{
			StepID: step.ID,
			Kind:   OutcomeUncertain,
			Reason: "no explicit completion signal",
		}
	}
}

// Upcoming returns the steps after the current one, for replan
// consultations.
func (m *Machine) Upcoming() []Step {
	if m.plan.Empty() || m.current+1 >= len(m.plan.Steps) {
		return nil
	}
	out := make([]Step, len(m.plan.Steps)-m.current-1)
	copy(out, m.plan.Steps[m.current+1:])
	return out
}

// SkipFuture marks the named future steps skipped. Unknown or already
// visited ids are ignored.
func (m *Machine) SkipFuture(ids []int, reason string) {
	for _, id := range ids {
		if id <= m.current || id >= len(m.plan.Steps) {
			continue
		}
		m.RecordOutcome(StepOutcome{StepID: id, Kind: OutcomeSkipped, Reason: reason})
	}
}

// Skipped reports whether the step was marked skipped before running.
func (m *Machine) Skipped(stepID int) bool {
	o, ok := m.OutcomeFor(stepID)
	return ok && o.Kind == OutcomeSkipped
}

// OutcomeSummary synthesizes the per-step results for the final
// verification pass. Step numbers are 1-based to match every other
// surface the model sees.
func (m *Machine) OutcomeSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: %s\n", m.plan.Summary)
	for _, o := range m.outcomes {
		title := ""
		if o.StepID >= 0 && o.StepID < len(m.plan.Steps) {
			title = m.plan.Steps[o.StepID].Title
		}
		if o.Reason != "" {
			fmt.Fprintf(&b, "- step %d (%s): %s - %s\n", o.StepID+1, title, o.Kind, o.Reason)
		} else {
			fmt.Fprintf(&b, "- step %d (%s): %s\n", o.StepID+1, title, o.Kind)
		}
	}
	return b.String()
}

// FailureReason extracts the reason text following a CANNOT COMPLETE
// signal, or "" when the text carries none.
func FailureReason(text string) string {
	return signalReason(text, SignalCannotComplete)
}

// signalReason returns the remainder of the line after the signal,
// stripped of leading separators.
func signalReason(text, signal string) string {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, strings.ToLower(signal))
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(signal):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ":"))
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
