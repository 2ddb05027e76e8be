// Package plan holds execution plans, the criticality policy, and the
// step state machine that tracks a plan through a run.
package plan

import "fmt"

// Criticality marks how dangerous a step is to get wrong.
type Criticality string

const (
	CriticalityNormal   Criticality = "normal"
	CriticalityCritical Criticality = "critical"
)

// Step is one independently actionable unit of a plan. IDs are stable
// and 0-based; steps are never reordered after planning.
type Step struct {
	ID                   int         `json:"id"`
	Title                string      `json:"title"`
	Action               string      `json:"action"`
	ExpectedOutcome      string      `json:"expected_outcome,omitempty"`
	RequiresConfirmation bool        `json:"requires_confirmation,omitempty"`
	MaxIterations        int         `json:"max_iterations,omitempty"`
	TargetApp            string      `json:"target_app,omitempty"`
	ExpectedTools        []string    `json:"expected_tools,omitempty"`
	Criticality          Criticality `json:"criticality,omitempty"`
	Alternatives         []string    `json:"alternatives,omitempty"`
	DependsOn            []int       `json:"depends_on,omitempty"`
}

// Plan is an immutable ordered decomposition of a command.
type Plan struct {
	Command string `json:"command"`
	Summary string `json:"summary"`
	Steps   []Step `json:"steps"`
}

// Empty reports whether the plan has no steps, in which case the run
// uses the flat loop.
func (p *Plan) Empty() bool {
	return p == nil || len(p.Steps) == 0
}

// OutcomeKind discriminates step outcomes.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeUncertain OutcomeKind = "uncertain"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeSkipped   OutcomeKind = "skipped"
)

// StepOutcome records how one step ended. A provisional success is a
// critical step's own claim awaiting mid-step verification; it may be
// overturned and replaced.
type StepOutcome struct {
	StepID      int         `json:"step_id"`
	Kind        OutcomeKind `json:"kind"`
	Reason      string      `json:"reason,omitempty"`
	Provisional bool        `json:"provisional,omitempty"`
}

func (o StepOutcome) String() string {
	if o.Reason != "" {
		return fmt.Sprintf("step %d %s: %s", o.StepID, o.Kind, o.Reason)
	}
	return fmt.Sprintf("step %d %s", o.StepID, o.Kind)
}
