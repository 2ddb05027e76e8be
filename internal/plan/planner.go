package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"deskpilot/internal/config"
	"deskpilot/internal/logging"
	"deskpilot/internal/model"
)

// Planner turns a non-trivial command into an ExecutionPlan with one
// model call, or a single clarifying question when the command cannot
// be planned as given.
type Planner struct {
	client    model.Client
	modelName string
	policy    *Policy
	cfg       config.PlanConfig
}

// Draft is the planning result: exactly one of Plan or Question is
// meaningful. A parse failure yields an empty plan, never an error,
// so a malformed side-channel response cannot abort a healthy run.
type Draft struct {
	Plan     *Plan
	Question string
}

func NewPlanner(client model.Client, modelName string, policy *Policy, cfg config.PlanConfig) *Planner {
	return &Planner{client: client, modelName: modelName, policy: policy, cfg: cfg}
}

const plannerSystemPrompt = `You are the planner for a supervised desktop automation agent. Break the user's command into the smallest reasonable sequence of steps.

Respond with ONLY a JSON object, no prose:
{"summary": "", "question": "", "steps": [{"title": "", "action": "", "expected_outcome": "", "requires_confirmation": false, "max_iterations": 0, "target_app": "", "expected_tools": [], "critical": false, "alternatives": [], "depends_on": []}]}

Rules:
- At most %d steps. Every step must be independently actionable: spell out what to do without referring to "the previous step".
- "action" is the imperative instruction the agent will execute.
- "depends_on" lists 0-based indexes of steps that must succeed first.
- Mark "critical": true for any step with an irreversible effect (sending, deleting, purchasing, submitting).
- "alternatives" lists fallback approaches to try if the action fails.
- "max_iterations" may suggest a per-step budget; 0 accepts the default.
- If the command is too ambiguous to plan, return only "question" with one follow-up question and an empty "steps".`

type wireStep struct {
	Title                string   `json:"title"`
	Action               string   `json:"action"`
	ExpectedOutcome      string   `json:"expected_outcome"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	MaxIterations        int      `json:"max_iterations"`
	TargetApp            string   `json:"target_app"`
	ExpectedTools        []string `json:"expected_tools"`
	Critical             bool     `json:"critical"`
	Alternatives         []string `json:"alternatives"`
	DependsOn            []int    `json:"depends_on"`
}

type wirePlan struct {
	Summary  string     `json:"summary"`
	Question string     `json:"question"`
	Steps    []wireStep `json:"steps"`
}

// Propose makes the planning call. targetApp, when known, narrows the
// plan to one application.
func (p *Planner) Propose(ctx context.Context, command, targetApp string) (*Draft, error) {
	log := logging.Get(logging.CategoryPlan)

	var b strings.Builder
	fmt.Fprintf(&b, "COMMAND: %s\n", command)
	if targetApp != "" {
		fmt.Fprintf(&b, "TARGET APP: %s\n", targetApp)
	}

	resp, err := p.client.Send(ctx, model.SendRequest{
		Model:     p.modelName,
		System:    fmt.Sprintf(plannerSystemPrompt, p.cfg.MaxSteps),
		Messages:  []model.Message{model.NewTextMessage(model.RoleUser, b.String())},
		MaxTokens: 2000,
	})
	if err != nil {
		return nil, fmt.Errorf("planning call failed: %w", err)
	}

	var w wirePlan
	if err := json.Unmarshal([]byte(cleanJSONResponse(resp.Text)), &w); err != nil {
		log.Warnw("unparseable plan, falling back to flat loop", "error", err)
		return &Draft{Plan: &Plan{Command: command, Summary: command}}, nil
	}

	if q := strings.TrimSpace(w.Question); q != "" && len(w.Steps) == 0 {
		return &Draft{Question: q}, nil
	}

	return &Draft{Plan: p.assemble(command, w)}, nil
}

// assemble filters, truncates, clamps, and renumbers the raw steps.
func (p *Planner) assemble(command string, w wirePlan) *Plan {
	log := logging.Get(logging.CategoryPlan)

	kept := make([]wireStep, 0, len(w.Steps))
	oldToNew := make(map[int]int, len(w.Steps))
	for i, ws := range w.Steps {
		if strings.TrimSpace(ws.Action) == "" {
			log.Warnw("dropping malformed plan step", "index", i, "title", ws.Title)
			continue
		}
		if len(kept) >= p.cfg.MaxSteps {
			log.Warnw("plan exceeds step limit, truncating",
				"limit", p.cfg.MaxSteps, "proposed", len(w.Steps))
			break
		}
		oldToNew[i] = len(kept)
		kept = append(kept, ws)
	}

	steps := make([]Step, 0, len(kept))
	for newID, ws := range kept {
		step := Step{
			ID:                   newID,
			Title:                strings.TrimSpace(ws.Title),
			Action:               strings.TrimSpace(ws.Action),
			ExpectedOutcome:      strings.TrimSpace(ws.ExpectedOutcome),
			RequiresConfirmation: ws.RequiresConfirmation,
			MaxIterations:        p.clampIterations(ws.MaxIterations),
			TargetApp:            strings.TrimSpace(ws.TargetApp),
			ExpectedTools:        ws.ExpectedTools,
			Alternatives:         ws.Alternatives,
		}
		if step.Title == "" {
			step.Title = firstWords(step.Action, 6)
		}
		if ws.Critical {
			step.Criticality = CriticalityCritical
		}
		p.policy.Apply(&step)
		// The human gate always covers irreversible steps.
		if step.Criticality == CriticalityCritical {
			step.RequiresConfirmation = true
		}

		for _, dep := range ws.DependsOn {
			mapped, ok := oldToNew[dep]
			if !ok || mapped >= newID {
				log.Warnw("dropping invalid step dependency", "step", newID, "depends_on", dep)
				continue
			}
			step.DependsOn = append(step.DependsOn, mapped)
		}
		steps = append(steps, step)
	}

	summary := strings.TrimSpace(w.Summary)
	if summary == "" {
		summary = command
	}
	return &Plan{Command: command, Summary: summary, Steps: steps}
}

// clampIterations bounds a step budget. Zero means the step accepted
// the default.
func (p *Planner) clampIterations(n int) int {
	if n == 0 {
		n = p.cfg.DefaultIterations
	}
	if n < p.cfg.MinStepIterations {
		return p.cfg.MinStepIterations
	}
	if n > p.cfg.MaxStepIterations {
		return p.cfg.MaxStepIterations
	}
	return n
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

func cleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}
