// Package verify scores whether an action achieved its intended
// real-world effect, on a 0-100 scale. The primary path is one
// vision-model call; offline heuristics cover model failures. A
// verification never errors out: malformed side-channel responses
// degrade to a neutral score instead of aborting a healthy run.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"deskpilot/internal/config"
	"deskpilot/internal/logging"
	"deskpilot/internal/model"
)

// Score sources.
const (
	SourceModel     = "model"
	SourceHeuristic = "heuristic"
	SourceNeutral   = "neutral"
)

const neutralScore = 50

// ToolOutcome is one executed tool call from the cycle under review.
type ToolOutcome struct {
	Name    string
	Output  string
	IsError bool
	Visual  bool
}

// Request carries everything a verification can look at.
type Request struct {
	Command     string
	TextContent string // the model's own account of what happened
	PostImage   []byte
	PreImage    []byte
	UITree      string
	Tools       []ToolOutcome
	Threshold   int
}

// Score is an immutable verification result. Sub-scores are only set
// on the heuristic path.
type Score struct {
	Overall    int
	Pass       bool
	Reason     string
	Source     string
	Visual     int
	Structural int
	Output     int

	InputTokens  int
	OutputTokens int
}

// Engine runs verifications.
type Engine struct {
	scorer model.Scorer
	cfg    config.VerificationConfig
	stride int
	noise  int
}

// NewEngine builds an engine. stride and noise tune the sampled pixel
// comparison shared with stuck detection.
func NewEngine(scorer model.Scorer, cfg config.VerificationConfig, stride, noise int) *Engine {
	return &Engine{scorer: scorer, cfg: cfg, stride: stride, noise: noise}
}

// AutoPass reports whether a final verification can be skipped: the
// run either called no tools at all or never touched anything visual,
// so there is no screen state to check.
func AutoPass(tools []ToolOutcome) bool {
	for _, tr := range tools {
		if tr.Visual {
			return false
		}
	}
	return true
}

// Verify scores the cycle. It always returns a usable Score.
func (e *Engine) Verify(ctx context.Context, req *Request) *Score {
	log := logging.Get(logging.CategoryVerify)

	if len(req.PostImage) == 0 {
		return &Score{
			Overall: neutralScore,
			Pass:    neutralScore >= req.Threshold,
			Reason:  "no post-action screenshot available",
			Source:  SourceNeutral,
		}
	}

	result, err := e.scorer.Score(ctx, e.buildPrompt(req), req.PostImage)
	if err != nil {
		log.Warnw("verification model call failed, using heuristics", "error", err)
		return e.fallback(req)
	}

	score := e.parseModelScore(req, result)
	log.Debugw("verification scored",
		"overall", score.Overall, "pass", score.Pass, "source", score.Source)
	return score
}

type wireScore struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// parseModelScore reads the {score, reason} payload and applies the
// deterministic tool-error penalty.
func (e *Engine) parseModelScore(req *Request, result *model.ScoreResult) *Score {
	out := &Score{
		Source:       SourceModel,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	}

	var w wireScore
	if err := json.Unmarshal([]byte(cleanJSONResponse(result.Text)), &w); err != nil {
		out.Overall = neutralScore
		out.Source = SourceNeutral
		out.Reason = "verification response was not parseable"
		out.Pass = out.Overall >= req.Threshold
		return out
	}

	out.Overall = clampScore(int(w.Score))
	out.Reason = strings.TrimSpace(w.Reason)

	errored := 0
	for _, tr := range req.Tools {
		if tr.IsError {
			errored++
		}
	}
	if errored > 0 {
		penalized := out.Overall - e.cfg.ToolErrorPenalty*errored
		if penalized < 5 {
			penalized = 5
		}
		if penalized < out.Overall {
			out.Reason = fmt.Sprintf("%s (penalized for %d errored tool calls)", out.Reason, errored)
		}
		out.Overall = penalized
	}

	out.Pass = out.Overall >= req.Threshold
	return out
}

func (e *Engine) buildPrompt(req *Request) string {
	var b strings.Builder
	b.WriteString("You are verifying whether a desktop automation command achieved its intended effect. Judge strictly from the screenshot evidence.\n\n")
	fmt.Fprintf(&b, "COMMAND: %s\n\n", req.Command)

	if t := strings.TrimSpace(req.TextContent); t != "" {
		fmt.Fprintf(&b, "AGENT'S ACCOUNT:\n%s\n\n", truncate(t, 1500))
	}
	if len(req.Tools) > 0 {
		b.WriteString("TOOLS USED THIS CYCLE:\n")
		for _, tr := range req.Tools {
			if tr.IsError {
				fmt.Fprintf(&b, "- %s (error: %s)\n", tr.Name, truncate(tr.Output, 120))
			} else {
				fmt.Fprintf(&b, "- %s\n", tr.Name)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString(`Rubric:
- 90-100: the screenshot clearly shows the intended end state
- 70-89: strong evidence of success with minor uncertainty
- 50-69: ambiguous; the screenshot neither confirms nor denies
- 20-49: evidence suggests the command did not take effect
- 0-19: the screenshot contradicts the claimed outcome

Respond with ONLY a JSON object: {"score": <0-100>, "reason": "<one sentence>"}`)
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func cleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}
