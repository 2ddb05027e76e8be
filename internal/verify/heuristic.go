package verify

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"
)

// fallback composes the three offline heuristics when the scoring
// model is unreachable. The visual leg decodes two frames, so the
// scorers run concurrently. Always lands in [0,100].
func (e *Engine) fallback(req *Request) *Score {
	var v, s, o int
	var g errgroup.Group
	g.Go(func() error {
		v = e.visualScore(req.Command, req.PreImage, req.PostImage)
		return nil
	})
	g.Go(func() error {
		s = structuralScore(req.Command, req.UITree)
		return nil
	})
	g.Go(func() error {
		o = outputScore(req.TextContent, req.Tools)
		return nil
	})
	_ = g.Wait() // the scorers never fail

	overall := clampScore(int(
		float64(v)*e.cfg.VisualWeight +
			float64(s)*e.cfg.StructuralWeight +
			float64(o)*e.cfg.OutputWeight + 0.5))

	return &Score{
		Overall:    overall,
		Pass:       overall >= req.Threshold,
		Source:     SourceHeuristic,
		Visual:     v,
		Structural: s,
		Output:     o,
		Reason:     fmt.Sprintf("heuristic composite: visual %d, structural %d, output %d", v, s, o),
	}
}

// structuralScore judges the post-action accessibility tree: is it
// healthy, and does it mention what the command was about.
func structuralScore(command, tree string) int {
	trimmed := strings.TrimSpace(tree)
	if trimmed == "" {
		return 50
	}

	score := 30
	if len(strings.Split(trimmed, "\n")) >= 3 {
		score = 40
	}

	keywords := commandKeywords(command)
	if len(keywords) == 0 {
		return score + 20
	}

	lower := strings.ToLower(trimmed)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			matched++
		}
	}
	return clampScore(score + 60*matched/len(keywords))
}

var successMarkers = []string{
	"complete", "success", "succeeded", "done", "opened", "created",
	"sent", "saved", "finished", "visible", "confirmed",
}

var failureMarkers = []string{
	"error", "failed", "failure", "cannot", "unable", "not found",
	"denied", "crashed", "missing", "no such",
}

// outputScore counts success and failure wording across the model's
// account and the tool outputs. A majority of errored tool calls
// forces a heavy penalty no matter what the text claims.
func outputScore(text string, tools []ToolOutcome) int {
	var b strings.Builder
	b.WriteString(strings.ToLower(text))
	errored := 0
	for _, tr := range tools {
		b.WriteByte(' ')
		b.WriteString(strings.ToLower(tr.Output))
		if tr.IsError {
			errored++
		}
	}
	combined := b.String()

	score := 50
	for _, m := range successMarkers {
		if strings.Contains(combined, m) {
			score += 12
		}
	}
	for _, m := range failureMarkers {
		if strings.Contains(combined, m) {
			score -= 15
		}
	}
	score = clampScore(score)

	if len(tools) > 0 && errored*2 >= len(tools) {
		if score > 15 {
			score = 15
		}
	}
	return score
}

var keywordStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "into": {},
	"then": {}, "that": {}, "this": {}, "please": {}, "onto": {}, "about": {},
}

// commandKeywords extracts the command's meaningful tokens for element
// matching.
func commandKeywords(command string) []string {
	words := strings.FieldsFunc(strings.ToLower(command), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	var out []string
	for _, w := range words {
		if len(w) <= 3 {
			continue
		}
		if _, stop := keywordStopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}
