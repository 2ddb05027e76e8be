package convo

import (
	"errors"
	"fmt"
	"strings"
)

// ErrGuidanceRejected means sanitization removed everything useful from
// an injected instruction.
var ErrGuidanceRejected = errors.New("guidance rejected: nothing left after sanitization")

// overrideMarkers are phrases that read as attempts to rewrite the
// agent's operating instructions. Lines containing one are dropped.
var overrideMarkers = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"ignore the above",
	"disregard the system prompt",
	"disregard previous instructions",
	"disregard your instructions",
	"you are now",
	"new instructions:",
	"new system prompt",
	"override:",
	"system prompt:",
	"forget everything",
	"forget your instructions",
	"act as if",
}

// Sanitize strips instruction-override phrasing from user-supplied
// guidance. Returns ErrGuidanceRejected when nothing survives.
func Sanitize(text string) (string, error) {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		lower := strings.ToLower(line)
		flagged := false
		for _, m := range overrideMarkers {
			if strings.Contains(lower, m) {
				flagged = true
				break
			}
		}
		if !flagged {
			kept = append(kept, line)
		}
	}

	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if out == "" {
		return "", ErrGuidanceRejected
	}
	return out, nil
}

// InjectGuidance adds supervisor guidance as a user message after
// sanitization. Rejected guidance is never inserted, not even empty.
func (c *Context) InjectGuidance(text string) error {
	clean, err := Sanitize(text)
	if err != nil {
		return err
	}
	c.AppendUserText("[Supervisor guidance] " + clean)
	return nil
}

// InjectWarning adds an engine warning (budget, iteration count) the
// model should react to.
func (c *Context) InjectWarning(text string) error {
	clean, err := Sanitize(text)
	if err != nil {
		return err
	}
	c.AppendUserText("[Warning] " + clean)
	return nil
}

// InjectStepTransition tells the model a new plan step is starting.
func (c *Context) InjectStepTransition(stepTitle, instruction string) error {
	clean, err := Sanitize(instruction)
	if err != nil {
		return err
	}
	c.AppendUserText(fmt.Sprintf("[Now working on step: %s]\n%s", stepTitle, clean))
	return nil
}
