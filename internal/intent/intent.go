// Package intent routes raw commands into chat, task, clarification,
// or meta-command handling. Unambiguous meta-commands are matched
// locally; everything else costs one structured model call.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"deskpilot/internal/logging"
	"deskpilot/internal/model"
)

// Kind discriminates the four intent shapes.
type Kind string

const (
	KindChat          Kind = "chat"
	KindTask          Kind = "task"
	KindClarification Kind = "clarification"
	KindMeta          Kind = "meta"
)

// Meta names an engine control command handled without a run.
type Meta string

const (
	MetaStatus     Meta = "status"
	MetaStop       Meta = "stop"
	MetaScreenshot Meta = "screenshot"
	MetaHelp       Meta = "help"
	MetaUsage      Meta = "usage"
)

// Memory is the one-slot record of the previous run, used to ground
// short follow-ups like "yes" or "now click send".
type Memory struct {
	PreviousCommand string
	Outcome         string
	ActiveApp       string
}

// Intent is the classification result.
type Intent struct {
	Kind       Kind
	Meta       Meta // set when Kind == KindMeta
	Confidence float64
	Question   string // set when Kind == KindClarification
	IsSimple   bool   // tasks only: a flat loop with no plan suffices
}

// Classifier decides how a command should be handled.
type Classifier struct {
	client    model.Client
	modelName string
	threshold float64

	mu     sync.Mutex
	memory Memory
}

// NewClassifier builds a classifier. threshold is the confidence
// below which any result downgrades to a clarification request.
func NewClassifier(client model.Client, modelName string, threshold float64) *Classifier {
	return &Classifier{
		client:    client,
		modelName: modelName,
		threshold: threshold,
	}
}

// Remember stores the outcome of the run that just finished.
func (c *Classifier) Remember(command, outcome, activeApp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory = Memory{PreviousCommand: command, Outcome: outcome, ActiveApp: activeApp}
}

// Memory returns the current one-slot memory.
func (c *Classifier) Memory() Memory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memory
}

const classifySystemPrompt = `You are the intent router for a supervised desktop automation agent. Decide how the user's command should be handled.

Respond with ONLY a JSON object, no prose:
{"type": "chat|task|clarification|meta", "confidence": 0.0-1.0, "question": "", "is_simple": false, "meta_command": ""}

Types:
- "chat": conversation or a question; no desktop action needed
- "task": a concrete desktop action to perform
- "clarification": too ambiguous to act on; put one follow-up question in "question"
- "meta": engine control; put one of status|stop|screenshot|help|usage in "meta_command"

Set "is_simple" true only when a single application action satisfies the task (opening an app, taking a screenshot of a window). Short replies like "yes" or "now click send" and corrections like "no, the other one" refer to the PREVIOUS COMMAND when one is shown.`

type wireIntent struct {
	Type        string  `json:"type"`
	Confidence  float64 `json:"confidence"`
	Question    string  `json:"question"`
	IsSimple    bool    `json:"is_simple"`
	MetaCommand string  `json:"meta_command"`
}

// Classify routes a command. source names where the command came from
// (cli, chat, api) and is passed through to the model for context.
func (c *Classifier) Classify(ctx context.Context, command, source string) (*Intent, error) {
	log := logging.Get(logging.CategoryIntent)

	if meta, ok := matchMeta(command); ok {
		log.Debugw("meta command matched locally", "command", meta)
		return &Intent{Kind: KindMeta, Meta: meta, Confidence: 1.0}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "COMMAND: %s\n", command)
	if source != "" {
		fmt.Fprintf(&b, "SOURCE: %s\n", source)
	}
	mem := c.Memory()
	if mem.PreviousCommand != "" {
		fmt.Fprintf(&b, "\nPREVIOUS COMMAND: %s\n", mem.PreviousCommand)
		fmt.Fprintf(&b, "PREVIOUS OUTCOME: %s\n", mem.Outcome)
		if mem.ActiveApp != "" {
			fmt.Fprintf(&b, "ACTIVE APP: %s\n", mem.ActiveApp)
		}
	}

	resp, err := c.client.Send(ctx, model.SendRequest{
		Model:     c.modelName,
		System:    classifySystemPrompt,
		Messages:  []model.Message{model.NewTextMessage(model.RoleUser, b.String())},
		MaxTokens: 300,
	})
	if err != nil {
		return nil, fmt.Errorf("intent classification failed: %w", err)
	}

	intent, parsed := c.parse(resp.Text)
	// The downgrade applies to model-asserted confidence only. A
	// fail-open default would otherwise never reach the task path.
	if parsed && intent.Kind != KindMeta && intent.Kind != KindClarification && intent.Confidence < c.threshold {
		log.Infow("low confidence, downgrading to clarification",
			"kind", intent.Kind, "confidence", intent.Confidence)
		intent.Question = clarifyingQuestion(intent)
		intent.Kind = KindClarification
	}
	return intent, nil
}

// parse maps the model's JSON to an Intent. The second return is
// false when the payload was unusable and the moderate-confidence
// task default was substituted.
func (c *Classifier) parse(text string) (*Intent, bool) {
	log := logging.Get(logging.CategoryIntent)
	failOpen := &Intent{Kind: KindTask, Confidence: 0.5}

	var w wireIntent
	if err := json.Unmarshal([]byte(cleanJSONResponse(text)), &w); err != nil {
		log.Warnw("unparseable intent response, treating as task", "error", err)
		return failOpen, false
	}

	conf := w.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	switch Kind(w.Type) {
	case KindChat:
		return &Intent{Kind: KindChat, Confidence: conf}, true
	case KindTask:
		return &Intent{Kind: KindTask, Confidence: conf, IsSimple: w.IsSimple, Question: w.Question}, true
	case KindClarification:
		q := strings.TrimSpace(w.Question)
		if q == "" {
			q = "Could you say more about what you want me to do?"
		}
		return &Intent{Kind: KindClarification, Confidence: conf, Question: q}, true
	case KindMeta:
		if meta, ok := matchMeta(w.MetaCommand); ok {
			return &Intent{Kind: KindMeta, Meta: meta, Confidence: conf}, true
		}
		log.Warnw("unknown meta command from model, treating as task", "meta", w.MetaCommand)
		return failOpen, false
	default:
		log.Warnw("unknown intent type, treating as task", "type", w.Type)
		return failOpen, false
	}
}

func clarifyingQuestion(in *Intent) string {
	if q := strings.TrimSpace(in.Question); q != "" {
		return q
	}
	switch in.Kind {
	case KindChat:
		return "I wasn't sure whether you wanted an answer or an action on screen. Which is it?"
	case KindTask:
		return "Could you spell out exactly what you want done, and in which application?"
	default:
		return "Could you say more about what you want me to do?"
	}
}

// matchMeta recognizes bare meta-commands, optionally with a leading
// slash. Anything longer than a single word goes to the model.
func matchMeta(command string) (Meta, bool) {
	normalized := strings.ToLower(strings.TrimSpace(command))
	normalized = strings.TrimPrefix(normalized, "/")
	switch Meta(normalized) {
	case MetaStatus, MetaStop, MetaScreenshot, MetaHelp, MetaUsage:
		return Meta(normalized), true
	}
	return "", false
}

func cleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}
