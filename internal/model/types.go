// Package model talks to remote language models. It defines the
// provider-neutral message shapes the rest of the engine works with,
// plus two small interfaces: Client for tool-driving conversation turns
// and Scorer for vision-based verification calls.
package model

import "context"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// ContentBlock is one piece of a message. Which fields are meaningful
// depends on Type.
type ContentBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image blocks, and tool_result blocks that carry a screenshot
	Image     []byte `json:"image,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewTextMessage builds a single-text-block message.
func NewTextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// HasImage reports whether any block carries image data.
func (m Message) HasImage() bool {
	for _, b := range m.Content {
		if len(b.Image) > 0 {
			return true
		}
	}
	return false
}

// Size approximates the serialized payload cost in bytes. Images count
// at their base64-expanded size since that is what goes on the wire.
func (m Message) Size() int {
	n := 0
	for _, b := range m.Content {
		n += len(b.Text) + len(b.Content)
		n += len(b.Image) * 4 / 3
		for _, v := range b.Input {
			if s, ok := v.(string); ok {
				n += len(s)
			}
		}
	}
	return n
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// SendRequest is one conversation turn against the model.
type SendRequest struct {
	Model     string // empty means the client's configured model
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// SendResponse is the parsed model reply.
type SendResponse struct {
	Text         string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Client drives tool-using conversation turns. Implementations make a
// single attempt per call; retry policy lives with the caller.
type Client interface {
	Send(ctx context.Context, req SendRequest) (*SendResponse, error)
}

// ScoreResult is a Scorer's reply plus the tokens it cost, which are
// banked against the run budget separately from loop tokens.
type ScoreResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Scorer answers a prompt about an image. Used by verification, where
// the reply is parsed for a score rather than trusted as prose.
type Scorer interface {
	Score(ctx context.Context, prompt string, image []byte) (*ScoreResult, error)
}
