package convo

import (
	"fmt"

	"deskpilot/internal/logging"
	"deskpilot/internal/model"
)

// ValidateBeforeSend repairs the conversation into the shape the API
// accepts: starts and ends on a user turn, no orphaned tool blocks, no
// empty messages, no same-role adjacency. It runs one fixed pass (no
// recursion) and returns a description of every repair it made; a
// second call on the result reports nothing.
func (c *Context) ValidateBeforeSend() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var repairs []string
	note := func(format string, args ...any) {
		repairs = append(repairs, fmt.Sprintf(format, args...))
	}

	if len(c.messages) == 0 {
		return nil
	}

	c.stripUnmatchedToolBlocks(note)
	c.dropEmptyMessages(note)
	c.mergeConsecutiveUsers(note)
	c.bridgeConsecutiveAssistants(note)

	if len(c.messages) == 0 {
		return repairs
	}
	if c.messages[0].Role != model.RoleUser {
		c.messages = append([]model.Message{model.NewTextMessage(model.RoleUser, "(context restored)")}, c.messages...)
		note("inserted opening user message")
	}
	if c.messages[len(c.messages)-1].Role == model.RoleAssistant {
		c.messages = append(c.messages, model.NewTextMessage(model.RoleUser, "(continue)"))
		note("appended continuation after trailing assistant message")
	}

	if len(repairs) > 0 {
		logging.Get(logging.CategoryConvo).Warnw("repaired conversation before send", "repairs", repairs)
	}
	return repairs
}

// stripUnmatchedToolBlocks removes tool_use blocks whose results never
// arrived and tool_result blocks whose request is gone.
func (c *Context) stripUnmatchedToolBlocks(note func(string, ...any)) {
	for i := range c.messages {
		m := &c.messages[i]

		if m.Role == model.RoleAssistant {
			// Results must sit in the immediately following user message.
			answered := map[string]bool{}
			if i+1 < len(c.messages) && c.messages[i+1].Role == model.RoleUser {
				for _, b := range c.messages[i+1].Content {
					if b.Type == model.BlockToolResult {
						answered[b.ToolUseID] = true
					}
				}
			}
			m.Content = filterBlocks(m.Content, func(b model.ContentBlock) bool {
				if b.Type == model.BlockToolUse && !answered[b.ID] {
					note("stripped unanswered tool_use %s (%s)", b.ID, b.Name)
					return false
				}
				return true
			})
		}

		if m.Role == model.RoleUser {
			requested := map[string]bool{}
			if i > 0 && c.messages[i-1].Role == model.RoleAssistant {
				for _, b := range c.messages[i-1].Content {
					if b.Type == model.BlockToolUse {
						requested[b.ID] = true
					}
				}
			}
			m.Content = filterBlocks(m.Content, func(b model.ContentBlock) bool {
				if b.Type == model.BlockToolResult && !requested[b.ToolUseID] {
					note("stripped orphaned tool_result %s", b.ToolUseID)
					return false
				}
				return true
			})
		}
	}
}

func filterBlocks(blocks []model.ContentBlock, keep func(model.ContentBlock) bool) []model.ContentBlock {
	out := blocks[:0]
	for _, b := range blocks {
		if keep(b) {
			out = append(out, b)
		}
	}
	return out
}

func (c *Context) dropEmptyMessages(note func(string, ...any)) {
	out := c.messages[:0]
	for _, m := range c.messages {
		if isEmpty(m) {
			note("dropped empty %s message", m.Role)
			continue
		}
		out = append(out, m)
	}
	c.messages = out
}

func isEmpty(m model.Message) bool {
	for _, b := range m.Content {
		switch b.Type {
		case model.BlockText:
			if b.Text != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// mergeConsecutiveUsers concatenates adjacent user messages, keeping
// tool results ahead of text so pairing with the preceding assistant
// turn stays intact.
func (c *Context) mergeConsecutiveUsers(note func(string, ...any)) {
	out := c.messages[:0]
	for _, m := range c.messages {
		if len(out) > 0 && m.Role == model.RoleUser && out[len(out)-1].Role == model.RoleUser {
			prev := &out[len(out)-1]
			prev.Content = orderToolResultsFirst(append(prev.Content, m.Content...))
			note("merged consecutive user messages")
			continue
		}
		out = append(out, m)
	}
	c.messages = out
}

func orderToolResultsFirst(blocks []model.ContentBlock) []model.ContentBlock {
	results := make([]model.ContentBlock, 0, len(blocks))
	rest := make([]model.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == model.BlockToolResult {
			results = append(results, b)
		} else {
			rest = append(rest, b)
		}
	}
	return append(results, rest...)
}

func (c *Context) bridgeConsecutiveAssistants(note func(string, ...any)) {
	out := make([]model.Message, 0, len(c.messages))
	for _, m := range c.messages {
		if len(out) > 0 && m.Role == model.RoleAssistant && out[len(out)-1].Role == model.RoleAssistant {
			out = append(out, model.NewTextMessage(model.RoleUser, "(continuing)"))
			note("bridged consecutive assistant messages")
		}
		out = append(out, m)
	}
	c.messages = out
}
