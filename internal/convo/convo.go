// Package convo manages the rolling model conversation for a run: a
// bounded message history with cycle-aware eviction, screenshot and
// tool-result pruning, byte-budget condensation, and a pre-send
// validator that repairs structural damage instead of failing the run.
package convo

import (
	"fmt"
	"strings"
	"sync"

	"deskpilot/internal/config"
	"deskpilot/internal/logging"
	"deskpilot/internal/model"
)

// Context is the conversation backing one run. All mutation happens on
// the run goroutine; the mutex keeps Snapshot safe for observers.
type Context struct {
	mu  sync.Mutex
	cfg config.ConversationConfig

	messages []model.Message
}

// New creates a conversation anchored on the user's command. The anchor
// survives every eviction so the model never loses the task statement.
func New(cfg config.ConversationConfig, command string) *Context {
	c := &Context{cfg: cfg}
	if command != "" {
		c.messages = append(c.messages, model.NewTextMessage(model.RoleUser, command))
	}
	return c
}

// Append adds a message verbatim.
func (c *Context) Append(m model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
}

// AppendUserText adds a plain user message.
func (c *Context) AppendUserText(text string) {
	c.Append(model.NewTextMessage(model.RoleUser, text))
}

// AppendAssistant adds the model's reply, preserving its tool calls so
// the next tool results pair up.
func (c *Context) AppendAssistant(resp *model.SendResponse) {
	var blocks []model.ContentBlock
	if resp.Text != "" {
		blocks = append(blocks, model.ContentBlock{Type: model.BlockText, Text: resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		blocks = append(blocks, model.ContentBlock{Type: model.BlockToolUse, ID: tc.ID, Name: tc.Name, Input: tc.Input})
	}
	if len(blocks) == 0 {
		blocks = append(blocks, model.ContentBlock{Type: model.BlockText, Text: "(empty response)"})
	}
	c.Append(model.Message{Role: model.RoleAssistant, Content: blocks})
}

// AppendToolResults adds tool results as one user message.
func (c *Context) AppendToolResults(results []model.ContentBlock) {
	if len(results) == 0 {
		return
	}
	c.Append(model.Message{Role: model.RoleUser, Content: results})
}

// SeedResume injects a synthetic recap of a prior session, used when a
// run resumes from its journal.
func (c *Context) SeedResume(summary string) {
	c.Append(model.NewTextMessage(model.RoleUser, "Resuming an interrupted run. Progress so far:\n"+summary))
	c.Append(model.NewTextMessage(model.RoleAssistant, "Understood. Continuing from where the run left off."))
}

// Len returns the message count.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Snapshot returns a copy safe to hand to the model client. Block
// slices are copied; image payloads are shared and treated read-only.
func (c *Context) Snapshot() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.Message, len(c.messages))
	for i, m := range c.messages {
		blocks := make([]model.ContentBlock, len(m.Content))
		copy(blocks, m.Content)
		out[i] = model.Message{Role: m.Role, Content: blocks}
	}
	return out
}

func (c *Context) totalSize() int {
	n := 0
	for _, m := range c.messages {
		n += m.Size() + 16
	}
	return n
}

// Prune applies the retention policy: cycle-aware cap eviction, image
// stripping outside the recent window, tool-result truncation past the
// fresh-exchange horizon, and byte-budget condensation. Called before
// every model send.
func (c *Context) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := logging.Get(logging.CategoryConvo)
	before := len(c.messages)

	c.evictToCap()
	c.pruneImages()
	c.truncateStaleToolResults()
	c.condenseOverBudget()

	if len(c.messages) != before {
		log.Debugw("pruned history", "before", before, "after", len(c.messages), "bytes", c.totalSize())
	}
}

// evictToCap drops the oldest complete cycles down to half the cap,
// never touching the anchor and never cutting a tool_use away from its
// results.
func (c *Context) evictToCap() {
	if c.cfg.MaxMessages <= 0 || len(c.messages) <= c.cfg.MaxMessages {
		return
	}

	target := c.cfg.MaxMessages / 2
	if target < 2 {
		target = 2
	}

	// Keep the anchor plus the newest target-1 messages, then push the
	// cut forward past any user message that would open with orphaned
	// tool results.
	cut := len(c.messages) - (target - 1)
	for cut < len(c.messages) && startsWithToolResult(c.messages[cut]) {
		cut++
	}
	kept := make([]model.Message, 0, 1+len(c.messages)-cut)
	kept = append(kept, c.messages[0])
	kept = append(kept, c.messages[cut:]...)
	c.messages = kept
}

func startsWithToolResult(m model.Message) bool {
	return m.Role == model.RoleUser && len(m.Content) > 0 && m.Content[0].Type == model.BlockToolResult
}

// pruneImages keeps pixels only in the most recent image-bearing
// messages; everything older keeps a placeholder so the transcript
// still reads coherently.
func (c *Context) pruneImages() {
	window := c.cfg.RecentImageWindow
	tail := c.cfg.VerbatimTail

	seen := 0
	for i := len(c.messages) - 1; i >= 0; i-- {
		if !c.messages[i].HasImage() {
			continue
		}
		seen++
		inWindow := seen <= window
		inTail := len(c.messages)-i <= tail
		if inWindow && inTail {
			continue
		}
		c.stripImages(i)
	}
}

func (c *Context) stripImages(i int) {
	blocks := c.messages[i].Content
	out := blocks[:0]
	for _, b := range blocks {
		if len(b.Image) == 0 {
			out = append(out, b)
			continue
		}
		placeholder := fmt.Sprintf("[screenshot removed: %d bytes]", len(b.Image))
		switch b.Type {
		case model.BlockImage:
			out = append(out, model.ContentBlock{Type: model.BlockText, Text: placeholder})
		case model.BlockToolResult:
			b.Image = nil
			if b.Content != "" {
				b.Content += "\n" + placeholder
			} else {
				b.Content = placeholder
			}
			out = append(out, b)
		default:
			b.Image = nil
			out = append(out, b)
		}
	}
	c.messages[i].Content = out
}

// truncateStaleToolResults shortens tool results older than the fresh
// exchange horizon. Structural payloads keep their head; log-like
// output keeps its tail.
func (c *Context) truncateStaleToolResults() {
	fresh := c.cfg.FreshToolExchanges
	keep := c.cfg.TruncatedResultBytes
	if keep <= 0 {
		keep = 500
	}

	exchanges := 0
	for i := len(c.messages) - 1; i >= 0; i-- {
		m := c.messages[i]
		if m.Role == model.RoleUser {
			exchanges++
		}
		if exchanges <= fresh {
			continue
		}
		for j, b := range m.Content {
			if b.Type != model.BlockToolResult || len(b.Content) <= keep {
				continue
			}
			if looksStructural(b.Content) {
				m.Content[j].Content = b.Content[:keep] + "\n...[truncated]"
			} else {
				m.Content[j].Content = "[truncated]...\n" + b.Content[len(b.Content)-keep:]
			}
		}
	}
}

func looksStructural(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") ||
		strings.HasPrefix(t, "<") || strings.HasPrefix(t, "window ")
}

// condenseOverBudget replaces the middle of an oversized conversation
// with a synthetic digest bracketed by an acknowledgment, keeping the
// anchor and the newest VerbatimTail messages verbatim.
func (c *Context) condenseOverBudget() {
	budget := c.cfg.ByteBudget
	tail := c.cfg.VerbatimTail
	if budget <= 0 || c.totalSize() <= budget {
		return
	}
	if len(c.messages) <= tail+3 {
		return
	}

	tailStart := len(c.messages) - tail
	for tailStart < len(c.messages) && startsWithToolResult(c.messages[tailStart]) {
		tailStart++
	}
	dropped := c.messages[1:tailStart]
	if len(dropped) == 0 {
		return
	}

	summary := model.NewTextMessage(model.RoleUser, digest(dropped))
	ack := model.NewTextMessage(model.RoleAssistant, "Acknowledged. I have the condensed context and will continue the task.")

	kept := make([]model.Message, 0, 3+len(c.messages)-tailStart)
	kept = append(kept, c.messages[0], summary, ack)
	kept = append(kept, c.messages[tailStart:]...)
	c.messages = kept
}

// digest flattens dropped messages into a compact recap.
func digest(dropped []model.Message) string {
	var b strings.Builder
	b.WriteString("[Earlier conversation condensed]\n")

	toolResults := 0
	lines := 0
	for _, m := range dropped {
		if lines >= 20 {
			break
		}
		switch m.Role {
		case model.RoleAssistant:
			var tools []string
			for _, blk := range m.Content {
				if blk.Type == model.BlockToolUse {
					tools = append(tools, blk.Name)
				}
			}
			text := firstLine(m.Text(), 100)
			if text == "" && len(tools) == 0 {
				continue
			}
			b.WriteString("- assistant: " + text)
			if len(tools) > 0 {
				b.WriteString(" (tools: " + strings.Join(tools, ", ") + ")")
			}
			b.WriteString("\n")
			lines++
		case model.RoleUser:
			n := 0
			for _, blk := range m.Content {
				if blk.Type == model.BlockToolResult {
					n++
				}
			}
			if n > 0 {
				toolResults += n
				continue
			}
			if text := firstLine(m.Text(), 100); text != "" {
				b.WriteString("- user: " + text + "\n")
				lines++
			}
		}
	}
	if toolResults > 0 {
		fmt.Fprintf(&b, "(%d tool results omitted)\n", toolResults)
	}
	return b.String()
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
