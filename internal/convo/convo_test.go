package convo

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskpilot/internal/config"
	"deskpilot/internal/model"
)

func testCfg() config.ConversationConfig {
	return config.ConversationConfig{
		MaxMessages:          60,
		RecentImageWindow:    1,
		FreshToolExchanges:   4,
		VerbatimTail:         10,
		ByteBudget:           0, // disabled unless a test opts in
		TruncatedResultBytes: 500,
	}
}

func toolCycle(id, name string) (model.Message, model.Message) {
	assistant := model.Message{Role: model.RoleAssistant, Content: []model.ContentBlock{
		{Type: model.BlockText, Text: "running " + name},
		{Type: model.BlockToolUse, ID: id, Name: name, Input: map[string]any{}},
	}}
	user := model.Message{Role: model.RoleUser, Content: []model.ContentBlock{
		{Type: model.BlockToolResult, ToolUseID: id, Content: name + " done"},
	}}
	return assistant, user
}

// assertWellFormed checks the role and tool-pair invariants the API
// requires.
func assertWellFormed(t *testing.T, msgs []model.Message) {
	t.Helper()
	require.NotEmpty(t, msgs)
	assert.Equal(t, model.RoleUser, msgs[0].Role, "must open with user turn")
	assert.Equal(t, model.RoleUser, msgs[len(msgs)-1].Role, "must end with user turn")

	for i := 1; i < len(msgs); i++ {
		assert.NotEqual(t, msgs[i-1].Role, msgs[i].Role, "no same-role adjacency at %d", i)
	}

	for i, m := range msgs {
		for _, b := range m.Content {
			switch b.Type {
			case model.BlockToolUse:
				require.Less(t, i+1, len(msgs), "tool_use %s has no reply", b.ID)
				found := false
				for _, rb := range msgs[i+1].Content {
					if rb.Type == model.BlockToolResult && rb.ToolUseID == b.ID {
						found = true
					}
				}
				assert.True(t, found, "tool_use %s unanswered", b.ID)
			case model.BlockToolResult:
				require.Greater(t, i, 0, "tool_result %s has no request", b.ToolUseID)
				found := false
				for _, ub := range msgs[i-1].Content {
					if ub.Type == model.BlockToolUse && ub.ID == b.ToolUseID {
						found = true
					}
				}
				assert.True(t, found, "tool_result %s orphaned", b.ToolUseID)
			}
		}
	}
}

func TestAnchorSurvivesEviction(t *testing.T) {
	cfg := testCfg()
	cfg.MaxMessages = 6

	c := New(cfg, "open safari and check the weather")
	for i := 0; i < 20; i++ {
		role := model.RoleAssistant
		if i%2 == 1 {
			role = model.RoleUser
		}
		c.Append(model.NewTextMessage(role, fmt.Sprintf("turn %d", i)))
	}

	c.Prune()

	snap := c.Snapshot()
	assert.Equal(t, 3, len(snap))
	assert.Equal(t, "open safari and check the weather", snap[0].Text())
	assert.Equal(t, "turn 19", snap[len(snap)-1].Text())
}

func TestEvictionKeepsToolPairsIntact(t *testing.T) {
	cfg := testCfg()
	cfg.MaxMessages = 10

	c := New(cfg, "do the rounds")
	for i := 0; i < 15; i++ {
		a, u := toolCycle(fmt.Sprintf("tu_%d", i), "click")
		c.Append(a)
		c.Append(u)
	}

	c.Prune()
	require.LessOrEqual(t, c.Len(), cfg.MaxMessages)

	// No kept user message may open with a tool result whose request
	// was evicted.
	snap := c.Snapshot()
	for i, m := range snap {
		if i == 0 {
			continue
		}
		for _, b := range m.Content {
			if b.Type == model.BlockToolResult {
				require.Greater(t, i, 0)
				prev := snap[i-1]
				found := false
				for _, pb := range prev.Content {
					if pb.Type == model.BlockToolUse && pb.ID == b.ToolUseID {
						found = true
					}
				}
				assert.True(t, found, "orphaned tool result after eviction")
			}
		}
	}

	repairs := c.ValidateBeforeSend()
	for _, r := range repairs {
		assert.NotContains(t, r, "tool", "eviction should never require tool repairs: %s", r)
	}
}

func TestImagePruningKeepsOnlyRecentWindow(t *testing.T) {
	c := New(testCfg(), "look at the screen")

	for i := 0; i < 3; i++ {
		a, u := toolCycle(fmt.Sprintf("tu_%d", i), "screenshot")
		u.Content[0].Image = make([]byte, 100+i)
		c.Append(a)
		c.Append(u)
	}

	c.Prune()
	snap := c.Snapshot()

	withImage := 0
	for _, m := range snap {
		if m.HasImage() {
			withImage++
		}
	}
	assert.Equal(t, 1, withImage)
	assert.True(t, snap[len(snap)-1].HasImage(), "newest screenshot keeps pixels")

	// Older screenshots leave a placeholder behind.
	older := snap[2]
	require.Equal(t, model.RoleUser, older.Role)
	assert.Contains(t, older.Content[0].Content, "[screenshot removed")
	assert.Empty(t, older.Content[0].Image)
}

func TestStaleToolResultsTruncate(t *testing.T) {
	cfg := testCfg()
	cfg.FreshToolExchanges = 1
	cfg.TruncatedResultBytes = 50

	c := New(cfg, "tail the logs")

	longLog := strings.Repeat("line of build output\n", 40)
	a1, u1 := toolCycle("tu_log", "run_command")
	u1.Content[0].Content = longLog
	c.Append(a1)
	c.Append(u1)

	structural := "{" + strings.Repeat(`"key": "value", `, 40) + "}"
	a2, u2 := toolCycle("tu_json", "read_ui_tree")
	u2.Content[0].Content = structural
	c.Append(a2)
	c.Append(u2)

	a3, u3 := toolCycle("tu_new", "click")
	c.Append(a3)
	c.Append(u3)

	c.Prune()
	snap := c.Snapshot()

	logResult := snap[2].Content[0].Content
	assert.True(t, strings.HasPrefix(logResult, "[truncated]..."), "log output keeps its tail")
	assert.True(t, strings.HasSuffix(logResult, longLog[len(longLog)-50:]), "tail preserved")
	assert.Less(t, len(logResult), len(longLog))

	jsonResult := snap[4].Content[0].Content
	assert.True(t, strings.HasSuffix(jsonResult, "...[truncated]"), "structural output keeps its head")
	assert.True(t, strings.HasPrefix(jsonResult, structural[:50]))

	fresh := snap[6].Content[0].Content
	assert.Equal(t, "click done", fresh, "fresh results untouched")
}

func TestCondensationPreservesAnchorAndTail(t *testing.T) {
	cfg := testCfg()
	cfg.ByteBudget = 2000
	cfg.VerbatimTail = 4

	c := New(cfg, "organize my desktop")
	filler := strings.Repeat("x", 200)
	for i := 0; i < 30; i++ {
		role := model.RoleAssistant
		if i%2 == 1 {
			role = model.RoleUser
		}
		c.Append(model.NewTextMessage(role, fmt.Sprintf("%d %s", i, filler)))
	}

	c.Prune()
	snap := c.Snapshot()

	require.Equal(t, 7, len(snap)) // anchor + digest + ack + 4 tail
	assert.Equal(t, "organize my desktop", snap[0].Text())
	assert.Contains(t, snap[1].Text(), "condensed")
	assert.Equal(t, model.RoleAssistant, snap[2].Role)
	assert.Contains(t, snap[2].Text(), "Acknowledged")
	for i := 0; i < 4; i++ {
		assert.True(t, strings.HasPrefix(snap[3+i].Text(), fmt.Sprintf("%d ", 26+i)))
	}
}

func TestCondensationSkipsSmallConversations(t *testing.T) {
	cfg := testCfg()
	cfg.ByteBudget = 100 * 1024

	c := New(cfg, "small talk")
	c.Append(model.NewTextMessage(model.RoleAssistant, "sure"))

	c.Prune()
	assert.Equal(t, 2, c.Len())
}

func TestSnapshotIsolation(t *testing.T) {
	c := New(testCfg(), "hold steady")
	snap := c.Snapshot()
	snap[0].Content[0].Text = "mutated"
	snap = append(snap, model.NewTextMessage(model.RoleUser, "extra"))
	_ = snap

	assert.Equal(t, "hold steady", c.Snapshot()[0].Text())
	assert.Equal(t, 1, c.Len())
}

func TestSeedResume(t *testing.T) {
	c := New(testCfg(), "finish the report")
	c.SeedResume("executed tools: open_app, type_text. last score 70.")

	snap := c.Snapshot()
	require.Equal(t, 3, len(snap))
	assert.Contains(t, snap[1].Text(), "Resuming an interrupted run")
	assert.Contains(t, snap[1].Text(), "open_app")
	assert.Equal(t, model.RoleAssistant, snap[2].Role)

	// The recap lands as a second user turn; the pre-send validator folds
	// it into the anchor and appends a continuation for the wire.
	repairs := c.ValidateBeforeSend()
	assert.NotEmpty(t, repairs)
	assertWellFormed(t, c.Snapshot())

	merged := c.Snapshot()[0].Text()
	assert.Contains(t, merged, "finish the report")
	assert.Contains(t, merged, "Resuming an interrupted run")
}
