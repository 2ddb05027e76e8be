package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskpilot/internal/config"
	"deskpilot/internal/model"
)

type stubClient struct {
	resp  *model.SendResponse
	err   error
	calls int
	last  model.SendRequest
}

func (s *stubClient) Send(_ context.Context, req model.SendRequest) (*model.SendResponse, error) {
	s.calls++
	s.last = req
	return s.resp, s.err
}

func testPlanner(text string) (*Planner, *stubClient) {
	stub := &stubClient{resp: &model.SendResponse{Text: text, StopReason: "end_turn"}}
	p := NewPlanner(stub, "test-model", DefaultPolicy(), config.DefaultConfig().Plan)
	return p, stub
}

func TestProposeParsesPlan(t *testing.T) {
	p, _ := testPlanner(`{
		"summary": "Email the report to Sam",
		"steps": [
			{"title": "Open Mail", "action": "Open the Mail application", "max_iterations": 5},
			{"title": "Compose", "action": "Compose a message to sam@example.com attaching report.pdf", "max_iterations": 30, "depends_on": [0]},
			{"title": "Send it", "action": "Send the composed email", "depends_on": [1], "alternatives": ["use the keyboard shortcut"]}
		]
	}`)

	draft, err := p.Propose(context.Background(), "email the report to Sam", "")
	require.NoError(t, err)
	require.NotNil(t, draft.Plan)
	require.Len(t, draft.Plan.Steps, 3)
	assert.Empty(t, draft.Question)
	assert.Equal(t, "Email the report to Sam", draft.Plan.Summary)

	open := draft.Plan.Steps[0]
	assert.Equal(t, 0, open.ID)
	assert.Equal(t, 8, open.MaxIterations, "budget below floor clamps up")
	assert.Equal(t, CriticalityNormal, open.Criticality)

	compose := draft.Plan.Steps[1]
	assert.Equal(t, 20, compose.MaxIterations, "budget above ceiling clamps down")
	assert.Equal(t, []int{0}, compose.DependsOn)

	send := draft.Plan.Steps[2]
	assert.Equal(t, 12, send.MaxIterations, "unspecified budget gets the default")
	assert.Equal(t, CriticalityCritical, send.Criticality, "verb table upgrades unmarked send step")
	assert.True(t, send.RequiresConfirmation, "critical steps always gate on confirmation")
	assert.Equal(t, []string{"use the keyboard shortcut"}, send.Alternatives)
}

func TestProposeDropsMalformedStepsAndRemapsDeps(t *testing.T) {
	p, _ := testPlanner(`{
		"summary": "three steps, one junk",
		"steps": [
			{"title": "Open app", "action": "Open the Notes application"},
			{"title": "junk", "action": "   "},
			{"title": "Type", "action": "Type the shopping list into the new note", "depends_on": [0, 1]}
		]
	}`)

	draft, err := p.Propose(context.Background(), "write a note", "")
	require.NoError(t, err)
	require.Len(t, draft.Plan.Steps, 2)

	typeStep := draft.Plan.Steps[1]
	assert.Equal(t, 1, typeStep.ID, "ids are renumbered after dropping")
	assert.Equal(t, []int{0}, typeStep.DependsOn, "dep on the dropped step is removed, surviving dep remapped")
}

func TestProposeTruncatesLongPlans(t *testing.T) {
	steps := make([]map[string]any, 14)
	for i := range steps {
		steps[i] = map[string]any{
			"title":  fmt.Sprintf("step %d", i),
			"action": fmt.Sprintf("perform action number %d", i),
		}
	}
	raw, err := json.Marshal(map[string]any{"summary": "long", "steps": steps})
	require.NoError(t, err)

	p, _ := testPlanner(string(raw))
	draft, err := p.Propose(context.Background(), "do many things", "")
	require.NoError(t, err)
	assert.Len(t, draft.Plan.Steps, 10)
}

func TestProposeReturnsClarifyingQuestion(t *testing.T) {
	p, _ := testPlanner(`{"question": "Which account should I send from?", "steps": []}`)

	draft, err := p.Propose(context.Background(), "send it", "")
	require.NoError(t, err)
	assert.Nil(t, draft.Plan)
	assert.Equal(t, "Which account should I send from?", draft.Question)
}

func TestProposeUnparseableFallsBackToEmptyPlan(t *testing.T) {
	p, _ := testPlanner("Sure! Here's what I would do: first open the app...")

	draft, err := p.Propose(context.Background(), "open Safari", "")
	require.NoError(t, err, "a malformed plan must not abort the run")
	require.NotNil(t, draft.Plan)
	assert.True(t, draft.Plan.Empty())
	assert.Equal(t, "open Safari", draft.Plan.Command)
}

func TestProposeDropsForwardDependencies(t *testing.T) {
	p, _ := testPlanner(`{
		"summary": "s",
		"steps": [
			{"title": "a", "action": "do the first thing", "depends_on": [1]},
			{"title": "b", "action": "do the second thing"}
		]
	}`)

	draft, err := p.Propose(context.Background(), "two things", "")
	require.NoError(t, err)
	require.Len(t, draft.Plan.Steps, 2)
	assert.Empty(t, draft.Plan.Steps[0].DependsOn)
}

func TestProposeFencedJSON(t *testing.T) {
	p, stub := testPlanner("```json\n{\"summary\": \"s\", \"steps\": [{\"title\": \"a\", \"action\": \"open the calculator\"}]}\n```")

	draft, err := p.Propose(context.Background(), "calc", "Calculator")
	require.NoError(t, err)
	require.Len(t, draft.Plan.Steps, 1)
	assert.Contains(t, stub.last.Messages[0].Text(), "TARGET APP: Calculator")
}

func TestProposeSendErrorPropagates(t *testing.T) {
	stub := &stubClient{err: fmt.Errorf("API request failed with status 529: overloaded")}
	p := NewPlanner(stub, "test-model", DefaultPolicy(), config.DefaultConfig().Plan)

	_, err := p.Propose(context.Background(), "open Safari", "")
	assert.ErrorContains(t, err, "planning call failed")
}
