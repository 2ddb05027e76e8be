package loop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskpilot/internal/config"
	"deskpilot/internal/convo"
	"deskpilot/internal/desktop"
	"deskpilot/internal/metrics"
	"deskpilot/internal/model"
	"deskpilot/internal/resilience"
	"deskpilot/internal/usage"
	"deskpilot/internal/verify"
)

// scriptedClient replays canned responses in order. When the script
// runs out it serves repeat, or errs if none is set, so a test that
// loops longer than intended fails loudly instead of hanging.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*model.SendResponse
	repeat    *model.SendResponse
	err       error
	requests  []model.SendRequest
}

func (c *scriptedClient) Send(_ context.Context, req model.SendRequest) (*model.SendResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		if c.repeat != nil {
			return c.repeat, nil
		}
		return nil, errors.New("scripted client exhausted")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func textResp(text string) *model.SendResponse {
	return &model.SendResponse{Text: text, StopReason: "end_turn", InputTokens: 100, OutputTokens: 30}
}

func toolResp(text, tool string) *model.SendResponse {
	return &model.SendResponse{
		Text:         text,
		ToolCalls:    []model.ToolCall{{ID: "tu_" + tool, Name: tool, Input: map[string]any{}}},
		StopReason:   "tool_use",
		InputTokens:  120,
		OutputTokens: 45,
	}
}

// scriptedScorer serves canned verification payloads in order, then a
// passing score.
type scriptedScorer struct {
	mu     sync.Mutex
	scores []string
	calls  int
}

func (s *scriptedScorer) Score(context.Context, string, []byte) (*model.ScoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	text := `{"score": 90, "reason": "screen matches the requested end state"}`
	if len(s.scores) > 0 {
		text = s.scores[0]
		s.scores = s.scores[1:]
	}
	return &model.ScoreResult{Text: text, InputTokens: 40, OutputTokens: 12}, nil
}

func (s *scriptedScorer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubMonitor lets a test fake network and display state.
type stubMonitor struct {
	reachable func() bool
	asleep    func() bool
}

func (s stubMonitor) NetworkReachable() bool {
	if s.reachable == nil {
		return true
	}
	return s.reachable()
}

func (s stubMonitor) DisplayAsleep() bool {
	if s.asleep == nil {
		return false
	}
	return s.asleep()
}

type fixture struct {
	client *scriptedClient
	scorer *scriptedScorer
	nop    *desktop.Nop
	desk   *desktop.Desktop
	cfg    *config.Config
	conv   *convo.Context
	meter  *usage.RunMeter
	life   *Lifecycle
}

func newFixture(client *scriptedClient) *fixture {
	nop := desktop.NewNop()
	return &fixture{
		client: client,
		scorer: &scriptedScorer{},
		nop:    nop,
		desk:   &desktop.Desktop{Actuator: nop, Observer: nop, Responder: nop, Monitor: nop},
		cfg:    config.DefaultConfig(),
		life:   NewLifecycle(0),
	}
}

func (f *fixture) engine(command string) *Engine {
	f.conv = convo.New(f.cfg.Conversation, command)
	f.meter = usage.NewRunMeter("run-test", nil)
	verifier := verify.NewEngine(f.scorer, f.cfg.Verification, f.cfg.Plan.SimilarityStride, f.cfg.Plan.SimilarityNoise)
	return New(Options{
		Client:    f.client,
		Verifier:  verifier,
		Desktop:   f.desk,
		Convo:     f.conv,
		Meter:     f.meter,
		Metrics:   metrics.New(),
		Lifecycle: f.life,
		Config:    f.cfg,
		Command:   command,
	})
}

func conversationText(c *convo.Context) string {
	var b strings.Builder
	for _, msg := range c.Snapshot() {
		b.WriteString(msg.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func TestRunFlatCompletesAfterVerification(t *testing.T) {
	client := &scriptedClient{responses: []*model.SendResponse{
		toolResp("Opening the report now.", "open_app"),
		textResp("TASK COMPLETE. The report is open in the editor."),
	}}
	f := newFixture(client)
	e := f.engine("open the report")

	res := e.RunFlat(context.Background())

	require.True(t, res.Success)
	assert.Equal(t, 2, res.Iterations)
	assert.Contains(t, res.Summary, "TASK COMPLETE")
	require.NotNil(t, res.FinalScore)
	assert.Equal(t, 90, res.FinalScore.Overall)
	assert.Equal(t, []string{"open_app"}, f.nop.Executed())

	in, out := f.meter.VerifyTotals()
	assert.Equal(t, int64(40), in)
	assert.Equal(t, int64(12), out)
}

func TestRunFlatAutoPassesWithoutVisualTools(t *testing.T) {
	client := &scriptedClient{responses: []*model.SendResponse{
		toolResp("Checking the accessibility tree.", "read_ui_tree"),
		textResp("TASK COMPLETE. The window title already matches."),
	}}
	f := newFixture(client)
	e := f.engine("check the window title")

	res := e.RunFlat(context.Background())

	require.True(t, res.Success)
	assert.Nil(t, res.FinalScore)
	assert.Equal(t, 0, f.scorer.callCount())
}

func TestRunFlatRejectedClaimLoopsBack(t *testing.T) {
	client := &scriptedClient{responses: []*model.SendResponse{
		toolResp("Clicking the save button.", "click"),
		textResp("TASK COMPLETE. The file is saved."),
		toolResp("The dialog was still open, clicking confirm.", "click"),
		textResp("TASK COMPLETE. Confirmed and saved."),
	}}
	f := newFixture(client)
	f.scorer.scores = []string{`{"score": 30, "reason": "the save dialog is still open"}`}
	e := f.engine("save the file")

	res := e.RunFlat(context.Background())

	require.True(t, res.Success)
	assert.Equal(t, 4, res.Iterations)
	assert.Equal(t, 2, f.scorer.callCount())
	assert.Contains(t, conversationText(f.conv), "Verification rejected the completion claim")
}

func TestRunFlatCannotCompleteExtractsReason(t *testing.T) {
	client := &scriptedClient{responses: []*model.SendResponse{
		textResp("CANNOT COMPLETE: the Mail application is not installed."),
	}}
	f := newFixture(client)
	e := f.engine("send an email")

	res := e.RunFlat(context.Background())

	assert.False(t, res.Success)
	assert.False(t, res.Cancelled)
	assert.False(t, res.Stuck)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, "the Mail application is not installed.", res.Reason)
}

func TestRunFlatStuckExhaustsRecoveries(t *testing.T) {
	client := &scriptedClient{repeat: textResp("I am looking for the button.")}
	f := newFixture(client)
	e := f.engine("press the button")

	res := e.RunFlat(context.Background())

	assert.False(t, res.Success)
	assert.True(t, res.Stuck)
	assert.Contains(t, res.Reason, "no progress after 2 recovery attempts")
	assert.Equal(t, 9, res.Iterations)
	assert.Equal(t, 2, strings.Count(conversationText(f.conv), "No visible progress across the last few iterations"))
}

func TestRunFlatMaxIterationsIsFailureNotPanic(t *testing.T) {
	client := &scriptedClient{responses: []*model.SendResponse{
		textResp("Looking at the desktop."),
		textResp("Still looking around the screen."),
	}}
	f := newFixture(client)
	f.cfg.Run.MaxIterations = 2
	e := f.engine("do something vague")

	res := e.RunFlat(context.Background())

	assert.False(t, res.Success)
	assert.False(t, res.Cancelled)
	assert.Equal(t, 2, res.Iterations)
	assert.Contains(t, res.Reason, "maximum of 2 iterations")
	assert.Contains(t, conversationText(f.conv), "[Warning] Only 2 iterations remain")
}

func TestRunFlatTokenBudgetAborts(t *testing.T) {
	client := &scriptedClient{responses: []*model.SendResponse{
		{Text: "Working on it.", StopReason: "end_turn", InputTokens: 90, OutputTokens: 30},
	}}
	f := newFixture(client)
	f.cfg.Run.MaxTokens = 100
	e := f.engine("expensive task")

	res := e.RunFlat(context.Background())

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Iterations)
	assert.Contains(t, res.Reason, "token budget exhausted (120 of 100 tokens used)")
}

func TestRunFlatTokenBudgetWarnsOnce(t *testing.T) {
	client := &scriptedClient{responses: []*model.SendResponse{
		{Text: "Reading the document.", StopReason: "end_turn", InputTokens: 700, OutputTokens: 150},
		textResp("TASK COMPLETE. Read the whole document, nothing to change."),
	}}
	f := newFixture(client)
	f.cfg.Run.MaxTokens = 1000
	e := f.engine("read the document")

	res := e.RunFlat(context.Background())

	require.True(t, res.Success)
	assert.Equal(t, 1, strings.Count(conversationText(f.conv), "most of the token budget"))
}

func TestRunFlatCancelledBeforeStart(t *testing.T) {
	client := &scriptedClient{}
	f := newFixture(client)
	f.life.Cancel("user pressed stop")
	e := f.engine("anything")

	res := e.RunFlat(context.Background())

	assert.True(t, res.Cancelled)
	assert.Equal(t, "user pressed stop", res.Reason)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, 0, client.calls())
}

func TestRunFlatCircuitOpenIsLabeledOutage(t *testing.T) {
	client := &scriptedClient{err: resilience.ErrCircuitOpen}
	f := newFixture(client)
	e := f.engine("anything")

	res := e.RunFlat(context.Background())

	assert.False(t, res.Success)
	assert.False(t, res.Cancelled)
	assert.Contains(t, res.Reason, "circuit breaker open")
	assert.Contains(t, res.Reason, "outage")
}

func TestRunFlatTimesOut(t *testing.T) {
	client := &scriptedClient{}
	f := newFixture(client)
	f.cfg.Run.Timeout = "1ns"
	e := f.engine("anything")

	res := e.RunFlat(context.Background())

	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "run timed out")
	assert.Equal(t, 0, client.calls())
}

func TestRunFlatNetworkPauseAborts(t *testing.T) {
	client := &scriptedClient{}
	f := newFixture(client)
	f.cfg.Run.NetworkPauseTimeout = "40ms"
	f.cfg.Run.NetworkPollInterval = "10ms"
	f.desk.Monitor = stubMonitor{reachable: func() bool { return false }}
	e := f.engine("anything")

	res := e.RunFlat(context.Background())

	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "network unreachable")
	assert.Equal(t, 0, client.calls())
}

func TestRunFlatNetworkPauseResumes(t *testing.T) {
	client := &scriptedClient{responses: []*model.SendResponse{
		textResp("TASK COMPLETE. Nothing needed doing."),
	}}
	f := newFixture(client)
	f.cfg.Run.NetworkPauseTimeout = "2s"
	f.cfg.Run.NetworkPollInterval = "10ms"
	var polls atomic.Int32
	f.desk.Monitor = stubMonitor{reachable: func() bool {
		return polls.Add(1) > 2
	}}
	e := f.engine("anything")

	res := e.RunFlat(context.Background())

	require.True(t, res.Success)
	assert.Equal(t, 1, res.Iterations)
}

func TestRunFlatDisplaySleepAborts(t *testing.T) {
	client := &scriptedClient{}
	f := newFixture(client)
	f.cfg.Run.DisplayPauseTimeout = "40ms"
	f.cfg.Run.DisplayPollInterval = "10ms"
	f.desk.Monitor = stubMonitor{asleep: func() bool { return true }}
	e := f.engine("anything")

	res := e.RunFlat(context.Background())

	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "display asleep")
	assert.Equal(t, 0, client.calls())
}

func TestRunFlatResumeCountsPriorIterations(t *testing.T) {
	client := &scriptedClient{responses: []*model.SendResponse{
		textResp("TASK COMPLETE. The window was already arranged."),
	}}
	f := newFixture(client)
	f.cfg.Run.MaxIterations = 6
	f.conv = convo.New(f.cfg.Conversation, "arrange windows")
	f.meter = usage.NewRunMeter("run-test", nil)
	verifier := verify.NewEngine(f.scorer, f.cfg.Verification, f.cfg.Plan.SimilarityStride, f.cfg.Plan.SimilarityNoise)
	e := New(Options{
		Client:         f.client,
		Verifier:       verifier,
		Desktop:        f.desk,
		Convo:          f.conv,
		Meter:          f.meter,
		Metrics:        metrics.New(),
		Lifecycle:      f.life,
		Config:         f.cfg,
		Command:        "arrange windows",
		StartIteration: 5,
	})

	res := e.RunFlat(context.Background())

	require.True(t, res.Success)
	assert.Equal(t, 6, res.Iterations)
	assert.Contains(t, conversationText(f.conv), "[Warning] Only 1 iterations remain")
}
