package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func textResp(text string) *model.SendResponse {
	return &model.SendResponse{Text: text, StopReason: "end_turn"}
}

func TestMetaCommandsMatchLocally(t *testing.T) {
	stub := &stubClient{err: errors.New("must not be called")}
	c := NewClassifier(stub, "test-model", 0.7)

	cases := map[string]Meta{
		"status":      MetaStatus,
		" STOP ":      MetaStop,
		"/screenshot": MetaScreenshot,
		"help":        MetaHelp,
		"usage":       MetaUsage,
	}
	for command, want := range cases {
		got, err := c.Classify(context.Background(), command, "cli")
		require.NoError(t, err, command)
		assert.Equal(t, KindMeta, got.Kind, command)
		assert.Equal(t, want, got.Meta, command)
	}
	assert.Zero(t, stub.calls, "meta commands must bypass the model")
}

func TestClassifyTask(t *testing.T) {
	stub := &stubClient{resp: textResp(`{"type":"task","confidence":0.92,"is_simple":true}`)}
	c := NewClassifier(stub, "test-model", 0.7)

	got, err := c.Classify(context.Background(), "open Safari", "chat")
	require.NoError(t, err)
	assert.Equal(t, KindTask, got.Kind)
	assert.True(t, got.IsSimple)
	assert.InDelta(t, 0.92, got.Confidence, 0.001)
}

func TestClassifyAcceptsFencedJSON(t *testing.T) {
	stub := &stubClient{resp: textResp("```json\n{\"type\":\"chat\",\"confidence\":0.9}\n```")}
	c := NewClassifier(stub, "test-model", 0.7)

	got, err := c.Classify(context.Background(), "what time is it", "chat")
	require.NoError(t, err)
	assert.Equal(t, KindChat, got.Kind)
}

func TestMalformedResponseFailsOpenToTask(t *testing.T) {
	stub := &stubClient{resp: textResp("I believe this is a task you want performed.")}
	c := NewClassifier(stub, "test-model", 0.7)

	got, err := c.Classify(context.Background(), "do the thing", "cli")
	require.NoError(t, err)
	assert.Equal(t, KindTask, got.Kind)
	assert.InDelta(t, 0.5, got.Confidence, 0.001)
	assert.False(t, got.IsSimple)
}

func TestLowConfidenceDowngradesToClarification(t *testing.T) {
	t.Run("canned question", func(t *testing.T) {
		stub := &stubClient{resp: textResp(`{"type":"task","confidence":0.55}`)}
		c := NewClassifier(stub, "test-model", 0.7)

		got, err := c.Classify(context.Background(), "fix it", "chat")
		require.NoError(t, err)
		assert.Equal(t, KindClarification, got.Kind)
		assert.NotEmpty(t, got.Question)
	})

	t.Run("model question wins", func(t *testing.T) {
		stub := &stubClient{resp: textResp(`{"type":"task","confidence":0.4,"question":"Which file should I fix?"}`)}
		c := NewClassifier(stub, "test-model", 0.7)

		got, err := c.Classify(context.Background(), "fix it", "chat")
		require.NoError(t, err)
		assert.Equal(t, KindClarification, got.Kind)
		assert.Equal(t, "Which file should I fix?", got.Question)
	})
}

func TestMalformedFailOpenSkipsDowngrade(t *testing.T) {
	// Fail-open confidence (0.5) sits below the threshold, but the
	// point of failing open is to act, not to bounce the command back.
	stub := &stubClient{resp: textResp("not json at all")}
	c := NewClassifier(stub, "test-model", 0.7)

	got, err := c.Classify(context.Background(), "archive my inbox", "chat")
	require.NoError(t, err)
	assert.Equal(t, KindTask, got.Kind)
}

func TestModelMetaValidated(t *testing.T) {
	t.Run("known meta", func(t *testing.T) {
		stub := &stubClient{resp: textResp(`{"type":"meta","meta_command":"status","confidence":0.95}`)}
		c := NewClassifier(stub, "test-model", 0.7)

		got, err := c.Classify(context.Background(), "tell me how the run is going", "chat")
		require.NoError(t, err)
		assert.Equal(t, KindMeta, got.Kind)
		assert.Equal(t, MetaStatus, got.Meta)
	})

	t.Run("unknown meta fails open", func(t *testing.T) {
		stub := &stubClient{resp: textResp(`{"type":"meta","meta_command":"dance","confidence":0.95}`)}
		c := NewClassifier(stub, "test-model", 0.7)

		got, err := c.Classify(context.Background(), "dance", "chat")
		require.NoError(t, err)
		assert.Equal(t, KindTask, got.Kind)
	})
}

func TestMemoryGroundsFollowUps(t *testing.T) {
	stub := &stubClient{resp: textResp(`{"type":"task","confidence":0.9,"is_simple":true}`)}
	c := NewClassifier(stub, "test-model", 0.7)

	c.Remember("draft an email to Sam", "draft created, not sent", "Mail")

	_, err := c.Classify(context.Background(), "now click send", "chat")
	require.NoError(t, err)

	require.Len(t, stub.last.Messages, 1)
	prompt := stub.last.Messages[0].Text()
	assert.Contains(t, prompt, "now click send")
	assert.Contains(t, prompt, "PREVIOUS COMMAND: draft an email to Sam")
	assert.Contains(t, prompt, "ACTIVE APP: Mail")
}

func TestSendErrorPropagates(t *testing.T) {
	stub := &stubClient{err: errors.New("API request failed with status 500: boom")}
	c := NewClassifier(stub, "test-model", 0.7)

	_, err := c.Classify(context.Background(), "open Safari", "cli")
	assert.ErrorContains(t, err, "intent classification failed")
}
