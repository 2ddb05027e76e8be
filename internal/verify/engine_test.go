package verify

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskpilot/internal/config"
	"deskpilot/internal/model"
)

type stubScorer struct {
	result     *model.ScoreResult
	err        error
	calls      int
	lastPrompt string
}

func (s *stubScorer) Score(_ context.Context, prompt string, _ []byte) (*model.ScoreResult, error) {
	s.calls++
	s.lastPrompt = prompt
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func testEngine(s model.Scorer) *Engine {
	cfg := config.DefaultConfig()
	return NewEngine(s, cfg.Verification, cfg.Plan.SimilarityStride, cfg.Plan.SimilarityNoise)
}

func solidPNG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func splitPNG(t *testing.T, w, h int, left, right color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.Set(x, y, left)
			} else {
				img.Set(x, y, right)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

var (
	red  = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	blue = color.RGBA{R: 30, G: 30, B: 200, A: 255}
)

func TestVerifyNeutralWithoutPostImage(t *testing.T) {
	e := testEngine(&stubScorer{err: errors.New("must not be called")})

	low := e.Verify(context.Background(), &Request{Command: "open Safari", Threshold: 50})
	assert.Equal(t, 50, low.Overall)
	assert.Equal(t, SourceNeutral, low.Source)
	assert.True(t, low.Pass, "neutral meets the mid-step bar")

	high := e.Verify(context.Background(), &Request{Command: "open Safari", Threshold: 60})
	assert.False(t, high.Pass, "neutral misses the final bar")
}

func TestVerifyModelScorePath(t *testing.T) {
	stub := &stubScorer{result: &model.ScoreResult{
		Text:         `{"score": 85, "reason": "Safari window is open"}`,
		InputTokens:  40,
		OutputTokens: 12,
	}}
	e := testEngine(stub)

	score := e.Verify(context.Background(), &Request{
		Command:     "open Safari",
		TextContent: "Opened Safari. TASK COMPLETE",
		PostImage:   solidPNG(t, 32, 32, blue),
		Tools:       []ToolOutcome{{Name: "open_app", Visual: true}},
		Threshold:   60,
	})

	assert.Equal(t, 85, score.Overall)
	assert.True(t, score.Pass)
	assert.Equal(t, SourceModel, score.Source)
	assert.Equal(t, "Safari window is open", score.Reason)
	assert.Equal(t, 40, score.InputTokens)
	assert.Equal(t, 12, score.OutputTokens)
	assert.Contains(t, stub.lastPrompt, "COMMAND: open Safari")
	assert.Contains(t, stub.lastPrompt, "open_app")
}

func TestVerifyToolErrorPenalty(t *testing.T) {
	t.Run("subtracts per errored call", func(t *testing.T) {
		stub := &stubScorer{result: &model.ScoreResult{Text: `{"score": 85, "reason": "ok"}`}}
		e := testEngine(stub)

		score := e.Verify(context.Background(), &Request{
			Command:   "click send",
			PostImage: solidPNG(t, 32, 32, blue),
			Tools: []ToolOutcome{
				{Name: "click", IsError: true, Output: "element not found"},
				{Name: "click", IsError: true, Output: "element not found"},
				{Name: "screenshot", Visual: true},
			},
			Threshold: 60,
		})
		assert.Equal(t, 45, score.Overall)
		assert.False(t, score.Pass)
		assert.Contains(t, score.Reason, "penalized for 2 errored tool calls")
	})

	t.Run("floors at five", func(t *testing.T) {
		stub := &stubScorer{result: &model.ScoreResult{Text: `{"score": 20, "reason": "dubious"}`}}
		e := testEngine(stub)

		score := e.Verify(context.Background(), &Request{
			Command:   "click send",
			PostImage: solidPNG(t, 32, 32, blue),
			Tools:     []ToolOutcome{{Name: "click", IsError: true}},
			Threshold: 60,
		})
		assert.Equal(t, 5, score.Overall)
	})
}

func TestVerifyMalformedModelResponseGoesNeutral(t *testing.T) {
	stub := &stubScorer{result: &model.ScoreResult{Text: "Looks good to me!", InputTokens: 30, OutputTokens: 8}}
	e := testEngine(stub)

	score := e.Verify(context.Background(), &Request{
		Command:   "open Safari",
		PostImage: solidPNG(t, 32, 32, blue),
		Threshold: 50,
	})
	assert.Equal(t, 50, score.Overall)
	assert.Equal(t, SourceNeutral, score.Source)
	assert.True(t, score.Pass)
	assert.Equal(t, 30, score.InputTokens, "tokens were still spent")
}

func TestVerifyFallsBackToHeuristics(t *testing.T) {
	stub := &stubScorer{err: errors.New("API request failed with status 503: unavailable")}
	e := testEngine(stub)

	score := e.Verify(context.Background(), &Request{
		Command:     "open Safari",
		TextContent: "Safari is now open and visible. TASK COMPLETE.",
		PreImage:    solidPNG(t, 32, 32, red),
		PostImage:   solidPNG(t, 32, 32, blue),
		UITree:      "AXWindow Safari\nAXButton Reload\nAXTextField Address",
		Tools: []ToolOutcome{
			{Name: "open_app", Output: "opened Safari"},
			{Name: "screenshot", Visual: true},
		},
		Threshold: 60,
	})

	assert.Equal(t, SourceHeuristic, score.Source)
	assert.Equal(t, 100, score.Visual, "full-screen change on a change command")
	assert.Equal(t, 70, score.Structural)
	assert.True(t, score.Pass)
	assert.GreaterOrEqual(t, score.Overall, 60)
	assert.LessOrEqual(t, score.Overall, 100)
}

func TestVerifyHeuristicMajorityToolErrors(t *testing.T) {
	stub := &stubScorer{err: errors.New("connection refused")}
	e := testEngine(stub)

	frame := solidPNG(t, 32, 32, red)
	score := e.Verify(context.Background(), &Request{
		Command:   "click the send button",
		PreImage:  frame,
		PostImage: frame,
		Tools: []ToolOutcome{
			{Name: "click", IsError: true, Output: "error: element not found"},
			{Name: "click", IsError: true, Output: "error: element not found"},
			{Name: "screenshot", Visual: true},
		},
		Threshold: 60,
	})

	assert.Equal(t, SourceHeuristic, score.Source)
	assert.LessOrEqual(t, score.Output, 15, "majority tool errors force the penalty")
	assert.Equal(t, 0, score.Visual, "screen did not move on a change command")
	assert.False(t, score.Pass)
}

func TestSimilarity(t *testing.T) {
	t.Run("identical", func(t *testing.T) {
		a := solidPNG(t, 64, 64, red)
		sim, err := Similarity(a, a, 16, 10)
		require.NoError(t, err)
		assert.Equal(t, 1.0, sim)
	})

	t.Run("half changed", func(t *testing.T) {
		a := solidPNG(t, 64, 64, red)
		b := splitPNG(t, 64, 64, red, blue)
		sim, err := Similarity(a, b, 16, 10)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, sim, 0.05)
	})

	t.Run("noise under threshold matches", func(t *testing.T) {
		a := solidPNG(t, 64, 64, color.RGBA{R: 100, G: 100, B: 100, A: 255})
		b := solidPNG(t, 64, 64, color.RGBA{R: 104, G: 98, B: 103, A: 255})
		sim, err := Similarity(a, b, 16, 10)
		require.NoError(t, err)
		assert.Equal(t, 1.0, sim)
	})

	t.Run("dimension mismatch scores zero", func(t *testing.T) {
		a := solidPNG(t, 64, 64, red)
		b := solidPNG(t, 32, 32, red)
		sim, err := Similarity(a, b, 16, 10)
		require.NoError(t, err)
		assert.Equal(t, 0.0, sim)
	})

	t.Run("garbage errors", func(t *testing.T) {
		_, err := Similarity([]byte("not a png"), []byte("also not"), 16, 10)
		assert.Error(t, err)
	})
}

func TestExpectsVisibleChange(t *testing.T) {
	assert.True(t, expectsVisibleChange("open Safari"))
	assert.True(t, expectsVisibleChange("Send the invoice and close the window"))
	assert.False(t, expectsVisibleChange("read the current page"))
	assert.False(t, expectsVisibleChange("check the inbox count"))
	assert.True(t, expectsVisibleChange("do the usual friday routine"), "unknown defaults to change")
}

func TestAutoPass(t *testing.T) {
	assert.True(t, AutoPass(nil), "no tools at all")
	assert.True(t, AutoPass([]ToolOutcome{{Name: "read_ui_tree"}, {Name: "wait"}}))
	assert.False(t, AutoPass([]ToolOutcome{{Name: "read_ui_tree"}, {Name: "click", Visual: true}}))
}
