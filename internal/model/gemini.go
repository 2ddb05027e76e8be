package model

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiScorer scores screenshots through the Gemini API. It only
// implements Scorer; the run loop needs native tool use and stays on
// the Anthropic client.
type GeminiScorer struct {
	client *genai.Client
	model  string
}

// NewGeminiScorer creates a Gemini-backed scorer.
func NewGeminiScorer(apiKey, model string) (*GeminiScorer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiScorer{client: client, model: model}, nil
}

// Score sends the prompt plus optional screenshot and returns the raw
// reply text with token usage.
func (g *GeminiScorer) Score(ctx context.Context, prompt string, image []byte) (*ScoreResult, error) {
	var parts []*genai.Part
	if len(image) > 0 {
		parts = append(parts, genai.NewPartFromBytes(image, "image/png"))
	}
	parts = append(parts, genai.NewPartFromText(prompt))

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini generate failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("gemini returned no text")
	}
	result := &ScoreResult{Text: text}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}

// Model returns the scorer's model name.
func (g *GeminiScorer) Model() string { return g.model }
