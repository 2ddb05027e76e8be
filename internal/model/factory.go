package model

import (
	"fmt"

	"deskpilot/internal/config"
)

// New builds the loop client and the verification scorer from config.
// The loop client is always Anthropic; the scorer defaults to the same
// client unless config selects gemini.
func New(cfg *config.Config) (Client, Scorer, error) {
	if cfg.Model.Provider != "anthropic" {
		return nil, nil, fmt.Errorf("unsupported model provider: %s", cfg.Model.Provider)
	}

	client := NewAnthropicClient(AnthropicConfig{
		APIKey:    cfg.Model.APIKey,
		BaseURL:   cfg.Model.BaseURL,
		Model:     cfg.Model.Model,
		Timeout:   cfg.GetModelTimeout(),
		MaxTokens: cfg.Model.MaxTokens,
	})

	switch cfg.Model.Scorer {
	case "", "anthropic":
		return client, client, nil
	case "gemini":
		scorer, err := NewGeminiScorer(cfg.Model.GeminiAPIKey, cfg.Model.ScorerModel)
		if err != nil {
			return nil, nil, fmt.Errorf("building gemini scorer: %w", err)
		}
		return client, scorer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported scorer: %s", cfg.Model.Scorer)
	}
}
