package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"deskpilot/internal/logging"
	"deskpilot/internal/resilience"
)

const anthropicVersion = "2023-06-01"

// minRequestGap paces outbound calls so bursts of small requests
// (classification, verification) do not trip provider rate limits.
const minRequestGap = 100 * time.Millisecond

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig(apiKey string) AnthropicConfig {
	return AnthropicConfig{
		APIKey:    apiKey,
		BaseURL:   "https://api.anthropic.com",
		Model:     "claude-sonnet-4-20250514",
		Timeout:   120 * time.Second,
		MaxTokens: 4096,
	}
}

// AnthropicClient implements Client and Scorer against the messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewAnthropicClient creates a client with the given config.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	def := DefaultAnthropicConfig(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// wire types for the messages API.

type wireImageSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"` // marshals as base64
}

type wireBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     map[string]any   `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   any              `json:"content,omitempty"` // string or []wireBlock
	IsError   bool             `json:"is_error,omitempty"`
	Source    *wireImageSource `json:"source,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []wireBlock
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text,omitempty"`
		ID    string         `json:"id,omitempty"`
		Name  string         `json:"name,omitempty"`
		Input map[string]any `json:"input,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func imageSource(b ContentBlock) *wireImageSource {
	mt := b.MediaType
	if mt == "" {
		mt = "image/png"
	}
	return &wireImageSource{Type: "base64", MediaType: mt, Data: b.Image}
}

func toWireMessage(m Message) wireMessage {
	if len(m.Content) == 1 && m.Content[0].Type == BlockText {
		return wireMessage{Role: m.Role, Content: m.Content[0].Text}
	}

	blocks := make([]wireBlock, 0, len(m.Content))
	for _, b := range m.Content {
		switch b.Type {
		case BlockText:
			blocks = append(blocks, wireBlock{Type: "text", Text: b.Text})
		case BlockToolUse:
			blocks = append(blocks, wireBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: b.Input})
		case BlockToolResult:
			wb := wireBlock{Type: "tool_result", ToolUseID: b.ToolUseID, IsError: b.IsError}
			if len(b.Image) > 0 {
				inner := []wireBlock{}
				if b.Content != "" {
					inner = append(inner, wireBlock{Type: "text", Text: b.Content})
				}
				inner = append(inner, wireBlock{Type: "image", Source: imageSource(b)})
				wb.Content = inner
			} else {
				wb.Content = b.Content
			}
			blocks = append(blocks, wb)
		case BlockImage:
			blocks = append(blocks, wireBlock{Type: "image", Source: imageSource(b)})
		}
	}
	return wireMessage{Role: m.Role, Content: blocks}
}

// Send makes one messages-API call. No retries happen here; the caller
// wraps Send in a retry strategy and circuit breaker.
func (c *AnthropicClient) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	log := logging.Get(logging.CategoryModel)

	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	// Auto-apply timeout if the context has no deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	c.mu.Lock()
	if gap := time.Since(c.lastRequest); gap < minRequestGap {
		time.Sleep(minRequestGap - gap)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	m := req.Model
	if m == "" {
		m = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	body := wireRequest{
		Model:       m,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: 0.1,
	}
	for _, msg := range req.Messages {
		body.Messages = append(body.Messages, toWireMessage(msg))
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, wireTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	log.Debugw("sending", "model", m, "messages", len(req.Messages), "tools", len(req.Tools), "bytes", len(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		baseErr := fmt.Errorf("API request failed with status 429: %s", truncateBody(raw))
		return nil, &resilience.RateLimitError{Err: baseErr, RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var parsed wireResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Content) == 0 && parsed.StopReason == "" {
		return nil, fmt.Errorf("no completion returned")
	}

	out := &SendResponse{
		StopReason:   parsed.StopReason,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	out.Text = strings.TrimSpace(text.String())

	log.Debugw("received", "model", m, "elapsed", time.Since(start).String(),
		"text_len", len(out.Text), "tool_calls", len(out.ToolCalls),
		"in_tokens", out.InputTokens, "out_tokens", out.OutputTokens, "stop", out.StopReason)
	return out, nil
}

// Score sends one vision prompt and returns the raw reply text.
func (c *AnthropicClient) Score(ctx context.Context, prompt string, image []byte) (*ScoreResult, error) {
	blocks := []ContentBlock{}
	if len(image) > 0 {
		blocks = append(blocks, ContentBlock{Type: BlockImage, Image: image, MediaType: "image/png"})
	}
	blocks = append(blocks, ContentBlock{Type: BlockText, Text: prompt})

	resp, err := c.Send(ctx, SendRequest{
		Messages:  []Message{{Role: RoleUser, Content: blocks}},
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, err
	}
	return &ScoreResult{
		Text:         resp.Text,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

// SetModel changes the default model.
func (c *AnthropicClient) SetModel(model string) { c.model = model }

// GetModel returns the default model.
func (c *AnthropicClient) GetModel() string { return c.model }

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncateBody(raw []byte) string {
	const limit = 512
	s := string(raw)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
