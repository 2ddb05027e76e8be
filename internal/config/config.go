// Package config loads and validates deskpilot configuration.
// Configuration lives in <home>/config.yaml; a missing file yields
// defaults, and a handful of environment variables override the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all deskpilot configuration.
type Config struct {
	// Home is the state directory: journals, logs, policy table, usage.
	Home string `yaml:"home"`

	Model        ModelConfig        `yaml:"model"`
	Run          RunConfig          `yaml:"run"`
	Plan         PlanConfig         `yaml:"plan"`
	Retry        RetryConfig        `yaml:"retry"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Conversation ConversationConfig `yaml:"conversation"`
	Verification VerificationConfig `yaml:"verification"`
	Journal      JournalConfig      `yaml:"journal"`
	Policy       PolicyConfig       `yaml:"policy"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ModelConfig configures the remote model providers. The loop provider
// must support native tool use; the scorer only needs vision.
type ModelConfig struct {
	Provider     string `yaml:"provider"` // loop provider, anthropic only
	APIKey       string `yaml:"api_key"`
	GeminiAPIKey string `yaml:"gemini_api_key"` // only needed for the gemini scorer
	Model        string `yaml:"model"`          // loop + planning model
	Escalation   string `yaml:"escalation"`     // stronger advisory model for stuck escalation
	Scorer       string `yaml:"scorer"`         // anthropic (default) or gemini
	ScorerModel  string `yaml:"scorer_model"`   // defaults per scorer provider
	BaseURL      string `yaml:"base_url"`
	Timeout      string `yaml:"timeout"`
	MaxTokens    int    `yaml:"max_tokens"` // per-response cap
}

// RunConfig bounds a single run.
type RunConfig struct {
	MaxIterations       int     `yaml:"max_iterations"` // flat loop ceiling
	Timeout             string  `yaml:"timeout"`        // wall clock
	MaxTokens           int     `yaml:"max_tokens"`     // cumulative budget, loop + verification
	TokenWarnRatio      float64 `yaml:"token_warn_ratio"`
	IntentThreshold     float64 `yaml:"intent_threshold"` // confidence below this downgrades to clarification
	ApprovalTimeout     string  `yaml:"approval_timeout"`
	WatchdogGrace       string  `yaml:"watchdog_grace"`
	NetworkPauseTimeout string  `yaml:"network_pause_timeout"`
	NetworkPollInterval string  `yaml:"network_poll_interval"`
	DisplayPauseTimeout string  `yaml:"display_pause_timeout"`
	DisplayPollInterval string  `yaml:"display_poll_interval"`
}

// PlanConfig bounds plans and per-step execution.
type PlanConfig struct {
	MaxSteps           int     `yaml:"max_steps"`           // plans are truncated past this
	DefaultIterations  int     `yaml:"default_iterations"`  // per-step budget when unspecified
	MinStepIterations  int     `yaml:"min_step_iterations"` // clamp floor
	MaxStepIterations  int     `yaml:"max_step_iterations"` // clamp ceiling
	StuckWindow        int     `yaml:"stuck_window"`        // identical cycles before stuck
	SimilarityStride   int     `yaml:"similarity_stride"`   // pixel sampling stride
	SimilarityNoise    int     `yaml:"similarity_noise"`    // per-channel noise tolerance
	SimilarityIdentity float64 `yaml:"similarity_identity"` // ratio treated as near-identical
}

// RetryConfig configures the retry strategy for model calls.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BackoffBase string `yaml:"backoff_base"`
	BackoffMax  string `yaml:"backoff_max"`
}

// BreakerConfig configures the model-call circuit breaker.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	Cooldown         string `yaml:"cooldown"`
}

// ConversationConfig bounds the rolling history.
type ConversationConfig struct {
	MaxMessages          int `yaml:"max_messages"`
	RecentImageWindow    int `yaml:"recent_image_window"`    // image-bearing messages kept intact
	FreshToolExchanges   int `yaml:"fresh_tool_exchanges"`   // exchanges before tool results truncate
	VerbatimTail         int `yaml:"verbatim_tail"`          // messages never condensed
	ByteBudget           int `yaml:"byte_budget"`            // serialized payload cap
	TruncatedResultBytes int `yaml:"truncated_result_bytes"` // kept slice of an old tool result
}

// VerificationConfig configures outcome scoring.
type VerificationConfig struct {
	Threshold        int     `yaml:"threshold"`          // final pass bar
	MidStepThreshold int     `yaml:"mid_step_threshold"` // in-flight critical step bar
	ToolErrorPenalty int     `yaml:"tool_error_penalty"` // per errored tool call
	VisualWeight     float64 `yaml:"visual_weight"`
	StructuralWeight float64 `yaml:"structural_weight"`
	OutputWeight     float64 `yaml:"output_weight"`
}

// JournalConfig configures run journals and retention.
type JournalConfig struct {
	StaleAfter      string `yaml:"stale_after"`
	CompletedTTL    string `yaml:"completed_ttl"`
	FailedTTL       string `yaml:"failed_ttl"`
	AbandonedTTL    string `yaml:"abandoned_ttl"`
	IncompleteTTL   string `yaml:"incomplete_ttl"`
	JanitorSchedule string `yaml:"janitor_schedule"` // cron expression, empty disables
}

// PolicyConfig locates the criticality policy table.
type PolicyConfig struct {
	Path      string `yaml:"path"` // defaults to <home>/policy.yaml
	HotReload bool   `yaml:"hot_reload"`
}

// LoggingConfig configures categorized logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	Verbose    bool            `yaml:"verbose"`
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // host:port; empty disables the listener
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Home: filepath.Join(home, ".deskpilot"),

		Model: ModelConfig{
			Provider:   "anthropic",
			Model:      "claude-sonnet-4-20250514",
			Escalation: "claude-opus-4-20250514",
			Scorer:     "anthropic",
			BaseURL:    "https://api.anthropic.com",
			Timeout:    "120s",
			MaxTokens:  4096,
		},

		Run: RunConfig{
			MaxIterations:       20,
			Timeout:             "15m",
			MaxTokens:           500000,
			TokenWarnRatio:      0.8,
			IntentThreshold:     0.7,
			ApprovalTimeout:     "300s",
			WatchdogGrace:       "5s",
			NetworkPauseTimeout: "60s",
			NetworkPollInterval: "500ms",
			DisplayPauseTimeout: "5m",
			DisplayPollInterval: "2s",
		},

		Plan: PlanConfig{
			MaxSteps:           10,
			DefaultIterations:  12,
			MinStepIterations:  8,
			MaxStepIterations:  20,
			StuckWindow:        3,
			SimilarityStride:   16,
			SimilarityNoise:    10,
			SimilarityIdentity: 0.98,
		},

		Retry: RetryConfig{
			MaxAttempts: 3,
			BackoffBase: "1s",
			BackoffMax:  "30s",
		},

		Breaker: BreakerConfig{
			FailureThreshold: 3,
			Cooldown:         "30s",
		},

		Conversation: ConversationConfig{
			MaxMessages:          60,
			RecentImageWindow:    1,
			FreshToolExchanges:   4,
			VerbatimTail:         10,
			ByteBudget:           100 * 1024,
			TruncatedResultBytes: 500,
		},

		Verification: VerificationConfig{
			Threshold:        60,
			MidStepThreshold: 50,
			ToolErrorPenalty: 20,
			VisualWeight:     0.30,
			StructuralWeight: 0.30,
			OutputWeight:     0.40,
		},

		Journal: JournalConfig{
			StaleAfter:      "1h",
			CompletedTTL:    "168h",
			FailedTTL:       "72h",
			AbandonedTTL:    "24h",
			IncompleteTTL:   "24h",
			JanitorSchedule: "0 * * * *",
		},

		Policy: PolicyConfig{
			HotReload: true,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if home := os.Getenv("DESKPILOT_HOME"); home != "" {
		c.Home = home
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Model.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Model.GeminiAPIKey = key
	}
	if model := os.Getenv("DESKPILOT_MODEL"); model != "" {
		c.Model.Model = model
	}
	if url := os.Getenv("DESKPILOT_BASE_URL"); url != "" {
		c.Model.BaseURL = url
	}
}

// ValidScorers lists the supported verification scorer providers.
var ValidScorers = []string{"anthropic", "gemini"}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("home directory not configured")
	}
	if c.Model.Provider != "anthropic" {
		return fmt.Errorf("invalid model provider: %s (only anthropic drives the loop)", c.Model.Provider)
	}
	if c.Model.APIKey == "" {
		return fmt.Errorf("model API key not configured (set ANTHROPIC_API_KEY)")
	}
	switch c.Model.Scorer {
	case "", "anthropic":
	case "gemini":
		if c.Model.GeminiAPIKey == "" {
			return fmt.Errorf("gemini scorer selected but GEMINI_API_KEY not configured")
		}
	default:
		return fmt.Errorf("invalid scorer: %s (valid: %v)", c.Model.Scorer, ValidScorers)
	}
	if c.Run.MaxIterations < 1 {
		return fmt.Errorf("run.max_iterations must be positive")
	}
	if c.Run.TokenWarnRatio <= 0 || c.Run.TokenWarnRatio >= 1 {
		return fmt.Errorf("run.token_warn_ratio must be in (0,1)")
	}
	if c.Run.IntentThreshold <= 0 || c.Run.IntentThreshold > 1 {
		return fmt.Errorf("run.intent_threshold must be in (0,1]")
	}
	if c.Verification.Threshold < 0 || c.Verification.Threshold > 100 {
		return fmt.Errorf("verification.threshold must be in [0,100]")
	}
	sum := c.Verification.VisualWeight + c.Verification.StructuralWeight + c.Verification.OutputWeight
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("verification weights must sum to 1.0, got %.2f", sum)
	}
	return nil
}

// JournalDir returns the directory holding per-run journals.
func (c *Config) JournalDir() string { return filepath.Join(c.Home, "journals") }

// LogDir returns the directory holding category log files.
func (c *Config) LogDir() string { return filepath.Join(c.Home, "logs") }

// PolicyPath returns the criticality policy table path.
func (c *Config) PolicyPath() string {
	if c.Policy.Path != "" {
		return c.Policy.Path
	}
	return filepath.Join(c.Home, "policy.yaml")
}

// UsagePath returns the usage accounting file path.
func (c *Config) UsagePath() string { return filepath.Join(c.Home, "usage.json") }

// IndexPath returns the journal run index database path.
func (c *Config) IndexPath() string { return filepath.Join(c.Home, "runs.db") }

func parseDur(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetModelTimeout returns the per-call model timeout.
func (c *Config) GetModelTimeout() time.Duration { return parseDur(c.Model.Timeout, 120*time.Second) }

// GetRunTimeout returns the wall-clock limit for a run.
func (c *Config) GetRunTimeout() time.Duration { return parseDur(c.Run.Timeout, 15*time.Minute) }

// GetApprovalTimeout returns how long a confirmation request may wait.
func (c *Config) GetApprovalTimeout() time.Duration {
	return parseDur(c.Run.ApprovalTimeout, 300*time.Second)
}

// GetWatchdogGrace returns the hard-cancel grace period.
func (c *Config) GetWatchdogGrace() time.Duration {
	return parseDur(c.Run.WatchdogGrace, 5*time.Second)
}

// GetNetworkPauseTimeout returns the longest tolerated network outage.
func (c *Config) GetNetworkPauseTimeout() time.Duration {
	return parseDur(c.Run.NetworkPauseTimeout, 60*time.Second)
}

// GetNetworkPollInterval returns the reachability poll interval.
func (c *Config) GetNetworkPollInterval() time.Duration {
	return parseDur(c.Run.NetworkPollInterval, 500*time.Millisecond)
}

// GetDisplayPauseTimeout returns the longest tolerated display sleep.
func (c *Config) GetDisplayPauseTimeout() time.Duration {
	return parseDur(c.Run.DisplayPauseTimeout, 5*time.Minute)
}

// GetDisplayPollInterval returns the display wake poll interval.
func (c *Config) GetDisplayPollInterval() time.Duration {
	return parseDur(c.Run.DisplayPollInterval, 2*time.Second)
}

// GetBackoffBase returns the first retry delay.
func (c *Config) GetBackoffBase() time.Duration { return parseDur(c.Retry.BackoffBase, time.Second) }

// GetBackoffMax returns the retry delay ceiling.
func (c *Config) GetBackoffMax() time.Duration { return parseDur(c.Retry.BackoffMax, 30*time.Second) }

// GetBreakerCooldown returns the open-state cooldown.
func (c *Config) GetBreakerCooldown() time.Duration {
	return parseDur(c.Breaker.Cooldown, 30*time.Second)
}

// GetStaleAfter returns the resume staleness cutoff.
func (c *Config) GetStaleAfter() time.Duration { return parseDur(c.Journal.StaleAfter, time.Hour) }

// GetCompletedTTL returns how long completed journals are kept.
func (c *Config) GetCompletedTTL() time.Duration {
	return parseDur(c.Journal.CompletedTTL, 168*time.Hour)
}

// GetFailedTTL returns how long failed, stuck and cancelled journals are kept.
func (c *Config) GetFailedTTL() time.Duration { return parseDur(c.Journal.FailedTTL, 72*time.Hour) }

// GetAbandonedTTL returns how long abandoned journals are kept.
func (c *Config) GetAbandonedTTL() time.Duration {
	return parseDur(c.Journal.AbandonedTTL, 24*time.Hour)
}

// GetIncompleteTTL returns how long non-stale incomplete journals are kept.
func (c *Config) GetIncompleteTTL() time.Duration {
	return parseDur(c.Journal.IncompleteTTL, 24*time.Hour)
}
