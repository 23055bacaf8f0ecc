// Package config loads the Rhythm Chamber configuration from
// .rhythm/config.json (YAML accepted for the same schema), applies
// environment overrides, and supports hot reload of the logging and limits
// sections.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Rhythm Chamber configuration.
type Config struct {
	// Workspace root; ".rhythm/" lives under it.
	Workspace string `yaml:"workspace" json:"workspace"`

	LLM       LLMConfig       `yaml:"llm" json:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Budget    BudgetConfig    `yaml:"budget" json:"budget"`
	Breaker   BreakerConfig   `yaml:"breaker" json:"breaker"`
	Vector    VectorConfig    `yaml:"vector" json:"vector"`
	Tabs      TabsConfig      `yaml:"tabs" json:"tabs"`
	OAuth     OAuthConfig     `yaml:"oauth" json:"oauth"`
	License   LicenseConfig   `yaml:"license" json:"license"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// LLMConfig configures the provider client.
type LLMConfig struct {
	APIKey    string `yaml:"api_key" json:"api_key"`
	Model     string `yaml:"model" json:"model"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	Timeout   string `yaml:"timeout" json:"timeout"`
	MaxTokens int    `yaml:"max_tokens" json:"max_tokens"`
	Stream    bool   `yaml:"stream" json:"stream"`
}

// EmbeddingConfig configures the embedding engine and task manager.
type EmbeddingConfig struct {
	Provider           string `yaml:"provider" json:"provider"` // auto, ollama, genai
	OllamaEndpoint     string `yaml:"ollama_endpoint" json:"ollama_endpoint"`
	OllamaModel        string `yaml:"ollama_model" json:"ollama_model"`
	GenAIAPIKey        string `yaml:"genai_api_key" json:"genai_api_key"`
	GenAIModel         string `yaml:"genai_model" json:"genai_model"`
	BatchSize          int    `yaml:"batch_size" json:"batch_size"`
	CheckpointInterval int    `yaml:"checkpoint_interval" json:"checkpoint_interval"`
}

// QueueConfig configures the operation queue.
type QueueConfig struct {
	MaxPreCheckRetries int    `yaml:"max_pre_check_retries" json:"max_pre_check_retries"`
	DefaultMaxAttempts int    `yaml:"default_max_attempts" json:"default_max_attempts"`
	DefaultTimeout     string `yaml:"default_timeout" json:"default_timeout"`
}

// BudgetConfig configures the per-turn timeout budgets.
type BudgetConfig struct {
	Turn     string `yaml:"turn" json:"turn"`
	Summary  string `yaml:"summary" json:"summary"`
	Function string `yaml:"function" json:"function"`
}

// BreakerConfig configures the turn circuit breaker.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold" json:"failure_threshold"`
	MaxCallsPerTurn  int    `yaml:"max_calls_per_turn" json:"max_calls_per_turn"`
	Cooldown         string `yaml:"cooldown" json:"cooldown"`
}

// VectorConfig configures the local vector store.
type VectorConfig struct {
	DatabasePath string `yaml:"database_path" json:"database_path"`
	RetryTimeout string `yaml:"retry_timeout" json:"retry_timeout"`
	MaxRetries   int    `yaml:"max_retries" json:"max_retries"`
}

// TabsConfig configures cross-instance coordination.
type TabsConfig struct {
	HubAddr         string `yaml:"hub_addr" json:"hub_addr"`
	ElectionTimeout string `yaml:"election_timeout" json:"election_timeout"`
}

// OAuthConfig configures the music-service OAuth client.
type OAuthConfig struct {
	ClientID    string   `yaml:"client_id" json:"client_id"`
	RedirectURI string   `yaml:"redirect_uri" json:"redirect_uri"`
	Scopes      []string `yaml:"scopes" json:"scopes"`
}

// LicenseConfig configures license verification. PublicKeys maps key_version
// to a base64 PKIX verification key; empty falls back to the keys compiled
// into the license package.
type LicenseConfig struct {
	ServerURL        string         `yaml:"server_url" json:"server_url"`
	Origin           string         `yaml:"origin" json:"origin"`
	PublicKeys       map[int]string `yaml:"public_keys" json:"public_keys"`
	ActiveKeyVersion int            `yaml:"active_key_version" json:"active_key_version"`
}

// LoggingConfig configures the categorized file logger. The logging package
// reads this same section directly from .rhythm/config.json.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	Level      string          `yaml:"level" json:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format" json:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace: ".",

		LLM: LLMConfig{
			Model:     "gpt-4o-mini",
			BaseURL:   "https://api.openai.com/v1",
			Timeout:   "120s",
			MaxTokens: 4096,
		},

		Embedding: EmbeddingConfig{
			Provider:           "auto",
			OllamaEndpoint:     "http://localhost:11434",
			OllamaModel:        "embeddinggemma",
			GenAIModel:         "gemini-embedding-001",
			BatchSize:          10,
			CheckpointInterval: 50,
		},

		Queue: QueueConfig{
			MaxPreCheckRetries: 10,
			DefaultMaxAttempts: 3,
			DefaultTimeout:     "30s",
		},

		Budget: BudgetConfig{
			Turn:     "60s",
			Summary:  "30s",
			Function: "10s",
		},

		Breaker: BreakerConfig{
			FailureThreshold: 3,
			MaxCallsPerTurn:  5,
			Cooldown:         "30s",
		},

		Vector: VectorConfig{
			DatabasePath: ".rhythm/vectors.db",
			RetryTimeout: "60s",
			MaxRetries:   5,
		},

		Tabs: TabsConfig{
			HubAddr:         "localhost:7445",
			ElectionTimeout: "250ms",
		},

		OAuth: OAuthConfig{
			RedirectURI: "http://localhost:7446/callback",
			Scopes:      []string{"user-read-recently-played", "user-top-read", "user-library-read"},
		},

		License: LicenseConfig{
			Origin: "https://rhythmchamber.app",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Path returns the canonical config path under a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".rhythm", "config.json")
}

// Load loads configuration from a JSON or YAML file. A missing file returns
// defaults. Environment overrides apply after the file.
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

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration as JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
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
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if url := os.Getenv("OLLAMA_ENDPOINT"); url != "" {
		c.Embedding.OllamaEndpoint = url
	}
	if path := os.Getenv("RHYTHM_DB"); path != "" {
		c.Vector.DatabasePath = path
	}
	if addr := os.Getenv("RHYTHM_HUB_ADDR"); addr != "" {
		c.Tabs.HubAddr = addr
	}
	if id := os.Getenv("SPOTIFY_CLIENT_ID"); id != "" {
		c.OAuth.ClientID = id
	}
	if url := os.Getenv("RHYTHM_LICENSE_SERVER"); url != "" {
		c.License.ServerURL = url
	}
	if os.Getenv("RHYTHM_DEBUG") == "1" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// duration parses d, falling back when unset or malformed.
func duration(d string, fallback time.Duration) time.Duration {
	parsed, err := time.ParseDuration(d)
	if err != nil {
		return fallback
	}
	return parsed
}

// GetLLMTimeout returns the provider-call timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	return duration(c.LLM.Timeout, 120*time.Second)
}

// GetTurnBudget returns the whole-turn budget.
func (c *Config) GetTurnBudget() time.Duration {
	return duration(c.Budget.Turn, 60*time.Second)
}

// GetSummaryBudget returns the post-tool summary budget.
func (c *Config) GetSummaryBudget() time.Duration {
	return duration(c.Budget.Summary, 30*time.Second)
}

// GetFunctionBudget returns the per-tool-call budget.
func (c *Config) GetFunctionBudget() time.Duration {
	return duration(c.Budget.Function, 10*time.Second)
}

// GetBreakerCooldown returns the breaker cooldown.
func (c *Config) GetBreakerCooldown() time.Duration {
	return duration(c.Breaker.Cooldown, 30*time.Second)
}

// GetQueueTimeout returns the default per-operation timeout.
func (c *Config) GetQueueTimeout() time.Duration {
	return duration(c.Queue.DefaultTimeout, 30*time.Second)
}

// GetVectorRetryTimeout returns the persist retry-queue timeout.
func (c *Config) GetVectorRetryTimeout() time.Duration {
	return duration(c.Vector.RetryTimeout, 60*time.Second)
}

// GetElectionTimeout returns the cross-tab election timeout.
func (c *Config) GetElectionTimeout() time.Duration {
	return duration(c.Tabs.ElectionTimeout, 250*time.Millisecond)
}
