// Package config loads and validates Shadow's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the Shadow orchestrator.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Agent      AgentConfig      `yaml:"agent"`
	Tools      ToolsConfig      `yaml:"tools"`
	Background BackgroundConfig `yaml:"background"`
	Indexing   IndexingConfig   `yaml:"indexing"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`

	// WorkspaceRoot is the directory under which variant workspaces live.
	WorkspaceRoot string `yaml:"workspace_root"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type AuthConfig struct {
	// JWTSecret signs and verifies the session cookie.
	JWTSecret string `yaml:"jwt_secret"`

	// SessionCookie is the cookie name carrying the session token.
	SessionCookie string `yaml:"session_cookie"`

	// APIKeyCookie is the cookie name carrying the provider API key envelope.
	APIKeyCookie string `yaml:"api_key_cookie"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

type ProviderConfig struct {
	// APIKey is the server-side fallback key, used when the request does not
	// carry a per-user key envelope.
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

type AgentConfig struct {
	// MaxSteps caps provider round-trips per run.
	MaxSteps int `yaml:"max_steps"`

	// MaxWallTime is the per-run safety cap (0 = no limit).
	MaxWallTime time.Duration `yaml:"max_wall_time"`

	// PersistEveryParts is the debounced persistence cadence.
	PersistEveryParts int `yaml:"persist_every_parts"`

	// SummarizerModel is the model used for message compression.
	SummarizerModel string `yaml:"summarizer_model"`

	// PRMetadataModel generates pull-request titles and descriptions.
	PRMetadataModel string `yaml:"pr_metadata_model"`

	// AutoPR enables pull-request metadata generation on terminal finish.
	AutoPR bool `yaml:"auto_pr"`
}

type ToolsConfig struct {
	// CommandTimeout bounds foreground terminal commands.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// MaxResultBytes truncates oversized tool outputs.
	MaxResultBytes int `yaml:"max_result_bytes"`

	// MaxSearchResults caps grep/file search result counts.
	MaxSearchResults int `yaml:"max_search_results"`
}

type BackgroundConfig struct {
	IndexingEnabled bool `yaml:"indexing_enabled"`
	WikiEnabled     bool `yaml:"wiki_enabled"`

	// IndexingBlocking gates user messages on indexing completion.
	IndexingBlocking bool `yaml:"indexing_blocking"`

	// WikiMaxAge is how long an existing CodebaseUnderstanding stays fresh.
	WikiMaxAge time.Duration `yaml:"wiki_max_age"`

	// WikiSweepSchedule is a cron expression for the staleness sweeper.
	// Empty disables the sweep.
	WikiSweepSchedule string `yaml:"wiki_sweep_schedule"`
}

type IndexingConfig struct {
	// EmbeddingModel is the OpenAI embedding model used by the indexer.
	EmbeddingModel string `yaml:"embedding_model"`

	// Dimension is the embedding vector dimension.
	Dimension int `yaml:"dimension"`

	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	BatchSize    int `yaml:"batch_size"`
}

type WebhookConfig struct {
	// GitHubSecret is the shared secret for webhook HMAC verification.
	GitHubSecret string `yaml:"github_secret"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// DefaultConfig returns a configuration with sensible defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			HTTPPort:      4000,
			MetricsPort:   9090,
			WorkspaceRoot: "/workspaces",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  10 * time.Second,
		},
		Auth: AuthConfig{
			SessionCookie: "shadow_session",
			APIKeyCookie:  "shadow_api_keys",
		},
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{MaxRetries: 3, RetryDelay: time.Second, Timeout: 5 * time.Minute},
			OpenAI:    ProviderConfig{MaxRetries: 3, RetryDelay: time.Second, Timeout: 5 * time.Minute},
		},
		Agent: AgentConfig{
			MaxSteps:          50,
			MaxWallTime:       30 * time.Minute,
			PersistEveryParts: 20,
			SummarizerModel:   "gpt-4o-mini",
			PRMetadataModel:   "gpt-4o-mini",
			AutoPR:            true,
		},
		Tools: ToolsConfig{
			CommandTimeout:   30 * time.Second,
			MaxResultBytes:   64 * 1024,
			MaxSearchResults: 50,
		},
		Background: BackgroundConfig{
			IndexingEnabled:  true,
			WikiEnabled:      true,
			IndexingBlocking: false,
			WikiMaxAge:       24 * time.Hour,
		},
		Indexing: IndexingConfig{
			EmbeddingModel: "text-embedding-3-small",
			Dimension:      1536,
			ChunkSize:      1200,
			ChunkOverlap:   200,
			BatchSize:      64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file, applies environment overrides, validates,
// and returns the result. A missing path returns defaults with env overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SHADOW_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("SHADOW_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("SHADOW_GITHUB_WEBHOOK_SECRET"); v != "" {
		c.Webhook.GitHubSecret = v
	}
	if v := os.Getenv("SHADOW_WORKSPACE_ROOT"); v != "" {
		c.Server.WorkspaceRoot = v
	}
}

// Validate checks required fields and bounds.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database.url is required")
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("config: server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Server.WorkspaceRoot == "" {
		return fmt.Errorf("config: server.workspace_root is required")
	}
	if c.Agent.MaxSteps < 1 {
		return fmt.Errorf("config: agent.max_steps must be >= 1")
	}
	if c.Tools.CommandTimeout <= 0 {
		return fmt.Errorf("config: tools.command_timeout must be positive")
	}
	if c.Indexing.ChunkOverlap >= c.Indexing.ChunkSize {
		return fmt.Errorf("config: indexing.chunk_overlap must be smaller than chunk_size")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q invalid", c.Logging.Level)
	}
	return nil
}
