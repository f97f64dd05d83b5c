package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMConfig selects the reasoning backend.
type LLMConfig struct {
	// Provider names the backend: "google", "anthropic", "openai",
	// "openai_compatible" (all via genkit) or "openai_direct" (go-openai).
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"` // custom endpoint for openai_compatible / openai_direct

	// CompatibleProvider is the model prefix used by openai_compatible.
	CompatibleProvider string `yaml:"compatible_provider"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // sqlite file; empty uses <home>/taskchat.db
}

// TaskStoreConfig selects the Task Store collaborator.
type TaskStoreConfig struct {
	Kind           string `yaml:"kind"` // local, http, postgres
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	PostgresDSN    string `yaml:"postgres_dsn"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ChatConfig bounds the per-request pipeline.
type ChatConfig struct {
	MaxMessageChars        int `yaml:"max_message_chars"`
	MaxContentChars        int `yaml:"max_content_chars"`
	HistoryWindow          int `yaml:"history_window"`
	PageDefault            int `yaml:"page_default"`
	PageMax                int `yaml:"page_max"`
	RecentTasks            int `yaml:"recent_tasks"`
	RecentToolCalls        int `yaml:"recent_tool_calls"`
	ContextCharBudget      int `yaml:"context_char_budget"`
	BackendTimeoutMillis   int `yaml:"backend_timeout_ms"`
	BackendAttempts        int `yaml:"backend_attempts"`
	ConfirmationTTLSeconds int `yaml:"confirmation_ttl_seconds"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// APIKeyEntry maps a gateway API key to the owner it authenticates.
type APIKeyEntry struct {
	Key   string `yaml:"key"`
	Owner string `yaml:"owner"`
	Label string `yaml:"label"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// RetentionConfig holds retention windows in days. 0 keeps rows forever.
type RetentionConfig struct {
	MessagesDays      int `yaml:"messages_days"`
	ToolCallsDays     int `yaml:"tool_calls_days"`
	ConfirmationsDays int `yaml:"confirmations_days"`
}

type SweeperConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ExpireSchedule    string `yaml:"expire_schedule"`
	RetentionSchedule string `yaml:"retention_schedule"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ArchiveConfig enables the DynamoDB mirror of tool call logs.
type ArchiveConfig struct {
	DynamoTable string `yaml:"dynamo_table"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"` // local DynamoDB; empty uses AWS
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Database     DatabaseConfig  `yaml:"database"`
	TaskStore    TaskStoreConfig `yaml:"task_store"`
	LLM          LLMConfig       `yaml:"llm"`
	Chat         ChatConfig      `yaml:"chat"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Auth         AuthConfig      `yaml:"auth"`
	Retention    RetentionConfig `yaml:"retention"`
	Sweeper      SweeperConfig   `yaml:"sweeper"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
	AuditArchive ArchiveConfig   `yaml:"audit_archive"`

	// FirstRun is set when no config.yaml existed.
	FirstRun bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// DBPath returns the effective sqlite path.
func (c Config) DBPath() string {
	if strings.TrimSpace(c.Database.Path) != "" {
		return c.Database.Path
	}
	return filepath.Join(c.HomeDir, "taskchat.db")
}

// BackendTimeout is the per-attempt budget for a reasoning backend call.
func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.Chat.BackendTimeoutMillis) * time.Millisecond
}

// ConfirmationTTL is how long a pending confirmation stays approvable.
func (c Config) ConfirmationTTL() time.Duration {
	return time.Duration(c.Chat.ConfirmationTTLSeconds) * time.Second
}

// LLMAPIKey returns the API key for the active provider, preferring config
// over the provider's conventional env var.
func (c Config) LLMAPIKey() string {
	if c.LLM.APIKey != "" {
		return c.LLM.APIKey
	}
	envMap := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_direct":     {"OPENAI_API_KEY"},
		"openai_compatible": {"OPENAI_COMPATIBLE_API_KEY", "OPENAI_API_KEY"},
	}
	for _, envVar := range envMap[c.LLM.Provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return ""
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|store=%s|llm=%s/%s|rpm=%d|ttl=%d|window=%d|keys=%d",
		c.BindAddr, c.LogLevel, c.TaskStore.Kind, c.LLM.Provider, c.LLM.Model,
		c.RateLimit.RequestsPerMinute, c.Chat.ConfirmationTTLSeconds, c.Chat.HistoryWindow, len(c.Auth.Keys))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		TaskStore: TaskStoreConfig{
			Kind:           "local",
			TimeoutSeconds: 5,
		},
		LLM: LLMConfig{Provider: "google"},
		Chat: ChatConfig{
			MaxMessageChars:        1000,
			MaxContentChars:        10000,
			HistoryWindow:          50,
			PageDefault:            50,
			PageMax:                100,
			RecentTasks:            5,
			RecentToolCalls:        5,
			ContextCharBudget:      16000,
			BackendTimeoutMillis:   3000,
			BackendAttempts:        3,
			ConfirmationTTLSeconds: 600,
		},
		RateLimit: RateLimitConfig{Enabled: true, RequestsPerMinute: 10, BurstSize: 10},
		Auth:      AuthConfig{Enabled: true},
		Retention: RetentionConfig{MessagesDays: 90, ToolCallsDays: 365, ConfirmationsDays: 30},
		Sweeper: SweeperConfig{
			Enabled:           true,
			ExpireSchedule:    "@every 1m",
			RetentionSchedule: "@daily",
		},
	}
}

// Defaults returns the built-in configuration without reading any file.
func Defaults() Config {
	cfg := defaultConfig()
	normalize(&cfg)
	return cfg
}

func HomeDir() string {
	if override := os.Getenv("TASKCHAT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskchat")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskchat home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	cfg.TaskStore.Kind = strings.ToLower(strings.TrimSpace(cfg.TaskStore.Kind))
	if cfg.TaskStore.Kind == "" {
		cfg.TaskStore.Kind = "local"
	}
	if cfg.TaskStore.TimeoutSeconds <= 0 {
		cfg.TaskStore.TimeoutSeconds = d.TaskStore.TimeoutSeconds
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}

	positive := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	positive(&cfg.Chat.MaxMessageChars, d.Chat.MaxMessageChars)
	positive(&cfg.Chat.MaxContentChars, d.Chat.MaxContentChars)
	positive(&cfg.Chat.HistoryWindow, d.Chat.HistoryWindow)
	positive(&cfg.Chat.PageDefault, d.Chat.PageDefault)
	positive(&cfg.Chat.PageMax, d.Chat.PageMax)
	positive(&cfg.Chat.RecentTasks, d.Chat.RecentTasks)
	positive(&cfg.Chat.RecentToolCalls, d.Chat.RecentToolCalls)
	positive(&cfg.Chat.ContextCharBudget, d.Chat.ContextCharBudget)
	positive(&cfg.Chat.BackendTimeoutMillis, d.Chat.BackendTimeoutMillis)
	positive(&cfg.Chat.BackendAttempts, d.Chat.BackendAttempts)
	positive(&cfg.Chat.ConfirmationTTLSeconds, d.Chat.ConfirmationTTLSeconds)
	if cfg.Chat.PageDefault > cfg.Chat.PageMax {
		cfg.Chat.PageDefault = cfg.Chat.PageMax
	}
	positive(&cfg.RateLimit.RequestsPerMinute, d.RateLimit.RequestsPerMinute)
	positive(&cfg.RateLimit.BurstSize, d.RateLimit.BurstSize)

	if strings.TrimSpace(cfg.Sweeper.ExpireSchedule) == "" {
		cfg.Sweeper.ExpireSchedule = d.Sweeper.ExpireSchedule
	}
	if strings.TrimSpace(cfg.Sweeper.RetentionSchedule) == "" {
		cfg.Sweeper.RetentionSchedule = d.Sweeper.RetentionSchedule
	}
	for i := range cfg.Auth.Keys {
		cfg.Auth.Keys[i].Owner = strings.TrimSpace(cfg.Auth.Keys[i].Owner)
	}
}

func validate(cfg Config) error {
	switch cfg.TaskStore.Kind {
	case "local":
	case "http":
		if strings.TrimSpace(cfg.TaskStore.BaseURL) == "" {
			return fmt.Errorf("task_store.base_url is required for kind http")
		}
	case "postgres":
		if strings.TrimSpace(cfg.TaskStore.PostgresDSN) == "" {
			return fmt.Errorf("task_store.postgres_dsn is required for kind postgres")
		}
	default:
		return fmt.Errorf("unknown task_store.kind %q (supported: local, http, postgres)", cfg.TaskStore.Kind)
	}

	switch cfg.LLM.Provider {
	case "google", "anthropic", "openai", "openai_compatible", "openai_direct":
	default:
		return fmt.Errorf("unknown llm.provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Provider == "openai_compatible" && strings.TrimSpace(cfg.LLM.BaseURL) == "" {
		return fmt.Errorf("llm.base_url is required for openai_compatible")
	}

	seen := make(map[string]struct{}, len(cfg.Auth.Keys))
	for i, k := range cfg.Auth.Keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("auth.keys[%d]: empty key", i)
		}
		if k.Owner == "" {
			return fmt.Errorf("auth.keys[%d]: owner is required", i)
		}
		if _, dup := seen[k.Key]; dup {
			return fmt.Errorf("auth.keys[%d]: duplicate key", i)
		}
		seen[k.Key] = struct{}{}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKCHAT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKCHAT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKCHAT_DB_PATH"); raw != "" {
		cfg.Database.Path = raw
	}
	if raw := os.Getenv("TASKCHAT_TASK_STORE"); raw != "" {
		cfg.TaskStore.Kind = raw
	}
	if raw := os.Getenv("TASKCHAT_TASK_STORE_URL"); raw != "" {
		cfg.TaskStore.BaseURL = raw
	}
	if raw := os.Getenv("TASKCHAT_TASK_STORE_TOKEN"); raw != "" {
		cfg.TaskStore.Token = raw
	}
	if raw := os.Getenv("TASKCHAT_POSTGRES_DSN"); raw != "" {
		cfg.TaskStore.PostgresDSN = raw
	}
	if raw := os.Getenv("TASKCHAT_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("TASKCHAT_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("TASKCHAT_RATE_LIMIT_RPM"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RateLimit.RequestsPerMinute = v
		}
	}
	if raw := os.Getenv("TASKCHAT_CONFIRMATION_TTL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Chat.ConfirmationTTLSeconds = v
		}
	}
	// A single key/owner pair from the environment, handy for containers.
	if key, owner := os.Getenv("TASKCHAT_API_KEY"), os.Getenv("TASKCHAT_API_KEY_OWNER"); key != "" && owner != "" {
		cfg.Auth.Keys = append(cfg.Auth.Keys, APIKeyEntry{Key: key, Owner: owner, Label: "env"})
	}
}
