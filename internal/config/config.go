// Package config loads the daemon configuration from <home>/config.yaml with
// environment-variable overrides and sane defaults.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	aegisotel "github.com/aegis-soc/aegis/internal/otel"
	"gopkg.in/yaml.v3"
)

// LLMConfig selects the oracle provider and model.
type LLMConfig struct {
	// Provider is the LLM provider: "google", "anthropic", "openai", "openai_compatible".
	// Empty defaults to "google".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

// InvestigationConfig bounds the orchestration loop and its tasks.
type InvestigationConfig struct {
	// MaxLoops caps planning iterations per investigation. Default 10.
	MaxLoops int `yaml:"max_loops"`
	// PlannerAttempts caps planning/synthesis oracle attempts (including retries). Default 3.
	PlannerAttempts int `yaml:"planner_attempts"`
	// AnalystRetries caps snippet regeneration retries after a failed execution. Default 2.
	AnalystRetries int `yaml:"analyst_retries"`
	// SnippetTimeoutSeconds is the wall-clock budget for one snippet run. Default 5.
	SnippetTimeoutSeconds int `yaml:"snippet_timeout_seconds"`
}

// IntelConfig configures the threat-intelligence repository.
type IntelConfig struct {
	// TablePath is the YAML reputation table. Empty uses <home>/intel.yaml.
	TablePath string `yaml:"table_path"`
	// APIKey enables the live reputation source; empty means static table only.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the live source endpoint (tests, proxies).
	BaseURL string `yaml:"base_url"`
}

// TelegramConfig configures the verdict notification channel.
type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	Enabled bool    `yaml:"enabled"`
	// MinSeverity is the lowest severity that triggers a notification. Default "high".
	MinSeverity string `yaml:"min_severity"`
}

// RetentionConfig prunes aged terminal investigations.
type RetentionConfig struct {
	// Days keeps terminal investigations for this many days. 0 = keep forever.
	Days int `yaml:"days"`
	// Schedule is a 5-field cron expression for the prune pass. Default "0 3 * * *".
	Schedule string `yaml:"schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DatasetPath is the CSV log dataset analysts query. Empty uses <home>/logs.csv.
	DatasetPath string `yaml:"dataset_path"`

	LLM           LLMConfig           `yaml:"llm"`
	Investigation InvestigationConfig `yaml:"investigation"`
	Intel         IntelConfig         `yaml:"intel"`
	Telegram      TelegramConfig      `yaml:"telegram"`
	Retention     RetentionConfig     `yaml:"retention"`
	OTel          aegisotel.Config    `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:8787",
		LogLevel: "info",
		Investigation: InvestigationConfig{
			MaxLoops:              10,
			PlannerAttempts:       3,
			AnalystRetries:        2,
			SnippetTimeoutSeconds: 5,
		},
		Telegram: TelegramConfig{
			MinSeverity: "high",
		},
		Retention: RetentionConfig{
			Schedule: "0 3 * * *",
		},
	}
}

// HomeDir resolves the daemon home directory: $AEGIS_HOME or ~/.aegis.
func HomeDir() string {
	if v := os.Getenv("AEGIS_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aegis"
	}
	return filepath.Join(home, ".aegis")
}

// ConfigPath returns the path to config.yaml in the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, applies env overrides and
// defaults. A missing config file is not an error; defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create aegis home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AEGIS_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("AEGIS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AEGIS_DATASET_PATH"); v != "" {
		cfg.DatasetPath = v
	}
	if v := os.Getenv("AEGIS_MAX_LOOPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Investigation.MaxLoops = n
		}
	}
	if v := os.Getenv("ABUSEIPDB_API_KEY"); v != "" {
		cfg.Intel.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
}

func normalize(cfg *Config) {
	if cfg.Investigation.MaxLoops <= 0 {
		cfg.Investigation.MaxLoops = 10
	}
	if cfg.Investigation.PlannerAttempts <= 0 {
		cfg.Investigation.PlannerAttempts = 3
	}
	if cfg.Investigation.AnalystRetries < 0 {
		cfg.Investigation.AnalystRetries = 2
	}
	if cfg.Investigation.SnippetTimeoutSeconds <= 0 {
		cfg.Investigation.SnippetTimeoutSeconds = 5
	}
	if cfg.DatasetPath == "" {
		cfg.DatasetPath = filepath.Join(cfg.HomeDir, "logs.csv")
	}
	if cfg.Intel.TablePath == "" {
		cfg.Intel.TablePath = filepath.Join(cfg.HomeDir, "intel.yaml")
	}
	if cfg.Telegram.MinSeverity == "" {
		cfg.Telegram.MinSeverity = "high"
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
}

// SnippetTimeout returns the snippet budget as a duration.
func (c Config) SnippetTimeout() time.Duration {
	return time.Duration(c.Investigation.SnippetTimeoutSeconds) * time.Second
}

// LLMAPIKey resolves the provider API key: env var first, then config.
func (c Config) LLMAPIKey() string {
	envMap := map[string]string{
		"google":    "GOOGLE_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	provider := c.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if provider == "google" {
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			return v
		}
	}
	return c.LLM.APIKey
}

// Fingerprint returns a short hash of the effective config for status reporting.
func (c Config) Fingerprint() string {
	data, _ := yaml.Marshal(c)
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%x", h.Sum64())
}
