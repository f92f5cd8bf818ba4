package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for relaybot.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Providers map[string]ProviderConfig `json:"providers"`
	Channels  ChannelsConfig            `json:"channels"`
	Store     StoreConfig               `json:"store"`
	Retry     RetryConfig               `json:"retry"`
	Agent     AgentConfig               `json:"agent"`
	Metrics   MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path

	DefaultProvider string `json:"defaultProvider"`

	// HistoryWindow is the bounded recent-message window handed to the
	// agent orchestrator for prompt construction.
	HistoryWindow int `json:"historyWindow"`

	// EventDeadlineSeconds caps total processing time per event. When the
	// deadline passes, in-flight model calls are abandoned and the fallback
	// reply path is taken.
	EventDeadlineSeconds int `json:"eventDeadlineSeconds"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled"`
	ListenAddr    string `json:"listenAddr"`
	WebhookPath   string `json:"webhookPath,omitempty"`
	AppSecret     string `json:"appSecret,omitempty"`
	AccessToken   string `json:"accessToken,omitempty"`
	VerifyToken   string `json:"verifyToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to specific guild
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`

	// DedupRetentionDays bounds how long processed event identifiers are
	// kept. Provider redelivery windows are bounded, so eviction is safe.
	DedupRetentionDays int `json:"dedupRetentionDays"`

	// PruneIntervalMinutes is how often the dedup table is pruned.
	PruneIntervalMinutes int `json:"pruneIntervalMinutes"`
}

type RetryConfig struct {
	MaxAttempts    int     `json:"maxAttempts"`
	InitialDelayMs int     `json:"initialDelayMs"`
	Multiplier     float64 `json:"multiplier"`
}

type AgentConfig struct {
	// ProfilePath points at an optional YAML persona file overriding the
	// built-in system prompt.
	ProfilePath string `json:"profilePath,omitempty"`

	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`

	// Model-call rate limit (token bucket).
	RatePerMinute float64 `json:"ratePerMinute"`
	RateBurst     int     `json:"rateBurst"`
}

type MetricsConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listenAddr"`
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = expandPath(cfg.Store.DBPath)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.Agent.ProfilePath = expandPath(cfg.Agent.ProfilePath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset
// or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.HistoryWindow < 1 || cfg.General.HistoryWindow > 500 {
		errs = append(errs, "general.historyWindow must be between 1 and 500")
	}
	if cfg.General.EventDeadlineSeconds < 1 {
		errs = append(errs, "general.eventDeadlineSeconds must be >= 1")
	}

	if cfg.Retry.MaxAttempts < 1 || cfg.Retry.MaxAttempts > 10 {
		errs = append(errs, "retry.maxAttempts must be between 1 and 10")
	}
	if cfg.Retry.InitialDelayMs < 0 {
		errs = append(errs, "retry.initialDelayMs must be >= 0")
	}
	if cfg.Retry.Multiplier < 1 {
		errs = append(errs, "retry.multiplier must be >= 1")
	}

	if cfg.Store.DedupRetentionDays < 1 {
		errs = append(errs, "store.dedupRetentionDays must be >= 1")
	}
	if cfg.Store.PruneIntervalMinutes < 1 {
		errs = append(errs, "store.pruneIntervalMinutes must be >= 1")
	}

	if cfg.Agent.MaxTokens < 1 {
		errs = append(errs, "agent.maxTokens must be >= 1")
	}
	if cfg.Agent.RatePerMinute <= 0 {
		errs = append(errs, "agent.ratePerMinute must be > 0")
	}
	if cfg.Agent.RateBurst < 1 {
		errs = append(errs, "agent.rateBurst must be >= 1")
	}

	// Validate provider configs.
	for name, pc := range cfg.Providers {
		// ollama has a local default base and claude uses a fixed endpoint.
		if pc.Enabled && pc.APIBase == "" && name != "ollama" && name != "claude" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
	}
	if cfg.General.DefaultProvider != "" {
		if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
			errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
