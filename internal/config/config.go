package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config describes the top-level application configuration loaded from YAML and ENV.
// It is read once at startup; components never re-validate it per call.
type Config struct {
	Version   string                    `mapstructure:"version"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Models    map[string]ModelConfig    `mapstructure:"models"`
	Routing   RoutingConfig             `mapstructure:"routing"`
	Budget    BudgetConfig              `mapstructure:"budget"`
	Cooldown  CooldownConfig            `mapstructure:"cooldown"`
	Fallback  FallbackConfig            `mapstructure:"fallback"`
	Contract  ContractConfig            `mapstructure:"contract"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Adapter   AdapterConfig             `mapstructure:"adapter"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Server    ServerConfig              `mapstructure:"server"`
}

// ProviderConfig represents a model backend such as a local Ollama server or a cloud API.
type ProviderConfig struct {
	Type    string        `mapstructure:"type"`     // ollama, openai, openrouter, vllm, lmstudio, custom, gemini
	BaseURL string        `mapstructure:"base_url"` // API base URL
	APIKey  string        `mapstructure:"api_key"`  // optional API key
	Timeout time.Duration `mapstructure:"timeout"`  // transport timeout
}

// ModelConfig binds a logical model id to a provider, a tier and its prices.
type ModelConfig struct {
	Provider        string  `mapstructure:"provider"`
	Model           string  `mapstructure:"model"` // physical model name at the provider
	Tier            string  `mapstructure:"tier"`  // local, cloud-fast, cloud-premium
	InputCostPer1M  float64 `mapstructure:"input_cost_per_1m"`
	OutputCostPer1M float64 `mapstructure:"output_cost_per_1m"`
	Temperature     float64 `mapstructure:"temperature"`
	MaxTokens       int     `mapstructure:"max_tokens"`
}

// LoggingConfig controls logger behaviour.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

// ServerConfig describes daemon settings.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	MetricsEnabled bool          `mapstructure:"metrics_enabled"`
	WatchContracts bool          `mapstructure:"watch_contracts"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"` // periodic breaker sweep for stage timeouts
}

// StorageConfig controls the advisory locking shared by ledger and contracts.
type StorageConfig struct {
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// AdapterConfig selects the host notification adapter. An empty Host means auto-detect.
type AdapterConfig struct {
	Host          string `mapstructure:"host"` // terminal, webhook, ci
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookSecret string `mapstructure:"webhook_secret"` // optional HMAC signing key
}

var validTiers = map[string]bool{"local": true, "cloud-fast": true, "cloud-premium": true}

// Load reads configuration from the provided path or defaults to configs/config.yaml.
// Environment variables override file values (prefix: TASKPLANE_, dots replaced with underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && path == "" {
			v.SetConfigName("config.example")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults populates sensible defaults for optional fields.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("routing.default_complexity", "medium")

	v.SetDefault("budget.session_limit_usd", 5.0)
	v.SetDefault("budget.daily_limit_usd", 20.0)
	v.SetDefault("budget.ledger_path", ".taskplane/budget.json")
	v.SetDefault("budget.max_cloud_escapes", 500)

	v.SetDefault("cooldown.threshold", 3)
	v.SetDefault("cooldown.duration", "5m")

	v.SetDefault("fallback.call_timeout", "90s")
	v.SetDefault("fallback.default_max_output_tokens", 2048)

	v.SetDefault("contract.dir", ".taskplane/contracts")
	v.SetDefault("contract.archive_db", "")
	v.SetDefault("contract.cost_ceiling_usd", 2.0)
	v.SetDefault("contract.max_rebuttals", 2)
	v.SetDefault("contract.max_review_cycles", 3)
	v.SetDefault("contract.timeout_minutes", map[string]int{"any": 60})
	v.SetDefault("contract.breaker_policy", "consult")

	v.SetDefault("storage.lock_timeout", "10s")

	v.SetDefault("adapter.host", "")

	v.SetDefault("server.addr", ":8088")
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.watch_contracts", true)
	v.SetDefault("server.sweep_interval", "30s")
}

// Validate performs basic sanity checks on configuration values.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}

	if len(c.Models) == 0 {
		return errors.New("at least one model must be defined")
	}

	for name, p := range c.Providers {
		if p.Type == "" {
			return fmt.Errorf("provider %q must define type", name)
		}
	}

	for name, m := range c.Models {
		if m.Provider == "" {
			return fmt.Errorf("model %q must reference provider", name)
		}

		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %q references unknown provider %q", name, m.Provider)
		}

		if !validTiers[m.Tier] {
			return fmt.Errorf("model %q tier must be one of local, cloud-fast, cloud-premium, got %q", name, m.Tier)
		}

		if m.InputCostPer1M < 0 || m.OutputCostPer1M < 0 {
			return fmt.Errorf("model %q costs cannot be negative", name)
		}

		if m.Temperature < 0 || m.Temperature > 2 {
			return fmt.Errorf("model %q temperature must be within [0,2]", name)
		}

		if m.MaxTokens < 0 {
			return fmt.Errorf("model %q max_tokens cannot be negative", name)
		}
	}

	if err := c.Routing.validate(c.Models); err != nil {
		return err
	}
	if err := c.Budget.validate(); err != nil {
		return err
	}
	if err := c.Cooldown.validate(); err != nil {
		return err
	}
	if c.Fallback.CallTimeout <= 0 {
		return errors.New("fallback.call_timeout must be > 0")
	}
	if c.Fallback.DefaultMaxOutputTokens < 0 {
		return errors.New("fallback.default_max_output_tokens must be >= 0")
	}
	if err := c.Contract.validate(); err != nil {
		return err
	}
	if c.Storage.LockTimeout <= 0 {
		return errors.New("storage.lock_timeout must be > 0")
	}

	if c.Server.SweepInterval < 0 {
		return errors.New("server.sweep_interval must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Adapter.Host)) {
	case "", "terminal", "ci":
	case "webhook":
		if strings.TrimSpace(c.Adapter.WebhookURL) == "" {
			return errors.New("adapter.webhook_url must be set when adapter.host is webhook")
		}
	default:
		return fmt.Errorf("adapter.host must be one of terminal, webhook, ci, got %q", c.Adapter.Host)
	}

	return nil
}
