package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RoutingConfig overrides the routing table. Chains maps a task type
// ("code", "reasoning", "default", ...) to an ordered list of model ids.
type RoutingConfig struct {
	Chains            map[string][]string `mapstructure:"chains"`
	DefaultComplexity string              `mapstructure:"default_complexity"`
}

// BudgetConfig holds spending ceilings and the ledger location.
type BudgetConfig struct {
	SessionLimitUSD float64 `mapstructure:"session_limit_usd"`
	DailyLimitUSD   float64 `mapstructure:"daily_limit_usd"`
	LedgerPath      string  `mapstructure:"ledger_path"`
	SessionID       string  `mapstructure:"session_id"` // empty: generated on first use
	MaxCloudEscapes int     `mapstructure:"max_cloud_escapes"`
}

// CooldownConfig tunes the per-model circuit breaker.
type CooldownConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Duration  time.Duration `mapstructure:"duration"`
}

// FallbackConfig bounds backend calls.
type FallbackConfig struct {
	CallTimeout            time.Duration `mapstructure:"call_timeout"`
	DefaultMaxOutputTokens int           `mapstructure:"default_max_output_tokens"`
}

// ContractConfig holds contract storage and the default limits for new contracts.
type ContractConfig struct {
	Dir             string         `mapstructure:"dir"`
	ArchiveDB       string         `mapstructure:"archive_db"` // optional SQLite index of archived contracts
	CostCeilingUSD  float64        `mapstructure:"cost_ceiling_usd"`
	MaxRebuttals    int            `mapstructure:"max_rebuttals"`
	MaxReviewCycles int            `mapstructure:"max_review_cycles"`
	TimeoutMinutes  map[string]int `mapstructure:"timeout_minutes"` // stage or "any" -> minutes
	BreakerPolicy   string         `mapstructure:"breaker_policy"`  // consult or halt
}

func (r RoutingConfig) validate(models map[string]ModelConfig) error {
	for task, chain := range r.Chains {
		if len(chain) == 0 {
			return fmt.Errorf("routing chain %q must not be empty", task)
		}
		seen := make(map[string]bool, len(chain))
		for _, id := range chain {
			if _, ok := models[id]; !ok {
				return fmt.Errorf("routing chain %q references unknown model %q", task, id)
			}
			if seen[id] {
				return fmt.Errorf("routing chain %q lists model %q twice", task, id)
			}
			seen[id] = true
		}
	}
	switch strings.ToLower(strings.TrimSpace(r.DefaultComplexity)) {
	case "", "simple", "medium", "complex":
	default:
		return fmt.Errorf("routing.default_complexity must be one of simple, medium, complex")
	}
	return nil
}

func (b BudgetConfig) validate() error {
	if b.SessionLimitUSD <= 0 {
		return errors.New("budget.session_limit_usd must be > 0")
	}
	if b.DailyLimitUSD <= 0 {
		return errors.New("budget.daily_limit_usd must be > 0")
	}
	if strings.TrimSpace(b.LedgerPath) == "" {
		return errors.New("budget.ledger_path must be set")
	}
	if b.MaxCloudEscapes < 0 {
		return errors.New("budget.max_cloud_escapes must be >= 0")
	}
	return nil
}

func (c CooldownConfig) validate() error {
	if c.Threshold <= 0 {
		return errors.New("cooldown.threshold must be > 0")
	}
	if c.Duration <= 0 {
		return errors.New("cooldown.duration must be > 0")
	}
	return nil
}

func (c ContractConfig) validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return errors.New("contract.dir must be set")
	}
	if c.CostCeilingUSD <= 0 {
		return errors.New("contract.cost_ceiling_usd must be > 0")
	}
	if c.MaxRebuttals < 0 {
		return errors.New("contract.max_rebuttals must be >= 0")
	}
	if c.MaxReviewCycles < 0 {
		return errors.New("contract.max_review_cycles must be >= 0")
	}
	for stage, minutes := range c.TimeoutMinutes {
		if minutes <= 0 {
			return fmt.Errorf("contract.timeout_minutes[%s] must be > 0", stage)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.BreakerPolicy)) {
	case "", "consult", "halt":
	default:
		return fmt.Errorf("contract.breaker_policy must be one of consult or halt, got %q", c.BreakerPolicy)
	}
	return nil
}
