package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalYAML = `
providers:
  ollama:
    type: ollama
  openai:
    type: openai
    api_key: dummy
models:
  local-fast:
    provider: ollama
    model: llama3.2:3b
    tier: local
  cloud-premium:
    provider: openai
    model: gpt-4o
    tier: cloud-premium
    input_cost_per_1m: 2.5
    output_cost_per_1m: 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return cfgPath
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
budget:
  session_limit_usd: 1.5
contract:
  max_rebuttals: 4
  timeout_minutes:
    any: 30
    pending_judge: 5
`))
	require.NoError(t, err)
	require.Equal(t, "openai", cfg.Models["cloud-premium"].Provider)
	require.Equal(t, "cloud-premium", cfg.Models["cloud-premium"].Tier)
	require.InDelta(t, 1.5, cfg.Budget.SessionLimitUSD, 1e-9)
	require.Equal(t, 4, cfg.Contract.MaxRebuttals)
	require.Equal(t, 5, cfg.Contract.TimeoutMinutes["pending_judge"])
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Cooldown.Threshold)
	require.Equal(t, 5*time.Minute, cfg.Cooldown.Duration)
	require.Equal(t, 90*time.Second, cfg.Fallback.CallTimeout)
	require.Equal(t, 10*time.Second, cfg.Storage.LockTimeout)
	require.Equal(t, "consult", cfg.Contract.BreakerPolicy)
	require.Equal(t, 60, cfg.Contract.TimeoutMinutes["any"])
	require.Equal(t, 30*time.Second, cfg.Server.SweepInterval)
}

func TestEnvOverrides(t *testing.T) {
	cfgPath := writeConfig(t, minimalYAML)

	t.Setenv("TASKPLANE_BUDGET_SESSION_LIMIT_USD", "0.75")
	t.Setenv("TASKPLANE_COOLDOWN_THRESHOLD", "5")
	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	require.InDelta(t, 0.75, cfg.Budget.SessionLimitUSD, 1e-9)
	require.Equal(t, 5, cfg.Cooldown.Threshold)
}

func TestLoadRejectsChainWithUnknownModel(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+`
routing:
  chains:
    code: [local-fast, cloud-mystery]
`))
	require.ErrorContains(t, err, "cloud-mystery")
}

func validConfig() Config {
	return Config{
		Providers: map[string]ProviderConfig{
			"ollama": {Type: "ollama"},
		},
		Models: map[string]ModelConfig{
			"local-fast": {Provider: "ollama", Tier: "local"},
		},
		Budget:   BudgetConfig{SessionLimitUSD: 1, DailyLimitUSD: 5, LedgerPath: "budget.json"},
		Cooldown: CooldownConfig{Threshold: 3, Duration: time.Minute},
		Fallback: FallbackConfig{CallTimeout: time.Second},
		Contract: ContractConfig{Dir: "contracts", CostCeilingUSD: 1},
		Storage:  StorageConfig{LockTimeout: time.Second},
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown provider", mutate: func(c *Config) {
			c.Models["broken"] = ModelConfig{Provider: "missing", Tier: "local"}
		}, errMsg: "unknown provider"},
		{name: "bad tier", mutate: func(c *Config) {
			c.Models["local-fast"] = ModelConfig{Provider: "ollama", Tier: "gold"}
		}, errMsg: "tier"},
		{name: "negative cost", mutate: func(c *Config) {
			c.Models["local-fast"] = ModelConfig{Provider: "ollama", Tier: "cloud-fast", InputCostPer1M: -1}
		}, errMsg: "negative"},
		{name: "zero session limit", mutate: func(c *Config) { c.Budget.SessionLimitUSD = 0 }, errMsg: "session_limit_usd"},
		{name: "zero threshold", mutate: func(c *Config) { c.Cooldown.Threshold = 0 }, errMsg: "cooldown.threshold"},
		{name: "bad policy", mutate: func(c *Config) { c.Contract.BreakerPolicy = "ignore" }, errMsg: "breaker_policy"},
		{name: "bad stage timeout", mutate: func(c *Config) {
			c.Contract.TimeoutMinutes = map[string]int{"any": 0}
		}, errMsg: "timeout_minutes"},
		{name: "webhook without url", mutate: func(c *Config) { c.Adapter.Host = "webhook" }, errMsg: "webhook_url"},
		{name: "duplicate chain entry", mutate: func(c *Config) {
			c.Routing.Chains = map[string][]string{"code": {"local-fast", "local-fast"}}
		}, errMsg: "twice"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.errMsg)
		})
	}
}

func TestExampleConfigLoads(t *testing.T) {
	path, err := filepath.Abs(filepath.Join("..", "..", "configs", "config.example.yaml"))
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"local-coder", "cloud-fast", "cloud-premium"}, cfg.Routing.Chains["code"])
}
