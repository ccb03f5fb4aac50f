package configbuilder

import (
	"context"
	"fmt"

	"github.com/animus-coder/taskplane/internal/config"
	"github.com/animus-coder/taskplane/internal/cost"
	"github.com/animus-coder/taskplane/internal/llm"
	llmgemini "github.com/animus-coder/taskplane/internal/llm/providers/gemini"
	llmollama "github.com/animus-coder/taskplane/internal/llm/providers/ollama"
	llmopenai "github.com/animus-coder/taskplane/internal/llm/providers/openai"
)

// BuildRegistryFromConfig constructs a registry and providers from config.
func BuildRegistryFromConfig(ctx context.Context, cfg *config.Config) (*llm.Registry, error) {
	reg := llm.NewRegistry()

	for name, pCfg := range cfg.Providers {
		p, err := buildProvider(ctx, name, pCfg)
		if err != nil {
			return nil, err
		}
		reg.RegisterProvider(name, p)
	}

	for name, mCfg := range cfg.Models {
		reg.RegisterModel(name, llm.ModelRoute{
			Provider:    mCfg.Provider,
			Model:       mCfg.Model,
			Temperature: mCfg.Temperature,
			MaxTokens:   mCfg.MaxTokens,
		})
		if _, _, err := reg.Resolve(name); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func buildProvider(ctx context.Context, name string, cfg config.ProviderConfig) (llm.Provider, error) {
	switch cfg.Type {
	case "openai", "openrouter", "vllm", "lmstudio", "custom":
		return llmopenai.NewProvider(name, cfg.BaseURL, cfg.APIKey, cfg.Timeout), nil
	case "ollama":
		return llmollama.NewProvider(name, cfg.BaseURL, cfg.Timeout), nil
	case "gemini":
		p, err := llmgemini.NewProvider(ctx, name, cfg.APIKey, cfg.BaseURL, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q for provider %s", cfg.Type, name)
	}
}

// BuildCostTable prices every configured model. With no models configured
// the built-in table applies.
func BuildCostTable(cfg *config.Config) *cost.Table {
	rates := make(map[string]cost.Rate, len(cfg.Models))
	for name, m := range cfg.Models {
		rates[name] = cost.Rate{
			Tier:        cost.Tier(m.Tier),
			InputPer1M:  m.InputCostPer1M,
			OutputPer1M: m.OutputCostPer1M,
		}
	}
	return cost.NewTable(rates)
}

// MaxOutputTokens returns per-model output limits used to size budget checks.
func MaxOutputTokens(cfg *config.Config) map[string]int {
	out := make(map[string]int)
	for name, m := range cfg.Models {
		if m.MaxTokens > 0 {
			out[name] = m.MaxTokens
		}
	}
	return out
}
