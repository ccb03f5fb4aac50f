package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/animus-coder/taskplane/internal/llm"
	llmmock "github.com/animus-coder/taskplane/internal/llm/mock"
)

func TestRegistryResolve(t *testing.T) {
	reg := llm.NewRegistry()
	mockProvider := &llmmock.Provider{NameValue: "mock"}
	reg.RegisterProvider("mock", mockProvider)
	reg.RegisterModel("local-fast", llm.ModelRoute{
		Provider:    "mock",
		Model:       "llama3.2:3b",
		Temperature: 0.2,
	})

	p, route, err := reg.Resolve("local-fast")
	require.NoError(t, err)
	require.Equal(t, mockProvider, p)
	require.Equal(t, "llama3.2:3b", route.Model)
	require.Equal(t, "local-fast", route.Name)

	_, _, err = reg.Resolve("missing")
	require.Error(t, err)
}

func TestRegistryResolveUnknownProvider(t *testing.T) {
	reg := llm.NewRegistry()
	reg.RegisterModel("cloud-fast", llm.ModelRoute{Provider: "nowhere"})

	_, _, err := reg.Resolve("cloud-fast")
	require.ErrorContains(t, err, "nowhere")
}

func TestRegistryCompleteUsesPhysicalModelAndUsage(t *testing.T) {
	reg := llm.NewRegistry()
	reg.RegisterProvider("p", &llmmock.Provider{
		ChatFn: func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
			require.Equal(t, "gpt-4o-mini", req.Model)
			require.Equal(t, 512, req.MaxTokens)
			return llm.ChatResponse{
				Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: "done"},
				Usage:   llm.Usage{PromptTokens: 120, CompletionTokens: 30},
			}, nil
		},
	})
	reg.RegisterModel("cloud-fast", llm.ModelRoute{Provider: "p", Model: "gpt-4o-mini", MaxTokens: 512})

	out, err := reg.Complete(context.Background(), "cloud-fast", []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, "done", out.Content)
	require.Equal(t, 120, out.TokensIn)
	require.Equal(t, 30, out.TokensOut)
}

func TestRegistryCompleteEstimatesMissingUsage(t *testing.T) {
	reg := llm.NewRegistry()
	reg.RegisterProvider("p", &llmmock.Provider{
		ChatFn: func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
			return llm.ChatResponse{Message: llm.ChatMessage{Role: llm.RoleAssistant, Content: "12345678"}}, nil
		},
	})
	reg.RegisterModel("local-fast", llm.ModelRoute{Provider: "p"})

	out, err := reg.Complete(context.Background(), "local-fast", []llm.ChatMessage{{Role: llm.RoleUser, Content: "abcdefghijkl"}})
	require.NoError(t, err)
	require.Equal(t, 3, out.TokensIn)
	require.Equal(t, 2, out.TokensOut)
}

func TestRegistryCompletePropagatesProviderError(t *testing.T) {
	reg := llm.NewRegistry()
	boom := &llm.StatusError{Provider: "p", Code: 503, Body: "overloaded"}
	reg.RegisterProvider("p", &llmmock.Provider{
		ChatFn: func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
			return llm.ChatResponse{}, boom
		},
	})
	reg.RegisterModel("cloud-premium", llm.ModelRoute{Provider: "p"})

	_, err := reg.Complete(context.Background(), "cloud-premium", nil)
	var statusErr *llm.StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, 503, statusErr.Code)
}

func TestEstimateTokens(t *testing.T) {
	require.Zero(t, llm.EstimateTokens(nil))
	require.Equal(t, 1, llm.EstimateTokens([]llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}}))
	require.Equal(t, 3, llm.EstimateTokens([]llm.ChatMessage{
		{Role: llm.RoleSystem, Content: "abcdef"},
		{Role: llm.RoleUser, Content: "ghijkl"},
	}))
}
