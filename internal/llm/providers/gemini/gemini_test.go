package gemini

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/animus-coder/taskplane/internal/llm"
)

func TestChatMapsRolesAndUsage(t *testing.T) {
	t.Parallel()

	p := &Provider{name: "gemini", timeout: time.Second}
	p.generate = func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		require.Equal(t, "gemini-2.5-pro", model)
		require.Len(t, contents, 2)
		require.Equal(t, genai.RoleUser, contents[0].Role)
		require.Equal(t, genai.RoleModel, contents[1].Role)
		require.NotNil(t, cfg.SystemInstruction)
		require.Equal(t, int32(256), cfg.MaxOutputTokens)
		return &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content:      genai.NewContentFromText("VERDICT: APPROVED", genai.RoleModel),
				FinishReason: genai.FinishReasonStop,
			}},
			UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
				PromptTokenCount:     40,
				CandidatesTokenCount: 4,
				TotalTokenCount:      44,
			},
		}, nil
	}

	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Model:     "gemini-2.5-pro",
		MaxTokens: 256,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: "you review diffs"},
			{Role: llm.RoleUser, Content: "review this"},
			{Role: llm.RoleAssistant, Content: "looking"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "VERDICT: APPROVED", resp.Message.Content)
	require.Equal(t, 40, resp.Usage.PromptTokens)
	require.Equal(t, 4, resp.Usage.CompletionTokens)
	require.Equal(t, "stop", resp.FinishReason)
}

func TestChatAPIErrorBecomesStatusError(t *testing.T) {
	t.Parallel()

	p := &Provider{name: "gemini", timeout: time.Second}
	p.generate = func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return nil, genai.APIError{Code: 429, Message: "quota"}
	}

	_, err := p.Chat(context.Background(), llm.ChatRequest{Model: "gemini-2.5-flash"})
	var statusErr *llm.StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, 429, statusErr.Code)
}

func TestChatEmptyCandidates(t *testing.T) {
	t.Parallel()

	p := &Provider{name: "gemini", timeout: time.Second}
	p.generate = func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{}, nil
	}

	_, err := p.Chat(context.Background(), llm.ChatRequest{Model: "gemini-2.5-flash"})
	require.ErrorContains(t, err, "empty candidates")
}

func TestNewProviderRequiresKey(t *testing.T) {
	_, err := NewProvider(context.Background(), "gemini", "", "", 0)
	require.Error(t, err)
}
