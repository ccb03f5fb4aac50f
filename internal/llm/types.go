package llm

import (
	"context"
	"fmt"
)

// Role is the message role used in chat exchanges.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage represents a single message exchanged with the model.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the input for chat providers.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// Usage captures token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the result of a chat completion.
type ChatResponse struct {
	Message      ChatMessage
	FinishReason string
	Usage        Usage
	ProviderName string
	Model        string
}

// Provider is a transport to one model backend (local server or cloud API).
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Completion is the opaque result of a model call.
type Completion struct {
	Content   string
	TokensIn  int
	TokensOut int
}

// Backend is the opaque completion contract consumed by the fallback executor.
// model is a logical model identifier; the backend maps it to a provider.
type Backend interface {
	Complete(ctx context.Context, model string, messages []ChatMessage) (Completion, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, model string, messages []ChatMessage) (Completion, error)

// Complete calls f.
func (f BackendFunc) Complete(ctx context.Context, model string, messages []ChatMessage) (Completion, error) {
	return f(ctx, model, messages)
}

// StatusError is returned by HTTP providers on non-2xx responses.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Code, e.Body)
}
