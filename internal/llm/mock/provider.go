package mock

import (
	"context"
	"sync"

	"github.com/animus-coder/taskplane/internal/llm"
)

// Provider is a test double implementing llm.Provider.
type Provider struct {
	NameValue string
	ChatFn    func(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
}

func (p *Provider) Name() string {
	if p.NameValue != "" {
		return p.NameValue
	}
	return "mock"
}

func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	if p.ChatFn != nil {
		return p.ChatFn(ctx, req)
	}
	return llm.ChatResponse{
		Message: llm.ChatMessage{
			Role:    llm.RoleAssistant,
			Content: "mock",
		},
		Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// Backend is a scripted llm.Backend keyed by logical model id. Models without
// a script return Default. Every call is recorded.
type Backend struct {
	Scripts map[string]func(ctx context.Context, messages []llm.ChatMessage) (llm.Completion, error)
	Default llm.Completion

	mu    sync.Mutex
	calls []string
}

// Complete implements llm.Backend.
func (b *Backend) Complete(ctx context.Context, model string, messages []llm.ChatMessage) (llm.Completion, error) {
	b.mu.Lock()
	b.calls = append(b.calls, model)
	fn := b.Scripts[model]
	b.mu.Unlock()

	if fn != nil {
		return fn(ctx, messages)
	}
	return b.Default, nil
}

// Calls returns the models invoked so far, in order.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// CallsTo counts invocations of model.
func (b *Backend) CallsTo(model string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == model {
			n++
		}
	}
	return n
}
