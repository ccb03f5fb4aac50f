package llm

import (
	"context"
	"fmt"
	"sort"
)

// ModelRoute binds a logical model to a provider and physical model name.
type ModelRoute struct {
	Name        string
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Registry resolves logical models to providers. It implements Backend.
type Registry struct {
	providers map[string]Provider
	models    map[string]ModelRoute
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		models:    make(map[string]ModelRoute),
	}
}

// RegisterProvider adds a provider implementation.
func (r *Registry) RegisterProvider(name string, p Provider) {
	r.providers[name] = p
}

// RegisterModel adds a model route.
func (r *Registry) RegisterModel(name string, route ModelRoute) {
	route.Name = name
	if route.Model == "" {
		route.Model = name
	}
	r.models[name] = route
}

// Resolve returns the provider and route for a logical model name.
func (r *Registry) Resolve(modelName string) (Provider, ModelRoute, error) {
	route, ok := r.models[modelName]
	if !ok {
		return nil, ModelRoute{}, fmt.Errorf("model %q not registered", modelName)
	}

	p, ok := r.providers[route.Provider]
	if !ok {
		return nil, ModelRoute{}, fmt.Errorf("provider %q not registered for model %q", route.Provider, modelName)
	}

	return p, route, nil
}

// Models lists registered logical model names in sorted order.
func (r *Registry) Models() []string {
	out := make([]string, 0, len(r.models))
	for name := range r.models {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Complete resolves model and performs a single non-streaming chat call.
// Providers that do not report usage get token counts estimated from text.
func (r *Registry) Complete(ctx context.Context, model string, messages []ChatMessage) (Completion, error) {
	provider, route, err := r.Resolve(model)
	if err != nil {
		return Completion{}, err
	}

	resp, err := provider.Chat(ctx, ChatRequest{
		Model:       route.Model,
		Messages:    messages,
		MaxTokens:   route.MaxTokens,
		Temperature: route.Temperature,
	})
	if err != nil {
		return Completion{}, err
	}

	in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	if in == 0 && out == 0 {
		in, out = EstimateTokens(messages), EstimateTokens([]ChatMessage{resp.Message})
	}
	return Completion{
		Content:   resp.Message.Content,
		TokensIn:  in,
		TokensOut: out,
	}, nil
}

const charsPerToken = 4

// EstimateTokens approximates the token count of messages. Non-empty input
// always counts as at least one token.
func EstimateTokens(messages []ChatMessage) int {
	var chars int
	for _, m := range messages {
		chars += len(m.Content)
	}
	tokens := chars / charsPerToken
	if chars > 0 && tokens == 0 {
		tokens = 1
	}
	return tokens
}
