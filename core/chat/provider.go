package chat

import (
	"context"
	"fmt"

	"github.com/parley-labs/parley-core/core/llms"
)

// Provider is one routed model backend.
type Provider interface {
	// PromptWithStream prepares a streaming completion; the request is sent
	// when the stream is iterated.
	PromptWithStream(ctx context.Context, model string, opts ...llms.PromptOption) llms.Stream
	// Prompt performs one blocking completion.
	Prompt(ctx context.Context, model string, opts ...llms.PromptOption) (llms.Message, error)
}

// Route binds a route key (a participant or model alias) to a provider name
// and concrete model.
type Route struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type router struct {
	providers map[string]Provider
	routes    map[string]Route
	fallback  string
}

// resolve maps a route key to a dispatchable provider+model. A missing route
// or unknown provider is fatal for the operation that needed it.
func (r router) resolve(key string) (Provider, string, error) {
	route, ok := r.routes[key]
	if !ok {
		route, ok = r.routes[r.fallback]
		if !ok {
			return nil, "", fmt.Errorf("no model route for %q and no fallback route", key)
		}
	}

	provider, ok := r.providers[route.Provider]
	if !ok {
		return nil, "", fmt.Errorf("route %q names unknown provider %q", key, route.Provider)
	}
	return provider, route.Model, nil
}
