package llm

import (
	"fmt"

	"github.com/promptforge-ai/codegen-platform/internal/config"
)

// Registry holds the configured providers and the default selection.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

// NewRegistry constructs providers for every credential present in the
// configuration. At least one provider must be configured.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}

	timeout := cfg.ProviderHTTPTimeout
	if cfg.AnthropicAPIKey != "" {
		p, err := NewAnthropicProvider(cfg.AnthropicAPIKey, timeout)
		if err != nil {
			return nil, err
		}
		r.providers["anthropic"] = p
	}
	if cfg.OpenAIAPIKey != "" {
		p, err := NewOpenAIProvider(cfg.OpenAIAPIKey, timeout)
		if err != nil {
			return nil, err
		}
		r.providers["openai"] = p
	}
	if cfg.OpenRouterAPIKey != "" {
		p, err := NewOpenRouterProvider(cfg.OpenRouterAPIKey, timeout)
		if err != nil {
			return nil, err
		}
		r.providers["openrouter"] = p
	}
	if cfg.DefaultProvider == "scripted" && !cfg.Production() {
		r.providers["scripted"] = &ScriptedProvider{Script: ScriptText("scripted provider: configure a real backend")}
	}

	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no LLM provider configured")
	}

	r.defaultName = cfg.DefaultProvider
	if _, ok := r.providers[r.defaultName]; !ok {
		for name := range r.providers {
			r.defaultName = name
			break
		}
	}
	return r, nil
}

// NewRegistryWith builds a registry around explicit providers. Used in tests.
func NewRegistryWith(defaultName string, providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider), defaultName: defaultName}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider, or the default when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}
	return p, nil
}

// Default returns the default provider name.
func (r *Registry) Default() string { return r.defaultName }

// Configured lists the configured provider names.
func (r *Registry) Configured() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
