package llm

import (
	"fmt"

	"talon/internal/config"
	"talon/internal/events"
)

// NewProvider builds one provider from its role config.
func NewProvider(rc config.RoleConfig) (Provider, error) {
	switch rc.Provider {
	case "gemini":
		return NewGeminiProvider(rc.APIKey, rc.Model)
	case "openai":
		return NewOpenAIProvider(rc.APIKey, rc.BaseURL, rc.Model)
	case "anthropic":
		return NewAnthropicProvider(rc.APIKey, rc.Model)
	}
	return nil, fmt.Errorf("unknown LLM provider %q", rc.Provider)
}

// Providers builds the role-to-provider map from config. Roles sharing a
// provider and model share the underlying client.
func Providers(cfg config.LLMConfig) (map[Role]Provider, error) {
	roles := map[Role]config.RoleConfig{
		RolePlanner:   cfg.Planner,
		RoleExecutor:  cfg.Executor,
		RoleReflector: cfg.Reflector,
	}
	cache := map[string]Provider{}
	out := make(map[Role]Provider, len(roles))
	for role, rc := range roles {
		key := rc.Provider + "/" + rc.Model + "/" + rc.BaseURL
		if p, ok := cache[key]; ok {
			out[role] = p
			continue
		}
		p, err := NewProvider(rc)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", role, err)
		}
		cache[key] = p
		out[role] = p
	}
	return out, nil
}

// ClientFromConfig assembles a per-operation client over shared providers.
func ClientFromConfig(cfg config.LLMConfig, providers map[Role]Provider, broker *events.Broker) *Client {
	return New(providers, broker, Options{
		SchemaRetries:     cfg.SchemaRetries,
		TransportRetries:  cfg.TransportRetries,
		RequestsPerMinute: cfg.RequestsPerMinute,
		ElideBytes:        cfg.ElideBytes,
		MaxTokens: map[Role]int{
			RolePlanner:   cfg.Planner.MaxTokens,
			RoleExecutor:  cfg.Executor.MaxTokens,
			RoleReflector: cfg.Reflector.MaxTokens,
		},
		Temperature: map[Role]float64{
			RolePlanner:   cfg.Planner.Temperature,
			RoleExecutor:  cfg.Executor.Temperature,
			RoleReflector: cfg.Reflector.Temperature,
		},
	})
}
