package llm

import (
	"fmt"
	"net/http"

	"callguard/pkg/config"
)

// NewFromConfig builds the provider client selected by cfg, resolving its credential
// through the secrets vault.
func NewFromConfig(cfg config.LLMConfig) (Client, error) {
	model := cfg.Model
	if model == "" {
		model = config.DefaultModels[cfg.Provider]
	}

	key, err := config.GetAPIKey(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("llm %s: %w", cfg.Provider, err)
	}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIClient(key, model, cfg.BaseURL), nil
	case config.ProviderAnthropic:
		return NewAnthropicClient(key, model, cfg.BaseURL), nil
	case config.ProviderGoogle:
		return NewGeminiClient(key, model, cfg.BaseURL), nil
	case config.ProviderOllama:
		host := key
		if cfg.BaseURL != "" {
			host = cfg.BaseURL
		}
		client, err := NewOllamaClient(host, model, &http.Client{Timeout: cfg.Timeout})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
