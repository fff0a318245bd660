package providers

import (
	"fmt"

	"github.com/k8sops/k8sops/internal/config"
	"github.com/k8sops/k8sops/internal/engine"
)

// NewClient builds an LLM client for the given provider settings. Ollama and
// other OpenAI-compatible servers go through the OpenAI client with a custom
// base URL.
func NewClient(provider, apiKey, baseURL string) (engine.LLMClient, error) {
	switch provider {
	case "anthropic":
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		return NewAnthropicClient(apiKey), nil
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAIClient(apiKey, baseURL), nil
	case "ollama":
		url := baseURL
		if url == "" {
			url = "http://localhost:11434/v1"
		}
		// Ollama ignores the API key but the SDK requires one.
		key := apiKey
		if key == "" {
			key = "ollama"
		}
		return NewOpenAIClient(key, url), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}

// NewClientFromConfig builds an LLM client from the process configuration.
func NewClientFromConfig(cfg *config.Config) (engine.LLMClient, error) {
	return NewClient(cfg.Provider, cfg.APIKey, cfg.BaseURL)
}
