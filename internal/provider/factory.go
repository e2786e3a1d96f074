package provider

import (
	"fmt"

	"promptwatch/internal/config"
)

// New constructs a single provider client by name
func New(name string, conf *config.PWConfig) (Client, error) {
	switch name {
	case "openai":
		return NewOpenAI(conf.Providers.OpenAI), nil
	case "anthropic":
		return NewAnthropic(conf.Providers.Anthropic), nil
	case "perplexity":
		return NewPerplexity(conf.Providers.Perplexity), nil
	case "gemini":
		return NewGemini(conf.Providers.Gemini), nil
	default:
		return nil, fmt.Errorf("unknown provider %q: must be one of openai, anthropic, perplexity, gemini", name)
	}
}

// All constructs every configured provider in the configured order, keyed by
// name. The order slice doubles as the tier cut-off list: an organization on a
// 2-provider tier gets the first two entries.
func All(conf *config.PWConfig) (map[string]Client, error) {
	clients := make(map[string]Client, len(conf.Providers.Order))
	for _, name := range conf.Providers.Order {
		client, err := New(name, conf)
		if err != nil {
			return nil, err
		}
		clients[name] = client
	}
	return clients, nil
}
