package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"promptwatch/internal/config"
)

// Perplexity implements Client. The API is wire compatible with the chat
// completions shape, so it shares the request/response types with OpenAI.
type Perplexity struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewPerplexity(cfg config.ProviderConfig) *Perplexity {
	return &Perplexity{cfg: cfg, client: &http.Client{}}
}

func (p *Perplexity) Name() string { return "perplexity" }

func (p *Perplexity) Ask(ctx context.Context, prompt string) (*Response, error) {
	data, err := postJSON(ctx, p.client, p.cfg.BaseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + p.cfg.APIKey},
		chatRequest{
			Model:    p.cfg.Model,
			Messages: []chatMessage{{Role: "user", Content: prompt}},
		})
	if err != nil {
		return nil, fmt.Errorf("perplexity: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("perplexity: %w: %v", ErrBadResponse, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("perplexity: empty completion: %w", ErrBadResponse)
	}

	model := parsed.Model
	if model == "" {
		model = p.cfg.Model
	}
	return &Response{Text: parsed.Choices[0].Message.Content, Model: model}, nil
}

var _ Client = (*Perplexity)(nil)
