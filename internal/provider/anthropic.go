package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"promptwatch/internal/config"
)

// Anthropic implements Client against the messages API
type Anthropic struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewAnthropic(cfg config.ProviderConfig) *Anthropic {
	return &Anthropic{cfg: cfg, client: &http.Client{}}
}

func (p *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *Anthropic) Ask(ctx context.Context, prompt string) (*Response, error) {
	data, err := postJSON(ctx, p.client, p.cfg.BaseURL+"/v1/messages",
		map[string]string{
			"x-api-key":         p.cfg.APIKey,
			"anthropic-version": "2023-06-01",
		},
		anthropicRequest{
			Model:     p.cfg.Model,
			MaxTokens: 1024,
			Messages:  []chatMessage{{Role: "user", Content: prompt}},
		})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("anthropic: %w: %v", ErrBadResponse, err)
	}
	for _, block := range parsed.Content {
		if block.Type == "text" && block.Text != "" {
			model := parsed.Model
			if model == "" {
				model = p.cfg.Model
			}
			return &Response{Text: block.Text, Model: model}, nil
		}
	}
	return nil, fmt.Errorf("anthropic: no text block in response: %w", ErrBadResponse)
}

var _ Client = (*Anthropic)(nil)
