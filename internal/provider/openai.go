package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"promptwatch/internal/config"
)

// OpenAI implements Client against the chat completions API
type OpenAI struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewOpenAI(cfg config.ProviderConfig) *OpenAI {
	return &OpenAI{cfg: cfg, client: &http.Client{}}
}

func (p *OpenAI) Name() string { return "openai" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *OpenAI) Ask(ctx context.Context, prompt string) (*Response, error) {
	data, err := postJSON(ctx, p.client, p.cfg.BaseURL+"/v1/chat/completions",
		map[string]string{"Authorization": "Bearer " + p.cfg.APIKey},
		chatRequest{
			Model:    p.cfg.Model,
			Messages: []chatMessage{{Role: "user", Content: prompt}},
		})
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("openai: %w: %v", ErrBadResponse, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("openai: empty completion: %w", ErrBadResponse)
	}

	model := parsed.Model
	if model == "" {
		model = p.cfg.Model
	}
	return &Response{Text: parsed.Choices[0].Message.Content, Model: model}, nil
}

var _ Client = (*OpenAI)(nil)
