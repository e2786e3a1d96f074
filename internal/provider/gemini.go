package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"promptwatch/internal/config"
)

// Gemini implements Client against the generateContent API
type Gemini struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewGemini(cfg config.ProviderConfig) *Gemini {
	return &Gemini{cfg: cfg, client: &http.Client{}}
}

func (p *Gemini) Name() string { return "gemini" }

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (p *Gemini) Ask(ctx context.Context, prompt string) (*Response, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.cfg.BaseURL, p.cfg.Model)
	data, err := postJSON(ctx, p.client, url,
		map[string]string{"x-goog-api-key": p.cfg.APIKey},
		geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}}})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("gemini: %w: %v", ErrBadResponse, err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini: no candidates in response: %w", ErrBadResponse)
	}

	text := parsed.Candidates[0].Content.Parts[0].Text
	if text == "" {
		return nil, fmt.Errorf("gemini: empty candidate text: %w", ErrBadResponse)
	}
	return &Response{Text: text, Model: p.cfg.Model}, nil
}

var _ Client = (*Gemini)(nil)
