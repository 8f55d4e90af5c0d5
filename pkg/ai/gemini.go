package ai

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"writingbuddy/pkg/domain"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-2.0-flash-lite"
)

// Gemini calls the Google AI Studio generateContent API. The system
// instruction goes into its dedicated slot and the history carries only
// user and model turns.
type Gemini struct {
	cfg Config
}

func NewGemini(cfg Config) (*Gemini, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	cfg.Model = strings.TrimPrefix(strings.TrimSpace(cfg.Model), "models/")
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	cfg.HTTPClient = httpClientFor(cfg)
	return &Gemini{cfg: cfg}, nil
}

func (p *Gemini) GenerateReply(ctx context.Context, systemInstruction string, history []Turn, maxOutputTokens int) (Reply, error) {
	reqBody := geminiRequest(systemInstruction, history)
	if maxOutputTokens > 0 || p.cfg.Temperature != nil {
		reqBody.GenerationConfig = &generationConfig{
			MaxOutputTokens: maxOutputTokens,
			Temperature:     p.cfg.Temperature,
		}
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.cfg.BaseURL, url.PathEscape(p.cfg.Model), url.QueryEscape(p.cfg.APIKey))

	var resp generateResponse
	if err := postJSON(ctx, p.cfg.HTTPClient, ProviderGemini, endpoint, nil, reqBody, &resp); err != nil {
		return Reply{}, err
	}
	if len(resp.Candidates) == 0 {
		return Reply{}, emptyReply(ProviderGemini)
	}
	var b strings.Builder
	for _, pt := range resp.Candidates[0].Content.Parts {
		b.WriteString(pt.Text)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return Reply{}, emptyReply(ProviderGemini)
	}
	return Reply{Text: text, Provider: ProviderGemini, Model: p.cfg.Model}, nil
}

// geminiRequest maps the neutral history onto Gemini's shape. System-role
// entries join the instruction slot in their relative order;
// assistant becomes "model".
func geminiRequest(systemInstruction string, history []Turn) generateRequest {
	var system []part
	if strings.TrimSpace(systemInstruction) != "" {
		system = append(system, part{Text: systemInstruction})
	}
	contents := make([]content, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case domain.RoleSystem:
			system = append(system, part{Text: turn.Content})
		case domain.RoleAssistant:
			contents = append(contents, content{Role: "model", Parts: []part{{Text: turn.Content}}})
		default:
			contents = append(contents, content{Role: "user", Parts: []part{{Text: turn.Content}}})
		}
	}
	req := generateRequest{Contents: contents}
	if len(system) > 0 {
		req.SystemInstruction = &content{Parts: system}
	}
	return req
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}
