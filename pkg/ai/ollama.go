package ai

import (
	"context"
	"strings"
)

const (
	defaultOllamaBaseURL = "http://127.0.0.1:11434"
	defaultOllamaModel   = "llama3.1"
)

// Ollama calls the Ollama /api/chat endpoint without streaming.
type Ollama struct {
	cfg Config
	url string
}

func NewOllama(cfg Config) (*Ollama, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBaseURL
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	cfg.HTTPClient = httpClientFor(cfg)
	return &Ollama{cfg: cfg, url: cfg.BaseURL + "/api/chat"}, nil
}

func (p *Ollama) GenerateReply(ctx context.Context, systemInstruction string, history []Turn, maxOutputTokens int) (Reply, error) {
	reqBody := ollamaChatRequest{
		Model:    p.cfg.Model,
		Messages: flatMessages(systemInstruction, history),
		Stream:   false,
	}
	if maxOutputTokens > 0 || p.cfg.Temperature != nil {
		reqBody.Options = &ollamaOptions{NumPredict: maxOutputTokens, Temperature: p.cfg.Temperature}
	}

	var resp ollamaChatResponse
	if err := postJSON(ctx, p.cfg.HTTPClient, ProviderOllama, p.url, nil, reqBody, &resp); err != nil {
		return Reply{}, err
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return Reply{}, emptyReply(ProviderOllama)
	}
	return Reply{Text: text, Provider: ProviderOllama, Model: p.cfg.Model}, nil
}

type ollamaOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message chatMessage `json:"message"`
}
