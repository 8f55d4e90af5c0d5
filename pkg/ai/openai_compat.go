package ai

import (
	"context"
	"fmt"
	"strings"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
)

// OpenAICompat calls any OpenAI-compatible /chat/completions endpoint
// (OpenAI, vLLM, LiteLLM, OpenRouter, ...). Roles travel as a flat list with
// the system instruction first.
type OpenAICompat struct {
	cfg Config
	url string
}

// NewOpenAICompat builds an OpenAI-compatible provider. BaseURL should
// include the /v1 prefix; APIKey may be empty for local gateways.
func NewOpenAICompat(cfg Config) (*OpenAICompat, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" && cfg.BaseURL == defaultOpenAIBaseURL {
		return nil, fmt.Errorf("openai api key required")
	}
	cfg.HTTPClient = httpClientFor(cfg)
	return &OpenAICompat{cfg: cfg, url: cfg.BaseURL + "/chat/completions"}, nil
}

func (p *OpenAICompat) GenerateReply(ctx context.Context, systemInstruction string, history []Turn, maxOutputTokens int) (Reply, error) {
	reqBody := oaiChatRequest{
		Model:       p.cfg.Model,
		Messages:    flatMessages(systemInstruction, history),
		MaxTokens:   maxOutputTokens,
		Temperature: p.cfg.Temperature,
	}
	headers := map[string]string{}
	if p.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.cfg.APIKey
	}

	var resp oaiChatResponse
	if err := postJSON(ctx, p.cfg.HTTPClient, ProviderOpenAI, p.url, headers, reqBody, &resp); err != nil {
		return Reply{}, err
	}
	if len(resp.Choices) == 0 {
		return Reply{}, emptyReply(ProviderOpenAI)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Reply{}, emptyReply(ProviderOpenAI)
	}
	model := resp.Model
	if model == "" {
		model = p.cfg.Model
	}
	return Reply{Text: text, Provider: ProviderOpenAI, Model: model}, nil
}

// flatMessages builds the flat role list shared by OpenAI-compatible and
// Ollama providers: system instruction, then history with roles unchanged.
func flatMessages(systemInstruction string, history []Turn) []chatMessage {
	messages := make([]chatMessage, 0, len(history)+1)
	if strings.TrimSpace(systemInstruction) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemInstruction})
	}
	for _, turn := range history {
		messages = append(messages, chatMessage{Role: string(turn.Role), Content: turn.Content})
	}
	return messages
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type oaiChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}
