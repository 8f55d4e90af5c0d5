package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"writingbuddy/pkg/domain"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
	ProviderMock   = "mock"

	defaultTimeout   = 60 * time.Second
	maxErrorBodySize = 4 << 10
)

// Turn is one role-tagged entry of the conversation sent to a provider.
type Turn struct {
	Role    domain.Role
	Content string
}

// Reply is a provider's answer together with the model that produced it.
type Reply struct {
	Text     string
	Provider string
	Model    string
}

// Provider turns a system instruction and an ordered history into one reply.
// Implementations never retry and never reorder history.
type Provider interface {
	GenerateReply(ctx context.Context, systemInstruction string, history []Turn, maxOutputTokens int) (Reply, error)
}

// ProviderError reports a failed provider call. Status is the upstream HTTP
// status, or 0 when no response was received (network error, timeout).
type ProviderError struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s provider error (status %d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s provider error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Config selects and configures a provider.
type Config struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float64
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// New builds the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOpenAI, "openai-compat", "openai_compat":
		return NewOpenAICompat(cfg)
	case ProviderGemini:
		return NewGemini(cfg)
	case ProviderOllama:
		return NewOllama(cfg)
	case ProviderMock:
		return NewMock(cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}

// TurnsFromMessages converts ledger entries into provider turns, keeping order.
func TurnsFromMessages(messages []domain.Message) []Turn {
	turns := make([]Turn, 0, len(messages))
	for _, msg := range messages {
		turns = append(turns, Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns
}

func httpClientFor(cfg Config) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends payload and decodes a 2xx body into out. Every failure is
// returned as *ProviderError.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &ProviderError{Provider: provider, Message: "encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &ProviderError{Provider: provider, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		msg := "request failed"
		if isTimeout(err) {
			msg = "request timed out"
		}
		return &ProviderError{Provider: provider, Message: msg, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &ProviderError{
			Provider: provider,
			Status:   resp.StatusCode,
			Message:  errorMessage(raw, resp.Status),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Provider: provider, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// errorMessage pulls a message out of the common provider error envelopes:
// {"error":{"message":...}} and {"error":"..."}. Anything else is returned raw.
func errorMessage(raw []byte, status string) string {
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &nested) == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}
	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &flat) == nil && flat.Error != "" {
		return flat.Error
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return status
}

func emptyReply(provider string) error {
	return &ProviderError{Provider: provider, Message: "empty reply"}
}
