package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"writingbuddy/pkg/domain"
)

// Client calls the writing service over HTTP on behalf of one user.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError represents a writing service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewClient constructs a writing service client. The timeout covers a full
// turn, which includes the provider round-trip.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) CreateSession(ctx context.Context, title string, kind domain.SessionKind) (domain.Session, error) {
	var out domain.Session
	err := c.call(ctx, http.MethodPost, "/api/sessions", createSessionRequest{Title: title, Kind: kind}, &out)
	return out, err
}

func (c *Client) ListSessions(ctx context.Context) ([]domain.SessionSummary, error) {
	var out []domain.SessionSummary
	err := c.call(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, id int64) (domain.SessionDetail, error) {
	var out domain.SessionDetail
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/sessions/%d", id), nil, &out)
	return out, err
}

func (c *Client) UpdateSession(ctx context.Context, id int64, patch domain.SessionPatch) (domain.Session, error) {
	var out domain.Session
	err := c.call(ctx, http.MethodPatch, fmt.Sprintf("/api/sessions/%d", id), patch, &out)
	return out, err
}

// SendMessage submits one user turn and returns the assistant reply.
func (c *Client) SendMessage(ctx context.Context, sessionID int64, text string) (string, error) {
	var out messageResponse
	if err := c.call(ctx, http.MethodPost, "/api/chat", chatRequest{SessionID: sessionID, Message: text}, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// FinishSession requests the closing feedback and completes the session.
func (c *Client) FinishSession(ctx context.Context, sessionID int64) (string, error) {
	var out messageResponse
	if err := c.call(ctx, http.MethodPost, "/api/chat/finish", finishRequest{SessionID: sessionID}, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

func (c *Client) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type createSessionRequest struct {
	Title string             `json:"title"`
	Kind  domain.SessionKind `json:"kind"`
}

type chatRequest struct {
	SessionID int64  `json:"sessionId"`
	Message   string `json:"message"`
}

type finishRequest struct {
	SessionID int64 `json:"sessionId"`
}

type messageResponse struct {
	Message string `json:"message"`
}
