// Package generate dispatches messages to the remote generation backend.
// Generation itself is opaque: the backend either answers synchronously or
// acknowledges and streams the response over the push connection.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/creastat/chatengine"
)

// Request carries everything the backend needs for one generation.
type Request struct {
	Message           string               `json:"message"`
	AgentInstructions string               `json:"agent_instructions"`
	AgentName         string               `json:"agent_name"`
	SessionID         string               `json:"session_id"`
	RecentHistory     []chatengine.Message `json:"recent_history"`
}

// Response is the backend's answer. In streaming mode Accepted is set and
// the content arrives as transport events; in synchronous mode the full
// payload is present.
type Response struct {
	Accepted        bool   `json:"accepted"`
	Content         string `json:"response"`
	TokensUsed      int    `json:"tokens_used"`
	TokensRemaining int    `json:"tokens_remaining"`
}

// errorBody is the backend's error shape.
type errorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Client talks to the generation endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// NewClient creates a dispatch client for the given generation endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch sends one generation request. Errors are classified onto the
// engine taxonomy; no retry happens here.
func (c *Client) Dispatch(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %w", chatengine.ErrValidation, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", chatengine.ErrValidation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: dispatch: %w", chatengine.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, classify(resp)
	}

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", chatengine.ErrUnknown, err)
	}
	if resp.StatusCode == http.StatusAccepted {
		result.Accepted = true
	}
	return &result, nil
}

// classify maps an error response onto the failure taxonomy. The body's
// code wins over the HTTP status when both are present.
func classify(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	var body errorBody
	_ = json.Unmarshal(raw, &body)
	detail := body.Detail
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}

	switch body.Code {
	case "insufficient_tokens":
		return fmt.Errorf("%w: %s", chatengine.ErrInsufficientTokens, detail)
	case "invalid_request":
		return fmt.Errorf("%w: %s", chatengine.ErrValidation, detail)
	case "backend_misconfigured":
		return fmt.Errorf("%w: %s", chatengine.ErrRemoteConfiguration, detail)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: HTTP %d: %s", chatengine.ErrValidation, resp.StatusCode, detail)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: HTTP %d: %s", chatengine.ErrInsufficientTokens, resp.StatusCode, detail)
	case http.StatusInternalServerError, http.StatusNotImplemented:
		return fmt.Errorf("%w: HTTP %d: %s", chatengine.ErrRemoteConfiguration, resp.StatusCode, detail)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", chatengine.ErrUnknown, resp.StatusCode, detail)
	}
}
