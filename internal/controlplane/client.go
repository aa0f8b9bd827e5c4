// Package controlplane is a client for the external agent runtime control
// plane. The control plane creates and destroys the runtime resources behind
// a voice agent. It authenticates callers with a static API key and offers
// no idempotency keys, so callers must treat every create as unrepeatable.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	createAgentPath = "/create-agent"
	deleteAgentPath = "/delete-agent"

	// apiKeyHeader carries the static control plane credential.
	apiKeyHeader = "X-API-Key"

	defaultTimeout = 15 * time.Second

	// maxResponseBody bounds response reads so a misbehaving control plane
	// cannot exhaust memory.
	maxResponseBody = 1 << 20
)

// Config holds configuration for creating a control plane Client.
type Config struct {
	// BaseURL is the root URL of the control plane API. Required.
	BaseURL string

	// APIKey is sent on every request. Required.
	APIKey string

	// Timeout bounds each request. Defaults to 15 seconds. Ignored when
	// HTTPClient is set.
	Timeout time.Duration

	// HTTPClient is used for all requests.
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// CreateAgentResponse is the subset of the control plane's create response
// the provisioning saga relies on. Raw keeps the full body.
type CreateAgentResponse struct {
	AgentName string          `json:"agentName"`
	Name      string          `json:"name"`
	Raw       json.RawMessage `json:"-"`
}

// ResolvedName returns the agent name the control plane reported, if any.
func (r *CreateAgentResponse) ResolvedName() string {
	if r.AgentName != "" {
		return r.AgentName
	}
	return r.Name
}

type deleteAgentRequest struct {
	AgentName string `json:"agentName"`
}

// Client wraps the create-agent and delete-agent calls of the control plane.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a control plane client from the given configuration.
func NewClient(config Config) (*Client, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("controlplane: base URL is required")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("controlplane: base URL must be http(s) (got %q)", baseURL)
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("controlplane: API key is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     config.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CreateAgent forwards payload to the control plane's create endpoint
// without reshaping it. Non-2xx responses return *ProviderError; transport
// failures wrap ErrProviderUnavailable.
func (c *Client) CreateAgent(ctx context.Context, payload json.RawMessage) (*CreateAgentResponse, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	body, err := c.do(ctx, "create-agent", http.MethodPost, createAgentPath, payload)
	if err != nil {
		return nil, err
	}

	response := &CreateAgentResponse{Raw: json.RawMessage(body)}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, response); err != nil {
			// The agent exists upstream at this point; an unreadable body
			// only means the name is unknown.
			c.logger.Warn("control plane create response is not JSON",
				"error", err,
				"body", truncateBody(body),
			)
		}
	}

	return response, nil
}

// DeleteAgent removes an agent by name. Used only for compensation.
func (c *Client) DeleteAgent(ctx context.Context, agentName string) error {
	if agentName == "" {
		return fmt.Errorf("controlplane: delete-agent requires an agent name")
	}

	payload, err := json.Marshal(deleteAgentRequest{AgentName: agentName})
	if err != nil {
		return fmt.Errorf("controlplane: encoding delete request: %w", err)
	}

	_, err = c.do(ctx, "delete-agent", http.MethodDelete, deleteAgentPath, payload)
	return err
}

// do sends one authenticated JSON request and returns the response body of
// a 2xx response.
func (c *Client) do(ctx context.Context, operation, method, path string, payload []byte) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("controlplane: creating %s request: %w", operation, err)
	}
	request.Header.Set(apiKeyHeader, c.apiKey)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	started := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrProviderUnavailable, method, path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %w", ErrProviderUnavailable, operation, err)
	}

	c.logger.Debug("control plane request completed",
		"operation", operation,
		"status", response.StatusCode,
		"duration", time.Since(started),
	)

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, &ProviderError{
			Operation:  operation,
			StatusCode: response.StatusCode,
			Body:       truncateBody(body),
		}
	}

	return body, nil
}
