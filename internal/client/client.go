// Package client provides an HTTP client for the magic-mcp API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/vaebz/magic-mcp/internal/broadcast"
	"github.com/vaebz/magic-mcp/internal/component"
	"github.com/vaebz/magic-mcp/internal/connection"
	"github.com/vaebz/magic-mcp/internal/pkg/hash"
	"github.com/vaebz/magic-mcp/internal/pkg/retry"
)

// Client talks to one magic-mcp server.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	connectionID string
	retry        retry.Policy
}

// Config configures the client.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string

	// Timeout bounds one HTTP attempt.
	Timeout time.Duration

	// ConnectionID is used by Connect when the request leaves it empty.
	// Defaults to GenerateConnectionID.
	ConnectionID string

	// Retry applies to GET, PUT and DELETE calls that fail in transit or get
	// a 503 while the server's registry is unreachable. POSTs are sent once.
	Retry retry.Policy
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 30 * time.Second,
		Retry: retry.Policy{
			Attempts:  3,
			BaseDelay: 200 * time.Millisecond,
			MaxDelay:  2 * time.Second,
		},
	}
}

// GenerateConnectionID derives a stable connection id for this machine.
func GenerateConnectionID() string {
	host, _ := os.Hostname()
	seed := strings.Join([]string{host, primaryMAC(), runtime.GOOS, runtime.GOARCH}, "|")
	return "cli-" + hash.SHA256Short([]byte(seed), 16)
}

var virtualInterfaces = []string{"docker", "veth", "br-", "virbr"}

// primaryMAC returns the hardware address of the first physical interface.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		name := strings.ToLower(iface.Name)
		if slices.ContainsFunc(virtualInterfaces, func(p string) bool { return strings.HasPrefix(name, p) }) {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

// New creates a client. Zero fields in cfg take their DefaultConfig values.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = def.Retry
	}
	if cfg.ConnectionID == "" {
		cfg.ConnectionID = GenerateConnectionID()
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		connectionID: cfg.ConnectionID,
		retry:        cfg.Retry,
	}
}

// ConnectionID returns the client's default connection id.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BroadcastRequest is the body of POST /v1/broadcasts.
type BroadcastRequest struct {
	Event                string            `json:"event"`
	Data                 any               `json:"data,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	TargetContext        string            `json:"targetContext,omitempty"`
	ExcludeConnectionIDs []string          `json:"excludeConnectionIds,omitempty"`
	IncludeMetadata      bool              `json:"includeMetadata,omitempty"`
	RetryLimit           int               `json:"retryLimit,omitempty"`
	BatchSize            int               `json:"batchSize,omitempty"`
}

// Reply is the answer to a posted message.
type Reply = connection.Reply

// APIError represents an API error response.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Health checks if the API is alive.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ready checks if the API can reach its registry.
func (c *Client) Ready(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/readyz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Broadcast sends an event and returns the delivery summary.
func (c *Client) Broadcast(ctx context.Context, req BroadcastRequest) (*broadcast.Summary, error) {
	var summary broadcast.Summary
	if err := c.send(ctx, http.MethodPost, "/v1/broadcasts", req, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// Connect registers a connection. An empty ConnectionID uses the client's.
func (c *Client) Connect(ctx context.Context, req connection.ConnectRequest) (*connection.Record, error) {
	if req.ConnectionID == "" {
		req.ConnectionID = c.connectionID
	}
	var rec connection.Record
	if err := c.send(ctx, http.MethodPost, "/v1/connections", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Heartbeat refreshes a connection's liveness.
func (c *Client) Heartbeat(ctx context.Context, connectionID string) error {
	return c.send(ctx, http.MethodPost, "/v1/connections/"+url.PathEscape(connectionID)+"/heartbeat", nil, nil)
}

// SendMessage posts a message on the default route.
func (c *Client) SendMessage(ctx context.Context, connectionID string, body any) (*Reply, error) {
	var reply Reply
	if err := c.send(ctx, http.MethodPost, "/v1/connections/"+url.PathEscape(connectionID)+"/messages", body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Disconnect marks a connection inactive.
func (c *Client) Disconnect(ctx context.Context, connectionID string) error {
	return c.send(ctx, http.MethodDelete, "/v1/connections/"+url.PathEscape(connectionID), nil, nil)
}

// GetConnection returns one connection record.
func (c *Client) GetConnection(ctx context.Context, connectionID string) (*connection.Record, error) {
	var rec connection.Record
	if err := c.get(ctx, "/v1/connections/"+url.PathEscape(connectionID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListConnections returns active connections, optionally in one context.
func (c *Client) ListConnections(ctx context.Context, clientContext string) ([]*connection.Record, error) {
	path := "/v1/connections"
	if clientContext != "" {
		path += "?context=" + url.QueryEscape(clientContext)
	}
	var resp struct {
		Connections []*connection.Record `json:"connections"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Connections, nil
}

// CreateComponent creates a component.
func (c *Client) CreateComponent(ctx context.Context, req component.CreateRequest) (*component.Component, error) {
	var out component.Component
	if err := c.send(ctx, http.MethodPost, "/v1/components", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetComponent returns a component by id.
func (c *Client) GetComponent(ctx context.Context, id string) (*component.Component, error) {
	var out component.Component
	if err := c.get(ctx, "/v1/components/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListComponents lists components matching filter.
func (c *Client) ListComponents(ctx context.Context, filter component.ListFilter) ([]*component.Component, error) {
	q := url.Values{}
	if filter.Type != "" {
		q.Set("type", filter.Type)
	}
	if filter.Context != "" {
		q.Set("context", filter.Context)
	}
	path := "/v1/components"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Components []*component.Component `json:"components"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Components, nil
}

// UpdateComponent replaces a component's content.
func (c *Client) UpdateComponent(ctx context.Context, id string, req component.UpdateRequest) (*component.Component, error) {
	var out component.Component
	if err := c.send(ctx, http.MethodPut, "/v1/components/"+url.PathEscape(id), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteComponent deletes a component.
func (c *Client) DeleteComponent(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/v1/components/"+url.PathEscape(id), nil, nil)
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.send(ctx, http.MethodGet, path, nil, result)
}

// send performs one API call with an optional JSON body, retrying idempotent
// methods per the client's policy.
func (c *Client) send(ctx context.Context, method, path string, body, result any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = data
	}

	policy := c.retry
	if !idempotent(method) {
		policy.Attempts = 1
	}

	return retry.Do(ctx, policy, func(ctx context.Context) error {
		err := c.roundTrip(ctx, method, path, payload, result)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusServiceUnavailable {
			return retry.Permanent(err)
		}
		return err
	}, nil)
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// roundTrip sends one attempt and decodes the answer. Error bodies become
// *APIError when they carry a code.
func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, result any) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
			err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
			if resp.StatusCode != http.StatusServiceUnavailable {
				return retry.Permanent(err)
			}
			return err
		}
		return apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return retry.Permanent(fmt.Errorf("failed to unmarshal response: %w", err))
		}
	}
	return nil
}
