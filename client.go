// Package courier is the offline delivery and reconciliation core of a
// messaging client.
//
// Messages composed while the device is offline go to a durable Queue that
// retries them with backoff once connectivity returns. A Reconciler merges
// local, remote, queued and optimistic counts into one view that corrects
// itself against the backend.
//
// Example:
//
//	client := courier.NewClient("eyJ...", courier.WithBaseURL("https://db.example.com"))
//	app, _ := courier.New(courier.Options{
//		UserID:  "user-123",
//		Store:   courier.NewMemoryStore(),
//		Gateway: courier.NewHTTPGateway(client, nil),
//		Network: courier.NewManualMonitor(true),
//	})
//	app.Start(ctx)
//	defer app.Stop()
//
//	app.Composer.Send(ctx, courier.ComposeRequest{Recipient: "+15550100", Text: "hi"})
package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/courierhq/courier")

const (
	DefaultBaseURL = "http://localhost:54321"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the backend's REST surface.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	tracing    bool
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTracing wraps the transport so every request gets a client span.
func WithTracing() ClientOption {
	return func(c *Client) { c.tracing = true }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new client. apiKey is sent both as the apikey header
// and as the bearer token.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.tracing {
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		wrapped := *c.httpClient
		wrapped.Transport = otelhttp.NewTransport(base)
		c.httpClient = &wrapped
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// SetToken replaces the credential used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.apiKey = token
}

// BaseURL returns the configured base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the configured credential.
func (c *Client) Token() string {
	return c.apiKey
}

// HealthURL is the endpoint probed to decide reachability.
func (c *Client) HealthURL() string {
	return c.baseURL + "/rest/v1/"
}

// Health checks that the REST surface answers.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/rest/v1/", nil, nil)
	return err
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		c.logger.Debug("http_request_failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
