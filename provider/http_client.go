package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds a whole gateway exchange (connect, write, read).
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a gateway reply is buffered for verification.
	maxResponseBytes = 4 << 20
)

// HTTPClientConfig represents configuration for HTTP client
type HTTPClientConfig struct {
	BaseURL        string
	Timeout        time.Duration
	DefaultHeaders map[string]string
	// Client overrides the underlying *http.Client. Its Timeout is left untouched.
	Client *http.Client
}

// HTTPRequest is one outbound request whose body is already serialized,
// because the exact bytes are what gets signed.
type HTTPRequest struct {
	Method   string
	Endpoint string
	Headers  map[string]string
	Body     []byte
}

// HTTPResponse represents a standardized HTTP response
type HTTPResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// IsSuccess reports a 2xx status.
func (r *HTTPResponse) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ProviderHTTPClient performs raw gateway exchanges. It does not interpret
// status codes; authenticity has to be checked before a reply is trusted.
type ProviderHTTPClient struct {
	config *HTTPClientConfig
	client *http.Client
}

// NewProviderHTTPClient creates a new provider HTTP client
func NewProviderHTTPClient(config *HTTPClientConfig) *ProviderHTTPClient {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &ProviderHTTPClient{
		config: config,
		client: client,
	}
}

// URL resolves an endpoint against the configured base URL.
func (c *ProviderHTTPClient) URL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return joinURL(c.config.BaseURL, endpoint)
}

// Do sends the request and buffers the response body. Transport failures,
// timeouts and cancellation are wrapped in ErrNetwork.
func (c *ProviderHTTPClient) Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.URL(req.Endpoint), body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create HTTP request: %w", ErrInvalidRequest, err)
	}

	for key, value := range c.config.DefaultHeaders {
		httpReq.Header.Set(key, value)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.Endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %w", ErrNetwork, err)
	}
	if len(respBody) > maxResponseBytes {
		return nil, fmt.Errorf("%w: %s %s: response body larger than %d bytes", ErrPayloadParse, req.Method, req.Endpoint, maxResponseBytes)
	}

	return &HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

func joinURL(base, endpoint string) string {
	if strings.HasSuffix(base, "/") && strings.HasPrefix(endpoint, "/") {
		return base + endpoint[1:]
	}
	if !strings.HasSuffix(base, "/") && !strings.HasPrefix(endpoint, "/") {
		return base + "/" + endpoint
	}
	return base + endpoint
}
