// Package transport defines the HTTP boundary contract (spec §6 C2)
// and a default net/http implementation. The core never constructs
// *http.Request directly — every outbound call goes through this
// interface so tests can substitute a fake without standing up a
// server, and so a host embedding the SDK can swap in its own
// transport (proxying, mTLS, request signing).
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"
)

// Response is the boundary's return shape: status, body, and response
// headers, exactly as spec §6 specifies.
type Response struct {
	Status  int
	Body    []byte
	Headers http.Header
}

// Client is the contract consumed by the core. No retries live here
// — internal/resilience wraps every call.
type Client interface {
	Post(ctx context.Context, url string, body []byte, headers map[string]string) (*Response, error)
	Get(ctx context.Context, url string, headers map[string]string) (*Response, error)
	Head(ctx context.Context, url string, headers map[string]string) (*Response, error)
}

// Timeouts bundles the per-call connection and read timeouts pulled
// from CFConfig (spec §4.3).
type Timeouts struct {
	Connection time.Duration
	Read       time.Duration
}

// HTTPClient is the default Client, grounded on the teacher's
// WebhookHTTPClient construction: TLS 1.2 floor, bounded connection
// pool, explicit per-dial and per-handshake timeouts.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient builds an HTTPClient whose overall request timeout is
// timeouts.Connection+timeouts.Read (a single http.Client.Timeout
// covers dial through body-read; context deadlines layered on top by
// callers enforce the independent 10s fetch ceiling from spec §4.3).
func NewHTTPClient(timeouts Timeouts) *HTTPClient {
	overall := timeouts.Connection + timeouts.Read
	if overall <= 0 {
		overall = 20 * time.Second
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout: overall,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
				ForceAttemptHTTP2:   true,
				DialContext: (&net.Dialer{
					Timeout:   timeouts.Connection,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   timeouts.Connection,
				ResponseHeaderTimeout: timeouts.Read,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

func (c *HTTPClient) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodPost, url, body, headers)
}

func (c *HTTPClient) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodGet, url, nil, headers)
}

func (c *HTTPClient) Head(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodHead, url, nil, headers)
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{Status: resp.StatusCode, Body: data, Headers: resp.Header}, nil
}
