package client

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// Client is a durable streams client. It is safe for concurrent use.
//
// The client uses an optimized HTTP transport with:
//   - Connection pooling (100 idle connections, 10 per host)
//   - HTTP/2 support (automatic for HTTPS)
//   - Reasonable timeouts for dial, TLS handshake, and idle connections
//   - Keep-alive for connection reuse
type Client struct {
	httpClient  *http.Client
	baseURL     string
	retryPolicy RetryPolicy
}

// NewClient creates a new durable streams client.
//
//	c := client.NewClient()
//	stream := c.Stream("https://example.com/streams/my-stream")
func NewClient(opts ...ClientOption) *Client {
	cfg := &clientConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     0,
			IdleConnTimeout:     90 * time.Second,

			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 0,
			ExpectContinueTimeout: 1 * time.Second,

			DisableCompression: false,
			ForceAttemptHTTP2:  true,
		}

		httpClient = &http.Client{
			Timeout:   0,
			Transport: transport,
		}
	}

	retryPolicy := DefaultRetryPolicy()
	if cfg.retryPolicy != nil {
		retryPolicy = *cfg.retryPolicy
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimSuffix(cfg.baseURL, "/"),
		retryPolicy: retryPolicy,
	}
}

// Stream returns a handle to a stream at the given URL. No network request
// is made until an operation is called.
//
// The url can be a full URL ("https://example.com/streams/my-stream") or,
// if baseURL was set, a path ("/streams/my-stream").
func (c *Client) Stream(url string) *Stream {
	fullURL := url
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		if c.baseURL != "" {
			fullURL = c.baseURL + url
		}
	}

	return &Stream{
		url:    fullURL,
		client: c,
	}
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}
