package utils

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/proxy"

	"terastream/internal"
)

// RetryConfig defines retry behavior configuration
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultRetryConfig returns the default retry configuration. The resolver
// does not retry unless configured to.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 0,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// HTTPClientConfig contains configuration for the HTTP client
type HTTPClientConfig struct {
	// ResponseHeaderTimeout bounds the wait for response headers. Bodies are
	// not bounded here; callers use contexts for that.
	ResponseHeaderTimeout time.Duration
	ProxyURL              string
	UserAgents            []string
	RetryConfig           *RetryConfig
}

// HTTPClient wraps http.Client with retry, proxy support and user-agent rotation
type HTTPClient struct {
	client       *http.Client
	userAgent    string
	userAgents   []string
	userAgentIdx int
	mutex        sync.RWMutex
	retryConfig  *RetryConfig
}

// Predefined user agent strings for rotation
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/120.0",
}

// NewHTTPClient creates a new HTTP client with default configuration
func NewHTTPClient() *HTTPClient {
	return NewHTTPClientWithConfig(&HTTPClientConfig{
		ResponseHeaderTimeout: 30 * time.Second,
		RetryConfig:           DefaultRetryConfig(),
	})
}

// NewHTTPClientWithConfig creates a new HTTP client with custom configuration
func NewHTTPClientWithConfig(config *HTTPClientConfig) *HTTPClient {
	if config.RetryConfig == nil {
		config.RetryConfig = DefaultRetryConfig()
	}
	userAgents := config.UserAgents
	if len(userAgents) == 0 {
		userAgents = defaultUserAgents
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if config.ProxyURL != "" {
		if err := configureProxy(transport, config.ProxyURL); err != nil {
			internal.LogWarn("Failed to configure proxy %s: %v", config.ProxyURL, err)
		}
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return &HTTPClient{
		client:      client,
		userAgents:  userAgents,
		userAgent:   userAgents[0],
		retryConfig: config.RetryConfig,
	}
}

// NewUpstreamClient creates the client used for helper API and file host calls
func NewUpstreamClient(config *internal.Config) *HTTPClient {
	retry := DefaultRetryConfig()
	retry.MaxRetries = config.UpstreamRetries

	return NewHTTPClientWithConfig(&HTTPClientConfig{
		ResponseHeaderTimeout: 30 * time.Second,
		ProxyURL:              config.ProxyURL,
		UserAgents:            config.UserAgentList,
		RetryConfig:           retry,
	})
}

// configureProxy sets up proxy configuration for the transport
func configureProxy(transport *http.Transport, proxyURL string) error {
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			password, _ := parsedURL.User.Password()
			auth = &proxy.Auth{User: parsedURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}

	return nil
}

// Get performs a GET request
func (c *HTTPClient) Get(ctx context.Context, url string, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return c.Do(req)
}

// PostJSON performs a POST request with a JSON body
func (c *HTTPClient) PostJSON(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

// Do sends req, retrying transport failures and 5xx/429 answers up to
// MaxRetries times. Any other status is returned to the caller unchanged.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	logger := internal.GetLogger()

	var resp *http.Response
	attempt := 0

	operation := func() error {
		attempt++
		r := c.prepare(req, attempt)
		logger.LogHTTPRequest(r)

		res, err := c.client.Do(r)
		if err != nil {
			if ctx.Err() != nil || !isRetryableError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		logger.LogHTTPResponse(res)

		if res.StatusCode == http.StatusForbidden {
			c.RotateUserAgent()
		}

		if isRetryableStatus(res.StatusCode) && attempt <= c.retryConfig.MaxRetries {
			io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
			res.Body.Close()
			return fmt.Errorf("upstream answered %d", res.StatusCode)
		}

		resp = res
		return nil
	}

	notify := func(err error, next time.Duration) {
		logger.Debug("Retrying %s %s in %v: %v", req.Method, internal.RedactURL(req.URL.String()), next, err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryConfig.BaseDelay
	b.MaxInterval = c.retryConfig.MaxDelay
	b.Multiplier = c.retryConfig.Multiplier
	b.RandomizationFactor = c.retryConfig.Jitter
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(c.retryConfig.MaxRetries))
}

// prepare clones req for one attempt, rewinding the body on retries
func (c *HTTPClient) prepare(req *http.Request, attempt int) *http.Request {
	r := req.Clone(req.Context())
	if attempt > 1 && req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			r.Body = body
		}
	}
	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", c.GetCurrentUserAgent())
	}
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", "*/*")
	}
	return r
}

// RotateUserAgent rotates to the next user agent string
func (c *HTTPClient) RotateUserAgent() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.userAgentIdx = (c.userAgentIdx + 1) % len(c.userAgents)
	c.userAgent = c.userAgents[c.userAgentIdx]
}

// GetCurrentUserAgent returns the current user agent string
func (c *HTTPClient) GetCurrentUserAgent() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.userAgent
}

// SetUserAgent sets a custom user agent string
func (c *HTTPClient) SetUserAgent(userAgent string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.userAgent = userAgent
}

func isRetryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// isRetryableError determines if a transport error should trigger a retry
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if internal.IsTimeout(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
