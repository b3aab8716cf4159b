// Package transport issues the outbound HTTP calls to the delivery backend.
// Buffered calls are retried with exponential backoff and jitter; streaming
// calls are attempted once since a partially consumed body cannot be replayed.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/italolelis/luafetch/internal/logctx"
	"github.com/italolelis/luafetch/internal/transfer"
	"github.com/jpillora/backoff"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	maxBodySize  = 4 * 1024 * 1024 // buffered responses only
	maxErrorBody = 512
)

// HeaderProvider supplies the verification header block. It is called once
// per attempt because the block carries a freshness timestamp.
type HeaderProvider interface {
	Headers() (http.Header, error)
}

// Options configures the HTTP client.
type Options struct {
	// Timeout bounds a buffered request, and the inactivity window of a stream.
	// Default: 30s
	Timeout time.Duration

	// MaxAttempts is the total number of attempts for buffered requests.
	// Default: 3
	MaxAttempts int

	// BackoffMin is the wait before the second attempt.
	// Default: 500ms
	BackoffMin time.Duration

	// BackoffMax caps the wait between attempts.
	// Default: 8s
	BackoffMax time.Duration

	// BackoffFactor multiplies the wait after every attempt.
	// Default: 2
	BackoffFactor float64

	// UserAgent is sent when the header provider is unavailable.
	UserAgent string

	// Base is the round tripper wrapped with tracing. Default: a clone of http.DefaultTransport.
	Base http.RoundTripper
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:       30 * time.Second,
		MaxAttempts:   3,
		BackoffMin:    500 * time.Millisecond,
		BackoffMax:    8 * time.Second,
		BackoffFactor: 2,
		UserAgent:     "luafetch/1.0",
	}
}

// Response is a fully read, successful response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is a retrying HTTP client.
type Client struct {
	client  *http.Client
	stream  *http.Client
	opts    Options
	headers HeaderProvider
}

// NewClient creates a new client. headers may be nil.
func NewClient(opts Options, headers HeaderProvider) *Client {
	defaults := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}

	if opts.BackoffMin <= 0 {
		opts.BackoffMin = defaults.BackoffMin
	}

	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}

	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = defaults.BackoffFactor
	}

	if opts.UserAgent == "" {
		opts.UserAgent = defaults.UserAgent
	}

	base := opts.Base
	if base == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = opts.Timeout
		base = tr
	}

	rt := otelhttp.NewTransport(base)

	return &Client{
		client: &http.Client{Transport: rt, Timeout: opts.Timeout},
		// streams are bounded by the inactivity watchdog instead of a total deadline
		stream:  &http.Client{Transport: rt},
		opts:    opts,
		headers: headers,
	}
}

// Get performs a GET request and returns the whole body.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values, token string) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, query, token, nil)
}

// GetJSON performs a GET request and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, query url.Values, token string, out any) error {
	resp, err := c.Get(ctx, rawURL, query, token)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", rawURL, err)
	}

	return nil
}

// Post performs a POST request with payload encoded as JSON, if not nil.
func (c *Client) Post(ctx context.Context, rawURL string, payload any, token string) (*Response, error) {
	var body []byte

	if payload != nil {
		var err error

		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	return c.do(ctx, http.MethodPost, rawURL, nil, token, body)
}

// Stream performs a single GET request and returns the live response, whatever
// its status code. The caller must close the body. If no data arrives for
// Options.Timeout the request is aborted and the body read fails.
func (c *Client) Stream(ctx context.Context, rawURL string, query url.Values, token string) (*http.Response, error) {
	u, err := buildURL(rawURL, query)
	if err != nil {
		return nil, err
	}

	wctx, wd := newWatchdog(ctx, c.opts.Timeout)

	req, err := http.NewRequestWithContext(wctx, http.MethodGet, u, nil)
	if err != nil {
		wd.Cancel()

		return nil, fmt.Errorf("create request: %w", err)
	}

	c.setHeaders(ctx, req, token)

	resp, err := c.stream.Do(req)
	if err != nil {
		wd.Cancel()

		return nil, &transfer.NetworkError{Operation: "stream", Err: err}
	}

	wd.Kick()
	resp.Body = &watchedBody{ReadCloser: resp.Body, wd: wd}

	return resp, nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, query url.Values, token string, body []byte) (*Response, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", method, "url", rawURL)

	u, err := buildURL(rawURL, query)
	if err != nil {
		return nil, err
	}

	b := &backoff.Backoff{
		Min:    c.opts.BackoffMin,
		Max:    c.opts.BackoffMax,
		Factor: c.opts.BackoffFactor,
		Jitter: true,
	}

	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := b.Duration()
			logger.Warn("request failed, retrying", "attempt", attempt-1, "max_attempts", c.opts.MaxAttempts, "backoff", wait, "err", lastErr)

			if err := sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
		}

		resp, err := c.once(ctx, method, u, token, body)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	logger.Error("request failed", "attempts", c.opts.MaxAttempts, "err", lastErr)

	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, u, token string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.setHeaders(ctx, req, token)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: strings.ToLower(method), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &transfer.NetworkError{Operation: "read body", Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &transfer.HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(data), maxErrorBody)}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// setHeaders builds a fresh header set for one attempt.
func (c *Client) setHeaders(ctx context.Context, req *http.Request, token string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "luafetch")

	var verification http.Header

	if c.headers != nil {
		h, err := c.headers.Headers()
		if err != nil {
			logctx.LoggerFromContext(ctx).Warn("could not build verification headers, using fallback user agent", "err", err)
		} else {
			verification = h
		}
	}

	if verification.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	for k, vs := range verification {
		req.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}

	if token != "" {
		(&oauth2.Token{AccessToken: token}).SetAuthHeader(req)
	}
}

func buildURL(rawURL string, query url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}

		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
