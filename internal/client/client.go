// Package client talks to a StatusNet / Twitter-compatible API on behalf
// of one account.
package client

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

	"github.com/PuerkitoBio/goquery"

	"github.com/bryan-buckman/statusync/internal/model"
)

// DefaultTimeout matches the generous request timeout of the desktop client.
const DefaultTimeout = 10 * time.Minute

// DefaultUserAgent is sent when no other agent is configured.
const DefaultUserAgent = "statusync/1.0"

// TransportError reports a failed request. Status is zero when no HTTP
// response was received.
type TransportError struct {
	Method string
	URL    string
	Status int
	Msg    string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Msg)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client performs authenticated requests against an account's API root.
type Client struct {
	account   model.Account
	http      *http.Client
	userAgent string
	limiter   *hostLimiter
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHostDelay sets the minimum gap between requests to the same host.
func WithHostDelay(d time.Duration) Option {
	return func(c *Client) { c.limiter = newHostLimiter(d) }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for acct.
func New(acct model.Account, opts ...Option) *Client {
	c := &Client{
		account:   acct,
		http:      &http.Client{Timeout: DefaultTimeout},
		userAgent: DefaultUserAgent,
		limiter:   newHostLimiter(DelayBetweenHostRequests),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Account returns the account this client acts for.
func (c *Client) Account() model.Account {
	return c.account
}

// URL resolves path against the API root. Absolute URLs are returned unchanged.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	root := c.account.APIRoot
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return root + strings.TrimPrefix(path, "/")
}

// Get fetches path and returns the response body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.URL(path), nil)
}

// Post submits form to path and returns the response body.
func (c *Client) Post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodPost, c.URL(path), form)
}

func (c *Client) do(ctx context.Context, method, target string, form url.Values) ([]byte, error) {
	host := hostOf(target)
	if err := c.limiter.acquire(ctx, host); err != nil {
		return nil, &TransportError{Method: method, URL: target, Msg: "request cancelled", Err: err}
	}
	defer c.limiter.release(host)

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &TransportError{Method: method, URL: target, Msg: "bad request", Err: err}
	}
	req.SetBasicAuth(c.account.Username, c.account.Password)
	req.Header.Set("User-Agent", c.userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, URL: target, Msg: "could not reach server", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: method, URL: target, Status: resp.StatusCode, Msg: "could not read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Method: method, URL: target, Status: resp.StatusCode, Msg: errorMessage(resp.StatusCode, data)}
	}
	return data, nil
}

// errorMessage extracts a human-readable message from an error response.
func errorMessage(status int, body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	msg := strings.TrimSpace(string(body))
	if strings.HasPrefix(msg, "<") {
		msg = ""
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
			msg = strings.TrimSpace(doc.Find("error").First().Text())
		}
	}
	if msg == "" {
		return http.StatusText(status)
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
