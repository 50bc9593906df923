// Package apiclient is the REST transport for the platform API. It sends
// the application's API key and the current access token with every
// request, paces requests through a token bucket and turns error
// responses into *Error.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/aussiebroadwan/appsdk/pkg/permission"
)

// APIKeyHeader carries the application's API key.
const APIKeyHeader = "X-Api-Key"

var ErrNoBaseURL = errors.New("apiclient: base URL is required")

// TokenSource supplies the Authorization header value. An empty value
// sends the request unauthenticated. *token.Manager satisfies it.
type TokenSource interface {
	Authorization(ctx context.Context) (string, error)
}

// Config configures a Client. BaseURL is required.
type Config struct {
	BaseURL string
	APIKey  string

	// Timeout bounds each request. Default: 10s
	Timeout time.Duration

	// RateLimit paces outbound requests; the zero value disables it
	RateLimit RateLimitConfig

	// Transport replaces the HTTP transport, e.g. with slogx.Transport
	Transport http.RoundTripper

	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// Client implements permission.API over resty.
type Client struct {
	rest    *resty.Client
	tokens  TokenSource
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ permission.API = (*Client)(nil)

// New builds a Client. tokens may be nil for unauthenticated use.
func New(cfg Config, tokens TokenSource) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		rest: resty.New().
			SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
		tokens:  tokens,
		limiter: cfg.RateLimit.newLimiter(),
		logger:  cfg.Logger.With("component", "apiclient"),
	}

	if cfg.Transport != nil {
		c.rest.SetTransport(cfg.Transport)
	}
	if cfg.APIKey != "" {
		c.rest.SetHeader(APIKeyHeader, cfg.APIKey)
	}

	c.rest.OnBeforeRequest(c.throttle)
	c.rest.OnBeforeRequest(c.authorize)
	return c, nil
}

func (c *Client) throttle(_ *resty.Client, req *resty.Request) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func (c *Client) authorize(_ *resty.Client, req *resty.Request) error {
	if c.tokens == nil {
		return nil
	}

	header, err := c.tokens.Authorization(req.Context())
	if err != nil {
		return fmt.Errorf("resolve access token: %w", err)
	}
	if header != "" {
		req.SetHeader("Authorization", header)
	}
	return nil
}

// Get fetches path and decodes the JSON response into out, which may be
// nil.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	req := c.rest.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	return c.do(req, http.MethodGet, path, out)
}

// Post sends body as JSON and decodes the response into out, which may be
// nil.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	req := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	return c.do(req, http.MethodPost, path, out)
}

// Delete deletes path. The response body is ignored.
func (c *Client) Delete(ctx context.Context, path string, query url.Values) error {
	req := c.rest.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	return c.do(req, http.MethodDelete, path, nil)
}

func (c *Client) do(req *resty.Request, method, path string, out any) error {
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.IsError() {
		apiErr := parseError(resp.StatusCode(), resp.Body())
		c.logger.Debug("platform returned an error",
			"method", method,
			"path", path,
			"status", resp.StatusCode(),
			"error", apiErr,
		)
		return apiErr
	}

	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
