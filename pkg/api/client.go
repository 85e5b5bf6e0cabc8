package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/dataport/pkg/observability"
	"github.com/Mindburn-Labs/dataport/pkg/records"
	"github.com/Mindburn-Labs/dataport/pkg/retry"
	"github.com/Mindburn-Labs/dataport/pkg/router"
)

// ErrInvalidResponse is returned when a 2xx body does not match the
// endpoint's schema.
var ErrInvalidResponse = errors.New("invalid response format")

// Retry defaults for 503/504 responses.
const (
	DefaultMaxRetries = 3
	DefaultRetryBase  = 500 * time.Millisecond
)

const maxResponseBytes = 8 << 20

// service is one backend behind the base URL.
type service struct {
	prefix  string
	timeout time.Duration
	header  http.Header
}

var (
	incidentsService = service{
		prefix:  "/incidents",
		timeout: 15 * time.Second,
	}
	complianceService = service{
		prefix:  "/compliance",
		timeout: 10 * time.Second,
		header:  http.Header{"X-Pwa-Cache": []string{"true"}},
	}
)

// Client is a typed client for the incident and compliance APIs. It is
// safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
	breaker    *CircuitBreaker
	policy     retry.BackoffPolicy
	maxRetries int
	clock      clock.Clock
	obs        *observability.Provider
	logger     *slog.Logger

	breakerThreshold int
	breakerReset     time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the overall HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithToken sets a fixed bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.tokens = StaticToken(token) }
}

// WithTokenSource sets the bearer token source.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithRateLimit bounds outgoing requests.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

// WithRetry sets the 503/504 retry policy.
func WithRetry(policy retry.BackoffPolicy, maxRetries int) Option {
	return func(c *Client) {
		c.policy = policy
		c.maxRetries = maxRetries
	}
}

// WithBreaker sets the circuit breaker threshold and reset timeout.
func WithBreaker(threshold int, reset time.Duration) Option {
	return func(c *Client) {
		c.breakerThreshold = threshold
		c.breakerReset = reset
	}
}

// WithClock sets the clock used for retry delays and the breaker.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithObservability traces and counts every call.
func WithObservability(p *observability.Provider) Option {
	return func(c *Client) { c.obs = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the services under baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		limiter:          rate.NewLimiter(rate.Limit(20), 10),
		policy:           retry.BackoffPolicy{Base: DefaultRetryBase, Max: 8 * DefaultRetryBase},
		maxRetries:       DefaultMaxRetries,
		clock:            clock.WallClock,
		logger:           slog.Default().With("component", "api"),
		breakerThreshold: 5,
		breakerReset:     10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	c.breaker = NewCircuitBreaker("dataport-api", c.breakerThreshold, c.breakerReset, c.clock)
	return c
}

// BreakerState returns the circuit breaker state.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

func retryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// do sends one logical call: breaker check, retried transport, then schema
// validation of the body and decoding into out.
func (c *Client) do(ctx context.Context, svc service, method, path string, query url.Values, body any, schema string, out any) (err error) {
	endpoint := method + " " + svc.prefix + path
	if c.obs != nil {
		var done func(error)
		ctx, done = c.obs.TrackOperation(ctx, endpoint, observability.APIOperation(endpoint)...)
		defer func() { done(err) }()
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", endpoint, err)
		}
	}

	if !c.breaker.Allow() {
		return fmt.Errorf("%s: %w", endpoint, ErrCircuitOpen)
	}

	var raw []byte
	err = retry.Do(ctx, retry.Options{
		Policy:     c.policy,
		MaxRetries: c.maxRetries,
		Clock:      c.clock,
		Retryable:  retryable,
	}, func(ctx context.Context) error {
		var sendErr error
		raw, sendErr = c.send(ctx, svc, method, path, query, payload, endpoint)
		if retryable(sendErr) {
			c.logger.Warn("api call unavailable, retrying", "endpoint", endpoint, "error", sendErr)
		}
		return sendErr
	})

	var apiErr *APIError
	if err == nil || (errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError) {
		c.breaker.Success()
	} else {
		c.breaker.Failure()
	}
	if err != nil {
		return err
	}
	return decodeResponse(raw, schema, out, endpoint)
}

func (c *Client) send(ctx context.Context, svc service, method, path string, query url.Values, payload []byte, endpoint string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, svc.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limit: %w", endpoint, err)
	}

	u := c.baseURL + svc.prefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range svc.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", endpoint, err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", endpoint, err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseError(resp.StatusCode, endpoint, resp.Header.Get("X-Request-ID"), b)
	}
	return b, nil
}

func decodeResponse(raw []byte, schemaName string, out any, endpoint string) error {
	if schemaName != "" {
		s, err := records.Schema(schemaName)
		if err != nil {
			return err
		}
		v, err := router.DecodeJSON(raw)
		if err != nil {
			return fmt.Errorf("%s: %w: %w", endpoint, ErrInvalidResponse, err)
		}
		if err := s.Validate(v); err != nil {
			return fmt.Errorf("%s: %w: %w", endpoint, ErrInvalidResponse, err)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: %w: %w", endpoint, ErrInvalidResponse, err)
	}
	return nil
}
