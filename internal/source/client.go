package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/internal/pipeline"
)

// ClientConfig configures the HTTP client used to fetch upstream files
type ClientConfig struct {
	// Timeout bounds a whole request, body download included
	Timeout time.Duration `toml:"timeout"`

	// MaxRetries for transport errors, 429 and 5xx responses
	MaxRetries int `toml:"max_retries"`

	// RetryBackoff is the first retry delay, doubled on every attempt
	RetryBackoff time.Duration `toml:"retry_backoff"`

	// RateLimit in requests per second
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`

	UserAgent string `toml:"user_agent"`

	// Transport allows injecting a custom HTTP transport (for tests)
	Transport http.RoundTripper `toml:"-"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:      10 * time.Minute,
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
		RateLimit:    2,
		RateBurst:    1,
		UserAgent:    "refimport/1.0",
	}
}

// Client is a rate-limited, retrying HTTP client for upstream files
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a client. Zero fields of config take their defaults.
func NewClient(config ClientConfig, logger *slog.Logger) *Client {
	defaults := DefaultClientConfig()
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.RateBurst == 0 {
		config.RateBurst = defaults.RateBurst
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger:  logger,
	}
}

// HTTPError is a non-2xx response
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
}

func (e *HTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Open issues a GET and returns the response body. The caller closes it. A
// 404 or 410 is marked pipeline.ErrSourceNotReady.
func (c *Client) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Probe issues a HEAD and describes the resource. The version is the ETag,
// or the Last-Modified date when there is no ETag. Servers refusing HEAD
// yield an empty version, which makes every run due.
func (c *Client) Probe(ctx context.Context, rawURL string) (*db.Resource, error) {
	resource := &db.Resource{URL: rawURL, Title: title(rawURL)}

	resp, err := c.do(ctx, http.MethodHead, rawURL)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusMethodNotAllowed || httpErr.StatusCode == http.StatusNotImplemented) {
		c.logger.Debug("server refuses HEAD, resource version unknown", "url", rawURL)
		return resource, nil
	}
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	lastModified := resp.Header.Get("Last-Modified")
	if lastModified != "" {
		if t, err := http.ParseTime(lastModified); err == nil {
			resource.Date = t.UTC()
		}
	}

	resource.Version = resp.Header.Get("ETag")
	if resource.Version == "" && !resource.Date.IsZero() {
		resource.Version = resource.Date.Format(time.RFC3339)
	}
	return resource, nil
}

func (c *Client) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter")
		}

		resp, err := c.doOnce(ctx, method, rawURL)
		if err == nil {
			return resp, nil
		}
		if !c.isRetryable(ctx, err) || attempt >= c.config.MaxRetries {
			if attempt > 0 {
				err = errors.Wrapf(err, "after %d attempts", attempt+1)
			}
			return nil, err
		}

		backoff := c.config.RetryBackoff << attempt
		c.logger.Warn("request failed, retrying",
			"method", method,
			"url", rawURL,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, rawURL)
	}

	if resp.StatusCode < 400 {
		return resp, nil
	}

	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	httpErr := &HTTPError{
		Method:     method,
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, errors.Mark(httpErr, pipeline.ErrSourceNotReady)
	}
	return nil, httpErr
}

func (c *Client) isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.retryable()
	}
	// transport error
	return true
}

func title(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return path.Base(u.Path)
}
