// Package hub talks to a HuggingFace-compatible dataset hub: it lists dataset
// files, reads partition metadata from the dataset card, streams parquet shards with
// HTTP range requests and publishes subsets through the commit API.
//
// Credentials are passed explicitly through Config; the client keeps no global
// session state.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound signals that the requested dataset or file does not exist.
var ErrNotFound = errors.New("not found on hub")

// StatusError reports an unexpected HTTP status from the hub.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Config captures hub connection settings.
type Config struct {
	// Endpoint is the hub base URL, e.g. https://huggingface.co.
	Endpoint string
	// Revision is the git revision source datasets are read at.
	Revision string
	// ResultRevision is the branch result datasets are read from and committed
	// to. It defaults to main regardless of Revision.
	ResultRevision string
	// Token authenticates requests; empty for anonymous access.
	Token string
	// UserAgent identifies the client.
	UserAgent string
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// MaxAttempts bounds the attempts per request, retries included.
	MaxAttempts int
}

// Client implements extract.Hub, extract.ShardSource and extract.Registry.
type Client struct {
	http           *http.Client
	endpoint       string
	revision       string
	resultRevision string
	token          string
	agent          string
	retry          *RetryPolicy
	logger         *zap.Logger
}

// New constructs a hub Client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("hub endpoint is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid hub endpoint: %w", err)
	}
	if cfg.Revision == "" {
		cfg.Revision = "main"
	}
	if cfg.ResultRevision == "" {
		cfg.ResultRevision = "main"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fineweb-news/1.0"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:           httpClient,
		endpoint:       endpoint,
		revision:       cfg.Revision,
		resultRevision: cfg.ResultRevision,
		token:          cfg.Token,
		agent:          cfg.UserAgent,
		retry:          NewRetryPolicy(cfg.MaxAttempts, 250*time.Millisecond, 5*time.Second),
		logger:         logger,
	}, nil
}

// newRequest builds an authenticated request.
func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.agent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends the request produced by build, retrying transient failures. build is
// called once per attempt so request bodies can be recreated. Responses whose
// status is not in accept are converted to *StatusError and closed.
func (c *Client) do(
	ctx context.Context,
	build func() (*http.Request, error),
	accept ...int,
) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err == nil {
			if acceptable(resp.StatusCode, accept) {
				return resp, nil
			}
			err = statusError(req, resp)
		}
		if !c.retry.ShouldRetry(err, attempt) {
			return nil, err
		}
		wait := c.retry.Backoff(attempt)
		c.logger.Warn("hub request failed; retrying",
			zap.String("method", req.Method),
			zap.String("url", req.URL.Redacted()),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func acceptable(code int, accept []int) bool {
	if len(accept) == 0 {
		return code >= 200 && code < 300
	}
	for _, a := range accept {
		if a == code {
			return true
		}
	}
	return false
}

func statusError(req *http.Request, resp *http.Response) error {
	defer resp.Body.Close() //nolint:errcheck // body drained below
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Method: req.Method,
		URL:    req.URL.Redacted(),
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}

// datasetURL joins the endpoint with escaped path segments.
func (c *Client) datasetURL(parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		for _, seg := range strings.Split(p, "/") {
			escaped = append(escaped, url.PathEscape(seg))
		}
	}
	return c.endpoint + "/" + strings.Join(escaped, "/")
}
