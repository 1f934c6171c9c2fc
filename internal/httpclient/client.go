// Package httpclient executes HTTP requests for feed downloads and backend
// calls, turning transport failures into typed network errors.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"feedsync/internal/apperrors"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "feedsync/1.0"

	maxBodyBytes = 20 << 20
)

type Config struct {
	Timeout         time.Duration
	PerHostInterval time.Duration
	UserAgent       string
	// MaxBodyBytes caps a response body. Larger bodies fail with
	// NetworkBodyTooLarge.
	MaxBodyBytes int64
}

// Response is a fully read HTTP response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Client struct {
	http      *http.Client
	limiter   *HostRateLimiter
	userAgent string
	maxBody   int64
	logger    *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = maxBodyBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   NewHostRateLimiter(cfg.PerHostInterval),
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodyBytes,
		logger:    logger.With("component", "httpclient"),
	}
}

// Get downloads url.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &apperrors.NetworkError{URL: url, Kind: apperrors.NetworkConnectivity, Cause: err}
	}
	return c.Do(req)
}

// Do executes req and reads the body. A non-2xx status yields both the
// response and a NetworkError of kind http_status.
func (c *Client) Do(req *http.Request) (*Response, error) {
	url := req.URL.String()
	if err := c.limiter.WaitForHost(req.Context(), url); err != nil {
		return nil, classify(url, err)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", req.Method, "url", url, "error", err)
		return nil, classify(url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, classify(url, err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, &apperrors.NetworkError{
			URL:   url,
			Kind:  apperrors.NetworkBodyTooLarge,
			Cause: fmt.Errorf("body exceeds %d bytes", c.maxBody),
		}
	}
	c.logger.Debug("request done", "method", req.Method, "url", url,
		"status", resp.StatusCode, "bytes", len(body), "duration", time.Since(start))

	out := &Response{URL: url, StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &apperrors.NetworkError{
			URL:        url,
			Kind:       apperrors.NetworkHTTPStatus,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return out, nil
}

func classify(url string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := apperrors.NetworkConnectivity
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = apperrors.NetworkTimeout
	case errors.As(err, &dnsErr):
		kind = apperrors.NetworkDNS
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = apperrors.NetworkTimeout
	}
	return &apperrors.NetworkError{URL: url, Kind: kind, Cause: err}
}
