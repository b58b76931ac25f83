// Package fetcher provides queue.Fetcher implementations for HTTP(S) and
// magnet locators.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"download-queue/internal/queue"
)

// DefaultUserAgent is sent unless a task overrides the User-Agent header. An
// empty header value in a task removes it.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 6.3; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/67.0.3396.99 Safari/537.36"

var (
	ErrNotFound     = errors.New("fetcher: resource not found")
	ErrForbidden    = errors.New("fetcher: access forbidden")
	ErrUnauthorized = errors.New("fetcher: unauthorized")
)

// StatusError reports a response status that is neither 2xx nor mapped to a
// sentinel error.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetcher: unexpected status %s", e.Status)
}

// Options configures the HTTP fetcher.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// ResponseHeaderTimeout bounds the wait for response headers.
	// Default: 30s
	ResponseHeaderTimeout time.Duration

	// UserAgent replaces DefaultUserAgent.
	UserAgent string

	// ChunkSize is used for tasks that do not set one.
	// Default: DefaultChunkSize
	ChunkSize int

	Logger *logrus.Logger
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost:   16,
		ResponseHeaderTimeout: 30 * time.Second,
		UserAgent:             DefaultUserAgent,
		ChunkSize:             DefaultChunkSize,
	}
}

// HTTP downloads http and https locators with GET requests.
type HTTP struct {
	client *http.Client
	opts   Options
}

func NewHTTP(opts Options) *HTTP {
	defaults := DefaultOptions()
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = defaults.MaxIdleConnsPerHost
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = defaults.ResponseHeaderTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaults.UserAgent
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaults.ChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
	}
	return &HTTP{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Transfer implements queue.Fetcher.
func (h *HTTP) Transfer(ctx context.Context, locator string, sink queue.Sink, opts queue.TransferOptions) (int64, error) {
	req, err := h.newRequest(ctx, locator, opts)
	if err != nil {
		return 0, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", locator, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = h.opts.ChunkSize
	}
	logger := h.opts.Logger.WithField("locator", locator)
	return deliver(ctx, sink, resp.Body, chunk, resp.ContentLength, progressLogger(logger))
}

func (h *HTTP) newRequest(ctx context.Context, locator string, opts queue.TransferOptions) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if len(opts.Params) > 0 {
		q := req.URL.Query()
		for k, v := range opts.Params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	req.Header.Set("User-Agent", h.opts.UserAgent)
	for k, v := range opts.Headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	for name, value := range opts.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return req, nil
}

// Close drops idle keep-alive connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func checkStatus(resp *http.Response) error {
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return &StatusError{Code: code, Status: resp.Status}
	}
}

var _ queue.Fetcher = (*HTTP)(nil)
