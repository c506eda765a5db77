package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/manash/imgrelay/pkg/models"
)

const (
	DefaultTimeout = 60 * time.Second
	maxLoggedBody  = 512
)

// Client wraps an http.Client with the logging and error classification every
// adapter needs. Network failures are wrapped with models.ErrTransport.
type Client struct {
	name       string
	httpClient *http.Client
	logger     *zap.Logger
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *Response) JSON() gjson.Result {
	return gjson.ParseBytes(r.Body)
}

func NewClient(name string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		name:       name,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("provider", name)),
	}
}

// WithHTTPClient replaces the underlying client, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.Do(req)
}

func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(req)
}

func (c *Client) Do(req *http.Request) (*Response, error) {
	start := time.Now()
	c.logger.Debug("backend request",
		zap.String("method", req.Method),
		zap.String("url", redactURL(req.URL.String())))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", models.ErrTransport, err)
	}

	c.logger.Debug("backend response",
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("body", truncateBody(body)))

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// BackendError builds an ErrBackend from a non-success response, pulling the
// backend's own message out of the common error envelope shapes.
func BackendError(resp *Response) error {
	return fmt.Errorf("%w: %s", models.ErrBackend, ErrorMessage(resp))
}

func ErrorMessage(resp *Response) string {
	if gjson.ValidBytes(resp.Body) {
		doc := resp.JSON()
		for _, path := range []string{"error.message", "message", "error_msg", "header.message", "reason", "msg"} {
			if v := doc.Get(path); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
		if v := doc.Get("error"); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	text := strings.TrimSpace(string(resp.Body))
	if text == "" {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(text, 200))
}

func truncateBody(body []byte) string {
	return truncate(string(body), maxLoggedBody)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... [truncated]"
}

// redactURL drops query strings, which some backends use to carry credentials.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i] + "?[REDACTED]"
	}
	return u
}
