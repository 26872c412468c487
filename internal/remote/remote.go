// Package remote is the client side of the remote API: JSON calls whose
// failures are classified as network-class (worth queueing and retrying) or
// not.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
)

// Caller performs one remote call.
type Caller interface {
	Call(ctx context.Context, method, path string, body json.RawMessage, opts ...CallOption) (*Response, error)
}

// Response is a successful call result.
type Response struct {
	StatusCode int
	Data       json.RawMessage
}

// Error is a failed call. Network is true for failures worth retrying:
// transport faults, timeouts, 408, 429 and 5xx responses.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Network    bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("remote call failed: %v", e.Err)
	case e.Code != "":
		return fmt.Sprintf("remote returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsNetwork reports whether err is a network-class remote failure.
func IsNetwork(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Network
}

// CallOption adjusts a single call.
type CallOption func(*http.Request)

// WithIdempotencyKey sets the Idempotency-Key header so the remote side can
// discard replays of an already applied mutation.
func WithIdempotencyKey(key string) CallOption {
	return func(r *http.Request) {
		if key != "" {
			r.Header.Set("Idempotency-Key", key)
		}
	}
}

const defaultHealthPath = "/api/v1/health"

// HTTPClient calls a JSON HTTP API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	healthPath string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) {
		if c != nil {
			h.httpClient = c
		}
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTPClient) {
		h.httpClient.Timeout = d
	}
}

// WithHealthPath sets the path probed by Ping.
func WithHealthPath(p string) Option {
	return func(h *HTTPClient) {
		if p != "" {
			h.healthPath = p
		}
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTPClient) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHTTPClient returns a client for the API at baseURL.
func NewHTTPClient(baseURL, apiKey string, opts ...Option) *HTTPClient {
	h := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		healthPath: defaultHealthPath,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "remote")
	return h
}

// Call sends body to path and returns the response payload. Non-2xx
// responses and transport faults are returned as *Error.
func (h *HTTPClient) Call(ctx context.Context, method, path string, body json.RawMessage, opts ...CallOption) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", ulid.Make().String())
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		h.logger.Debug("remote call failed", "method", method, "path", path, "error", err)
		return nil, &Error{Network: true, Err: err, Message: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Network: true, Err: err, Message: "read response"}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return &Response{StatusCode: resp.StatusCode, Data: json.RawMessage(payload)}, nil
	}

	code, msg := parseErrorBody(payload)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return nil, &Error{
		StatusCode: resp.StatusCode,
		Code:       code,
		Message:    msg,
		Network:    networkStatus(resp.StatusCode),
	}
}

// Ping checks the remote health endpoint.
func (h *HTTPClient) Ping(ctx context.Context) error {
	if h.baseURL == "" {
		return errors.New("remote URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url(h.healthPath), nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTPClient) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return h.baseURL + path
}

func networkStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// parseErrorBody extracts a code and message from the common error body
// shapes: {"code","message"}, problem details, and {"error": {...}} or
// {"error": "..."}.
func parseErrorBody(payload []byte) (code, message string) {
	if !gjson.ValidBytes(payload) {
		return "", strings.TrimSpace(string(payload))
	}
	doc := gjson.ParseBytes(payload)
	code = firstString(doc, "code", "error.code", "type", "error.type")
	message = firstString(doc, "message", "detail", "error.message", "title", "error")
	return code, message
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := doc.Get(p); r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}
