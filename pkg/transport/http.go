package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	transportRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idm_transport_requests_total",
		Help: "Total calls made to the identity API by method and status",
	}, []string{"method", "status"})

	transportRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "idm_transport_request_duration_seconds",
		Help:    "Identity API call duration in seconds by method",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"method"})
)

// maxBodySize is the default cap on how much of a response body is read into
// memory.
const maxBodySize = 32 << 20

// ErrBodyTooLarge is wrapped in the NetworkError returned for responses
// larger than the body limit.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// HTTPConfig holds the HTTP transport configuration.
type HTTPConfig struct {
	// BaseURL of the organization, e.g. "https://example.okta.com".
	BaseURL string

	// UserAgent header sent with every call.
	UserAgent string

	// SessionCookie is sent verbatim as the Cookie header, if set.
	SessionCookie string

	// CSRFToken is the anti-forgery token, sent in CSRFHeader.
	CSRFToken  string
	CSRFHeader string

	// Timeout per call.
	Timeout time.Duration

	// MaxBodySize is the largest response body accepted, in bytes.
	MaxBodySize int64
}

// DefaultHTTPConfig returns a configuration with safe defaults.
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:     baseURL,
		UserAgent:   "idm-request-scheduler/0.1.0",
		CSRFHeader:  "X-CSRF-Token",
		Timeout:     30 * time.Second,
		MaxBodySize: maxBodySize,
	}
}

// HTTPTransport performs calls with net/http. It owns the session cookie and
// anti-forgery token; callers only see endpoints.
type HTTPTransport struct {
	client  *http.Client
	baseURL *url.URL
	config  HTTPConfig
	logger  zerolog.Logger
}

// NewHTTPTransport creates a new HTTP transport.
func NewHTTPTransport(cfg HTTPConfig, logger zerolog.Logger) (*HTTPTransport, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CSRFHeader == "" {
		cfg.CSRFHeader = "X-CSRF-Token"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = maxBodySize
	}

	return &HTTPTransport{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: base,
		config:  cfg,
		logger:  logger,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (t *HTTPTransport) SetHTTPClient(client *http.Client) {
	t.client = client
}

// Do performs one call.
func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target, err := t.resolve(req.Endpoint)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if t.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", t.config.UserAgent)
	}
	if t.config.SessionCookie != "" {
		httpReq.Header.Set("Cookie", t.config.SessionCookie)
	}
	if t.config.CSRFToken != "" {
		httpReq.Header.Set(t.config.CSRFHeader, t.config.CSRFToken)
	}

	start := time.Now()
	defer func() {
		transportRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		transportRequestsTotal.WithLabelValues(method, "network_error").Inc()
		t.logger.Warn().Err(err).Str("endpoint", req.Endpoint).Msg("Identity API call failed")
		return nil, &NetworkError{Endpoint: req.Endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxBodySize+1))
	if err == nil && int64(len(data)) > t.config.MaxBodySize {
		err = fmt.Errorf("%w (limit %d bytes)", ErrBodyTooLarge, t.config.MaxBodySize)
	}
	if err != nil {
		transportRequestsTotal.WithLabelValues(method, "network_error").Inc()
		t.logger.Warn().Err(err).Str("endpoint", req.Endpoint).Int("status", resp.StatusCode).Msg("Failed to read response body")
		return nil, &NetworkError{Endpoint: req.Endpoint, Err: fmt.Errorf("read response body: %w", err)}
	}
	transportRequestsTotal.WithLabelValues(method, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	out := &Response{
		Success: resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Data:    normalizeBody(data),
	}
	if !out.Success {
		out.ErrorCode, out.Error = parseErrorBody(data)
		if out.Error == "" {
			out.Error = resp.Status
		}
	}

	t.logger.Debug().
		Str("endpoint", req.Endpoint).
		Str("method", method).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Identity API call completed")

	return out, nil
}

// resolve turns an endpoint into an absolute URL on the configured host.
func (t *HTTPTransport) resolve(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint is required")
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() && !strings.EqualFold(ref.Host, t.baseURL.Host) {
		// Session cookies must never leave the organization's host.
		return "", fmt.Errorf("endpoint host %q does not match %q", ref.Host, t.baseURL.Host)
	}
	return t.baseURL.ResolveReference(ref).String(), nil
}

// normalizeBody keeps JSON bodies raw and wraps anything else as a JSON string.
func normalizeBody(data []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	encoded, err := json.Marshal(string(trimmed))
	if err != nil {
		return nil
	}
	return encoded
}

// parseErrorBody extracts the identity provider's error code and summary.
func parseErrorBody(data []byte) (code, summary string) {
	var body struct {
		ErrorCode    string `json:"errorCode"`
		ErrorSummary string `json:"errorSummary"`
		Error        string `json:"error"`
		Description  string `json:"error_description"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", ""
	}
	summary = body.ErrorSummary
	if summary == "" {
		summary = body.Description
	}
	if summary == "" {
		summary = body.Error
	}
	return body.ErrorCode, summary
}
