package request

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/arcgis-community/portal-session/instrumentation"
)

const (
	// DefaultHTTPTimeout is the default timeout for portal requests.
	DefaultHTTPTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read. Portal
	// JSON responses are small; anything larger is a misbehaving server.
	maxResponseBytes = 10 << 20
)

// Failure is the typed request failure raised when a portal or server
// endpoint reports an error, either as a non-2xx status or as an error
// envelope inside an HTTP 200 body.
type Failure struct {
	// Code is the portal error code (e.g. 498 invalid token, 499 token
	// required). Zero when the failure was a transport-level status.
	Code int

	// MessageCode is the portal's symbolic error code, when present
	MessageCode string

	// Message is the error description from the portal
	Message string

	// HTTPStatus is the HTTP status of the response
	HTTPStatus int

	// URL is the endpoint that produced the failure
	URL string
}

// Error implements the error interface
func (f *Failure) Error() string {
	if f.Code != 0 {
		return fmt.Sprintf("%s returned error %d: %s", f.URL, f.Code, f.Message)
	}
	return fmt.Sprintf("%s returned HTTP %d: %s", f.URL, f.HTTPStatus, f.Message)
}

// errorEnvelope is the error shape portal endpoints embed in 200 responses
type errorEnvelope struct {
	Error *struct {
		Code        int      `json:"code"`
		MessageCode string   `json:"messageCode"`
		Message     string   `json:"message"`
		Details     []string `json:"details"`
	} `json:"error"`
}

// Client posts form-encoded requests to portal-style JSON endpoints.
// The zero value is not usable; construct with New.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	inst       *instrumentation.Instrumentation
	tracer     trace.Tracer
}

// Option configures the request client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit throttles outbound requests to r per second with the given
// burst. Token endpoints are shared infrastructure; an embedder retrying in
// a tight loop should be slowed down client-side before the portal starts
// rejecting it.
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithInstrumentation sets the OpenTelemetry instrumentation.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(c *Client) {
		c.inst = inst
	}
}

// New creates a new request client.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
		inst:       instrumentation.Disabled(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tracer = c.inst.Tracer("request")
	return c
}

// Post sends a form-encoded POST to endpoint with f=json appended and
// decodes the JSON response into out. A portal error envelope in the body
// or a non-2xx status is returned as a *Failure; out may be nil when the
// caller only cares about success.
func (c *Client) Post(ctx context.Context, endpoint string, params url.Values, out any) error {
	return c.do(ctx, http.MethodPost, endpoint, params, out)
}

// Get sends a GET with f=json in the query string and decodes the response
// the same way Post does. Used for federation probes, which some servers
// only answer on GET.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, endpoint, params, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	ctx, span := c.tracer.Start(ctx, "request."+strings.ToLower(method))
	defer span.End()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("request throttled: %w", err)
		}
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("f", "json")

	var req *http.Request
	var err error
	if method == http.MethodGet {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint+sep+params.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to build request: %w", err)
	}

	// Correlation ID for matching log lines to portal-side request logs.
	requestID := uuid.NewString()
	req.Header.Set("X-Request-Id", requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to read response from %s: %w", endpoint, err)
	}

	elapsed := time.Since(start)
	c.inst.Metrics().RequestDuration.Record(ctx, float64(elapsed.Milliseconds()))
	c.inst.Metrics().RequestsTotal.Add(ctx, 1)
	instrumentation.AddRequestAttributes(span, endpoint, resp.StatusCode)

	c.logger.Debug("portal request completed",
		"method", method,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
		"request_id", requestID)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		failure := &Failure{
			HTTPStatus: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			URL:        endpoint,
		}
		instrumentation.RecordError(span, failure)
		return failure
	}

	// Portal endpoints report failures inside 200 responses.
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		failure := &Failure{
			Code:        envelope.Error.Code,
			MessageCode: envelope.Error.MessageCode,
			Message:     envelope.Error.Message,
			HTTPStatus:  resp.StatusCode,
			URL:         endpoint,
		}
		instrumentation.RecordError(span, failure)
		return failure
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			instrumentation.RecordError(span, err)
			return fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
		}
	}

	instrumentation.SetSpanSuccess(span)
	return nil
}

// HTTPClient exposes the underlying *http.Client so the OAuth code exchange
// can route golang.org/x/oauth2 through the same transport.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}
