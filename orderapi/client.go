// Package orderapi is the order-lookup collaborator. It answers whether an order number exists in
// the upstream order service and classifies every upstream failure so the tool layer can report
// it without retrying.
package orderapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/TangGee/orders-mcp/retry"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultBackoff     = 200 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
	defaultRateLimit   = 10
	defaultRateBurst   = 20
	defaultUserAgent   = "orders-mcp"

	maxBodySize   = 1 << 20
	maxErrorBody  = 256
	tracerName    = "github.com/TangGee/orders-mcp/orderapi"
	requestIDHead = "X-Request-ID"
)

// Verification is the outcome of a successful lookup. Details holds the upstream order record and
// is nil when the order does not exist.
type Verification struct {
	Exists  bool
	Details map[string]any
}

// Status returns the order status from Details, if the upstream reported one.
func (v Verification) Status() string {
	s, _ := v.Details["status"].(string)
	return s
}

// Options configures the client.
type Options struct {
	// Timeout bounds a single attempt.
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	RateLimit   rate.Limit
	RateBurst   int
	// APIKey is sent as the apikey header on every request.
	APIKey    string
	UserAgent string
	// Registerer receives the attempt metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	// Transport overrides the base round tripper wrapped by the tracing transport.
	Transport http.RoundTripper
}

// Client calls the upstream order service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	apiKey     string
	userAgent  string
	logger     *slog.Logger

	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewClient returns a client for the order service rooted at baseURL.
func NewClient(baseURL string, opts Options) *Client {
	opts = normalizeOptions(opts)

	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(opts.Transport),
		},
		limiter:   rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		apiKey:    opts.APIKey,
		userAgent: opts.UserAgent,
		logger:    opts.Logger.With(slog.String("package", "orderapi")),
		attempts: promauto.With(opts.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "orders_mcp",
			Subsystem: "orderapi",
			Name:      "attempts_total",
			Help:      "Upstream order lookup attempts by outcome.",
		}, []string{"outcome"}),
		duration: promauto.With(opts.Registerer).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orders_mcp",
			Subsystem: "orderapi",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of upstream order lookup attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	c.policy = retry.Policy{
		MaxAttempts: opts.MaxAttempts,
		BaseDelay:   opts.Backoff,
		MaxDelay:    opts.MaxBackoff,
		Retryable:   retryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.logger.Warn("retrying order lookup",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("err", err.Error()))
		},
	}
	return c
}

func normalizeOptions(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(defaultRateLimit)
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = defaultRateBurst
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return opts
}

// Verify looks up orderNumber. authToken, when set, is forwarded as a bearer token so the
// upstream applies the caller's row-level security. A missing order is not an error.
func (c *Client) Verify(ctx context.Context, orderNumber, authToken string) (Verification, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orderapi.verify", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var result Verification
	err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		v, err := c.attempt(ctx, attempt, orderNumber, authToken)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Verification{}, err
	}

	span.SetAttributes(attribute.Bool("order.exists", result.Exists))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (c *Client) attempt(ctx context.Context, attempt int, orderNumber, authToken string) (Verification, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orderapi.verify.attempt", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.Int("attempt", attempt),
		attribute.Bool("retry", attempt > 1),
	)
	defer span.End()

	start := time.Now()
	v, err := c.do(ctx, orderNumber, authToken)

	outcome := outcomeLabel(v, err)
	c.attempts.WithLabelValues(outcome).Inc()
	c.duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return v, err
}

func (c *Client) do(ctx context.Context, orderNumber, authToken string) (Verification, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Verification{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.orderURL(orderNumber), nil)
	if err != nil {
		return Verification{}, fmt.Errorf("failed to build request: %w", err)
	}
	c.applyHeaders(req, authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Verification{}, transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return Verification{Exists: false}, nil
	case resp.StatusCode == http.StatusOK:
		return decodeOrder(resp.Body)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return Verification{}, &StatusError{
		Sentinel: classifyStatus(resp.StatusCode),
		Status:   resp.StatusCode,
		Body:     strings.TrimSpace(string(body)),
		After:    parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

func (c *Client) orderURL(orderNumber string) string {
	return c.baseURL + "/orders/" + url.PathEscape(orderNumber)
}

func (c *Client) applyHeaders(req *http.Request, authToken string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(requestIDHead, xid.New().String())
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
}

func decodeOrder(body io.Reader) (Verification, error) {
	var details map[string]any
	if err := json.NewDecoder(io.LimitReader(body, maxBodySize)).Decode(&details); err != nil {
		return Verification{}, &StatusError{Sentinel: ErrBadResponse, Status: http.StatusOK, Err: err}
	}
	if details == nil {
		return Verification{}, &StatusError{Sentinel: ErrBadResponse, Status: http.StatusOK, Body: "empty order record"}
	}
	return Verification{Exists: true, Details: details}, nil
}

// transportError classifies a failed round trip. The caller's own cancellation is returned as is
// so it is never retried.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &StatusError{Sentinel: ErrTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StatusError{Sentinel: ErrTimeout, Err: err}
	}
	return &StatusError{Sentinel: ErrServer, Err: err}
}

func outcomeLabel(v Verification, err error) string {
	switch {
	case err == nil && v.Exists:
		return "found"
	case err == nil:
		return "not_found"
	}
	var se *StatusError
	if errors.As(err, &se) && se.Status > 0 {
		return strconv.Itoa(se.Status)
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport_error"
	}
}
