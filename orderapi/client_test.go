package orderapi_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TangGee/orders-mcp/orderapi"
)

// upstream serves the given statuses in order and repeats the last one.
type upstream struct {
	statuses []int
	body     string
	header   http.Header
	calls    atomic.Int32
	lastReq  atomic.Pointer[http.Request]
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(u.calls.Add(1))
	u.lastReq.Store(r.Clone(context.Background()))

	status := u.statuses[min(n, len(u.statuses))-1]
	for k, v := range u.header {
		w.Header()[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusOK {
		_, _ = w.Write([]byte(u.body))
	}
}

func newClient(t *testing.T, h http.Handler, opts orderapi.Options) *orderapi.Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	if opts.Backoff == 0 {
		opts.Backoff = time.Millisecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 5 * time.Millisecond
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 1000
	}
	return orderapi.NewClient(srv.URL, opts)
}

func TestVerifyFound(t *testing.T) {
	up := &upstream{
		statuses: []int{http.StatusOK},
		body:     `{"numer_zamowienia":"OP1001","status":"dostarczone"}`,
	}
	c := newClient(t, up, orderapi.Options{APIKey: "anon-key"})

	v, err := c.Verify(context.Background(), "OP1001", "user-token")
	require.NoError(t, err)
	assert.True(t, v.Exists)
	assert.Equal(t, "dostarczone", v.Status())

	req := up.lastReq.Load()
	require.NotNil(t, req)
	assert.Equal(t, "/orders/OP1001", req.URL.Path)
	assert.Equal(t, "Bearer user-token", req.Header.Get("Authorization"))
	assert.Equal(t, "anon-key", req.Header.Get("apikey"))
	assert.NotEmpty(t, req.Header.Get("X-Request-ID"))
}

func TestVerifyNotFound(t *testing.T) {
	up := &upstream{statuses: []int{http.StatusNotFound}}
	c := newClient(t, up, orderapi.Options{})

	v, err := c.Verify(context.Background(), "OP404", "")
	require.NoError(t, err)
	assert.False(t, v.Exists)
	assert.Nil(t, v.Details)
	assert.Empty(t, up.lastReq.Load().Header.Get("Authorization"))
}

func TestVerifyEscapesOrderNumber(t *testing.T) {
	up := &upstream{statuses: []int{http.StatusNotFound}}
	c := newClient(t, up, orderapi.Options{})

	_, err := c.Verify(context.Background(), "OP/1 2", "")
	require.NoError(t, err)
	assert.Equal(t, "/orders/OP%2F1%202", up.lastReq.Load().URL.EscapedPath())
}

func TestVerifyRetriesServerErrors(t *testing.T) {
	up := &upstream{
		statuses: []int{http.StatusServiceUnavailable, http.StatusOK},
		body:     `{"status":"w drodze"}`,
	}
	reg := prometheus.NewRegistry()
	c := newClient(t, up, orderapi.Options{Registerer: reg})

	v, err := c.Verify(context.Background(), "OP1001", "")
	require.NoError(t, err)
	assert.True(t, v.Exists)
	assert.EqualValues(t, 2, up.calls.Load())

	series, err := testutil.GatherAndCount(reg, "orders_mcp_orderapi_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series, "one series for the 503 and one for the hit")
}

func TestVerifyClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		body      string
		wantErr   error
		wantCalls int32
	}{
		{name: "bad request is not retried", statuses: []int{http.StatusBadRequest}, wantErr: orderapi.ErrClient, wantCalls: 1},
		{name: "unauthorized", statuses: []int{http.StatusUnauthorized}, wantErr: orderapi.ErrAuth, wantCalls: 1},
		{name: "forbidden", statuses: []int{http.StatusForbidden}, wantErr: orderapi.ErrAuth, wantCalls: 1},
		{name: "request timeout is retried", statuses: []int{http.StatusRequestTimeout}, wantErr: orderapi.ErrTimeout, wantCalls: 3},
		{name: "rate limited is retried", statuses: []int{http.StatusTooManyRequests}, wantErr: orderapi.ErrRateLimited, wantCalls: 3},
		{name: "server error is retried", statuses: []int{http.StatusBadGateway}, wantErr: orderapi.ErrServer, wantCalls: 3},
		{name: "malformed body", statuses: []int{http.StatusOK}, body: `not json`, wantErr: orderapi.ErrBadResponse, wantCalls: 1},
		{name: "null body", statuses: []int{http.StatusOK}, body: `null`, wantErr: orderapi.ErrBadResponse, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &upstream{statuses: tt.statuses, body: tt.body}
			c := newClient(t, up, orderapi.Options{})

			_, err := c.Verify(context.Background(), "OP1001", "")
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCalls, up.calls.Load())
		})
	}
}

func TestVerifyHonoursRetryAfter(t *testing.T) {
	up := &upstream{
		statuses: []int{http.StatusTooManyRequests},
		header:   http.Header{"Retry-After": []string{"7"}},
	}
	c := newClient(t, up, orderapi.Options{MaxAttempts: 1})

	_, err := c.Verify(context.Background(), "OP1001", "")

	var se *orderapi.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Status)
	assert.Equal(t, 7*time.Second, se.RetryAfter())
}

func TestVerifyTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	c := newClient(t, slow, orderapi.Options{Timeout: 20 * time.Millisecond, MaxAttempts: 2})

	_, err := c.Verify(context.Background(), "OP1001", "")
	require.ErrorIs(t, err, orderapi.ErrTimeout)
}

func TestVerifyCallerCancellation(t *testing.T) {
	up := &upstream{statuses: []int{http.StatusServiceUnavailable}}
	c := newClient(t, up, orderapi.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Verify(ctx, "OP1001", "")
	require.ErrorIs(t, err, context.Canceled)
}
