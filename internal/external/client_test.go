package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"deadswitch/internal/types"
)

// recordingSleep records requested waits without sleeping.
type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, policy RetryPolicy, opts ...BaseClientOption) (*BaseClient, *recordingSleep) {
	t.Helper()
	rs := &recordingSleep{}
	opts = append([]BaseClientOption{WithSleepFunc(rs.sleep)}, opts...)
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, t.Name(), policy, "DeadSwitch-Test/1.0", opts...), rs
}

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, MinWait: 10 * time.Millisecond, MaxWait: 100 * time.Millisecond}
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client, _ := newTestClient(t, fastPolicy(2))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != `{"status":"ok"}` {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}
}

func TestDo_Headers(t *testing.T) {
	var traceID, userAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = r.Header.Get("X-Trace-Id")
		userAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, _ := newTestClient(t, fastPolicy(0))

	ctx := types.WithTraceID(context.Background(), "trace-abc")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if traceID != "trace-abc" {
		t.Errorf("X-Trace-Id = %q, want trace-abc", traceID)
	}
	if userAgent != "DeadSwitch-Test/1.0" {
		t.Errorf("User-Agent = %q", userAgent)
	}

	req, _ = http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if traceID != "" {
		t.Errorf("X-Trace-Id = %q without a trace in context", traceID)
	}
}

func TestDo_RetriesTransientStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"server error", http.StatusInternalServerError},
		{"unavailable", http.StatusServiceUnavailable},
		{"rate limited", http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) < 3 {
					w.WriteHeader(tt.status)
					return
				}
				w.WriteHeader(http.StatusAccepted)
			}))
			defer server.Close()

			client, rs := newTestClient(t, fastPolicy(3))
			req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)

			resp, err := client.Do(req)
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			resp.Body.Close()

			if calls.Load() != 3 {
				t.Errorf("calls = %d, want 3", calls.Load())
			}
			if len(rs.waits) != 2 {
				t.Errorf("waits = %d, want 2", len(rs.waits))
			}
		})
	}
}

func TestDo_ExhaustedRetries(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   types.ErrorCode
	}{
		{"server error", http.StatusBadGateway, types.ErrCodeUpstreamUnavailable},
		{"rate limited", http.StatusTooManyRequests, types.ErrCodeUpstreamRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client, _ := newTestClient(t, fastPolicy(2))
			req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)

			resp, err := client.Do(req)
			if resp != nil {
				t.Error("expected nil response")
			}
			if !types.HasCode(err, tt.want) {
				t.Errorf("error = %v, want code %s", err, tt.want)
			}
			if calls.Load() != 3 {
				t.Errorf("calls = %d, want 3", calls.Load())
			}
		})
	}
}

func TestDo_ClientErrorsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client, _ := newTestClient(t, fastPolicy(3))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestDo_RetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, rs := newTestClient(t, RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: 5 * time.Second})
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if len(rs.waits) != 1 || rs.waits[0] != time.Second {
		t.Errorf("waits = %v, want [1s]", rs.waits)
	}
}

func TestDo_RetryAfterCappedByMaxWait(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, rs := newTestClient(t, RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: 2 * time.Second})
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)

	if _, err := client.Do(req); err == nil {
		t.Fatal("expected error")
	}
	if len(rs.waits) != 1 || rs.waits[0] != 2*time.Second {
		t.Errorf("waits = %v, want [2s]", rs.waits)
	}
}

func TestDo_BodyReplayedOnRetry(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, _ := newTestClient(t, fastPolicy(1))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, strings.NewReader(`{"a":1}`))

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 || bodies[0] != `{"a":1}` || bodies[1] != `{"a":1}` {
		t.Errorf("bodies = %q", bodies)
	}
}

func TestDo_CancelledContextStopsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stopAfterFirst := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	client, _ := newTestClient(t, fastPolicy(5), WithSleepFunc(stopAfterFirst))
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)

	_, err := client.Do(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled in chain", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestDo_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "trip-fast",
		Timeout: time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 2
		},
	})
	client, _ := newTestClient(t, fastPolicy(0), WithBreaker(cb))

	for range 2 {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
		if _, err := client.Do(req); err == nil {
			t.Fatal("expected error")
		}
	}

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("error = %v, want open breaker", err)
	}
	if !types.HasCode(err, types.ErrCodeUpstreamUnavailable) {
		t.Errorf("error = %v, want upstream_unavailable", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (third short-circuited)", calls.Load())
	}
}

func TestDo_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client, _ := newTestClient(t, fastPolicy(1))
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)

	_, err := client.Do(req)
	if !types.HasCode(err, types.ErrCodeUpstreamUnavailable) {
		t.Errorf("error = %v, want upstream_unavailable", err)
	}
}

func TestComputeBackoff_Bounds(t *testing.T) {
	c := &BaseClient{retryPolicy: RetryPolicy{MinWait: 100 * time.Millisecond, MaxWait: time.Second}}
	for attempt := 0; attempt < 8; attempt++ {
		for range 20 {
			got := c.computeBackoff(attempt, nil)
			if got < 100*time.Millisecond || got > time.Second {
				t.Fatalf("attempt %d: backoff %v out of bounds", attempt, got)
			}
		}
	}
}
