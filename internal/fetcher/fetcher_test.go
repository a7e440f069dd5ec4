package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"marketfetch/internal/clock"
	"marketfetch/internal/metrics"
	"marketfetch/internal/ratelimit"
)

// statusSequence returns a handler that answers with the given statuses in
// order and repeats the last one once the sequence is exhausted.
func statusSequence(calls *int32, statuses ...int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(calls, 1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}

		status := statuses[n]
		if status == http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[{"date": 1700000000, "tvl": 1000.5}]`))
			return
		}

		w.WriteHeader(status)
		w.Write([]byte(`{"error": "nope"}`))
	}
}

func tvlBuilder(target string) Request {
	return Request{Path: "/v2/historicalChainTvl/" + target}
}

func newTestFetcher(serverURL string, fc *clock.Fake, policy Policy) *RateLimitedFetcher {
	return New(
		ratelimit.APIDefiLlama,
		NewHTTPClient(serverURL, time.Second, nil),
		tvlBuilder,
		WithPolicy(policy),
		WithClock(fc),
	)
}

func TestNew_Defaults(t *testing.T) {
	f := New(ratelimit.APICoinGecko, NewHTTPClient("http://localhost", 0, nil), nil)

	if f.API() != ratelimit.APICoinGecko {
		t.Errorf("API() = %q, want %q", f.API(), ratelimit.APICoinGecko)
	}
	if f.policy != DefaultPolicy() {
		t.Errorf("policy = %+v, want %+v", f.policy, DefaultPolicy())
	}
	if f.client == nil {
		t.Error("client is nil")
	}
}

func TestNew_ClampsMaxAttempts(t *testing.T) {
	f := New(ratelimit.APICoinGecko, NewHTTPClient("http://localhost", 0, nil), nil,
		WithPolicy(Policy{MaxAttempts: 0}))

	if f.policy.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", f.policy.MaxAttempts)
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BackoffStep: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestFetch_Success(t *testing.T) {
	var calls int32
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"date": 1700000000, "tvl": 1}]`))
	}))
	defer server.Close()

	fc := clock.NewFake(time.Unix(0, 0))
	f := newTestFetcher(server.URL, fc, Policy{MaxAttempts: 3, BackoffStep: 10 * time.Second, PacingDelay: 800 * time.Millisecond})

	body, err := f.Fetch(context.Background(), "Ethereum")
	if err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}

	if string(body) != `[{"date": 1700000000, "tvl": 1}]` {
		t.Errorf("Fetch() body = %s", body)
	}
	if gotPath != "/v2/historicalChainTvl/Ethereum" {
		t.Errorf("request path = %q, want %q", gotPath, "/v2/historicalChainTvl/Ethereum")
	}

	sleeps := fc.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 800*time.Millisecond {
		t.Errorf("sleeps = %v, want [800ms] (pacing only)", sleeps)
	}
}

func TestFetch_RateLimitExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(statusSequence(&calls, http.StatusTooManyRequests))
	defer server.Close()

	fc := clock.NewFake(time.Unix(0, 0))
	f := newTestFetcher(server.URL, fc, Policy{MaxAttempts: 3, BackoffStep: 10 * time.Second, PacingDelay: time.Second})

	_, err := f.Fetch(context.Background(), "Ethereum")
	if !IsType(err, ErrorTypeRateLimitExceeded) {
		t.Fatalf("Fetch() error = %v, want %s", err, ErrorTypeRateLimitExceeded)
	}

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("server received %d requests, want 3", got)
	}

	want := []time.Duration{10 * time.Second, 20 * time.Second}
	sleeps := fc.Sleeps()
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, sleeps[i], want[i])
		}
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatal("error is not a *FetchError")
	}
	if fe.Target != "Ethereum" {
		t.Errorf("Target = %q, want %q", fe.Target, "Ethereum")
	}
	if fe.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", fe.Attempts)
	}
}

func TestFetch_RateLimitThenSuccess(t *testing.T) {
	var calls int32
	server := httptest.NewServer(statusSequence(&calls, http.StatusTooManyRequests, http.StatusOK))
	defer server.Close()

	fc := clock.NewFake(time.Unix(0, 0))
	f := newTestFetcher(server.URL, fc, Policy{MaxAttempts: 3, BackoffStep: 10 * time.Second})

	if _, err := f.Fetch(context.Background(), "Ethereum"); err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("server received %d requests, want 2", got)
	}

	sleeps := fc.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 10*time.Second {
		t.Errorf("sleeps = %v, want exactly one 10s backoff", sleeps)
	}
}

func TestFetch_ServerErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(statusSequence(&calls, http.StatusInternalServerError))
	defer server.Close()

	fc := clock.NewFake(time.Unix(0, 0))
	f := newTestFetcher(server.URL, fc, Policy{MaxAttempts: 3, BackoffStep: 10 * time.Second, PacingDelay: time.Second})

	_, err := f.Fetch(context.Background(), "Ethereum")
	if !IsType(err, ErrorTypeRequestFailed) {
		t.Fatalf("Fetch() error = %v, want %s", err, ErrorTypeRequestFailed)
	}

	var fe *FetchError
	errors.As(err, &fe)
	if fe.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", fe.StatusCode)
	}
	if fe.Body != `{"error": "nope"}` {
		t.Errorf("Body = %q, want the response body", fe.Body)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server received %d requests, want 1", got)
	}
	if sleeps := fc.Sleeps(); len(sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", sleeps)
	}
}

func TestFetch_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(statusSequence(&calls, http.StatusNotFound))
	defer server.Close()

	fc := clock.NewFake(time.Unix(0, 0))
	f := newTestFetcher(server.URL, fc, DefaultPolicy())

	_, err := f.Fetch(context.Background(), "Nowhere")
	if !IsType(err, ErrorTypeRequestFailed) {
		t.Fatalf("Fetch() error = %v, want %s", err, ErrorTypeRequestFailed)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server received %d requests, want 1", got)
	}
}

func TestFetch_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	fc := clock.NewFake(time.Unix(0, 0))
	f := newTestFetcher(url, fc, Policy{MaxAttempts: 3, BackoffStep: 10 * time.Second, PacingDelay: time.Second})

	_, err := f.Fetch(context.Background(), "Ethereum")
	if !IsType(err, ErrorTypeTransport) {
		t.Fatalf("Fetch() error = %v, want %s", err, ErrorTypeTransport)
	}

	var fe *FetchError
	errors.As(err, &fe)
	if fe.Cause == nil {
		t.Error("Cause is nil, want the underlying transport error")
	}
	if sleeps := fc.Sleeps(); len(sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", sleeps)
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(server.URL, clock.NewFake(time.Unix(0, 0)), DefaultPolicy())

	_, err := f.Fetch(ctx, "Ethereum")
	if !IsType(err, ErrorTypeTransport) {
		t.Errorf("Fetch() error = %v, want %s", err, ErrorTypeTransport)
	}
}

func TestFetch_NoBuilder(t *testing.T) {
	f := New(ratelimit.APIDune, NewHTTPClient("http://localhost", 0, nil), nil)

	if _, err := f.Fetch(context.Background(), "1"); err == nil {
		t.Error("Fetch() expected error without a request builder, got nil")
	}
}

func TestDo_PostWithQueryAndHeaders(t *testing.T) {
	var gotMethod, gotKey, gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotKey = r.Header.Get("x-dune-api-key")
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"execution_id": "01H"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, map[string]string{"x-dune-api-key": "secret"})
	f := New(ratelimit.APIDune, client, nil, WithClock(clock.NewFake(time.Unix(0, 0))))

	_, err := f.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/query/42/execute",
		Query:  map[string]string{"limit": "10"},
	})
	if err != nil {
		t.Fatalf("Do() returned unexpected error: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotKey != "secret" {
		t.Errorf("x-dune-api-key = %q, want %q", gotKey, "secret")
	}
	if gotLimit != "10" {
		t.Errorf("limit = %q, want %q", gotLimit, "10")
	}
}

func TestFetch_UsesLimiter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(statusSequence(&calls, http.StatusOK))
	defer server.Close()

	fc := clock.NewFake(time.Unix(0, 0))
	limiter := ratelimit.New(fc)
	limiter.SetRate(ratelimit.APIDefiLlama, 60)

	f := New(ratelimit.APIDefiLlama, NewHTTPClient(server.URL, time.Second, nil), tvlBuilder,
		WithClock(fc), WithLimiter(limiter))

	for _, chain := range []string{"A", "B", "C"} {
		if _, err := f.Fetch(context.Background(), chain); err != nil {
			t.Fatalf("Fetch(%q) returned unexpected error: %v", chain, err)
		}
	}

	// 60 rpm: the second and third requests each wait one second.
	if got := fc.Elapsed(); got != 2*time.Second {
		t.Errorf("virtual elapsed = %v, want 2s", got)
	}
}

func TestFetch_RecordsMetrics(t *testing.T) {
	var calls int32
	server := httptest.NewServer(statusSequence(&calls, http.StatusTooManyRequests, http.StatusOK))
	defer server.Close()

	rec := metrics.New()
	f := New(ratelimit.APIDefiLlama, NewHTTPClient(server.URL, time.Second, nil), tvlBuilder,
		WithClock(clock.NewFake(time.Unix(0, 0))),
		WithMetrics(rec),
		WithPolicy(Policy{MaxAttempts: 3, BackoffStep: time.Second}))

	if _, err := f.Fetch(context.Background(), "Ethereum"); err != nil {
		t.Fatalf("Fetch() returned unexpected error: %v", err)
	}

	got, err := testutil.GatherAndCount(rec.Registry(), "marketfetch_requests_total")
	if err != nil {
		t.Fatalf("GatherAndCount() returned unexpected error: %v", err)
	}
	if got != 2 {
		t.Errorf("requests_total series = %d, want 2 (429 and 2xx)", got)
	}

	got, err = testutil.GatherAndCount(rec.Registry(), "marketfetch_retries_total")
	if err != nil {
		t.Fatalf("GatherAndCount() returned unexpected error: %v", err)
	}
	if got != 1 {
		t.Errorf("retries_total series = %d, want 1", got)
	}
}
