package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"resty.dev/v3"

	"marketfetch/internal/clock"
	"marketfetch/internal/metrics"
	"marketfetch/internal/ratelimit"
)

// Fetcher is the core interface implemented by everything the coordinator
// can batch over. Fetch retrieves the raw JSON payload for one target.
type Fetcher interface {
	Fetch(ctx context.Context, target string) ([]byte, error)
}

// Waiter gates requests against a shared rate-limit budget.
type Waiter interface {
	Wait(ctx context.Context, api ratelimit.API) error
}

// Request describes one HTTP call relative to the client's base URL.
type Request struct {
	Method string
	Path   string
	Query  map[string]string
	Body   any
}

// RequestBuilder maps a target identifier to the request that fetches it.
type RequestBuilder func(target string) Request

// Policy controls pacing and retries.
type Policy struct {
	// MaxAttempts is the total number of attempts for one request, including the first.
	MaxAttempts int

	// BackoffStep is multiplied by the attempt number to get the wait after a 429.
	BackoffStep time.Duration

	// PacingDelay is slept after every successful request.
	PacingDelay time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BackoffStep: 10 * time.Second,
		PacingDelay: 0,
	}
}

// Backoff returns the wait before the attempt following the given one.
func (p Policy) Backoff(attempt int) time.Duration {
	return p.BackoffStep * time.Duration(attempt)
}

// RateLimitedFetcher fetches one payload per target while respecting a fixed
// pacing delay after each success and the server's 429 signal.
//
// Only HTTP 429 is retried. Any other non-2xx status and every transport
// failure end the fetch immediately.
type RateLimitedFetcher struct {
	api     ratelimit.API
	client  *resty.Client
	build   RequestBuilder
	policy  Policy
	limiter Waiter
	clock   clock.Clock
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// Option configures a RateLimitedFetcher.
type Option func(*RateLimitedFetcher)

// WithPolicy sets the pacing and retry policy.
func WithPolicy(p Policy) Option {
	return func(f *RateLimitedFetcher) {
		f.policy = p
	}
}

// WithLimiter gates every attempt on the shared limiter.
func WithLimiter(l Waiter) Option {
	return func(f *RateLimitedFetcher) {
		f.limiter = l
	}
}

// WithClock replaces the real clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(f *RateLimitedFetcher) {
		f.clock = c
	}
}

// WithMetrics records requests, retries and errors.
func WithMetrics(m *metrics.Recorder) Option {
	return func(f *RateLimitedFetcher) {
		f.metrics = m
	}
}

// WithLogger sets the logger for retry and failure events.
func WithLogger(l zerolog.Logger) Option {
	return func(f *RateLimitedFetcher) {
		f.logger = l
	}
}

// New creates a fetcher for one API. build may be nil when the fetcher is
// only used through Do.
func New(api ratelimit.API, client *resty.Client, build RequestBuilder, opts ...Option) *RateLimitedFetcher {
	f := &RateLimitedFetcher{
		api:    api,
		client: client,
		build:  build,
		policy: DefaultPolicy(),
		clock:  clock.Real{},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.policy.MaxAttempts < 1 {
		f.policy.MaxAttempts = 1
	}

	return f
}

// API returns the API this fetcher talks to.
func (f *RateLimitedFetcher) API() ratelimit.API {
	return f.api
}

// Fetch builds the request for target and executes it under the policy.
func (f *RateLimitedFetcher) Fetch(ctx context.Context, target string) ([]byte, error) {
	if f.build == nil {
		return nil, fmt.Errorf("no request builder configured for %s", f.api)
	}

	body, err := f.Do(ctx, f.build(target))
	if err != nil {
		return nil, AttachTarget(err, target)
	}
	return body, nil
}

// Do executes req under the policy and returns the response body.
func (f *RateLimitedFetcher) Do(ctx context.Context, req Request) ([]byte, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	for attempt := 1; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, f.api); err != nil {
				return nil, f.fail(NewTransportError(err))
			}
		}

		r := f.client.R().SetContext(ctx)
		if len(req.Query) > 0 {
			r.SetQueryParams(req.Query)
		}
		if req.Body != nil {
			r.SetBody(req.Body)
		}

		resp, err := r.Execute(method, req.Path)
		if err != nil {
			f.metrics.RecordRequest(string(f.api), 0)
			return nil, f.fail(NewTransportError(err))
		}

		status := resp.StatusCode()
		f.metrics.RecordRequest(string(f.api), status)

		switch {
		case resp.IsSuccess():
			body := resp.Bytes()
			// The payload is already in hand; a cancellation during pacing
			// only affects the next request.
			_ = f.clock.Sleep(ctx, f.policy.PacingDelay)
			return body, nil

		case status == http.StatusTooManyRequests:
			if attempt >= f.policy.MaxAttempts {
				return nil, f.fail(NewRateLimitExceededError(attempt))
			}

			wait := f.policy.Backoff(attempt)
			f.logger.Debug().
				Str("api", string(f.api)).
				Str("path", req.Path).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("Rate limited, backing off")
			f.metrics.RecordRetry(string(f.api), wait)

			if err := f.clock.Sleep(ctx, wait); err != nil {
				return nil, f.fail(NewTransportError(err))
			}

		default:
			return nil, f.fail(NewRequestFailedError(status, resp.String()))
		}
	}
}

func (f *RateLimitedFetcher) fail(fe *FetchError) error {
	f.metrics.RecordFetchError(string(f.api), string(fe.Type))
	return fe
}
