// Package dune runs saved Dune Analytics queries and shapes their result rows.
package dune

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"marketfetch/internal/clock"
	"marketfetch/internal/fetcher"
)

// Execution states reported by /execution/{id}/status.
const (
	StateCompleted = "QUERY_STATE_COMPLETED"
	StateFailed    = "QUERY_STATE_FAILED"
	StateCancelled = "QUERY_STATE_CANCELLED"
	StateExpired   = "QUERY_STATE_EXPIRED"
)

// APIKeyHeader carries the Dune API key on every request.
const APIKeyHeader = "x-dune-api-key"

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxPolls     = 720
)

// Doer executes one request under the fetch policy.
type Doer interface {
	Do(ctx context.Context, req fetcher.Request) ([]byte, error)
}

// Runner executes a query, waits for it to finish and returns the raw results
// payload. It implements fetcher.Fetcher with the query ID as target.
type Runner struct {
	doer         Doer
	clock        clock.Clock
	pollInterval time.Duration
	maxPolls     int
	logger       zerolog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithPollInterval sets the wait between status checks.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.pollInterval = d
	}
}

// WithMaxPolls bounds the number of status checks per execution.
func WithMaxPolls(n int) Option {
	return func(r *Runner) {
		r.maxPolls = n
	}
}

// WithClock replaces the real clock used between status checks.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) {
		r.clock = c
	}
}

// WithLogger sets the logger for execution progress.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// NewRunner creates a Runner issuing its requests through doer.
func NewRunner(doer Doer, opts ...Option) *Runner {
	r := &Runner{
		doer:         doer,
		clock:        clock.Real{},
		pollInterval: defaultPollInterval,
		maxPolls:     defaultMaxPolls,
		logger:       zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.maxPolls < 1 {
		r.maxPolls = 1
	}

	return r
}

// Fetch runs queryID to completion and returns its results payload.
func (r *Runner) Fetch(ctx context.Context, queryID string) ([]byte, error) {
	payload, err := r.run(ctx, queryID)
	if err != nil {
		return nil, fetcher.AttachTarget(err, queryID)
	}
	return payload, nil
}

func (r *Runner) run(ctx context.Context, queryID string) ([]byte, error) {
	executionID, err := r.execute(ctx, queryID)
	if err != nil {
		return nil, err
	}

	r.logger.Debug().
		Str("query_id", queryID).
		Str("execution_id", executionID).
		Msg("Query execution started")

	if err := r.wait(ctx, queryID, executionID); err != nil {
		return nil, err
	}

	return r.doer.Do(ctx, fetcher.Request{Path: "/execution/" + url.PathEscape(executionID) + "/results"})
}

func (r *Runner) execute(ctx context.Context, queryID string) (string, error) {
	body, err := r.doer.Do(ctx, fetcher.Request{
		Method: http.MethodPost,
		Path:   "/query/" + url.PathEscape(queryID) + "/execute",
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fetcher.NewMalformedResponseError("execute response is not an object: %v", err)
	}
	if resp.ExecutionID == "" {
		return "", fetcher.NewMalformedResponseError("execute response has no execution_id")
	}
	return resp.ExecutionID, nil
}

// wait polls the execution status until it completes, sleeping the poll
// interval between checks.
func (r *Runner) wait(ctx context.Context, queryID, executionID string) error {
	statusPath := "/execution/" + url.PathEscape(executionID) + "/status"

	for poll := 1; ; poll++ {
		state, err := r.state(ctx, statusPath)
		if err != nil {
			return err
		}

		switch state {
		case StateCompleted:
			return nil
		case StateFailed, StateCancelled, StateExpired:
			return fetcher.NewQueryFailedError(state)
		}

		if poll >= r.maxPolls {
			return &fetcher.FetchError{
				Type:    fetcher.ErrorTypeQueryFailed,
				Message: fmt.Sprintf("query still in state %s after %d status checks", state, poll),
			}
		}

		r.logger.Debug().
			Str("query_id", queryID).
			Str("state", state).
			Int("poll", poll).
			Msg("Query not finished, waiting")

		if err := r.clock.Sleep(ctx, r.pollInterval); err != nil {
			return fetcher.NewTransportError(err)
		}
	}
}

func (r *Runner) state(ctx context.Context, statusPath string) (string, error) {
	body, err := r.doer.Do(ctx, fetcher.Request{Path: statusPath})
	if err != nil {
		return "", err
	}

	var status struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return "", fetcher.NewMalformedResponseError("status response is not an object: %v", err)
	}
	if status.State == "" {
		return "", fetcher.NewMalformedResponseError("status response has no state")
	}
	return status.State, nil
}

var _ fetcher.Fetcher = (*Runner)(nil)
