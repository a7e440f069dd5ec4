package coordinator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"marketfetch/internal/fetcher"
)

// ShapeFunc turns one successful payload into rows. It must be safe to call
// from several goroutines.
type ShapeFunc[R any] func(target string, payload []byte) ([]R, error)

type settings struct {
	workers int
	logger  zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*settings)

// WithWorkers sets the size of the worker pool. Values below 2 keep the
// default strictly sequential mode.
func WithWorkers(n int) Option {
	return func(s *settings) {
		s.workers = n
	}
}

// WithLogger sets the logger used for per-target progress and failures.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// Coordinator runs one fetcher over a target list and accumulates the shaped rows.
type Coordinator[R any] struct {
	fetcher fetcher.Fetcher
	shape   ShapeFunc[R]
	settings
}

// New creates a new Coordinator for the given fetcher and shaping function
func New[R any](f fetcher.Fetcher, shape ShapeFunc[R], opts ...Option) *Coordinator[R] {
	c := &Coordinator[R]{
		fetcher: f,
		shape:   shape,
		settings: settings{
			workers: 1,
			logger:  zerolog.Nop(),
		},
	}

	for _, opt := range opts {
		opt(&c.settings)
	}

	return c
}

// Run fetches every target and returns one outcome per target, in target
// order, together with the accumulated rows.
//
// In sequential mode a target is fully resolved, pacing and backoff included,
// before the next one starts. With more than one worker, targets are pulled
// from a queue by a bounded pool; completion order is unspecified but the
// report is still assembled in target order.
//
// A failed target is logged and contributes no rows; it never aborts the
// batch. The only error returned is for an empty target list.
func (c *Coordinator[R]) Run(ctx context.Context, targets []string) (*Report[R], error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets configured")
	}

	outcomes := make([]Outcome, len(targets))
	rows := make([][]R, len(targets))

	if c.workers <= 1 || len(targets) == 1 {
		for i, target := range targets {
			outcomes[i], rows[i] = c.runOne(ctx, i, len(targets), target)
		}
	} else {
		p := pool.New().WithMaxGoroutines(min(c.workers, len(targets)))
		for i, target := range targets {
			i, target := i, target
			p.Go(func() {
				outcomes[i], rows[i] = c.runOne(ctx, i, len(targets), target)
			})
		}
		p.Wait()
	}

	report := &Report[R]{Outcomes: outcomes}
	for _, r := range rows {
		report.Rows = append(report.Rows, r...)
	}

	return report, nil
}

func (c *Coordinator[R]) runOne(ctx context.Context, i, total int, target string) (Outcome, []R) {
	progress := fmt.Sprintf("%d/%d", i+1, total)

	res := fetcher.Get(ctx, c.fetcher, target)
	if !res.OK() {
		c.logger.Warn().
			Err(res.Err).
			Str("target", target).
			Str("progress", progress).
			Str("error_type", string(fetcher.TypeOf(res.Err))).
			Msg("Fetch failed")
		return Outcome{Target: target, Err: res.Err}, nil
	}

	shaped, err := c.shape(target, res.Payload)
	if err != nil {
		err = asMalformed(err, target)
		c.logger.Warn().
			Err(err).
			Str("target", target).
			Str("progress", progress).
			Msg("Unexpected payload")
		return Outcome{Target: target, Err: err}, nil
	}

	c.logger.Info().
		Str("target", target).
		Str("progress", progress).
		Int("rows", len(shaped)).
		Msg("Fetched")

	return Outcome{Target: target, Rows: len(shaped)}, shaped
}

// asMalformed classifies a shaping error as a malformed response unless it
// already carries a fetch error type.
func asMalformed(err error, target string) error {
	if fetcher.TypeOf(err) != "" {
		return err
	}
	return &fetcher.FetchError{
		Type:    fetcher.ErrorTypeMalformedResponse,
		Target:  target,
		Message: "failed to decode payload",
		Cause:   err,
	}
}
