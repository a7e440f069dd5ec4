// Package jobs wires configuration, fetchers and shapers into the runnable
// market data jobs.
package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"marketfetch/internal/clock"
	"marketfetch/internal/config"
	"marketfetch/internal/coordinator"
	"marketfetch/internal/dune"
	"marketfetch/internal/fetcher"
	"marketfetch/internal/metrics"
	"marketfetch/internal/ratelimit"
)

// Job names.
const (
	ChainTVL   = "chain-tvl"
	DexVolume  = "dex-volume"
	Movers     = "movers"
	BTCETH     = "btc-eth"
	CEXVolume  = "cex-volume"
	Categories = "categories"
	Dune       = "dune"
)

type runFunc func(ctx context.Context, env *Env) (*Summary, error)

var registry = map[string]runFunc{
	ChainTVL:   runChainTVL,
	DexVolume:  runDexVolume,
	Movers:     runMovers,
	BTCETH:     runBTCETH,
	CEXVolume:  runCEXVolume,
	Categories: runCategories,
	Dune:       runDune,
}

// Names returns the job names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary describes a finished job.
type Summary struct {
	Job       string
	Output    string
	Targets   int
	Succeeded int
	Failed    int
	Rows      int
	Status    coordinator.Status
}

// Env holds everything a job needs besides its context.
type Env struct {
	Config  *config.Config
	Clock   clock.Clock
	Limiter *ratelimit.Limiter
	Metrics *metrics.Recorder
	Logger  zerolog.Logger
}

// NewEnv builds the shared environment for one run: a limiter per API with
// the configured budgets, driven by c.
func NewEnv(cfg *config.Config, c clock.Clock, rec *metrics.Recorder, logger zerolog.Logger) *Env {
	if c == nil {
		c = clock.Real{}
	}

	limiter := ratelimit.New(c)
	limiter.SetRate(ratelimit.APIDefiLlama, cfg.DefiLlama.RequestsPerMinute)
	limiter.SetRate(ratelimit.APICoinGecko, cfg.CoinGecko.RequestsPerMinute)
	limiter.SetRate(ratelimit.APIDune, cfg.Dune.RequestsPerMinute)

	return &Env{
		Config:  cfg,
		Clock:   c,
		Limiter: limiter,
		Metrics: rec,
		Logger:  logger,
	}
}

// Run executes the named job. The returned error wraps
// coordinator.ErrNoSuccess when every target failed; the output file has
// still been written in that case.
func Run(ctx context.Context, name string, env *Env) (*Summary, error) {
	run, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown job %q (available: %v)", name, Names())
	}
	if err := env.Config.Require(name); err != nil {
		return nil, err
	}

	env.Logger.Info().Str("job", name).Msg("Starting job")
	return run(ctx, env)
}

func (e *Env) apiConfig(api ratelimit.API) config.APIConfig {
	switch api {
	case ratelimit.APIDefiLlama:
		return e.Config.DefiLlama.APIConfig
	case ratelimit.APICoinGecko:
		return e.Config.CoinGecko.APIConfig
	default:
		return e.Config.Dune.APIConfig
	}
}

// newFetcher builds a rate-limited fetcher for api using the configured base
// URL, pacing and retry policy.
func (e *Env) newFetcher(api ratelimit.API, build fetcher.RequestBuilder) *fetcher.RateLimitedFetcher {
	apiCfg := e.apiConfig(api)

	var headers map[string]string
	if api == ratelimit.APIDune {
		headers = map[string]string{dune.APIKeyHeader: e.Config.Dune.APIKey}
	}

	client := fetcher.NewHTTPClient(apiCfg.BaseURL, e.Config.HTTPTimeout, headers)
	policy := fetcher.Policy{
		MaxAttempts: e.Config.Retry.MaxAttempts,
		BackoffStep: e.Config.Retry.BackoffStep,
		PacingDelay: apiCfg.PacingDelay,
	}

	return fetcher.New(api, client, build,
		fetcher.WithPolicy(policy),
		fetcher.WithLimiter(e.Limiter),
		fetcher.WithClock(e.Clock),
		fetcher.WithMetrics(e.Metrics),
		fetcher.WithLogger(e.Logger.With().Str("api", string(api)).Logger()),
	)
}

func (e *Env) output(file string) string {
	return filepath.Join(e.Config.OutputDir, file)
}

// batch runs targets through f and shape with the job's logger.
func batch[R any](ctx context.Context, env *Env, job string, f fetcher.Fetcher, shape coordinator.ShapeFunc[R], targets []string, workers int) (*coordinator.Report[R], error) {
	coord := coordinator.New(f, shape,
		coordinator.WithWorkers(workers),
		coordinator.WithLogger(env.Logger.With().Str("job", job).Logger()),
	)
	return coord.Run(ctx, targets)
}

// finish records the batch, logs its outcome and returns the job summary
// together with the batch error, if any.
func finish[R any](env *Env, job, path string, report *coordinator.Report[R], written int) (*Summary, error) {
	summary := &Summary{
		Job:       job,
		Output:    path,
		Targets:   len(report.Outcomes),
		Succeeded: report.Succeeded(),
		Failed:    report.Failed(),
		Rows:      written,
		Status:    report.Status(),
	}

	env.Metrics.RecordBatch(job, summary.Succeeded, summary.Failed, written)

	logger := env.Logger.With().Str("job", job).Logger()
	switch summary.Status {
	case coordinator.StatusComplete:
		logger.Info().
			Str("output", path).
			Int("rows", written).
			Int("targets", summary.Targets).
			Msg("Job complete")
	case coordinator.StatusPartial:
		failed := make([]string, 0, summary.Failed)
		for _, o := range report.Failures() {
			failed = append(failed, o.Target)
		}
		logger.Warn().
			Str("output", path).
			Int("rows", written).
			Int("succeeded", summary.Succeeded).
			Strs("failed_targets", failed).
			Msg("Job finished with failures")
	case coordinator.StatusEmpty:
		logger.Error().
			Str("output", path).
			Int("targets", summary.Targets).
			Msg("No target succeeded, wrote header only")
	}

	return summary, report.Err()
}

func pageTargets(pages int) []string {
	targets := make([]string, 0, pages)
	for p := 1; p <= pages; p++ {
		targets = append(targets, fmt.Sprint(p))
	}
	return targets
}
