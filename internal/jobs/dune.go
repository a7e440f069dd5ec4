package jobs

import (
	"context"

	"marketfetch/internal/dune"
	"marketfetch/internal/ratelimit"
	"marketfetch/internal/table"
)

const duneFile = "BTCETH_ETF_Combined.csv"

func runDune(ctx context.Context, env *Env) (*Summary, error) {
	cfg := env.Config.Dune

	runner := dune.NewRunner(env.newFetcher(ratelimit.APIDune, nil),
		dune.WithClock(env.Clock),
		dune.WithPollInterval(cfg.PollInterval),
		dune.WithMaxPolls(cfg.MaxPolls),
		dune.WithLogger(env.Logger.With().Str("api", string(ratelimit.APIDune)).Logger()),
	)

	report, err := batch(ctx, env, Dune, runner, dune.ShapeResults, cfg.QueryIDs, env.Config.Workers)
	if err != nil {
		return nil, err
	}

	header := dune.Header(report.Rows)
	path := env.output(duneFile)
	if err := table.WriteRecords(path, header, dune.Records(header, report.Rows)); err != nil {
		return nil, err
	}

	return finish(env, Dune, path, report, len(report.Rows))
}
