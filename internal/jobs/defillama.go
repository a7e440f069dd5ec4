package jobs

import (
	"context"
	"fmt"

	"marketfetch/internal/defillama"
	"marketfetch/internal/ratelimit"
	"marketfetch/internal/table"
)

const (
	chainTVLFile  = "Chain_TVL.csv"
	dexVolumeFile = "DEX_Volume.csv"
)

func runChainTVL(ctx context.Context, env *Env) (*Summary, error) {
	f := env.newFetcher(ratelimit.APIDefiLlama, defillama.ChainTVLRequest)

	chains := env.Config.DefiLlama.Chains
	if len(chains) == 0 {
		payload, err := f.Do(ctx, defillama.ChainsRequest())
		if err != nil {
			return nil, fmt.Errorf("failed to fetch chain list: %w", err)
		}
		if chains, err = defillama.ParseChains(payload); err != nil {
			return nil, fmt.Errorf("failed to read chain list: %w", err)
		}
	}

	env.Logger.Info().
		Int("chains", len(chains)).
		Float64("requests_per_minute", env.Config.DefiLlama.RequestsPerMinute).
		Msg("Fetching chain TVL history")

	report, err := batch(ctx, env, ChainTVL, f, defillama.ShapeChainTVL, chains, env.Config.Workers)
	if err != nil {
		return nil, err
	}

	path := env.output(chainTVLFile)
	if err := table.Write(path, defillama.ChainTVLHeader, report.Rows); err != nil {
		return nil, err
	}

	return finish(env, ChainTVL, path, report, len(report.Rows))
}

func runDexVolume(ctx context.Context, env *Env) (*Summary, error) {
	f := env.newFetcher(ratelimit.APIDefiLlama, defillama.DexOverviewRequest)

	report, err := batch(ctx, env, DexVolume, f, defillama.ShapeDexOverview, []string{defillama.DexOverviewTarget}, 1)
	if err != nil {
		return nil, err
	}

	defillama.SortDexVolume(report.Rows)

	path := env.output(dexVolumeFile)
	if err := table.Write(path, defillama.DexVolumeHeader, report.Rows); err != nil {
		return nil, err
	}

	return finish(env, DexVolume, path, report, len(report.Rows))
}
