package jobs

import (
	"context"

	"marketfetch/internal/coingecko"
	"marketfetch/internal/fetcher"
	"marketfetch/internal/ratelimit"
	"marketfetch/internal/table"
)

const (
	moversFile     = "TopGainersLosers.csv"
	indicatorsFile = "BTC_ETH_price_indicators.csv"
	cexVolumeFile  = "coingecko_cex_volume.csv"
	categoriesFile = "CategoryPerformance.csv"

	btcID = "bitcoin"
)

func runMovers(ctx context.Context, env *Env) (*Summary, error) {
	cfg := env.Config.CoinGecko
	f := env.newFetcher(ratelimit.APICoinGecko, coingecko.MarketsRequestBuilder(cfg.VsCurrency))

	report, err := batch(ctx, env, Movers, f, coingecko.ShapeMarkets, pageTargets(cfg.MarketPages), env.Config.Workers)
	if err != nil {
		return nil, err
	}

	gainers, losers := coingecko.TopMovers(report.Rows, cfg.TopN)

	path := env.output(moversFile)
	if err := table.WriteSections(path, coingecko.MoversSections(gainers, losers, cfg.TopN)); err != nil {
		return nil, err
	}

	return finish(env, Movers, path, report, len(gainers)+len(losers))
}

func runBTCETH(ctx context.Context, env *Env) (*Summary, error) {
	cfg := env.Config.CoinGecko
	f := env.newFetcher(ratelimit.APICoinGecko, coingecko.MarketChartRequestBuilder(cfg.VsCurrency, cfg.Days))

	report, err := batch(ctx, env, BTCETH, f, coingecko.ShapeMarketChart, cfg.Coins, cfg.ChartWorkers)
	if err != nil {
		return nil, err
	}

	path := env.output(indicatorsFile)
	if err := table.Write(path, coingecko.IndicatorHeader, report.Rows); err != nil {
		return nil, err
	}

	for _, o := range report.Outcomes {
		if !o.OK() {
			continue
		}
		logChartSummary(env, report.Rows, o.Target)
		logMarketSummary(ctx, env, f, o.Target)
	}

	return finish(env, BTCETH, path, report, len(report.Rows))
}

// logChartSummary logs the latest point of a coin's series with its indicators.
func logChartSummary(env *Env, points []coingecko.PricePoint, coin string) {
	var last *coingecko.PricePoint
	for i := range points {
		if points[i].Coin == coin {
			last = &points[i]
		}
	}
	if last == nil {
		return
	}

	env.Logger.Info().
		Str("coin", coin).
		Time("as_of", last.Timestamp).
		Float64("price", last.Price).
		Str("ma_50", table.Optional(last.MALong, 2)).
		Str("ma_30", table.Optional(last.MAShort, 2)).
		Str("rsi_14", table.Optional(last.RSI, 2)).
		Msg("Latest indicators")
}

// logMarketSummary fetches and logs a coin's headline market data. A failure
// is logged and does not change the job outcome.
func logMarketSummary(ctx context.Context, env *Env, f *fetcher.RateLimitedFetcher, coin string) {
	payload, err := f.Do(ctx, coingecko.SummaryRequest(env.Config.CoinGecko.VsCurrency, coin))
	if err == nil {
		var s coingecko.Summary
		if s, err = coingecko.ParseSummary(payload); err == nil {
			env.Logger.Info().
				Str("coin", coin).
				Str("current_price", table.Optional(s.CurrentPrice, -1)).
				Str("change_24h", table.Optional(s.Change24h, 2)).
				Str("change_7d", table.Optional(s.Change7d, 2)).
				Str("change_30d", table.Optional(s.Change30d, 2)).
				Str("volume_24h", table.Optional(s.TotalVolume, 0)).
				Str("market_cap", table.Optional(s.MarketCap, 0)).
				Msg("Market summary")
			return
		}
	}

	env.Logger.Warn().
		Err(err).
		Str("coin", coin).
		Msg("Market summary unavailable")
}

func runCEXVolume(ctx context.Context, env *Env) (*Summary, error) {
	cfg := env.Config.CoinGecko
	f := env.newFetcher(ratelimit.APICoinGecko, coingecko.ExchangesRequest)

	btcPrice := cfg.BTCPriceFallback
	payload, err := f.Do(ctx, coingecko.SimplePriceRequest("usd", btcID))
	if err == nil {
		var live float64
		if live, err = coingecko.ParseSimplePrice(payload, btcID, "usd"); err == nil {
			btcPrice = live
		}
	}
	if err != nil {
		env.Logger.Warn().
			Err(err).
			Float64("btc_price", btcPrice).
			Msg("Live BTC price unavailable, using fallback")
	} else {
		env.Logger.Info().Float64("btc_price", btcPrice).Msg("Using live BTC price")
	}

	report, err := batch(ctx, env, CEXVolume, f, coingecko.ExchangeShaper(btcPrice), []string{"1"}, 1)
	if err != nil {
		return nil, err
	}

	coingecko.SortCEXVolume(report.Rows)

	path := env.output(cexVolumeFile)
	if err := table.Write(path, coingecko.CEXVolumeHeader, report.Rows); err != nil {
		return nil, err
	}

	return finish(env, CEXVolume, path, report, len(report.Rows))
}

func runCategories(ctx context.Context, env *Env) (*Summary, error) {
	f := env.newFetcher(ratelimit.APICoinGecko, coingecko.CategoriesRequest)

	report, err := batch(ctx, env, Categories, f, coingecko.ShapeCategories, []string{coingecko.CategoriesTarget}, 1)
	if err != nil {
		return nil, err
	}

	top := coingecko.TopCategories(report.Rows, coingecko.CategoryLimit)

	path := env.output(categoriesFile)
	if err := table.Write(path, coingecko.CategoryHeader, top); err != nil {
		return nil, err
	}

	return finish(env, Categories, path, report, len(top))
}
