// Package coingecko builds CoinGecko requests and shapes their payloads into rows.
package coingecko

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"marketfetch/internal/fetcher"
	"marketfetch/internal/table"
)

const (
	marketsPath     = "/coins/markets"
	simplePricePath = "/simple/price"

	marketsPerPage = "250"
)

// MarketsRequestBuilder returns a builder for /coins/markets pages ordered by
// market cap. The target is the page number.
func MarketsRequestBuilder(vsCurrency string) fetcher.RequestBuilder {
	return func(page string) fetcher.Request {
		return fetcher.Request{
			Path: marketsPath,
			Query: map[string]string{
				"vs_currency":             vsCurrency,
				"order":                   "market_cap_desc",
				"per_page":                marketsPerPage,
				"page":                    page,
				"sparkline":               "false",
				"price_change_percentage": "24h",
			},
		}
	}
}

// MoversHeader is the header of both sections of TopGainersLosers.csv.
var MoversHeader = []string{"id", "symbol", "name", "current_price", "price_change_percentage_24h_in_currency"}

// Coin is one /coins/markets entry.
type Coin struct {
	ID           string   `json:"id"`
	Symbol       string   `json:"symbol"`
	Name         string   `json:"name"`
	CurrentPrice *float64 `json:"current_price"`
	Change24h    *float64 `json:"price_change_percentage_24h_in_currency"`
}

// Record implements table.Record.
func (c Coin) Record() []string {
	return []string{c.ID, c.Symbol, c.Name, table.Optional(c.CurrentPrice, -1), table.Optional(c.Change24h, -1)}
}

// ShapeMarkets decodes one markets page.
func ShapeMarkets(_ string, payload []byte) ([]Coin, error) {
	var coins []Coin
	if err := json.Unmarshal(payload, &coins); err != nil {
		return nil, fetcher.NewMalformedResponseError("markets page is not an array: %v", err)
	}
	return coins, nil
}

// TopMovers returns the n largest gainers and the n largest losers over 24h.
// Coins without a price or a 24h change are not ranked. Ties keep page order.
func TopMovers(coins []Coin, n int) (gainers, losers []Coin) {
	ranked := make([]Coin, 0, len(coins))
	for _, c := range coins {
		if c.CurrentPrice != nil && c.Change24h != nil {
			ranked = append(ranked, c)
		}
	}

	gainers = append([]Coin(nil), ranked...)
	sort.SliceStable(gainers, func(i, j int) bool {
		return *gainers[i].Change24h > *gainers[j].Change24h
	})

	losers = append([]Coin(nil), ranked...)
	sort.SliceStable(losers, func(i, j int) bool {
		return *losers[i].Change24h < *losers[j].Change24h
	})

	return gainers[:min(n, len(gainers))], losers[:min(n, len(losers))]
}

// MoversSections lays out the gainers and losers as the two sections of the
// movers file.
func MoversSections(gainers, losers []Coin, n int) []table.Section {
	return []table.Section{
		{Title: fmt.Sprintf("Top %d Gainers (24h)", n), Header: MoversHeader, Rows: table.Records(gainers)},
		{Title: fmt.Sprintf("Top %d Losers (24h)", n), Header: MoversHeader, Rows: table.Records(losers)},
	}
}

// SummaryRequest fetches the market summary of one coin.
func SummaryRequest(vsCurrency, coin string) fetcher.Request {
	return fetcher.Request{
		Path: marketsPath,
		Query: map[string]string{
			"vs_currency":             vsCurrency,
			"ids":                     coin,
			"price_change_percentage": "24h,7d,30d",
		},
	}
}

// Summary is the headline market data of one coin.
type Summary struct {
	ID           string   `json:"id"`
	CurrentPrice *float64 `json:"current_price"`
	Change24h    *float64 `json:"price_change_percentage_24h_in_currency"`
	Change7d     *float64 `json:"price_change_percentage_7d_in_currency"`
	Change30d    *float64 `json:"price_change_percentage_30d_in_currency"`
	TotalVolume  *float64 `json:"total_volume"`
	MarketCap    *float64 `json:"market_cap"`
}

// ParseSummary returns the first entry of a summary payload.
func ParseSummary(payload []byte) (Summary, error) {
	var entries []Summary
	if err := json.Unmarshal(payload, &entries); err != nil {
		return Summary{}, fetcher.NewMalformedResponseError("summary is not an array: %v", err)
	}
	if len(entries) == 0 {
		return Summary{}, fetcher.NewMalformedResponseError("summary is empty")
	}
	return entries[0], nil
}

// SimplePriceRequest fetches the spot price of coins in one currency.
func SimplePriceRequest(vsCurrency string, coins ...string) fetcher.Request {
	return fetcher.Request{
		Path: simplePricePath,
		Query: map[string]string{
			"ids":           strings.Join(coins, ","),
			"vs_currencies": vsCurrency,
		},
	}
}

// ParseSimplePrice reads the price of coin in vsCurrency from a /simple/price payload.
func ParseSimplePrice(payload []byte, coin, vsCurrency string) (float64, error) {
	var prices map[string]map[string]float64
	if err := json.Unmarshal(payload, &prices); err != nil {
		return 0, fetcher.NewMalformedResponseError("price payload is not an object: %v", err)
	}

	price, ok := prices[coin][vsCurrency]
	if !ok || price <= 0 {
		return 0, fetcher.NewMalformedResponseError("no %s price for %s", vsCurrency, coin)
	}
	return price, nil
}
