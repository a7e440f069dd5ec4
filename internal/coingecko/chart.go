package coingecko

import (
	"encoding/json"
	"strconv"
	"time"

	"marketfetch/internal/fetcher"
	"marketfetch/internal/table"
)

const (
	// Moving average and RSI windows, in daily points.
	LongMAWindow  = 50
	ShortMAWindow = 30
	RSIWindow     = 14

	timestampLayout = "2006-01-02 15:04:05"
)

// MarketChartRequestBuilder returns a builder for the daily price history of
// a coin. The target is the coin ID.
func MarketChartRequestBuilder(vsCurrency string, days int) fetcher.RequestBuilder {
	return func(coin string) fetcher.Request {
		return fetcher.Request{
			Path: "/coins/" + coin + "/market_chart",
			Query: map[string]string{
				"vs_currency": vsCurrency,
				"days":        strconv.Itoa(days),
				"interval":    "daily",
			},
		}
	}
}

// IndicatorHeader is the header of BTC_ETH_price_indicators.csv.
var IndicatorHeader = []string{"timestamp", "price", "MA_50", "MA_30", "RSI_14", "coin"}

// PricePoint is one daily price with its trailing indicators. An indicator is
// nil until its window is full.
type PricePoint struct {
	Timestamp time.Time
	Price     float64
	MALong    *float64
	MAShort   *float64
	RSI       *float64
	Coin      string
}

// Record implements table.Record.
func (p PricePoint) Record() []string {
	return []string{
		p.Timestamp.Format(timestampLayout),
		table.Float(p.Price),
		table.Optional(p.MALong, -1),
		table.Optional(p.MAShort, -1),
		table.Optional(p.RSI, -1),
		p.Coin,
	}
}

// ShapeMarketChart turns a market_chart payload into daily points with
// indicators computed over the coin's own series.
func ShapeMarketChart(coin string, payload []byte) ([]PricePoint, error) {
	var chart struct {
		Prices *[][]float64 `json:"prices"`
	}
	if err := json.Unmarshal(payload, &chart); err != nil {
		return nil, fetcher.NewMalformedResponseError("market chart is not an object: %v", err)
	}
	if chart.Prices == nil {
		return nil, fetcher.NewMalformedResponseError("market chart has no prices")
	}

	prices := make([]float64, 0, len(*chart.Prices))
	points := make([]PricePoint, 0, len(*chart.Prices))
	for i, pair := range *chart.Prices {
		if len(pair) != 2 {
			return nil, fetcher.NewMalformedResponseError("price %d is not a [timestamp, price] pair", i)
		}
		prices = append(prices, pair[1])
		points = append(points, PricePoint{
			Timestamp: time.UnixMilli(int64(pair[0])).UTC(),
			Price:     pair[1],
			Coin:      coin,
		})
	}

	long := MovingAverage(prices, LongMAWindow)
	short := MovingAverage(prices, ShortMAWindow)
	rsi := RSI(prices, RSIWindow)
	for i := range points {
		points[i].MALong = long[i]
		points[i].MAShort = short[i]
		points[i].RSI = rsi[i]
	}

	return points, nil
}

// MovingAverage returns the trailing simple moving average of each point.
func MovingAverage(values []float64, window int) []*float64 {
	out := make([]*float64, len(values))
	if window < 1 {
		return out
	}

	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			avg := sum / float64(window)
			out[i] = &avg
		}
	}
	return out
}

// RSI returns the relative strength index of each point, using simple
// averages of gains and losses over the trailing window of price changes.
// It is 100 when the window has gains and no losses, and nil when the window
// is flat.
func RSI(values []float64, window int) []*float64 {
	out := make([]*float64, len(values))
	if window < 1 {
		return out
	}

	for i := window; i < len(values); i++ {
		var gain, loss float64
		for j := i - window + 1; j <= i; j++ {
			d := values[j] - values[j-1]
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
		}

		var rsi float64
		switch {
		case gain == 0 && loss == 0:
			continue
		case loss == 0:
			rsi = 100
		default:
			rs := gain / loss
			rsi = 100 - 100/(1+rs)
		}
		out[i] = &rsi
	}
	return out
}
