package coingecko

import (
	"encoding/json"
	"sort"

	"marketfetch/internal/fetcher"
	"marketfetch/internal/table"
)

const (
	exchangesPath    = "/exchanges"
	exchangesPerPage = "250"

	unknown = "Unknown"
)

// ExchangesRequest fetches one page of centralized exchanges. The target is
// the page number.
func ExchangesRequest(page string) fetcher.Request {
	return fetcher.Request{
		Path: exchangesPath,
		Query: map[string]string{
			"per_page": exchangesPerPage,
			"page":     page,
		},
	}
}

// CEXVolumeHeader is the header of coingecko_cex_volume.csv.
var CEXVolumeHeader = []string{"Exchange", "24h Volume (B USD)", "Trust Score", "Founded Year", "Country"}

// CEXVolume is one exchange's 24h volume in billions of USD.
type CEXVolume struct {
	Exchange    string
	VolumeBUSD  float64
	TrustScore  int
	FoundedYear int
	Country     string
}

// Record implements table.Record.
func (r CEXVolume) Record() []string {
	return []string{
		r.Exchange,
		table.Float(r.VolumeBUSD),
		table.Float(float64(r.TrustScore)),
		table.Float(float64(r.FoundedYear)),
		r.Country,
	}
}

type exchange struct {
	Name              *string  `json:"name"`
	TradeVolume24hBTC *float64 `json:"trade_volume_24h_btc"`
	TrustScore        *float64 `json:"trust_score"`
	YearEstablished   *float64 `json:"year_established"`
	Country           *string  `json:"country"`
}

// ExchangeShaper returns a shaping function converting BTC volume to USD
// billions at btcPrice. Missing fields default to "Unknown" or 0.
func ExchangeShaper(btcPrice float64) func(string, []byte) ([]CEXVolume, error) {
	return func(_ string, payload []byte) ([]CEXVolume, error) {
		var exchanges []exchange
		if err := json.Unmarshal(payload, &exchanges); err != nil {
			return nil, fetcher.NewMalformedResponseError("exchanges page is not an array: %v", err)
		}

		rows := make([]CEXVolume, 0, len(exchanges))
		for _, e := range exchanges {
			rows = append(rows, CEXVolume{
				Exchange:    stringOr(e.Name, unknown),
				VolumeBUSD:  floatOr(e.TradeVolume24hBTC, 0) * btcPrice / 1e9,
				TrustScore:  int(floatOr(e.TrustScore, 0)),
				FoundedYear: int(floatOr(e.YearEstablished, 0)),
				Country:     stringOr(e.Country, unknown),
			})
		}
		return rows, nil
	}
}

// SortCEXVolume orders rows by volume, largest first.
func SortCEXVolume(rows []CEXVolume) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].VolumeBUSD > rows[j].VolumeBUSD
	})
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
