// Package defillama builds DefiLlama requests and shapes their payloads into rows.
package defillama

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"

	"marketfetch/internal/fetcher"
	"marketfetch/internal/table"
)

const (
	chainsPath      = "/v2/chains"
	chainTVLPath    = "/v2/historicalChainTvl/"
	dexOverviewPath = "/overview/dexs"

	dateLayout = "2006-01-02"
)

// ChainsRequest lists every chain tracked by DefiLlama.
func ChainsRequest() fetcher.Request {
	return fetcher.Request{Path: chainsPath}
}

// ParseChains returns the chain names of a /v2/chains payload in API order.
// Entries without a name are skipped.
func ParseChains(payload []byte) ([]string, error) {
	var chains []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(payload, &chains); err != nil {
		return nil, fetcher.NewMalformedResponseError("chain list is not an array: %v", err)
	}

	names := make([]string, 0, len(chains))
	for _, c := range chains {
		if c.Name != "" {
			names = append(names, c.Name)
		}
	}
	return names, nil
}

// ChainTVLRequest fetches the daily TVL history of one chain.
func ChainTVLRequest(chain string) fetcher.Request {
	return fetcher.Request{Path: chainTVLPath + url.PathEscape(chain)}
}

// ChainTVLHeader is the header of Chain_TVL.csv.
var ChainTVLHeader = []string{"Chain", "Date", "TVL (USD)"}

// ChainTVL is one day of one chain's total value locked.
type ChainTVL struct {
	Chain string
	Date  time.Time
	TVL   float64
}

// Record implements table.Record.
func (r ChainTVL) Record() []string {
	return []string{r.Chain, r.Date.Format(dateLayout), table.Float(r.TVL)}
}

// ShapeChainTVL turns a historicalChainTvl payload into one row per day.
// A point without a date or tvl fails the whole chain.
func ShapeChainTVL(chain string, payload []byte) ([]ChainTVL, error) {
	var points []struct {
		Date *float64 `json:"date"`
		TVL  *float64 `json:"tvl"`
	}
	if err := json.Unmarshal(payload, &points); err != nil {
		return nil, fetcher.NewMalformedResponseError("tvl history is not an array: %v", err)
	}

	rows := make([]ChainTVL, 0, len(points))
	for i, p := range points {
		if p.Date == nil || p.TVL == nil {
			return nil, fetcher.NewMalformedResponseError("point %d is missing date or tvl", i)
		}
		rows = append(rows, ChainTVL{
			Chain: chain,
			Date:  time.Unix(int64(*p.Date), 0).UTC(),
			TVL:   *p.TVL,
		})
	}
	return rows, nil
}

// DexOverviewTarget is the single target of the DEX volume job.
const DexOverviewTarget = "dexs"

// DexOverviewRequest fetches the DEX overview without chart series.
func DexOverviewRequest(string) fetcher.Request {
	return fetcher.Request{
		Path: dexOverviewPath,
		Query: map[string]string{
			"excludeTotalDataChart":          "true",
			"excludeTotalDataChartBreakdown": "true",
		},
	}
}

// DexVolumeHeader is the header of DEX_Volume.csv.
var DexVolumeHeader = []string{"name", "chains", "category", "total24h", "total7d", "total30d", "change_1d", "change_7d", "change_1m"}

// DexVolume is one DEX protocol's trading volume. Totals and changes the API
// leaves out stay nil and render empty.
type DexVolume struct {
	Name     string   `json:"name"`
	Chains   []string `json:"chains"`
	Category string   `json:"category"`
	Total24h *float64 `json:"total24h"`
	Total7d  *float64 `json:"total7d"`
	Total30d *float64 `json:"total30d"`
	Change1d *float64 `json:"change_1d"`
	Change7d *float64 `json:"change_7d"`
	Change1m *float64 `json:"change_1m"`
}

// Record implements table.Record. Totals are rounded to whole dollars and
// changes to two decimals.
func (r DexVolume) Record() []string {
	return []string{
		r.Name,
		strings.Join(r.Chains, ", "),
		r.Category,
		table.Optional(r.Total24h, 0),
		table.Optional(r.Total7d, 0),
		table.Optional(r.Total30d, 0),
		table.Optional(r.Change1d, 2),
		table.Optional(r.Change7d, 2),
		table.Optional(r.Change1m, 2),
	}
}

// ShapeDexOverview extracts the protocols of an overview payload.
func ShapeDexOverview(_ string, payload []byte) ([]DexVolume, error) {
	var overview struct {
		Protocols *[]DexVolume `json:"protocols"`
	}
	if err := json.Unmarshal(payload, &overview); err != nil {
		return nil, fetcher.NewMalformedResponseError("overview is not an object: %v", err)
	}
	if overview.Protocols == nil {
		return nil, fetcher.NewMalformedResponseError("overview has no protocols")
	}
	return *overview.Protocols, nil
}

// SortDexVolume orders rows by 24h volume, largest first. Rows without a 24h
// total go last, keeping their relative order.
func SortDexVolume(rows []DexVolume) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Total24h, rows[j].Total24h
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return *a > *b
	})
}
