package coingecko

import (
	"encoding/json"
	"sort"

	"marketfetch/internal/fetcher"
	"marketfetch/internal/table"
)

// CategoryLimit is how many categories the performance table keeps.
const CategoryLimit = 10

// CategoriesTarget is the single target of the categories job.
const CategoriesTarget = "categories"

// CategoriesRequest fetches every coin category with market data.
func CategoriesRequest(string) fetcher.Request {
	return fetcher.Request{Path: "/coins/categories"}
}

// CategoryHeader is the header of CategoryPerformance.csv.
var CategoryHeader = []string{"Category", "Market Cap", "24h Volume", "24h % Change"}

// Category is the market performance of one coin category.
type Category struct {
	Name      string   `json:"name"`
	MarketCap *float64 `json:"market_cap"`
	Volume24h *float64 `json:"volume_24h"`
	Change24h *float64 `json:"market_cap_change_24h"`
}

// Record implements table.Record.
func (c Category) Record() []string {
	return []string{
		c.Name,
		table.Optional(c.MarketCap, 0),
		table.Optional(c.Volume24h, 0),
		table.Optional(c.Change24h, 2),
	}
}

var categoryFields = []string{"name", "market_cap", "volume_24h", "market_cap_change_24h"}

// ShapeCategories decodes the category list. The payload must be a non-empty
// array and each required field must appear in at least one entry; an entry
// lacking a value renders it empty.
func ShapeCategories(_ string, payload []byte) ([]Category, error) {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fetcher.NewMalformedResponseError("categories payload is not an array: %v", err)
	}
	if len(raw) == 0 {
		return nil, fetcher.NewMalformedResponseError("no categories returned")
	}

	var missing []string
	for _, field := range categoryFields {
		found := false
		for _, entry := range raw {
			if _, ok := entry[field]; ok {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, fetcher.NewMalformedResponseError("categories are missing fields %v", missing)
	}

	var categories []Category
	if err := json.Unmarshal(payload, &categories); err != nil {
		return nil, fetcher.NewMalformedResponseError("unexpected category field type: %v", err)
	}
	return categories, nil
}

// TopCategories returns the n categories with the largest market cap.
// Categories without a market cap go last.
func TopCategories(categories []Category, n int) []Category {
	sorted := append([]Category(nil), categories...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].MarketCap, sorted[j].MarketCap
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return *a > *b
	})
	return sorted[:min(n, len(sorted))]
}
