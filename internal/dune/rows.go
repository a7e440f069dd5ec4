package dune

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"marketfetch/internal/fetcher"
)

// QueryIDColumn labels every row with the query it came from.
const QueryIDColumn = "QueryID"

// Row is one result row of one query.
type Row struct {
	QueryID string
	Columns []string
	Values  map[string]any
}

// ShapeResults turns a results payload into rows. Column order follows the
// result metadata; columns missing from it are appended in sorted order.
func ShapeResults(queryID string, payload []byte) ([]Row, error) {
	var resp struct {
		Result *struct {
			Rows     *[]map[string]any `json:"rows"`
			Metadata struct {
				ColumnNames []string `json:"column_names"`
			} `json:"metadata"`
		} `json:"result"`
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, fetcher.NewMalformedResponseError("results response is not an object: %v", err)
	}
	if resp.Result == nil || resp.Result.Rows == nil {
		return nil, fetcher.NewMalformedResponseError("results response has no result rows")
	}

	columns := columnOrder(resp.Result.Metadata.ColumnNames, *resp.Result.Rows)

	rows := make([]Row, 0, len(*resp.Result.Rows))
	for _, values := range *resp.Result.Rows {
		rows = append(rows, Row{QueryID: queryID, Columns: columns, Values: values})
	}
	return rows, nil
}

func columnOrder(declared []string, rows []map[string]any) []string {
	seen := make(map[string]bool, len(declared))
	columns := make([]string, 0, len(declared))
	for _, c := range declared {
		if !seen[c] {
			seen[c] = true
			columns = append(columns, c)
		}
	}

	var extra []string
	for _, row := range rows {
		for c := range row {
			if !seen[c] {
				seen[c] = true
				extra = append(extra, c)
			}
		}
	}
	sort.Strings(extra)

	return append(columns, extra...)
}

// Header returns the union of the rows' columns in first-seen order,
// followed by the QueryID column.
func Header(rows []Row) []string {
	seen := map[string]bool{QueryIDColumn: true}
	var header []string
	for _, r := range rows {
		for _, c := range r.Columns {
			if !seen[c] {
				seen[c] = true
				header = append(header, c)
			}
		}
	}
	return append(header, QueryIDColumn)
}

// Records renders rows under header. Columns a row lacks are left empty.
func Records(header []string, rows []Row) [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		record := make([]string, len(header))
		for i, c := range header {
			if c == QueryIDColumn {
				record[i] = r.QueryID
				continue
			}
			record[i] = formatValue(r.Values[c])
		}
		out = append(out, record)
	}
	return out
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
