// Package table writes job results as CSV files.
package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/shopspring/decimal"
)

// Record is a row that can render itself as CSV fields.
type Record interface {
	Record() []string
}

// Section is one titled block of a multi-section file.
type Section struct {
	Title  string
	Header []string
	Rows   [][]string
}

// Records renders typed rows to CSV fields.
func Records[R Record](rows []R) [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Record())
	}
	return out
}

// Write renders rows and writes them under header to path.
func Write[R Record](path string, header []string, rows []R) error {
	return WriteRecords(path, header, Records(rows))
}

// WriteRecords writes a header line followed by rows to path, creating the
// parent directory if needed. A header-only file is written when rows is empty.
func WriteRecords(path string, header []string, rows [][]string) error {
	return writeFile(path, func(w io.Writer) error {
		return writeTable(w, header, rows)
	})
}

// WriteSections writes each section as a title line, a header and its rows,
// separated by a blank line.
func WriteSections(path string, sections []Section) error {
	return writeFile(path, func(w io.Writer) error {
		for i, s := range sections {
			if i > 0 {
				if _, err := io.WriteString(w, "\n"); err != nil {
					return err
				}
			}
			if _, err := io.WriteString(w, s.Title+"\n"); err != nil {
				return err
			}
			if err := writeTable(w, s.Header, s.Rows); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeTable(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

func writeFile(path string, write func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// Round formats v rounded half away from zero to places decimals. NaN and
// infinities render as an empty field.
func Round(v float64, places int32) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return decimal.NewFromFloat(v).Round(places).String()
}

// Float formats v with the shortest exact representation.
func Float(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Optional formats a value that may be missing from the source payload.
// A negative places leaves the value unrounded.
func Optional(v *float64, places int32) string {
	if v == nil {
		return ""
	}
	if places < 0 {
		return Float(*v)
	}
	return Round(*v, places)
}
