// Package export renders aggregated rows for download.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"

	"studylink/internal/sources"
)

// WriteCSV writes rows as CSV. The header is the sorted union of every key
// seen across the rows, so columns stay stable for mixed-shape sources;
// missing values render empty.
func WriteCSV(w io.Writer, rows []sources.Row) error {
	if len(rows) == 0 {
		return nil
	}

	keys := map[string]bool{}
	for _, row := range rows {
		for key := range row {
			keys[key] = true
		}
	}
	header := make([]string, 0, len(keys))
	for key := range keys {
		header = append(header, key)
	}
	sort.Strings(header)

	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, key := range header {
			if value, ok := row[key]; ok && value != nil {
				record[i] = fmt.Sprintf("%v", value)
			}
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
