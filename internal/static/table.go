package static

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// readTableFile reads a newline-delimited tabular file (header row plus
// comma-separated fields) and returns the trimmed header and data rows.
// Ragged rows are tolerated; unreadable rows are skipped.
func readTableFile(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	for i, col := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
	}

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		rows = append(rows, record)
	}
	return header, rows, nil
}
