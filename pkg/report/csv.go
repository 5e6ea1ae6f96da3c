package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"

	"github.com/unvariance/capturebench/pkg/bench"
)

// WriteCSV writes a header and one row per result
func WriteCSV(w io.Writer, results []bench.Result) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, res := range results {
		if err := csvWriter.Write(NewRow(res).record()); err != nil {
			return fmt.Errorf("writing CSV row for %s: %w", res.Strategy, err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

// WriteCSVFile creates path and writes the results to it
func WriteCSVFile(path string, results []bench.Result) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating CSV file: %w", err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	return WriteCSV(f, results)
}
