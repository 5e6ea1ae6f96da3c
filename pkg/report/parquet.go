package report

import (
	"fmt"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/multierr"

	"github.com/unvariance/capturebench/pkg/bench"
)

// parallelism of the parquet encoder
const parquetWorkers = 4

// WriteParquet writes one row per result to a snappy compressed Parquet file
func WriteParquet(path string, results []bench.Result) (err error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("creating parquet file: %w", err)
	}
	defer func() {
		err = multierr.Append(err, fw.Close())
	}()

	pw, err := writer.NewParquetWriter(fw, new(Row), parquetWorkers)
	if err != nil {
		return fmt.Errorf("creating parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, res := range results {
		if err := pw.Write(NewRow(res)); err != nil {
			return multierr.Append(
				fmt.Errorf("writing parquet row for %s: %w", res.Strategy, err),
				pw.WriteStop())
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finishing parquet file: %w", err)
	}
	return nil
}

// ReadParquet reads back the rows of a file written by WriteParquet
func ReadParquet(path string) (rows []Row, err error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening parquet file: %w", err)
	}
	defer func() {
		err = multierr.Append(err, fr.Close())
	}()

	pr, err := reader.NewParquetReader(fr, new(Row), parquetWorkers)
	if err != nil {
		return nil, fmt.Errorf("creating parquet reader: %w", err)
	}
	defer pr.ReadStop()

	rows = make([]Row, pr.GetNumRows())
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("reading parquet rows: %w", err)
	}
	return rows, nil
}
