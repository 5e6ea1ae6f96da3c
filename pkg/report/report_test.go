package report

import (
	"bytes"
	"encoding/csv"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unvariance/capturebench/pkg/bench"
	"github.com/unvariance/capturebench/pkg/config"
)

func testResults() []bench.Result {
	return []bench.Result{
		{
			Strategy:   config.KindHash,
			Producers:  4,
			Events:     1000,
			Captured:   900,
			Dropped:    100,
			DropRate:   0.1,
			Consumed:   4,
			Duration:   2 * time.Millisecond,
			Throughput: 500000,
			Latency:    bench.LatencySummary{Min: 10, Mean: 20.5, P50: 20, P95: 30, P99: 40, P999: 50, Max: 60},
		},
		{
			Strategy:   config.KindPerfBuf,
			Producers:  2,
			Events:     10,
			Captured:   10,
			Consumed:   8,
			Lost:       2,
			Duration:   time.Millisecond,
			Throughput: 10000,
			Latency:    bench.LatencySummary{Min: 1, Mean: 1, P50: 1, P95: 1, P99: 1, P999: 1, Max: 1},
			Counters:   &bench.Counters{Instructions: 100, Cycles: 50},
		},
	}
}

func TestNewRow(t *testing.T) {
	rows := []Row{NewRow(testResults()[0]), NewRow(testResults()[1])}

	require.Equal(t, "hash", rows[0].Strategy)
	require.Equal(t, int64(2_000_000), rows[0].DurationNs)
	require.Zero(t, rows[0].Instructions)
	require.Zero(t, rows[0].CyclesPerInst)

	require.Equal(t, int64(100), rows[1].Instructions)
	require.Equal(t, int64(50), rows[1].Cycles)
	require.Equal(t, 0.5, rows[1].CyclesPerInst)
	require.Len(t, rows[1].record(), len(header))
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, testResults()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, header, records[0])
	require.Equal(t, []string{
		"hash", "4", "1000", "900", "100", "0.1", "4", "0", "2000000", "500000",
		"10", "20.5", "20", "30", "40", "50", "60", "0", "0", "0",
	}, records[1])
	require.Equal(t, "perfbuf", records[2][0])
	require.Equal(t, "2", records[2][7])
}

func TestWriteCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	require.NoError(t, WriteCSVFile(path, testResults()))

	require.Error(t, WriteCSVFile(filepath.Join(t.TempDir(), "missing", "results.csv"), testResults()))
}

func TestParquetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.parquet")
	results := testResults()
	require.NoError(t, WriteParquet(path, results))

	rows, err := ReadParquet(path)
	require.NoError(t, err)
	require.Equal(t, []Row{NewRow(results[0]), NewRow(results[1])}, rows)
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, testResults()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "strategy")
	require.Contains(t, lines[1], "hash")
	require.Contains(t, lines[1], "10.00")
	require.Contains(t, lines[2], "perfbuf")
}
