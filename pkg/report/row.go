// Package report writes benchmark results as CSV, Parquet and a console
// summary, one row per strategy run.
package report

import (
	"strconv"

	"github.com/unvariance/capturebench/pkg/bench"
)

// Row is the flat form of a bench.Result
type Row struct {
	Strategy      string  `parquet:"name=strategy, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Producers     int64   `parquet:"name=producers, type=INT64"`
	Events        int64   `parquet:"name=events, type=INT64"`
	Captured      int64   `parquet:"name=captured, type=INT64"`
	Dropped       int64   `parquet:"name=dropped, type=INT64"`
	DropRate      float64 `parquet:"name=drop_rate, type=DOUBLE"`
	Consumed      int64   `parquet:"name=consumed, type=INT64"`
	Lost          int64   `parquet:"name=lost, type=INT64"`
	DurationNs    int64   `parquet:"name=duration_ns, type=INT64"`
	Throughput    float64 `parquet:"name=events_per_sec, type=DOUBLE"`
	LatencyMin    float64 `parquet:"name=latency_min_ns, type=DOUBLE"`
	LatencyMean   float64 `parquet:"name=latency_mean_ns, type=DOUBLE"`
	LatencyP50    float64 `parquet:"name=latency_p50_ns, type=DOUBLE"`
	LatencyP95    float64 `parquet:"name=latency_p95_ns, type=DOUBLE"`
	LatencyP99    float64 `parquet:"name=latency_p99_ns, type=DOUBLE"`
	LatencyP999   float64 `parquet:"name=latency_p999_ns, type=DOUBLE"`
	LatencyMax    float64 `parquet:"name=latency_max_ns, type=DOUBLE"`
	Instructions  int64   `parquet:"name=instructions, type=INT64"`
	Cycles        int64   `parquet:"name=cycles, type=INT64"`
	CyclesPerInst float64 `parquet:"name=cpi, type=DOUBLE"`
}

// NewRow flattens a result. Hardware counter columns are zero when the run
// did not collect them.
func NewRow(res bench.Result) Row {
	row := Row{
		Strategy:    string(res.Strategy),
		Producers:   int64(res.Producers),
		Events:      int64(res.Events),
		Captured:    int64(res.Captured),
		Dropped:     int64(res.Dropped),
		DropRate:    res.DropRate,
		Consumed:    int64(res.Consumed),
		Lost:        int64(res.Lost),
		DurationNs:  res.Duration.Nanoseconds(),
		Throughput:  res.Throughput,
		LatencyMin:  res.Latency.Min,
		LatencyMean: res.Latency.Mean,
		LatencyP50:  res.Latency.P50,
		LatencyP95:  res.Latency.P95,
		LatencyP99:  res.Latency.P99,
		LatencyP999: res.Latency.P999,
		LatencyMax:  res.Latency.Max,
	}
	if res.Counters != nil {
		row.Instructions = int64(res.Counters.Instructions)
		row.Cycles = int64(res.Counters.Cycles)
		row.CyclesPerInst = res.Counters.CPI()
	}
	return row
}

// header is the CSV header, in the same order as Row.record
var header = []string{
	"strategy",
	"producers",
	"events",
	"captured",
	"dropped",
	"drop_rate",
	"consumed",
	"lost",
	"duration_ns",
	"events_per_sec",
	"latency_min_ns",
	"latency_mean_ns",
	"latency_p50_ns",
	"latency_p95_ns",
	"latency_p99_ns",
	"latency_p999_ns",
	"latency_max_ns",
	"instructions",
	"cycles",
	"cpi",
}

func (r Row) record() []string {
	i := func(v int64) string { return strconv.FormatInt(v, 10) }
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		r.Strategy,
		i(r.Producers),
		i(r.Events),
		i(r.Captured),
		i(r.Dropped),
		f(r.DropRate),
		i(r.Consumed),
		i(r.Lost),
		i(r.DurationNs),
		f(r.Throughput),
		f(r.LatencyMin),
		f(r.LatencyMean),
		f(r.LatencyP50),
		f(r.LatencyP95),
		f(r.LatencyP99),
		f(r.LatencyP999),
		f(r.LatencyMax),
		i(r.Instructions),
		i(r.Cycles),
		f(r.CyclesPerInst),
	}
}
