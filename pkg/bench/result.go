package bench

import (
	"fmt"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/unvariance/capturebench/pkg/capture"
	"github.com/unvariance/capturebench/pkg/config"
)

// Quantiles reported for trigger latency
var Quantiles = []float64{0.5, 0.95, 0.99, 0.999}

// LatencySummary describes the distribution of trigger call latency in
// nanoseconds. Quantiles are accurate to 1% relative error.
type LatencySummary struct {
	Min  float64
	Max  float64
	Mean float64
	P50  float64
	P95  float64
	P99  float64
	P999 float64
}

// Result summarizes one strategy run
type Result struct {
	Strategy  config.Kind
	Producers int

	// Events is the number of trigger calls made
	Events uint64
	// Captured is the number of trigger calls that succeeded
	Captured uint64
	// Dropped is the number of trigger calls rejected for lack of capacity
	Dropped  uint64
	DropRate float64

	// Consumed is the number of events the consumer removed from a buffer
	// strategy, or the number of keys for a map strategy
	Consumed uint64
	// Lost is the number of captured events overwritten before being consumed
	Lost uint64

	Duration   time.Duration
	Throughput float64 // events per second

	Latency LatencySummary

	// Counters is nil unless hardware counters were requested and available
	Counters *Counters
}

func summarize(s capture.Strategy, producers int, duration time.Duration, stats []producerStats, c *consumer) (Result, error) {
	res := Result{
		Strategy:  s.Name(),
		Producers: producers,
		Duration:  duration,
	}

	merged, err := ddsketch.NewDefaultDDSketch(relativeAccuracy)
	if err != nil {
		return Result{}, fmt.Errorf("creating latency sketch: %w", err)
	}

	for i := range stats {
		st := &stats[i]
		res.Events += st.attempted
		res.Dropped += st.dropped
		if err := merged.MergeWith(st.sketch); err != nil {
			return Result{}, fmt.Errorf("merging latency sketch of producer %d: %w", i, err)
		}
		if st.counters != nil {
			if res.Counters == nil {
				res.Counters = &Counters{}
			}
			*res.Counters = res.Counters.Add(*st.counters)
		}
	}
	res.Captured = res.Events - res.Dropped

	if res.Events > 0 {
		res.DropRate = float64(res.Dropped) / float64(res.Events)
	}
	if duration > 0 {
		res.Throughput = float64(res.Events) / duration.Seconds()
	}

	if c.buffered {
		res.Consumed = c.consumed
	} else {
		res.Consumed = uint64(c.keys)
	}
	if l, ok := s.(capture.LossReporter); ok {
		res.Lost = l.Lost()
	}

	latency, err := summarizeLatency(merged)
	if err != nil {
		return Result{}, err
	}
	res.Latency = latency
	return res, nil
}

func summarizeLatency(sketch *ddsketch.DDSketch) (LatencySummary, error) {
	if sketch.IsEmpty() {
		return LatencySummary{}, nil
	}

	var summary LatencySummary
	var err error
	if summary.Min, err = sketch.GetMinValue(); err != nil {
		return LatencySummary{}, fmt.Errorf("reading latency min: %w", err)
	}
	if summary.Max, err = sketch.GetMaxValue(); err != nil {
		return LatencySummary{}, fmt.Errorf("reading latency max: %w", err)
	}
	summary.Mean = sketch.GetSum() / sketch.GetCount()

	values, err := sketch.GetValuesAtQuantiles(Quantiles)
	if err != nil {
		return LatencySummary{}, fmt.Errorf("reading latency quantiles: %w", err)
	}
	summary.P50, summary.P95, summary.P99, summary.P999 = values[0], values[1], values[2], values[3]
	return summary, nil
}
