// Package bench drives capture strategies with concurrent producers and a
// draining consumer, and summarizes latency, throughput and drops.
package bench

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unvariance/capturebench/pkg/affinity"
	"github.com/unvariance/capturebench/pkg/capture"
	"github.com/unvariance/capturebench/pkg/config"
)

// relativeAccuracy of the latency sketches
const relativeAccuracy = 0.01

// producers check for cancellation every this many events
const cancelCheckInterval = 1024

// Options configures a Runner
type Options struct {
	Producers        int
	Shards           int
	Events           uint64
	DrainInterval    time.Duration
	DrainBatch       int
	PinCPUs          bool
	HardwareCounters bool
}

// OptionsFromConfig extracts the runner options of a benchmark configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Producers:        cfg.Producers,
		Shards:           cfg.Shards,
		Events:           cfg.Events,
		DrainInterval:    cfg.DrainInterval,
		DrainBatch:       cfg.DrainBatch,
		PinCPUs:          cfg.PinCPUs,
		HardwareCounters: cfg.HardwareCounters,
	}
}

// Runner fires trigger calls at a strategy and measures them
type Runner struct {
	opts   Options
	logger *zap.Logger
	clock  capture.Clock
}

// NewRunner creates a runner. The clock used to time trigger calls is the
// monotonic clock unless overridden with WithClock.
func NewRunner(opts Options, logger *zap.Logger) (*Runner, error) {
	if opts.Producers < 1 {
		return nil, fmt.Errorf("producers must be greater than 0, got %d", opts.Producers)
	}
	if opts.Shards < 1 {
		return nil, fmt.Errorf("shards must be greater than 0, got %d", opts.Shards)
	}
	if opts.DrainInterval <= 0 {
		return nil, fmt.Errorf("drain interval must be positive, got %v", opts.DrainInterval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{opts: opts, logger: logger, clock: capture.MonotonicClock{}}, nil
}

// WithClock replaces the clock used to timestamp trigger calls
func (r *Runner) WithClock(clock capture.Clock) *Runner {
	r.clock = clock
	return r
}

// producerStats is what one producer goroutine reports back
type producerStats struct {
	attempted uint64
	dropped   uint64
	sketch    *ddsketch.DDSketch
	counters  *Counters
}

// Run fires the configured number of events at s across all producers while
// a consumer drains s, then drains it a last time and summarizes the run.
// Capacity errors are counted as drops; any other producer error aborts the
// run.
func (r *Runner) Run(ctx context.Context, s capture.Strategy) (Result, error) {
	logger := r.logger.With(zap.String("strategy", string(s.Name())))

	var cpus []int
	if r.opts.PinCPUs {
		var err error
		if cpus, err = affinity.Allowed(); err != nil {
			return Result{}, err
		}
	}

	stats := make([]producerStats, r.opts.Producers)
	for i := range stats {
		sketch, err := ddsketch.NewDefaultDDSketch(relativeAccuracy)
		if err != nil {
			return Result{}, fmt.Errorf("creating latency sketch: %w", err)
		}
		stats[i].sketch = sketch
	}

	consumer := newConsumer(s, r.opts.DrainBatch)
	stopConsumer := make(chan struct{})
	var consumerDone sync.WaitGroup
	consumerDone.Add(1)
	go func() {
		defer consumerDone.Done()
		consumer.run(r.opts.DrainInterval, stopConsumer)
	}()

	logger.Debug("starting producers",
		zap.Int("producers", r.opts.Producers),
		zap.Uint64("events", r.opts.Events),
		zap.Bool("pinned", len(cpus) > 0))

	begin := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.opts.Producers; i++ {
		n := r.opts.Events / uint64(r.opts.Producers)
		if uint64(i) < r.opts.Events%uint64(r.opts.Producers) {
			n++
		}
		g.Go(func() error {
			return r.produce(gctx, logger, s, i, n, cpus, &stats[i])
		})
	}
	err := g.Wait()
	duration := time.Since(begin)

	close(stopConsumer)
	consumerDone.Wait()
	consumer.drain()

	if err != nil {
		return Result{}, err
	}

	res, err := summarize(s, r.opts.Producers, duration, stats, consumer)
	if err != nil {
		return Result{}, err
	}

	logger.Info("run complete",
		zap.Uint64("events", res.Events),
		zap.Uint64("dropped", res.Dropped),
		zap.Uint64("lost", res.Lost),
		zap.Uint64("consumed", res.Consumed),
		zap.Duration("duration", res.Duration),
		zap.Float64("events_per_sec", res.Throughput),
		zap.Float64("p99_ns", res.Latency.P99))
	return res, nil
}

// produce runs one producer. Producer i reports cpu i modulo the shard
// count, or the cpu it is pinned to.
func (r *Runner) produce(ctx context.Context, logger *zap.Logger, s capture.Strategy, id int, n uint64, cpus []int, st *producerStats) error {
	cpu := uint32(id % r.opts.Shards)

	if len(cpus) > 0 {
		target := cpus[id%len(cpus)]
		guard, err := affinity.Pin(target)
		if err != nil {
			return fmt.Errorf("producer %d: %w", id, err)
		}
		defer guard.Close()
		cpu = uint32(target % r.opts.Shards)
	}

	var loopErr error
	ran := false
	loop := func() {
		ran = true
		loopErr = r.loop(ctx, s, uint32(id), cpu, n, st)
	}

	if !r.opts.HardwareCounters {
		loop()
		return loopErr
	}

	// counters follow the calling thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	group, err := openCounters()
	if err != nil {
		logger.Warn("hardware counters unavailable", zap.Int("producer", id), zap.Error(err))
		loop()
		return loopErr
	}
	defer group.Close()

	counters, err := group.measure(loop)
	if err != nil {
		logger.Warn("reading hardware counters failed", zap.Int("producer", id), zap.Error(err))
	} else {
		st.counters = &counters
	}
	if !ran {
		loop()
	}
	return loopErr
}

func (r *Runner) loop(ctx context.Context, s capture.Strategy, producerID, cpu uint32, n uint64, st *producerStats) error {
	for i := uint64(0); i < n; i++ {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		start := r.clock.Now()
		err := s.OnEvent(producerID, cpu, start)
		end := r.clock.Now()

		st.attempted++
		if end >= start {
			st.sketch.Add(float64(end - start))
		}
		if err != nil {
			if !errors.Is(err, capture.ErrCapacityExceeded) {
				return fmt.Errorf("producer %d: %w", producerID, err)
			}
			st.dropped++
		}
	}
	return nil
}

// consumer drains a strategy on a timer while producers run
type consumer struct {
	s        capture.Strategy
	batch    int
	buffered bool

	consumed uint64 // events removed from a buffer strategy
	keys     int    // keys in the latest snapshot of a map strategy
}

func newConsumer(s capture.Strategy, batch int) *consumer {
	c := &consumer{s: s, batch: batch}
	switch s.Name() {
	case config.KindRingBuf, config.KindPerfBuf:
		c.buffered = true
	}
	return c
}

func (c *consumer) run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.poll(c.batch)
		}
	}
}

// poll drains once and returns the number of items
func (c *consumer) poll(limit int) int {
	n := 0
	for item := range c.s.Drain(limit) {
		if item.Event != nil {
			c.consumed++
		}
		n++
	}
	if !c.buffered {
		c.keys = n
	}
	return n
}

// drain empties a buffer strategy once producers are done. A map strategy
// is read with one full snapshot.
func (c *consumer) drain() {
	if !c.buffered {
		c.poll(0)
		return
	}
	for c.poll(c.batch) > 0 {
	}
}
