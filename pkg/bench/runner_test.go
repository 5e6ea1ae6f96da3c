package bench

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/unvariance/capturebench/pkg/capture"
	"github.com/unvariance/capturebench/pkg/config"
)

func testOptions() Options {
	return Options{
		Producers:     4,
		Shards:        4,
		Events:        4000,
		DrainInterval: 100 * time.Microsecond,
	}
}

func newTestRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	r, err := NewRunner(opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func newTestStrategy(t *testing.T, cfg config.Strategy, shards int) capture.Strategy {
	t.Helper()
	s, err := capture.New(cfg, shards, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRunner(t *testing.T) {
	for _, modify := range []func(*Options){
		func(o *Options) { o.Producers = 0 },
		func(o *Options) { o.Shards = 0 },
		func(o *Options) { o.DrainInterval = 0 },
	} {
		opts := testOptions()
		modify(&opts)
		_, err := NewRunner(opts, nil)
		require.Error(t, err)
	}

	_, err := NewRunner(testOptions(), nil)
	require.NoError(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Producers = 3
	cfg.PinCPUs = true

	opts := OptionsFromConfig(cfg)
	require.Equal(t, 3, opts.Producers)
	require.Equal(t, cfg.Shards, opts.Shards)
	require.Equal(t, cfg.Events, opts.Events)
	require.True(t, opts.PinCPUs)
}

func TestRunAllStrategies(t *testing.T) {
	for _, kind := range config.Kinds {
		t.Run(string(kind), func(t *testing.T) {
			opts := testOptions()
			s := newTestStrategy(t, config.DefaultStrategy(kind), opts.Shards)

			res, err := newTestRunner(t, opts).Run(context.Background(), s)
			require.NoError(t, err)

			assert.Equal(t, kind, res.Strategy)
			assert.Equal(t, opts.Producers, res.Producers)
			assert.Equal(t, opts.Events, res.Events)
			assert.Equal(t, res.Events, res.Captured+res.Dropped)
			assert.Equal(t, s.Dropped(), res.Dropped)
			assert.Positive(t, res.Throughput)
			assert.LessOrEqual(t, res.Latency.Min, res.Latency.P50*1.02)
			assert.LessOrEqual(t, res.Latency.P50, res.Latency.P99)
			assert.Nil(t, res.Counters)

			switch kind {
			case config.KindRingBuf:
				assert.Equal(t, res.Captured, res.Consumed)
			case config.KindPerfBuf:
				assert.Equal(t, res.Captured, res.Consumed+res.Lost)
			default:
				// four producers map to keys 0..3
				assert.Equal(t, uint64(4), res.Consumed)
			}
		})
	}
}

func TestRunCountsDrops(t *testing.T) {
	cfg := config.DefaultStrategy(config.KindHash)
	cfg.MaxEntries = 2

	opts := testOptions()
	opts.Producers = 4
	opts.Events = 400

	s := newTestStrategy(t, cfg, opts.Shards)
	res, err := newTestRunner(t, opts).Run(context.Background(), s)
	require.NoError(t, err)

	// two of the four producer keys never fit
	require.Equal(t, uint64(200), res.Dropped)
	require.Equal(t, uint64(200), res.Captured)
	require.InDelta(t, 0.5, res.DropRate, 1e-9)
	require.Equal(t, uint64(2), res.Consumed)
}

func TestRunRingBufOverflow(t *testing.T) {
	cfg := config.DefaultStrategy(config.KindRingBuf)
	cfg.RingSize = 256

	opts := testOptions()
	opts.DrainInterval = time.Hour

	s := newTestStrategy(t, cfg, opts.Shards)
	res, err := newTestRunner(t, opts).Run(context.Background(), s)
	require.NoError(t, err)

	// nothing drains during the run, so only one ring worth of events fits
	require.Equal(t, uint64(8), res.Captured)
	require.Equal(t, opts.Events-8, res.Dropped)
	require.Equal(t, uint64(8), res.Consumed)
}

func TestRunFixedLatency(t *testing.T) {
	var now atomic.Uint64
	clock := capture.ClockFunc(func() uint64 { return now.Add(50) })

	opts := testOptions()
	s := newTestStrategy(t, config.DefaultStrategy(config.KindArray), opts.Shards)

	res, err := newTestRunner(t, opts).WithClock(clock).Run(context.Background(), s)
	require.NoError(t, err)

	// each trigger call sees the clock advance by at least one step
	require.GreaterOrEqual(t, res.Latency.Min, 49.0)
	require.GreaterOrEqual(t, res.Latency.P50, 49.0)
	require.Equal(t, opts.Events, res.Events)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := testOptions()
	s := newTestStrategy(t, config.DefaultStrategy(config.KindHash), opts.Shards)
	_, err := newTestRunner(t, opts).Run(ctx, s)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunShardOutOfRangeAborts(t *testing.T) {
	opts := testOptions()
	s := newTestStrategy(t, config.DefaultStrategy(config.KindPerCPUArray), 2)

	// producers report cpus 0..3 but the strategy only has two shards
	_, err := newTestRunner(t, opts).Run(context.Background(), s)
	require.ErrorIs(t, err, capture.ErrShardIndexOutOfRange)
}

func TestRunHardwareCountersOptional(t *testing.T) {
	opts := testOptions()
	opts.HardwareCounters = true

	s := newTestStrategy(t, config.DefaultStrategy(config.KindPerCPUHash), opts.Shards)
	res, err := newTestRunner(t, opts).Run(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, opts.Events, res.Events)
	if res.Counters != nil {
		require.Positive(t, res.Counters.Instructions)
	}
}

func TestRunPinned(t *testing.T) {
	opts := testOptions()
	opts.PinCPUs = true

	s := newTestStrategy(t, config.DefaultStrategy(config.KindPerfBuf), config.PossibleCPUs())
	opts.Shards = config.PossibleCPUs()

	res, err := newTestRunner(t, opts).Run(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, res.Captured, res.Consumed+res.Lost)
}
