package capture

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unvariance/capturebench/pkg/aggregate"
	"github.com/unvariance/capturebench/pkg/config"
	"github.com/unvariance/capturebench/pkg/event"
	"github.com/unvariance/capturebench/pkg/perfbuf"
	"github.com/unvariance/capturebench/pkg/ringbuf"
)

// every trigger observes a latency of 10ns
var fixedClock = ClockFunc(func() uint64 { return 110 })

const start = 100

func newStrategy(t *testing.T, cfg config.Strategy, shards int) Strategy {
	t.Helper()
	s, err := New(cfg, shards, fixedClock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func drainAll(s Strategy) []Item {
	var items []Item
	for item := range s.Drain(0) {
		items = append(items, item)
	}
	return items
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(config.Strategy{Kind: "tree"}, 1, nil)
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = New(config.Strategy{Kind: config.KindHash}, 1, nil)
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	// a ring too small for a single event
	cfg := config.DefaultStrategy(config.KindRingBuf)
	cfg.RingSize = 16
	_, err = New(cfg, 1, nil)
	require.ErrorIs(t, err, ErrInvalidRecordSize)
	require.ErrorIs(t, err, ringbuf.ErrInvalidRecordSize)

	cfg = config.DefaultStrategy(config.KindPerCPUArray)
	_, err = New(cfg, 0, nil)
	require.Error(t, err)
}

func TestHashCapacity(t *testing.T) {
	cfg := config.DefaultStrategy(config.KindHash)
	cfg.MaxEntries = 4
	s := newStrategy(t, cfg, 1)
	require.Equal(t, config.KindHash, s.Name())

	for producer := uint32(0); producer < 4; producer++ {
		require.NoError(t, s.OnEvent(producer, 0, start))
	}
	err := s.OnEvent(4, 0, start)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.ErrorIs(t, err, aggregate.ErrCapacityExceeded)
	require.Equal(t, uint64(1), s.Dropped())

	items := drainAll(s)
	require.Len(t, items, 4)
	for i, item := range items {
		assert.Nil(t, item.Event)
		assert.Equal(t, uint32(i), item.Key)
		assert.Equal(t, aggregate.Stats{Count: 1, SumLatency: 10, MinLatency: 10, MaxLatency: 10}, item.Stats)
	}

	// map strategies drain snapshots, the data stays
	require.Len(t, drainAll(s), 4)
}

func TestKeyMask(t *testing.T) {
	s := newStrategy(t, config.DefaultStrategy(config.KindArray), 1)

	require.NoError(t, s.OnEvent(0x101, 0, start))
	require.NoError(t, s.OnEvent(0x201, 0, start))

	items := drainAll(s)
	require.Len(t, items, 1)
	require.Equal(t, uint32(1), items[0].Key)
	require.Equal(t, uint64(2), items[0].Stats.Count)
}

func TestDrainLimit(t *testing.T) {
	s := newStrategy(t, config.DefaultStrategy(config.KindHash), 1)
	for producer := uint32(0); producer < 10; producer++ {
		require.NoError(t, s.OnEvent(producer, 0, start))
	}

	n := 0
	for range s.Drain(3) {
		n++
	}
	require.Equal(t, 3, n)
}

func TestPerCPUArray(t *testing.T) {
	s := newStrategy(t, config.DefaultStrategy(config.KindPerCPUArray), 2)

	require.NoError(t, s.OnEvent(1, 0, start))
	require.NoError(t, s.OnEvent(1, 1, 95))

	err := s.OnEvent(1, 2, start)
	require.ErrorIs(t, err, ErrShardIndexOutOfRange)
	require.ErrorIs(t, err, aggregate.ErrShardIndexOutOfRange)

	items := drainAll(s)
	require.Len(t, items, 1)
	require.Equal(t, aggregate.Stats{Count: 2, SumLatency: 25, MinLatency: 10, MaxLatency: 15}, items[0].Stats)
}

func TestPerCPUHashFirstTouch(t *testing.T) {
	s := newStrategy(t, config.DefaultStrategy(config.KindPerCPUHash), 2)

	// the first event for a key seeds it without a latency sample
	require.NoError(t, s.OnEvent(3, 0, start))
	require.Equal(t, []Item{{Key: 3, Stats: aggregate.Stats{Count: 1}}}, drainAll(s))

	require.NoError(t, s.OnEvent(3, 0, start))
	require.Equal(t, []Item{{Key: 3, Stats: aggregate.Stats{Count: 2, SumLatency: 10, MinLatency: 0, MaxLatency: 10}}}, drainAll(s))

	// other shards start over
	require.NoError(t, s.OnEvent(3, 1, start))
	require.Equal(t, uint64(3), drainAll(s)[0].Stats.Count)
}

func TestRingBuf(t *testing.T) {
	cfg := config.DefaultStrategy(config.KindRingBuf)
	cfg.RingSize = 128
	s := newStrategy(t, cfg, 1)

	for producer := uint32(0); producer < 4; producer++ {
		require.NoError(t, s.OnEvent(producer, producer%2, start+uint64(producer)))
	}
	err := s.OnEvent(9, 0, start)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.True(t, errors.Is(err, ringbuf.ErrCapacityExceeded))
	require.Equal(t, uint64(1), s.Dropped())
	require.Equal(t, 128, s.(PendingReporter).Pending())

	items := drainAll(s)
	require.Len(t, items, 4)
	for i, item := range items {
		require.NotNil(t, item.Event)
		assert.Equal(t, event.Event{
			Timestamp:  start + uint64(i),
			ProducerID: uint32(i),
			CPU:        uint32(i % 2),
			Type:       event.TypeTracepoint,
			Payload:    uint32(10 - i),
		}, *item.Event)
	}
	require.Equal(t, 0, s.(PendingReporter).Pending())
	require.Empty(t, drainAll(s))
}

func TestRingBufMmap(t *testing.T) {
	cfg := config.DefaultStrategy(config.KindRingBuf)
	cfg.RingSize = 4096
	cfg.Storage = config.StorageMmap
	s := newStrategy(t, cfg, 1)

	require.NoError(t, s.OnEvent(1, 0, start))
	require.Len(t, drainAll(s), 1)
}

func TestPerfBuf(t *testing.T) {
	cfg := config.DefaultStrategy(config.KindPerfBuf)
	cfg.PerShardRecords = 2
	s := newStrategy(t, cfg, 2)

	// three writes into a two record shard lose the oldest
	require.NoError(t, s.OnEvent(1, 0, 10))
	require.NoError(t, s.OnEvent(1, 0, 30))
	require.NoError(t, s.OnEvent(1, 0, 50))
	require.NoError(t, s.OnEvent(2, 1, 40))

	err := s.OnEvent(1, 2, start)
	require.ErrorIs(t, err, ErrShardIndexOutOfRange)
	require.ErrorIs(t, err, perfbuf.ErrShardIndexOutOfRange)

	var stamps []uint64
	for _, item := range drainAll(s) {
		require.Equal(t, event.TypeProbe, item.Event.Type)
		stamps = append(stamps, item.Event.Timestamp)
	}
	require.Equal(t, []uint64{30, 40, 50}, stamps)
	require.Equal(t, uint64(1), s.(LossReporter).Lost())
	require.Zero(t, s.Dropped())
}

func TestMonotonicClock(t *testing.T) {
	var clock MonotonicClock
	a := clock.Now()
	b := clock.Now()
	require.NotZero(t, a)
	require.GreaterOrEqual(t, b, a)
}
