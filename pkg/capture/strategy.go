// Package capture puts the aggregation tables and event buffers behind a
// common producer/consumer interface so the benchmark driver can run them
// under identical workloads.
package capture

import (
	"errors"
	"fmt"
	"iter"

	"golang.org/x/sys/unix"

	"github.com/unvariance/capturebench/pkg/aggregate"
	"github.com/unvariance/capturebench/pkg/config"
	"github.com/unvariance/capturebench/pkg/event"
	"github.com/unvariance/capturebench/pkg/perfbuf"
	"github.com/unvariance/capturebench/pkg/ringbuf"
)

// KeyMask bounds the aggregation key derived from the producer id
const KeyMask = 0xFF

var (
	// ErrCapacityExceeded is returned by OnEvent when the strategy had no room
	// for the event. The event is dropped and counted, never retried.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrShardIndexOutOfRange is returned by OnEvent when the cpu has no shard
	ErrShardIndexOutOfRange = errors.New("shard index out of range")
	// ErrInvalidRecordSize is returned by New when a ring cannot hold an event
	ErrInvalidRecordSize = errors.New("invalid record size")
)

// normalize maps the errors of the underlying structures onto the capture
// taxonomy, keeping the original error in the chain.
func normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, aggregate.ErrCapacityExceeded), errors.Is(err, ringbuf.ErrCapacityExceeded):
		return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	case errors.Is(err, aggregate.ErrShardIndexOutOfRange), errors.Is(err, perfbuf.ErrShardIndexOutOfRange):
		return fmt.Errorf("%w: %w", ErrShardIndexOutOfRange, err)
	case errors.Is(err, ringbuf.ErrInvalidRecordSize):
		return fmt.Errorf("%w: %w", ErrInvalidRecordSize, err)
	}
	return err
}

// Item is one unit of drained data: an event for buffer strategies, or a
// keyed statistics snapshot for map strategies.
type Item struct {
	Event *event.Event

	Key   uint32
	Stats aggregate.Stats
}

// Strategy is a capture mechanism under test
type Strategy interface {
	// Name returns the strategy kind
	Name() config.Kind
	// OnEvent is the producer trigger. start is the monotonic timestamp taken
	// by the dispatcher just before the call.
	OnEvent(producerID, cpu uint32, start uint64) error
	// Drain returns up to limit items (no limit when limit <= 0). Buffer
	// strategies consume what they return; map strategies return snapshots.
	// Only one goroutine may drain at a time.
	Drain(limit int) iter.Seq[Item]
	// Dropped returns the number of events rejected for lack of capacity
	Dropped() uint64
	// Close releases the strategy's resources
	Close() error
}

// PendingReporter is implemented by strategies that buffer bytes awaiting the consumer
type PendingReporter interface {
	Pending() int
}

// LossReporter is implemented by strategies that silently overwrite unread events
type LossReporter interface {
	Lost() uint64
}

// Clock returns monotonic nanoseconds
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to Clock
type ClockFunc func() uint64

func (f ClockFunc) Now() uint64 { return f() }

// MonotonicClock reads CLOCK_MONOTONIC, the clock kernel probes timestamp with
type MonotonicClock struct{}

func (MonotonicClock) Now() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}

// New creates the strategy described by cfg. shards is the number of
// per-CPU shards; OnEvent fails for cpu values outside [0, shards).
func New(cfg config.Strategy, shards int, clock Clock) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = MonotonicClock{}
	}

	switch cfg.Kind {
	case config.KindHash:
		table, err := aggregate.NewHashTable(cfg.MaxEntries)
		if err != nil {
			return nil, err
		}
		return &mapStrategy{kind: cfg.Kind, table: table, clock: clock}, nil

	case config.KindArray:
		table, err := aggregate.NewArrayTable(cfg.MaxEntries)
		if err != nil {
			return nil, err
		}
		return &mapStrategy{kind: cfg.Kind, table: table, clock: clock}, nil

	case config.KindPerCPUArray:
		sharded, err := aggregate.NewShardedArray(shards, cfg.MaxEntries)
		if err != nil {
			return nil, err
		}
		return &shardedStrategy{kind: cfg.Kind, sharded: sharded, clock: clock}, nil

	case config.KindPerCPUHash:
		sharded, err := aggregate.NewShardedHash(shards, cfg.MaxEntries)
		if err != nil {
			return nil, err
		}
		return &shardedStrategy{kind: cfg.Kind, sharded: sharded, clock: clock, firstTouch: true}, nil

	case config.KindRingBuf:
		return newRingBufStrategy(cfg, clock)

	case config.KindPerfBuf:
		return newPerfBufStrategy(cfg, shards, clock)
	}
	return nil, fmt.Errorf("%w: unknown strategy kind %q", config.ErrInvalidConfig, cfg.Kind)
}

func key(producerID uint32) uint32 {
	return producerID & KeyMask
}

// elapsed returns the nanoseconds since start, zero if the clock went backwards
func elapsed(clock Clock, start uint64) uint64 {
	now := clock.Now()
	if now < start {
		return 0
	}
	return now - start
}
