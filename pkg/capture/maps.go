package capture

import (
	"iter"
	"maps"
	"slices"

	"github.com/unvariance/capturebench/pkg/aggregate"
	"github.com/unvariance/capturebench/pkg/config"
)

// mapStrategy merges the trigger latency into a table shared by all producers
type mapStrategy struct {
	kind  config.Kind
	table aggregate.Table
	clock Clock
}

func (s *mapStrategy) Name() config.Kind { return s.kind }

func (s *mapStrategy) OnEvent(producerID, cpu uint32, start uint64) error {
	return normalize(s.table.Merge(key(producerID), elapsed(s.clock, start)))
}

func (s *mapStrategy) Drain(limit int) iter.Seq[Item] {
	return drainSnapshot(aggregate.Snapshot(s.table), limit)
}

func (s *mapStrategy) Dropped() uint64 { return s.table.Dropped() }
func (s *mapStrategy) Close() error    { return nil }

// shardedStrategy updates the shard of the producer's cpu. With firstTouch
// set a missing key is seeded with a count of 1 instead of merging the
// sample, which is how per-CPU hash maps are usually initialized by probes.
type shardedStrategy struct {
	kind       config.Kind
	sharded    *aggregate.Sharded
	clock      Clock
	firstTouch bool
}

func (s *shardedStrategy) Name() config.Kind { return s.kind }

func (s *shardedStrategy) OnEvent(producerID, cpu uint32, start uint64) error {
	latency := elapsed(s.clock, start)
	if s.firstTouch {
		_, err := s.sharded.Touch(int(cpu), key(producerID), latency)
		return normalize(err)
	}
	return normalize(s.sharded.Merge(int(cpu), key(producerID), latency))
}

func (s *shardedStrategy) Drain(limit int) iter.Seq[Item] {
	return drainSnapshot(s.sharded.MergeAll(), limit)
}

func (s *shardedStrategy) Dropped() uint64 { return s.sharded.Dropped() }
func (s *shardedStrategy) Close() error    { return nil }

// drainSnapshot yields the snapshot in key order
func drainSnapshot(snapshot map[uint32]aggregate.Stats, limit int) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for i, k := range slices.Sorted(maps.Keys(snapshot)) {
			if limit > 0 && i >= limit {
				return
			}
			if !yield(Item{Key: k, Stats: snapshot[k]}) {
				return
			}
		}
	}
}
