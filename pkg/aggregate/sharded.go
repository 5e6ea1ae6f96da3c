package aggregate

import (
	"fmt"

	"golang.org/x/sys/cpu"
)

// shard pads each table header onto its own cache line
type shard struct {
	table Table
	_     cpu.CacheLinePad
}

// Sharded holds one independent table per CPU. Producers only write to the
// shard they own; the consumer combines shards with MergeAll.
type Sharded struct {
	shards []shard
}

// NewSharded creates nShards tables using newTable
func NewSharded(nShards int, newTable func() (Table, error)) (*Sharded, error) {
	if nShards < 1 {
		return nil, fmt.Errorf("shard count must be greater than 0, got %d", nShards)
	}

	s := &Sharded{shards: make([]shard, nShards)}
	for i := range s.shards {
		t, err := newTable()
		if err != nil {
			return nil, fmt.Errorf("creating shard %d: %w", i, err)
		}
		s.shards[i].table = t
	}
	return s, nil
}

// NewShardedHash creates nShards hash tables of maxEntries keys each
func NewShardedHash(nShards, maxEntries int) (*Sharded, error) {
	return NewSharded(nShards, func() (Table, error) {
		return NewHashTable(maxEntries)
	})
}

// NewShardedArray creates nShards array tables of maxEntries slots each
func NewShardedArray(nShards, maxEntries int) (*Sharded, error) {
	return NewSharded(nShards, func() (Table, error) {
		return NewArrayTable(maxEntries)
	})
}

// NumShards returns the number of shards
func (s *Sharded) NumShards() int { return len(s.shards) }

// Shard returns the table owned by shard idx
func (s *Sharded) Shard(idx int) (Table, error) {
	if idx < 0 || idx >= len(s.shards) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrShardIndexOutOfRange, idx, len(s.shards))
	}
	return s.shards[idx].table, nil
}

// LookupOrInit returns the record for key in shard idx
func (s *Sharded) LookupOrInit(idx int, key uint32) (*Record, error) {
	t, err := s.Shard(idx)
	if err != nil {
		return nil, err
	}
	return t.LookupOrInit(key)
}

// Merge applies a latency sample to key in shard idx
func (s *Sharded) Merge(idx int, key uint32, latency uint64) error {
	t, err := s.Shard(idx)
	if err != nil {
		return err
	}
	return t.Merge(key, latency)
}

// Touch applies first-touch counting to key in shard idx
func (s *Sharded) Touch(idx int, key uint32, latency uint64) (bool, error) {
	t, err := s.Shard(idx)
	if err != nil {
		return false, err
	}
	return t.Touch(key, latency)
}

// MergeAll combines every shard into one snapshot per key: counts and sums
// are added, min and max are taken across shards. Each shard is scanned in
// turn, so the result is not a point-in-time snapshot across shards.
func (s *Sharded) MergeAll() map[uint32]Stats {
	out := make(map[uint32]Stats)
	for i := range s.shards {
		s.shards[i].table.Range(func(key uint32, stats Stats) bool {
			out[key] = out[key].Merge(stats)
			return true
		})
	}
	return out
}

// Dropped returns the number of rejected updates across all shards
func (s *Sharded) Dropped() uint64 {
	var total uint64
	for i := range s.shards {
		total += s.shards[i].table.Dropped()
	}
	return total
}
