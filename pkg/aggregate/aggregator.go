// Package aggregate implements keyed latency statistics tables: a shared hash
// table, a fixed-size array table, and per-shard collections of either.
package aggregate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

var (
	// ErrCapacityExceeded is returned when a table has no room for a new key.
	// The update is dropped and counted.
	ErrCapacityExceeded = errors.New("table capacity exceeded")
	// ErrShardIndexOutOfRange is returned when addressing a shard that does not exist
	ErrShardIndexOutOfRange = errors.New("shard index out of range")
)

// Table maps small integer keys to latency records
type Table interface {
	// LookupOrInit returns the record for key, creating an empty one if absent
	LookupOrInit(key uint32) (*Record, error)
	// Merge applies a latency sample to the record for key
	Merge(key uint32, latency uint64) error
	// Touch applies first-touch counting to the record for key, see Record.Touch
	Touch(key uint32, latency uint64) (bool, error)
	// Range calls fn with a snapshot of every non-empty record until fn returns false
	Range(fn func(key uint32, stats Stats) bool)
	// Len returns the number of keys holding a record
	Len() int
	// MaxEntries returns the capacity of the table
	MaxEntries() int
	// Dropped returns the number of updates rejected for lack of capacity
	Dropped() uint64
}

// HashTable is a single mapping shared by all producers. New keys are
// inserted at most once; existing keys are looked up without locking.
type HashTable struct {
	_          cpu.CacheLinePad
	entries    sync.Map // uint32 -> *Record
	size       atomic.Int64
	dropped    atomic.Uint64
	insertMu   sync.Mutex
	maxEntries int
	_          cpu.CacheLinePad
}

// NewHashTable creates a hash table holding at most maxEntries keys
func NewHashTable(maxEntries int) (*HashTable, error) {
	if maxEntries < 1 {
		return nil, fmt.Errorf("max entries must be greater than 0, got %d", maxEntries)
	}
	return &HashTable{maxEntries: maxEntries}, nil
}

// LookupOrInit returns the record for key, inserting an empty record when the
// key is absent and capacity allows it. Existing keys and a full table never
// take the insert lock; an insert waits at most for the other inserts in
// flight, one map store each, and happens once per key.
func (h *HashTable) LookupOrInit(key uint32) (*Record, error) {
	if v, ok := h.entries.Load(key); ok {
		return v.(*Record), nil
	}

	// Keys are never removed, so a full table only needs one more lookup:
	// the insert that filled it stored its key before publishing the size.
	if h.size.Load() >= int64(h.maxEntries) {
		if v, ok := h.entries.Load(key); ok {
			return v.(*Record), nil
		}
		h.dropped.Add(1)
		return nil, ErrCapacityExceeded
	}

	h.insertMu.Lock()
	defer h.insertMu.Unlock()

	// another producer may have created the key while we waited
	if v, ok := h.entries.Load(key); ok {
		return v.(*Record), nil
	}
	if h.size.Load() >= int64(h.maxEntries) {
		h.dropped.Add(1)
		return nil, ErrCapacityExceeded
	}

	rec := &Record{}
	h.entries.Store(key, rec)
	h.size.Add(1)
	return rec, nil
}

// Merge applies a latency sample to the record for key
func (h *HashTable) Merge(key uint32, latency uint64) error {
	rec, err := h.LookupOrInit(key)
	if err != nil {
		return err
	}
	rec.Merge(latency)
	return nil
}

// Touch applies first-touch counting to the record for key
func (h *HashTable) Touch(key uint32, latency uint64) (bool, error) {
	rec, err := h.LookupOrInit(key)
	if err != nil {
		return false, err
	}
	return rec.Touch(latency), nil
}

// Range calls fn with a snapshot of every non-empty record
func (h *HashTable) Range(fn func(key uint32, stats Stats) bool) {
	h.entries.Range(func(k, v any) bool {
		stats := v.(*Record).Load()
		if stats.Count == 0 {
			return true
		}
		return fn(k.(uint32), stats)
	})
}

func (h *HashTable) Len() int        { return int(h.size.Load()) }
func (h *HashTable) MaxEntries() int { return h.maxEntries }
func (h *HashTable) Dropped() uint64 { return h.dropped.Load() }

// ArrayTable preallocates one record per key in [0, maxEntries). Lookups
// never allocate; keys outside the range are rejected.
type ArrayTable struct {
	_       cpu.CacheLinePad
	records []Record
	dropped atomic.Uint64
	_       cpu.CacheLinePad
}

// NewArrayTable creates an array table with maxEntries slots
func NewArrayTable(maxEntries int) (*ArrayTable, error) {
	if maxEntries < 1 {
		return nil, fmt.Errorf("max entries must be greater than 0, got %d", maxEntries)
	}
	return &ArrayTable{records: make([]Record, maxEntries)}, nil
}

// LookupOrInit returns the slot for key
func (a *ArrayTable) LookupOrInit(key uint32) (*Record, error) {
	if uint64(key) >= uint64(len(a.records)) {
		a.dropped.Add(1)
		return nil, ErrCapacityExceeded
	}
	return &a.records[key], nil
}

// Merge applies a latency sample to the slot for key
func (a *ArrayTable) Merge(key uint32, latency uint64) error {
	rec, err := a.LookupOrInit(key)
	if err != nil {
		return err
	}
	rec.Merge(latency)
	return nil
}

// Touch applies first-touch counting to the slot for key
func (a *ArrayTable) Touch(key uint32, latency uint64) (bool, error) {
	rec, err := a.LookupOrInit(key)
	if err != nil {
		return false, err
	}
	return rec.Touch(latency), nil
}

// Range calls fn with a snapshot of every slot that received an update
func (a *ArrayTable) Range(fn func(key uint32, stats Stats) bool) {
	for i := range a.records {
		stats := a.records[i].Load()
		if stats.Count == 0 {
			continue
		}
		if !fn(uint32(i), stats) {
			return
		}
	}
}

// Len returns the number of slots that received an update
func (a *ArrayTable) Len() int {
	n := 0
	a.Range(func(uint32, Stats) bool {
		n++
		return true
	})
	return n
}

func (a *ArrayTable) MaxEntries() int { return len(a.records) }
func (a *ArrayTable) Dropped() uint64 { return a.dropped.Load() }

// Snapshot copies every non-empty record of t into a map
func Snapshot(t Table) map[uint32]Stats {
	out := make(map[uint32]Stats, t.Len())
	t.Range(func(key uint32, stats Stats) bool {
		out[key] = stats
		return true
	})
	return out
}
