package aggregate

import (
	"runtime"
	"sync/atomic"
)

// Stats is a consistent snapshot of a Record
type Stats struct {
	Count      uint64
	SumLatency uint64 // nanoseconds
	MinLatency uint64 // nanoseconds, undefined when Count == 0
	MaxLatency uint64 // nanoseconds, undefined when Count == 0
}

// Add applies a single latency sample to the snapshot
func (s *Stats) Add(latency uint64) {
	if s.Count == 0 || latency < s.MinLatency {
		s.MinLatency = latency
	}
	if s.Count == 0 || latency > s.MaxLatency {
		s.MaxLatency = latency
	}
	s.Count++
	s.SumLatency += latency
}

// Merge combines two snapshots of the same key taken from different shards
func (s Stats) Merge(other Stats) Stats {
	if other.Count == 0 {
		return s
	}
	if s.Count == 0 {
		return other
	}
	return Stats{
		Count:      s.Count + other.Count,
		SumLatency: s.SumLatency + other.SumLatency,
		MinLatency: min(s.MinLatency, other.MinLatency),
		MaxLatency: max(s.MaxLatency, other.MaxLatency),
	}
}

// Mean returns the average latency, or 0 for an empty snapshot
func (s Stats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.SumLatency) / float64(s.Count)
}

// Record is the live aggregate for one key.
//
// Updates are serialized by a sequence lock: writers move seq from even to odd
// with a compare-and-swap, store the fields and publish the next even value.
// Readers retry until they observe the same even seq before and after reading,
// so count and sum always reflect the same set of merges.
type Record struct {
	seq   atomic.Uint64
	count atomic.Uint64
	sum   atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

func (r *Record) lock() uint64 {
	for {
		s := r.seq.Load()
		if s&1 == 0 && r.seq.CompareAndSwap(s, s+1) {
			return s + 1
		}
		// the holder only performs a handful of stores, let it finish
		runtime.Gosched()
	}
}

func (r *Record) unlock(s uint64) {
	r.seq.Store(s + 1)
}

// merge must be called with the lock held
func (r *Record) merge(latency uint64) {
	count := r.count.Load()
	if count == 0 || latency < r.min.Load() {
		r.min.Store(latency)
	}
	if count == 0 || latency > r.max.Load() {
		r.max.Store(latency)
	}
	r.sum.Store(r.sum.Load() + latency)
	r.count.Store(count + 1)
}

// Merge applies one latency sample: count += 1, sum += latency and min/max
// updated, as a single untorn update.
func (r *Record) Merge(latency uint64) {
	s := r.lock()
	r.merge(latency)
	r.unlock(s)
}

// Touch implements first-touch counting: an empty record is initialized to a
// count of 1 without consuming the sample, an existing record merges it.
// Returns true when the record was initialized by this call.
func (r *Record) Touch(latency uint64) bool {
	s := r.lock()
	defer r.unlock(s)

	if r.count.Load() == 0 {
		r.count.Store(1)
		r.sum.Store(0)
		r.min.Store(0)
		r.max.Store(0)
		return true
	}
	r.merge(latency)
	return false
}

// Load returns a consistent snapshot of the record
func (r *Record) Load() Stats {
	for {
		s := r.seq.Load()
		if s&1 != 0 {
			runtime.Gosched()
			continue
		}
		stats := Stats{
			Count:      r.count.Load(),
			SumLatency: r.sum.Load(),
			MinLatency: r.min.Load(),
			MaxLatency: r.max.Load(),
		}
		if r.seq.Load() == s {
			return stats
		}
	}
}
