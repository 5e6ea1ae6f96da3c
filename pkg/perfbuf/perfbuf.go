// Package perfbuf implements per-shard overwriting circular buffers of fixed
// size event records, modeled on per-CPU perf buffers.
//
// Writes never fail. When a shard is full the oldest unread record is
// overwritten, and the consumer learns about it through a gap in the per-shard
// sequence numbers it observes.
package perfbuf

import (
	"errors"
	"fmt"
	"iter"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/unvariance/capturebench/pkg/event"
)

// ErrShardIndexOutOfRange is returned when addressing a shard that does not exist
var ErrShardIndexOutOfRange = errors.New("shard index out of range")

// Record is an event read from a shard together with its sequence number.
// Sequence numbers start at 0 and increase by one per write.
type Record struct {
	Seq   uint64
	Shard int
	Event event.Event
}

// slot holds one event. stamp is 2*seq+1 while seq is being written and
// 2*seq+2 once it is complete.
type slot struct {
	stamp atomic.Uint64
	ts    atomic.Uint64
	ids   atomic.Uint64 // producer | cpu<<32
	rest  atomic.Uint64 // type | payload<<32
}

type shard struct {
	_       cpu.CacheLinePad
	writing atomic.Bool
	head    atomic.Uint64 // next sequence number to write
	_       cpu.CacheLinePad
	tail    uint64 // next sequence number to read, consumer only
	lost    atomic.Uint64
	slots   []slot
	mask    uint64
	_       cpu.CacheLinePad
}

// Buffer is a set of independent circular buffers, one per shard
type Buffer struct {
	shards  []shard
	polling atomic.Bool
}

// New creates a buffer with nShards shards of perShard records each.
// perShard must be a power of 2.
func New(nShards, perShard int) (*Buffer, error) {
	if nShards < 1 {
		return nil, fmt.Errorf("number of shards must be greater than 0, got %d", nShards)
	}
	if perShard < 1 || perShard&(perShard-1) != 0 {
		return nil, fmt.Errorf("records per shard must be a power of 2, got %d", perShard)
	}

	b := &Buffer{shards: make([]shard, nShards)}
	for i := range b.shards {
		b.shards[i].slots = make([]slot, perShard)
		b.shards[i].mask = uint64(perShard - 1)
	}
	return b, nil
}

// NumShards returns the number of shards
func (b *Buffer) NumShards() int { return len(b.shards) }

// PerShard returns the number of records each shard holds
func (b *Buffer) PerShard() int { return len(b.shards[0].slots) }

func (b *Buffer) shard(idx int) (*shard, error) {
	if idx < 0 || idx >= len(b.shards) {
		return nil, fmt.Errorf("%w: %d (have %d shards)", ErrShardIndexOutOfRange, idx, len(b.shards))
	}
	return &b.shards[idx], nil
}

// Write appends e to the shard, overwriting the oldest record when the shard
// is full. A shard is meant to have a single writer; concurrent writers to one
// shard are serialized, each waiting at most for the other writers' four
// slot stores. With one writer per shard the wait never happens.
func (b *Buffer) Write(idx int, e *event.Event) error {
	sh, err := b.shard(idx)
	if err != nil {
		return err
	}

	for !sh.writing.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	n := sh.head.Load()
	s := &sh.slots[n&sh.mask]
	s.stamp.Store(2*n + 1)
	s.ts.Store(e.Timestamp)
	s.ids.Store(uint64(e.ProducerID) | uint64(e.CPU)<<32)
	s.rest.Store(uint64(e.Type) | uint64(e.Payload)<<32)
	s.stamp.Store(2*n + 2)
	sh.head.Store(n + 1)
	sh.writing.Store(false)
	return nil
}

// cursor reads one shard up to the head observed when the poll started, so
// a poll is finite even while the writer keeps going.
type cursor struct {
	sh    *shard
	idx   int
	end   uint64
	limit int
	read  int
}

func (b *Buffer) cursor(idx int, limit int) cursor {
	sh := &b.shards[idx]
	end := sh.head.Load()
	size := uint64(len(sh.slots))
	if end-sh.tail > size {
		// the writer lapped us, everything older than one shard length is gone
		sh.lost.Add(end - size - sh.tail)
		sh.tail = end - size
	}
	return cursor{sh: sh, idx: idx, end: end, limit: limit}
}

// next returns the next readable record of the shard. Records overwritten
// while the poll is in progress are counted as lost and skipped.
func (c *cursor) next() (Record, bool) {
	sh := c.sh
	for sh.tail < c.end && (c.limit <= 0 || c.read < c.limit) {
		seq := sh.tail
		s := &sh.slots[seq&sh.mask]
		want := 2*seq + 2

		if s.stamp.Load() != want {
			sh.lost.Add(1)
			sh.tail++
			continue
		}
		ts, ids, rest := s.ts.Load(), s.ids.Load(), s.rest.Load()
		if s.stamp.Load() != want {
			sh.lost.Add(1)
			sh.tail++
			continue
		}

		sh.tail++
		c.read++
		return Record{
			Seq:   seq,
			Shard: c.idx,
			Event: event.Event{
				Timestamp:  ts,
				ProducerID: uint32(ids),
				CPU:        uint32(ids >> 32),
				Type:       event.Type(uint32(rest)),
				Payload:    uint32(rest >> 32),
			},
		}, true
	}
	return Record{}, false
}

func (b *Buffer) startPoll() {
	if !b.polling.CompareAndSwap(false, true) {
		panic("perfbuf: concurrent Poll (only one consumer is supported)")
	}
}

// Poll returns the readable records of one shard in write order, at most
// limit of them (no limit when limit <= 0). Only one goroutine may poll a
// buffer at a time.
func (b *Buffer) Poll(idx int, limit int) (iter.Seq[Record], error) {
	if _, err := b.shard(idx); err != nil {
		return nil, err
	}
	return func(yield func(Record) bool) {
		b.startPoll()
		defer b.polling.Store(false)

		c := b.cursor(idx, limit)
		for {
			rec, ok := c.next()
			if !ok || !yield(rec) {
				return
			}
		}
	}, nil
}

// Lost returns the number of records overwritten before shard idx read them
func (b *Buffer) Lost(idx int) (uint64, error) {
	sh, err := b.shard(idx)
	if err != nil {
		return 0, err
	}
	return sh.lost.Load(), nil
}

// TotalLost returns the number of overwritten records across all shards
func (b *Buffer) TotalLost() uint64 {
	var total uint64
	for i := range b.shards {
		total += b.shards[i].lost.Load()
	}
	return total
}

// Written returns the number of records written to shard idx
func (b *Buffer) Written(idx int) (uint64, error) {
	sh, err := b.shard(idx)
	if err != nil {
		return 0, err
	}
	return sh.head.Load(), nil
}
