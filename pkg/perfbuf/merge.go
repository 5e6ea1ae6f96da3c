package perfbuf

import (
	"container/heap"
	"iter"
)

// mergeEntry is the next unread record of one shard
type mergeEntry struct {
	rec    Record
	cursor int // index into the merger's cursors
}

// mergeHeap implements heap.Interface ordered by event timestamp
type mergeHeap []mergeEntry

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].rec.Event.Timestamp != h[j].rec.Event.Timestamp {
		return h[i].rec.Event.Timestamp < h[j].rec.Event.Timestamp
	}
	return h[i].rec.Shard < h[j].rec.Shard
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any) {
	*h = append(*h, x.(mergeEntry))
}
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// PollMerged reads all shards and returns their records ordered by
// timestamp, at most limit of them (no limit when limit <= 0). Each shard's
// records keep their write order; ties are broken by shard index.
func (b *Buffer) PollMerged(limit int) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		b.startPoll()
		defer b.polling.Store(false)

		cursors := make([]cursor, len(b.shards))
		h := make(mergeHeap, 0, len(b.shards))
		for i := range b.shards {
			cursors[i] = b.cursor(i, 0)
			if rec, ok := cursors[i].next(); ok {
				h = append(h, mergeEntry{rec: rec, cursor: i})
			}
		}
		heap.Init(&h)

		// records still in the heap were read ahead but not returned,
		// leave them for the next poll
		defer func() {
			for _, e := range h {
				cursors[e.cursor].sh.tail = e.rec.Seq
			}
		}()

		returned := 0
		for h.Len() > 0 && (limit <= 0 || returned < limit) {
			top := h[0]
			if rec, ok := cursors[top.cursor].next(); ok {
				h[0] = mergeEntry{rec: rec, cursor: top.cursor}
				heap.Fix(&h, 0)
			} else {
				heap.Pop(&h)
			}

			returned++
			if !yield(top.rec) {
				return
			}
		}
	}
}
