// Package ringbuf implements a bounded multi-producer, single-consumer byte
// ring with reserve/commit/discard semantics.
//
// Producers claim space by advancing a shared producer cursor with a
// compare-and-swap and publish a record by storing its header word. The
// consumer scans from its own cursor, stops at the first record that has not
// been published yet, and releases space by zeroing the consumed bytes and
// advancing the consumer cursor. Records are therefore observed in
// reservation order.
package ringbuf

import (
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/unvariance/capturebench/pkg/event"
)

var (
	// ErrCapacityExceeded is returned by Reserve when there is not enough free space
	ErrCapacityExceeded = errors.New("ring buffer capacity exceeded")
	// ErrInvalidRecordSize is returned when a record can never fit in the ring
	ErrInvalidRecordSize = errors.New("invalid record size")
)

const (
	// HeaderSize is the size of the header preceding every record
	HeaderSize = 8

	// RecordEvent is the record type used for encoded events
	RecordEvent uint32 = 1

	// header length word flags. A zero word means "reserved, not published".
	commitBit  = 1 << 30
	discardBit = 1 << 31
	lenMask    = commitBit - 1
)

// RecordSize returns the number of ring bytes used by a record with the given
// payload size: header plus payload, rounded up to 8 bytes.
func RecordSize(payload int) int {
	return (payload + HeaderSize + 7) &^ 7
}

// Options configures a RingBuffer
type Options struct {
	// Size of the data area in bytes. Must be a power of 2 and at least 16.
	Size int
	// Largest payload accepted by Reserve. Zero means Size - HeaderSize.
	MaxRecordSize int
	// Backing memory. Nil allocates heap storage.
	Storage Storage
}

// RingBuffer is a bounded lock-free queue of variable-size records
type RingBuffer struct {
	_           cpu.CacheLinePad
	producerPos atomic.Uint64
	_           cpu.CacheLinePad
	consumerPos atomic.Uint64
	_           cpu.CacheLinePad
	dropped     atomic.Uint64
	polling     atomic.Bool
	_           cpu.CacheLinePad

	data      []byte
	mask      uint64
	maxRecord int
	storage   Storage
	scratch   []byte

	// runs between the cursor loads of Reserve, nil outside tests
	reserveHook func()
}

// New creates a ring buffer
func New(opts Options) (*RingBuffer, error) {
	size := opts.Size
	if size < 16 || size&(size-1) != 0 {
		return nil, fmt.Errorf("ring size must be a power of 2 and at least 16 bytes, got %d", size)
	}

	maxRecord := opts.MaxRecordSize
	if maxRecord == 0 {
		maxRecord = size - HeaderSize
	}
	if maxRecord < 0 || maxRecord > lenMask || RecordSize(maxRecord) > size {
		return nil, fmt.Errorf("%w: max record size %d does not fit in %d byte ring",
			ErrInvalidRecordSize, opts.MaxRecordSize, size)
	}

	storage := opts.Storage
	if storage == nil {
		storage = NewHeapStorage(size)
	}
	data := storage.Data()
	if len(data) < size {
		return nil, fmt.Errorf("storage holds %d bytes, need %d", len(data), size)
	}
	if uintptr(unsafe.Pointer(&data[0]))&7 != 0 {
		return nil, fmt.Errorf("storage must be 8-byte aligned")
	}

	return &RingBuffer{
		data:      data[:size],
		mask:      uint64(size - 1),
		maxRecord: maxRecord,
		storage:   storage,
		scratch:   make([]byte, maxRecord),
	}, nil
}

// Slot is a reserved region of the ring owned by one producer until it calls
// Commit or Discard.
type Slot struct {
	rb  *RingBuffer
	pos uint64
	len int
}

// Reserve claims space for a payload of size bytes. It never blocks: when the
// ring does not have room the reservation fails with ErrCapacityExceeded and
// is counted in Dropped.
func (rb *RingBuffer) Reserve(size int, recordType uint32) (Slot, error) {
	if size < 0 || size > rb.maxRecord {
		return Slot{}, fmt.Errorf("%w: %d bytes, max %d", ErrInvalidRecordSize, size, rb.maxRecord)
	}

	total := uint64(RecordSize(size))
	ringSize := rb.mask + 1
	var pos uint64
	for {
		// consumer first: it never passes the producer, so cons <= pos
		cons := rb.consumerPos.Load()
		if rb.reserveHook != nil {
			rb.reserveHook()
		}
		pos = rb.producerPos.Load()
		if pos+total-cons > ringSize {
			// the consumer released space since cons was read
			if rb.consumerPos.Load() != cons {
				continue
			}
			rb.dropped.Add(1)
			return Slot{}, ErrCapacityExceeded
		}
		if rb.producerPos.CompareAndSwap(pos, pos+total) {
			break
		}
	}

	// the length word stays zero until Commit or Discard
	*(*uint32)(unsafe.Pointer(&rb.data[(pos+4)&rb.mask])) = recordType
	return Slot{rb: rb, pos: pos, len: size}, nil
}

// ReserveEvent reserves a record sized for one encoded event
func (rb *RingBuffer) ReserveEvent() (Slot, error) {
	return rb.Reserve(event.Size, RecordEvent)
}

// Len returns the payload size of the slot
func (s Slot) Len() int { return s.len }

// WriteAt copies p into the slot payload starting at off
func (s Slot) WriteAt(p []byte, off int) error {
	if off < 0 || off+len(p) > s.len {
		return fmt.Errorf("write of %d bytes at offset %d exceeds %d byte slot", len(p), off, s.len)
	}
	s.rb.copyIn(s.pos+HeaderSize+uint64(off), p)
	return nil
}

// PutEvent encodes e into the slot payload
func (s Slot) PutEvent(e *event.Event) error {
	var buf [event.Size]byte
	if err := e.Encode(buf[:]); err != nil {
		return err
	}
	return s.WriteAt(buf[:], 0)
}

// Commit makes the record visible to the consumer
func (s Slot) Commit() {
	atomic.StoreUint32(s.rb.header(s.pos), uint32(s.len)|commitBit)
}

// Discard releases the record without making it visible
func (s Slot) Discard() {
	atomic.StoreUint32(s.rb.header(s.pos), uint32(s.len)|discardBit)
}

// Record is a committed record returned by Poll
type Record struct {
	Type uint32
	// Data is only valid until the iteration continues
	Data []byte
}

// Poll returns a sequence of committed records in reservation order. At most
// limit records are returned, or one full ring length when limit <= 0. The
// sequence stops early at the first reserved record that is not yet committed.
// Space is returned to producers as each record is consumed.
//
// Only one goroutine may poll at a time.
func (rb *RingBuffer) Poll(limit int) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		if !rb.polling.CompareAndSwap(false, true) {
			panic("ringbuf: concurrent Poll (only one consumer is supported)")
		}
		defer rb.polling.Store(false)

		ringSize := rb.mask + 1
		var scanned uint64
		returned := 0
		for scanned < ringSize && (limit <= 0 || returned < limit) {
			cons := rb.consumerPos.Load()
			if cons == rb.producerPos.Load() {
				return
			}

			word := atomic.LoadUint32(rb.header(cons))
			if word == 0 {
				// reserved but not yet committed or discarded
				return
			}

			size := int(word & lenMask)
			total := uint64(RecordSize(size))
			scanned += total

			if word&discardBit != 0 {
				rb.release(cons, total)
				continue
			}

			recordType := *(*uint32)(unsafe.Pointer(&rb.data[(cons+4)&rb.mask]))
			buf := rb.scratch[:size]
			rb.copyOut(buf, cons+HeaderSize)
			rb.release(cons, total)

			returned++
			if !yield(Record{Type: recordType, Data: buf}) {
				return
			}
		}
	}
}

// PollEvents is Poll for records written with PutEvent. Records of other
// types or sizes are consumed and skipped.
func (rb *RingBuffer) PollEvents(limit int) iter.Seq[event.Event] {
	return func(yield func(event.Event) bool) {
		for rec := range rb.Poll(limit) {
			if rec.Type != RecordEvent {
				continue
			}
			e, err := event.Decode(rec.Data)
			if err != nil {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Size returns the capacity of the data area in bytes
func (rb *RingBuffer) Size() int { return len(rb.data) }

// Pending returns the number of reserved bytes not yet released by the consumer
func (rb *RingBuffer) Pending() int {
	cons := rb.consumerPos.Load()
	return int(rb.producerPos.Load() - cons)
}

// FreeSpace returns the number of bytes available for reservation
func (rb *RingBuffer) FreeSpace() int {
	return rb.Size() - rb.Pending()
}

// Dropped returns the number of failed reservations
func (rb *RingBuffer) Dropped() uint64 { return rb.dropped.Load() }

// Close releases the backing storage
func (rb *RingBuffer) Close() error {
	return rb.storage.Close()
}

func (rb *RingBuffer) header(pos uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&rb.data[pos&rb.mask]))
}

// copyIn writes p at pos, wrapping around the end of the data area
func (rb *RingBuffer) copyIn(pos uint64, p []byte) {
	n := copy(rb.data[pos&rb.mask:], p)
	if n < len(p) {
		copy(rb.data, p[n:])
	}
}

// copyOut reads len(buf) bytes at pos, wrapping around the end of the data area
func (rb *RingBuffer) copyOut(buf []byte, pos uint64) {
	n := copy(buf, rb.data[pos&rb.mask:])
	if n < len(buf) {
		copy(buf[n:], rb.data)
	}
}

// release zeroes a consumed record so its bytes read as "unpublished" when
// reused, then hands the space back to producers.
func (rb *RingBuffer) release(pos, total uint64) {
	start := pos & rb.mask
	end := start + total
	if end <= uint64(len(rb.data)) {
		clear(rb.data[start:end])
	} else {
		clear(rb.data[start:])
		clear(rb.data[:end-uint64(len(rb.data))])
	}
	rb.consumerPos.Store(pos + total)
}
