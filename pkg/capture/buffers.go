package capture

import (
	"iter"
	"math"

	"github.com/unvariance/capturebench/pkg/config"
	"github.com/unvariance/capturebench/pkg/event"
	"github.com/unvariance/capturebench/pkg/perfbuf"
	"github.com/unvariance/capturebench/pkg/ringbuf"
)

// newEvent builds the event submitted for one trigger. The payload carries
// the latency observed at capture time, saturated to 32 bits.
func newEvent(typ event.Type, producerID, cpu uint32, start uint64, clock Clock) event.Event {
	latency := elapsed(clock, start)
	if latency > math.MaxUint32 {
		latency = math.MaxUint32
	}
	return event.Event{
		Timestamp:  start,
		ProducerID: producerID,
		CPU:        cpu,
		Type:       typ,
		Payload:    uint32(latency),
	}
}

// ringBufStrategy submits every event through one ring shared by all producers
type ringBufStrategy struct {
	rb        *ringbuf.RingBuffer
	eventType event.Type
	clock     Clock
}

func newRingBufStrategy(cfg config.Strategy, clock Clock) (*ringBufStrategy, error) {
	typ, err := event.ParseType(cfg.EventType)
	if err != nil {
		return nil, err
	}

	var storage ringbuf.Storage
	switch cfg.Storage {
	case config.StorageMmap, config.StorageMmapLocked:
		storage, err = ringbuf.NewMmapStorage(cfg.RingSize, cfg.Storage == config.StorageMmapLocked)
		if err != nil {
			return nil, err
		}
	}

	rb, err := ringbuf.New(ringbuf.Options{
		Size:          cfg.RingSize,
		MaxRecordSize: cfg.MaxRecordSize,
		Storage:       storage,
	})
	if err != nil {
		if storage != nil {
			storage.Close()
		}
		return nil, normalize(err)
	}
	return &ringBufStrategy{rb: rb, eventType: typ, clock: clock}, nil
}

func (s *ringBufStrategy) Name() config.Kind { return config.KindRingBuf }

func (s *ringBufStrategy) OnEvent(producerID, cpu uint32, start uint64) error {
	slot, err := s.rb.ReserveEvent()
	if err != nil {
		return normalize(err)
	}
	e := newEvent(s.eventType, producerID, cpu, start, s.clock)
	if err := slot.PutEvent(&e); err != nil {
		slot.Discard()
		return err
	}
	slot.Commit()
	return nil
}

func (s *ringBufStrategy) Drain(limit int) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for e := range s.rb.PollEvents(limit) {
			if !yield(Item{Event: &e}) {
				return
			}
		}
	}
}

func (s *ringBufStrategy) Dropped() uint64 { return s.rb.Dropped() }
func (s *ringBufStrategy) Pending() int    { return s.rb.Pending() }
func (s *ringBufStrategy) Close() error    { return s.rb.Close() }

// perfBufStrategy writes each event to the buffer shard of the producer's cpu
type perfBufStrategy struct {
	buf       *perfbuf.Buffer
	eventType event.Type
	clock     Clock
}

func newPerfBufStrategy(cfg config.Strategy, shards int, clock Clock) (*perfBufStrategy, error) {
	typ, err := event.ParseType(cfg.EventType)
	if err != nil {
		return nil, err
	}
	buf, err := perfbuf.New(shards, cfg.PerShardRecords)
	if err != nil {
		return nil, err
	}
	return &perfBufStrategy{buf: buf, eventType: typ, clock: clock}, nil
}

func (s *perfBufStrategy) Name() config.Kind { return config.KindPerfBuf }

func (s *perfBufStrategy) OnEvent(producerID, cpu uint32, start uint64) error {
	e := newEvent(s.eventType, producerID, cpu, start, s.clock)
	return normalize(s.buf.Write(int(cpu), &e))
}

// Drain returns events of all shards merged by timestamp
func (s *perfBufStrategy) Drain(limit int) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for rec := range s.buf.PollMerged(limit) {
			if !yield(Item{Event: &rec.Event}) {
				return
			}
		}
	}
}

// Dropped is always zero, overwritten events are reported by Lost
func (s *perfBufStrategy) Dropped() uint64 { return 0 }
func (s *perfBufStrategy) Lost() uint64    { return s.buf.TotalLost() }
func (s *perfBufStrategy) Close() error    { return nil }
