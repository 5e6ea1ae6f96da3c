package bench

import (
	"fmt"

	"github.com/elastic/go-perf"
)

// Counters holds hardware counter totals for producer loops
type Counters struct {
	Instructions uint64
	Cycles       uint64
}

// CPI returns cycles per instruction, or 0 when nothing was counted
func (c Counters) CPI() float64 {
	if c.Instructions == 0 {
		return 0
	}
	return float64(c.Cycles) / float64(c.Instructions)
}

// Add sums two sets of counters
func (c Counters) Add(other Counters) Counters {
	return Counters{
		Instructions: c.Instructions + other.Instructions,
		Cycles:       c.Cycles + other.Cycles,
	}
}

// counterGroup counts instructions and cycles of the calling thread. The
// caller must hold runtime.LockOSThread for the lifetime of the group.
type counterGroup struct {
	event *perf.Event
}

func openCounters() (*counterGroup, error) {
	g := perf.Group{
		CountFormat: perf.CountFormat{
			Running: true,
		},
	}
	g.Add(perf.Instructions, perf.CPUCycles)

	evt, err := g.Open(perf.CallingThread, perf.AnyCPU)
	if err != nil {
		return nil, fmt.Errorf("opening perf event group: %w", err)
	}
	return &counterGroup{event: evt}, nil
}

// measure runs fn with the counters enabled
func (c *counterGroup) measure(fn func()) (Counters, error) {
	gc, err := c.event.MeasureGroup(fn)
	if err != nil {
		return Counters{}, fmt.Errorf("measuring perf event group: %w", err)
	}
	return Counters{
		Instructions: gc.Values[0].Value,
		Cycles:       gc.Values[1].Value,
	}, nil
}

func (c *counterGroup) Close() error {
	return c.event.Close()
}
