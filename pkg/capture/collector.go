package capture

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "capturebench"

var (
	droppedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "capture", "dropped_total"),
		"Events rejected because the strategy had no capacity left.",
		[]string{"strategy"}, nil,
	)
	pendingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "capture", "pending_bytes"),
		"Bytes reserved in the ring buffer and not yet released by the consumer.",
		[]string{"strategy"}, nil,
	)
	lostDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "capture", "lost_total"),
		"Events overwritten before the consumer read them.",
		[]string{"strategy"}, nil,
	)
)

// Collector exports the drop, backlog and loss counters of strategies. Values
// are read at scrape time.
type Collector struct {
	mu         sync.Mutex
	strategies []Strategy
}

// NewCollector creates a collector for the given strategies
func NewCollector(strategies ...Strategy) *Collector {
	return &Collector{strategies: strategies}
}

// Add starts exporting s. Strategies stay exported after they are closed so
// the final counters of a finished run remain visible.
func (c *Collector) Add(s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies = append(c.strategies, s)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- droppedDesc
	ch <- pendingDesc
	ch <- lostDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	strategies := c.strategies
	c.mu.Unlock()

	for _, s := range strategies {
		name := string(s.Name())
		ch <- prometheus.MustNewConstMetric(droppedDesc, prometheus.CounterValue, float64(s.Dropped()), name)
		if p, ok := s.(PendingReporter); ok {
			ch <- prometheus.MustNewConstMetric(pendingDesc, prometheus.GaugeValue, float64(p.Pending()), name)
		}
		if l, ok := s.(LossReporter); ok {
			ch <- prometheus.MustNewConstMetric(lostDesc, prometheus.CounterValue, float64(l.Lost()), name)
		}
	}
}
