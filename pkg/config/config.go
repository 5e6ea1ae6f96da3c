// Package config holds the benchmark configuration: which capture strategies
// to run, how they are sized, and how the workload is generated.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/cilium/ebpf"
	"gopkg.in/yaml.v3"

	"github.com/unvariance/capturebench/pkg/event"
)

// Kind names a capture strategy
type Kind string

const (
	KindHash        Kind = "hash"
	KindArray       Kind = "array"
	KindPerCPUArray Kind = "percpu_array"
	KindPerCPUHash  Kind = "percpu_hash"
	KindRingBuf     Kind = "ringbuf"
	KindPerfBuf     Kind = "perfbuf"
)

// Kinds lists every strategy kind in reporting order
var Kinds = []Kind{KindHash, KindArray, KindPerCPUArray, KindPerCPUHash, KindRingBuf, KindPerfBuf}

// Storage backends for the ring buffer
const (
	StorageHeap       = "heap"
	StorageMmap       = "mmap"
	StorageMmapLocked = "mmap_locked"
)

// ErrInvalidConfig is wrapped by every validation error
var ErrInvalidConfig = errors.New("invalid configuration")

// Strategy configures one capture strategy under test
type Strategy struct {
	Kind Kind `yaml:"kind"`

	// map strategies
	MaxEntries int `yaml:"max_entries,omitempty"`

	// ringbuf
	RingSize      int    `yaml:"ring_size,omitempty"`
	MaxRecordSize int    `yaml:"max_record_size,omitempty"`
	Storage       string `yaml:"storage,omitempty"`

	// perfbuf
	PerShardRecords int `yaml:"per_shard_records,omitempty"`

	// buffer strategies
	EventType string `yaml:"event_type,omitempty"`
}

// Output selects where results are written. Empty paths are skipped.
type Output struct {
	CSV     string `yaml:"csv,omitempty"`
	Parquet string `yaml:"parquet,omitempty"`
}

// Config is the complete benchmark configuration
type Config struct {
	Strategies []Strategy `yaml:"strategies"`

	// Shards is the number of shards of per-CPU strategies
	Shards int `yaml:"shards"`
	// Producers is the number of concurrent producer goroutines
	Producers int `yaml:"producers"`
	// Events is the total number of trigger calls, split across producers
	Events uint64 `yaml:"events"`

	DrainInterval time.Duration `yaml:"drain_interval"`
	DrainBatch    int           `yaml:"drain_batch"`

	PinCPUs          bool `yaml:"pin_cpus"`
	HardwareCounters bool `yaml:"hardware_counters"`

	Output Output `yaml:"output"`
}

// DefaultStrategy returns the default sizing for a strategy kind, the same
// capacities as the kernel maps each strategy stands in for.
func DefaultStrategy(kind Kind) Strategy {
	s := Strategy{Kind: kind}
	switch kind {
	case KindHash:
		s.MaxEntries = 10240
	case KindArray, KindPerCPUArray:
		s.MaxEntries = 256
	case KindPerCPUHash:
		s.MaxEntries = 1024
	case KindRingBuf:
		s.RingSize = 256 * 1024
		s.MaxRecordSize = event.Size
		s.Storage = StorageHeap
		s.EventType = event.TypeTracepoint.String()
	case KindPerfBuf:
		s.PerShardRecords = 4096
		s.EventType = event.TypeProbe.String()
	}
	return s
}

// Default returns a configuration running every strategy
func Default() *Config {
	cfg := &Config{
		Shards:        PossibleCPUs(),
		Producers:     runtime.NumCPU(),
		Events:        1_000_000,
		DrainInterval: time.Millisecond,
		DrainBatch:    0,
	}
	for _, kind := range Kinds {
		cfg.Strategies = append(cfg.Strategies, DefaultStrategy(kind))
	}
	return cfg
}

// PossibleCPUs returns the number of CPUs the kernel may bring online, which
// bounds the cpu index a producer can report.
func PossibleCPUs() int {
	n, err := ebpf.PossibleCPU()
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// Load reads a YAML configuration file on top of the defaults and validates it
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults and validates it.
// Strategy entries only need a kind, unset sizes take the kind's defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Strategies = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = Default().Strategies
	}
	for i := range cfg.Strategies {
		cfg.Strategies[i].applyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Strategy) applyDefaults() {
	def := DefaultStrategy(s.Kind)
	if s.MaxEntries == 0 {
		s.MaxEntries = def.MaxEntries
	}
	if s.RingSize == 0 {
		s.RingSize = def.RingSize
	}
	if s.MaxRecordSize == 0 {
		s.MaxRecordSize = def.MaxRecordSize
	}
	if s.Storage == "" {
		s.Storage = def.Storage
	}
	if s.PerShardRecords == 0 {
		s.PerShardRecords = def.PerShardRecords
	}
	if s.EventType == "" {
		s.EventType = def.EventType
	}
}

// Validate checks the configuration for values no strategy could run with
func (c *Config) Validate() error {
	if len(c.Strategies) == 0 {
		return fmt.Errorf("%w: no strategies configured", ErrInvalidConfig)
	}
	if c.Shards < 1 {
		return fmt.Errorf("%w: shards must be greater than 0, got %d", ErrInvalidConfig, c.Shards)
	}
	if c.Producers < 1 {
		return fmt.Errorf("%w: producers must be greater than 0, got %d", ErrInvalidConfig, c.Producers)
	}
	if c.Events == 0 {
		return fmt.Errorf("%w: events must be greater than 0", ErrInvalidConfig)
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("%w: drain interval must be positive, got %v", ErrInvalidConfig, c.DrainInterval)
	}
	if c.DrainBatch < 0 {
		return fmt.Errorf("%w: drain batch must not be negative, got %d", ErrInvalidConfig, c.DrainBatch)
	}

	seen := make(map[Kind]bool)
	for i, s := range c.Strategies {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("strategy %d: %w", i, err)
		}
		if seen[s.Kind] {
			return fmt.Errorf("%w: strategy %q configured twice", ErrInvalidConfig, s.Kind)
		}
		seen[s.Kind] = true
	}
	return nil
}

// Validate checks the sizing of a single strategy
func (s *Strategy) Validate() error {
	switch s.Kind {
	case KindHash, KindArray, KindPerCPUArray, KindPerCPUHash:
		if s.MaxEntries < 1 {
			return fmt.Errorf("%w: %s: max_entries must be greater than 0, got %d", ErrInvalidConfig, s.Kind, s.MaxEntries)
		}
		return nil

	case KindRingBuf:
		if !isPowerOfTwo(s.RingSize) {
			return fmt.Errorf("%w: %s: ring_size must be a power of 2, got %d", ErrInvalidConfig, s.Kind, s.RingSize)
		}
		if s.MaxRecordSize < event.Size {
			return fmt.Errorf("%w: %s: max_record_size must hold an event (%d bytes), got %d",
				ErrInvalidConfig, s.Kind, event.Size, s.MaxRecordSize)
		}
		switch s.Storage {
		case StorageHeap, StorageMmap, StorageMmapLocked:
		default:
			return fmt.Errorf("%w: %s: unknown storage %q", ErrInvalidConfig, s.Kind, s.Storage)
		}

	case KindPerfBuf:
		if !isPowerOfTwo(s.PerShardRecords) {
			return fmt.Errorf("%w: %s: per_shard_records must be a power of 2, got %d",
				ErrInvalidConfig, s.Kind, s.PerShardRecords)
		}

	default:
		return fmt.Errorf("%w: unknown strategy kind %q", ErrInvalidConfig, s.Kind)
	}

	if _, err := event.ParseType(s.EventType); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, s.Kind, err)
	}
	return nil
}

// Only keeps the strategies whose kinds are listed, in the given order
func (c *Config) Only(kinds []Kind) error {
	byKind := make(map[Kind]Strategy, len(c.Strategies))
	for _, s := range c.Strategies {
		byKind[s.Kind] = s
	}

	selected := make([]Strategy, 0, len(kinds))
	for _, kind := range kinds {
		s, ok := byKind[kind]
		if !ok {
			s = DefaultStrategy(kind)
			if err := s.Validate(); err != nil {
				return err
			}
		}
		selected = append(selected, s)
	}
	c.Strategies = selected
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
