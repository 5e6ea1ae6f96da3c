package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/unvariance/capturebench/pkg/bench"
	"github.com/unvariance/capturebench/pkg/capture"
	"github.com/unvariance/capturebench/pkg/config"
	"github.com/unvariance/capturebench/pkg/report"
)

// flag names, also the viper keys
const (
	flagConfig        = "config"
	flagStrategies    = "strategies"
	flagShards        = "shards"
	flagProducers     = "producers"
	flagEvents        = "events"
	flagDrainInterval = "drain-interval"
	flagDrainBatch    = "drain-batch"
	flagPinCPUs       = "pin-cpus"
	flagHWCounters    = "hw-counters"
	flagCSV           = "csv"
	flagParquet       = "parquet"
	flagMetricsAddr   = "metrics-addr"
	flagLogLevel      = "log-level"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the benchmark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			return run(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.String(flagConfig, "", "Path to a YAML configuration file")
	flags.StringSlice(flagStrategies, nil, "Strategies to run (hash, array, percpu_array, percpu_hash, ringbuf, perfbuf)")
	flags.Int(flagShards, 0, "Number of per-CPU shards (default: possible CPUs)")
	flags.Int(flagProducers, 0, "Number of concurrent producers (default: online CPUs)")
	flags.Uint64(flagEvents, 0, "Total trigger calls per strategy")
	flags.Duration(flagDrainInterval, 0, "Interval between consumer drains")
	flags.Int(flagDrainBatch, 0, "Maximum items per drain, 0 for a full pass")
	flags.Bool(flagPinCPUs, false, "Pin each producer to a CPU")
	flags.Bool(flagHWCounters, false, "Count instructions and cycles of producer loops")
	flags.String(flagCSV, "", "Write results to this CSV file")
	flags.String(flagParquet, "", "Write results to this Parquet file")
	flags.String(flagMetricsAddr, "", "Serve Prometheus metrics on this address (e.g. :2112)")
	flags.String(flagLogLevel, "info", "Log level (debug, info, warn, error)")
	return cmd
}

// loadConfig builds the configuration from the config file, then applies
// flags and environment variables that were set explicitly.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if path := v.GetString(flagConfig); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if v.IsSet(flagStrategies) {
		kinds := make([]config.Kind, 0)
		for _, name := range v.GetStringSlice(flagStrategies) {
			kinds = append(kinds, config.Kind(name))
		}
		if err := cfg.Only(kinds); err != nil {
			return nil, err
		}
	}
	if v.IsSet(flagShards) {
		cfg.Shards = v.GetInt(flagShards)
	}
	if v.IsSet(flagProducers) {
		cfg.Producers = v.GetInt(flagProducers)
	}
	if v.IsSet(flagEvents) {
		cfg.Events = v.GetUint64(flagEvents)
	}
	if v.IsSet(flagDrainInterval) {
		cfg.DrainInterval = v.GetDuration(flagDrainInterval)
	}
	if v.IsSet(flagDrainBatch) {
		cfg.DrainBatch = v.GetInt(flagDrainBatch)
	}
	if v.IsSet(flagPinCPUs) {
		cfg.PinCPUs = v.GetBool(flagPinCPUs)
	}
	if v.IsSet(flagHWCounters) {
		cfg.HardwareCounters = v.GetBool(flagHWCounters)
	}
	if v.IsSet(flagCSV) {
		cfg.Output.CSV = v.GetString(flagCSV)
	}
	if v.IsSet(flagParquet) {
		cfg.Output.Parquet = v.GetString(flagParquet)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cmd *cobra.Command, v *viper.Viper) (err error) {
	logger, err := newLogger(v.GetString(flagLogLevel))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(v)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	collector := capture.NewCollector()
	if addr := v.GetString(flagMetricsAddr); addr != "" {
		stop := serveMetrics(addr, collector, logger)
		defer stop()
	}

	runner, err := bench.NewRunner(bench.OptionsFromConfig(cfg), logger)
	if err != nil {
		return err
	}

	logger.Info("starting benchmark",
		zap.Int("strategies", len(cfg.Strategies)),
		zap.Int("shards", cfg.Shards),
		zap.Int("producers", cfg.Producers),
		zap.Uint64("events", cfg.Events))

	results := make([]bench.Result, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		s, err := capture.New(sc, cfg.Shards, nil)
		if err != nil {
			return fmt.Errorf("creating %s strategy: %w", sc.Kind, err)
		}
		collector.Add(s)

		res, runErr := runner.Run(ctx, s)
		if closeErr := s.Close(); closeErr != nil {
			logger.Warn("closing strategy failed", zap.String("strategy", string(sc.Kind)), zap.Error(closeErr))
		}
		if runErr != nil {
			return fmt.Errorf("running %s strategy: %w", sc.Kind, runErr)
		}
		results = append(results, res)
	}

	if err := report.WriteSummary(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	if cfg.Output.CSV != "" {
		err = multierr.Append(err, report.WriteCSVFile(cfg.Output.CSV, results))
	}
	if cfg.Output.Parquet != "" {
		err = multierr.Append(err, report.WriteParquet(cfg.Output.Parquet, results))
	}
	return err
}

// serveMetrics exposes the capture collector over HTTP and returns a
// function shutting the server down
func serveMetrics(addr string, collector prometheus.Collector, logger *zap.Logger) func() {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "metrics server shutdown: %v\n", err)
		}
	}
}
