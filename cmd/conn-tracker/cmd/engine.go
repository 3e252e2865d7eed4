package cmd

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"xdp-conntrack/internal/worker"
	"xdp-conntrack/pkg/config"
	"xdp-conntrack/pkg/conntrack"
	"xdp-conntrack/pkg/filter"
	"xdp-conntrack/pkg/logging"
	"xdp-conntrack/pkg/metrics"
)

// engine bundles the packet path and the state it mutates.
type engine struct {
	rules     *filter.Manager
	flows     *conntrack.FlowTracker
	icmp      *conntrack.ICMPTracker
	collector *metrics.Collector
	processor *worker.Processor
}

func newEngine(cfg *config.Config, logger zerolog.Logger) (*engine, error) {
	flows, err := conntrack.NewFlowTracker(cfg.Tables.FlowCapacity, cfg.Tables.Shards, nil)
	if err != nil {
		return nil, err
	}
	icmp, err := conntrack.NewICMPTracker(cfg.Tables.ICMPCapacity, cfg.Tables.Shards, nil)
	if err != nil {
		return nil, err
	}

	table := filter.NewTable()
	rules := filter.NewManager(table, logger)
	if cfg.RulesPath != "" {
		rs, err := filter.LoadRuleSet(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		if err := rules.Load(rs.Rules); err != nil {
			return nil, fmt.Errorf("install rules: %w", err)
		}
	}

	collector := metrics.NewCollector()
	hot := logging.NewLimited(logger.With().Str("component", "pipeline").Logger(), cfg.Logging.Rate, cfg.Logging.Burst)

	return &engine{
		rules:     rules,
		flows:     flows,
		icmp:      icmp,
		collector: collector,
		processor: worker.NewProcessor(table, flows, icmp, collector, hot),
	}, nil
}

// setCPUAffinity 设置 CPU 亲和性
func setCPUAffinity(cpu int) error {
	var mask unix.CPUSet
	mask.Zero()
	mask.Set(cpu)
	return unix.SchedSetaffinity(0, &mask)
}

// applyPerformanceConfig 应用性能配置
func applyPerformanceConfig(cfg *config.Config, logger zerolog.Logger) {
	if cfg.Performance.SingleCore {
		runtime.GOMAXPROCS(1)
		cfg.Workers.NumWorkers = 1
		logger.Info().Msg("single-core mode: GOMAXPROCS set to 1")
	}

	if cfg.Performance.CPUAffinity >= 0 {
		if err := setCPUAffinity(cfg.Performance.CPUAffinity); err != nil {
			logger.Warn().Err(err).Int("cpu", cfg.Performance.CPUAffinity).Msg("failed to set CPU affinity")
		} else {
			logger.Info().Int("cpu", cfg.Performance.CPUAffinity).Msg("CPU affinity set")
		}
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
}
