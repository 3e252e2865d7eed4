package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"xdp-conntrack/internal/capture"
	"xdp-conntrack/internal/worker"
	"xdp-conntrack/pkg/config"
	"xdp-conntrack/pkg/conntrack"
	"xdp-conntrack/pkg/filter"
	"xdp-conntrack/pkg/metrics"
)

var (
	replayRules   string
	replayWorkers int
)

var replayCmd = &cobra.Command{
	Use:   "replay <file.pcap>",
	Short: "Process a pcap/pcapng capture offline and print the result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().StringVarP(&replayRules, "rules", "r", "", "rules file (overrides rules_path)")
	replayCmd.Flags().IntVarP(&replayWorkers, "workers", "w", 1, "number of workers")
	rootCmd.AddCommand(replayCmd)
}

type replayReport struct {
	Stats metrics.Stats         `json:"stats"`
	Pool  worker.PoolStats      `json:"pool"`
	Rules []filter.Spec         `json:"rules"`
	Flows []conntrack.FlowEntry `json:"flows"`
	ICMP  []conntrack.IcmpEntry `json:"icmp"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	overrides := map[string]any{
		"capture.source":      "pcap",
		"capture.file":        args[0],
		"metrics.enabled":     false,
		"api.enabled":         false,
		"workers.num_workers": replayWorkers,
	}
	if replayRules != "" {
		overrides["rules_path"] = replayRules
	}
	cfg, err := config.Load(configFile, overrides)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	src, err := capture.OpenReplay(cfg.Capture.File, 0)
	if err != nil {
		return err
	}
	defer src.Close()

	pool := worker.NewPool(worker.PoolOptions{
		NumWorkers: cfg.Workers.NumWorkers,
		QueueSize:  cfg.Workers.QueueSize,
		Blocking:   true,
		Source:     src,
		Processor:  eng.processor,
		Logger:     logger,
	})
	pool.Start(context.Background())
	pool.Wait()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(replayReport{
		Stats: eng.collector.GetStats(),
		Pool:  pool.Stats(),
		Rules: eng.rules.List(),
		Flows: eng.flows.Snapshot(),
		ICMP:  eng.icmp.Snapshot(),
	})
}
