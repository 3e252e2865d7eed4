package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/vishvananda/netlink"

	"xdp-conntrack/internal/api"
	"xdp-conntrack/internal/capture"
	"xdp-conntrack/internal/worker"
	"xdp-conntrack/pkg/config"
	"xdp-conntrack/pkg/metrics"
	"xdp-conntrack/xdp"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Track and filter traffic on an interface",
	Long: `Run captures frames from the configured interface (or replays
capture.file when capture.source is pcap), and serves:
- Prometheus metrics on metrics.listen
- the flow/statistics/rule API on api.listen

When bpf_path is set the compiled conn_tracker XDP object is attached to the
interface and the rule table is mirrored into its filter_map.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	logger.Info().
		Str("version", buildVersion).
		Str("interface", cfg.Interface).
		Str("source", cfg.Capture.Source).
		Msg("starting conn-tracker")

	applyPerformanceConfig(cfg, logger)

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info().Int("rules", eng.rules.Table().Len()).Msg("filter rules loaded")

	ifindex := 0
	if cfg.Interface != "" {
		link, err := netlink.LinkByName(cfg.Interface)
		if err != nil {
			return err
		}
		ifindex = link.Attrs().Index
		logger.Info().Str("interface", cfg.Interface).Int("ifindex", ifindex).Msg("interface ready")
	}

	var program *xdp.Program
	if cfg.BPFPath != "" {
		program, err = attachKernelProgram(cfg, ifindex, eng, logger)
		if err != nil {
			return err
		}
		defer program.Close()
		defer program.Detach(ifindex)
	}

	source, closeSource, err := openSource(cfg, ifindex)
	if err != nil {
		return err
	}

	poolOpts := worker.PoolOptions{
		NumWorkers: cfg.Workers.NumWorkers,
		QueueSize:  cfg.Workers.QueueSize,
		Blocking:   cfg.Capture.Source == "pcap",
		Source:     source,
		Processor:  eng.processor,
		Logger:     logger,
	}
	if cfg.Capture.RecordFile != "" {
		f, err := os.Create(cfg.Capture.RecordFile)
		if err != nil {
			return err
		}
		defer f.Close()
		rec, err := capture.NewRecorder(f, cfg.Capture.SnapLen)
		if err != nil {
			return err
		}
		poolOpts.Recorder = rec
	}
	pool := worker.NewPool(poolOpts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var exporter *metrics.Exporter
	if cfg.Metrics.Enabled {
		exporter = metrics.NewExporter(eng.collector, cfg.Metrics.Listen, cfg.Metrics.Path, logger)
		exporter.AddTable("flows", eng.flows)
		exporter.AddTable("icmp", eng.icmp)
		go func() {
			if err := exporter.Start(); err != nil {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		go exporter.StartUpdateLoop(ctx, 10*time.Second)
	}

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.NewServer(cfg.API.Listen, eng.flows, eng.icmp, eng.collector, eng.rules, logger)
		if program != nil {
			apiSrv.SetKernel(program)
		}
		go func() {
			if err := apiSrv.Start(); err != nil {
				logger.Error().Err(err).Msg("api server error")
			}
		}()
	}

	pool.Start(ctx)

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-done:
		logger.Info().Msg("frame source finished")
	}

	cancel()
	closeSource()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if exporter != nil {
		_ = exporter.Shutdown(shutdownCtx)
	}
	if apiSrv != nil {
		_ = apiSrv.Shutdown(shutdownCtx)
	}

	stats := eng.collector.GetStats()
	ps := pool.Stats()
	logger.Info().
		Uint64("packets", stats.TotalPackets).
		Uint64("bytes", stats.TotalBytes).
		Uint64("dropped", stats.Dropped).
		Uint64("malformed", stats.Malformed).
		Uint64("queue_drops", ps.QueueDrops).
		Int("flows", eng.flows.Len()).
		Int("icmp", eng.icmp.Len()).
		Msg("final stats")

	return nil
}

func attachKernelProgram(cfg *config.Config, ifindex int, eng *engine, logger zerolog.Logger) (*xdp.Program, error) {
	flags, err := xdp.XdpFlagsForMode(cfg.XDPMode)
	if err != nil {
		return nil, err
	}
	program, err := xdp.LoadProgram(cfg.BPFPath, flags)
	if err != nil {
		return nil, err
	}
	if err := eng.rules.AddSink(program); err != nil {
		program.Close()
		return nil, err
	}
	if err := program.Attach(ifindex); err != nil {
		program.Close()
		return nil, err
	}
	logger.Info().Str("bpf", cfg.BPFPath).Str("mode", cfg.XDPMode).Msg("XDP program attached")
	return program, nil
}

func openSource(cfg *config.Config, ifindex int) (worker.FrameSource, func(), error) {
	if cfg.Capture.Source == "pcap" {
		r, err := capture.OpenReplay(cfg.Capture.File, ifindex)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	}
	l, err := capture.OpenLive(cfg.Interface, ifindex, cfg.Capture.SnapLen, cfg.Capture.Promiscuous)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { l.Close() }, nil
}
