package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/xiaden/nomarr/pkg/broker"
	"github.com/xiaden/nomarr/pkg/calibration"
	"github.com/xiaden/nomarr/pkg/config"
	"github.com/xiaden/nomarr/pkg/docstore"
	"github.com/xiaden/nomarr/pkg/health"
	"github.com/xiaden/nomarr/pkg/log"
	"github.com/xiaden/nomarr/pkg/metrics"
	"github.com/xiaden/nomarr/pkg/sweeper"
	"github.com/xiaden/nomarr/pkg/system"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the nomarr coordination daemon",
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	daemonCmd.Flags().String("socket", "", "Store socket path (overrides config)")
	daemonCmd.Flags().String("metrics-addr", "", "Prometheus listen address (overrides config)")
	daemonCmd.Flags().Int("workers", -1, "Worker count (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("socket"); v != "" {
		cfg.SocketPath = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	if v, _ := cmd.Flags().GetInt("workers"); v >= 0 {
		cfg.WorkerCount = v
	}

	logger := log.WithComponent("daemon")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := docstore.Open(cfg.DataDir, docstore.CoreCollections()...)
	if err != nil {
		return err
	}
	defer store.Close()

	server, err := docstore.NewServer(store, cfg.SocketPath)
	if err != nil {
		return err
	}
	server.Start()
	defer server.Stop()

	monitor := health.NewMonitor(store)

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve binary path: %w", err)
	}
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	spawner := &system.ExecSpawner{
		BinaryPath: binary,
		SocketPath: cfg.SocketPath,
		LogLevel:   logLevel,
		LogJSON:    logJSON,
		ExtraArgs: []string{
			"--pipeline-cmd", cfg.PipelineCommand,
			"--pipeline-version", cfg.PipelineVersion,
			"--heartbeat-interval", strconv.Itoa(cfg.HeartbeatIntervalS),
		},
	}

	sys := system.New(store, monitor, spawner.Spawn, system.Config{
		WorkerCount: cfg.WorkerCount,
		Policy:      cfg.Policy(),
		Limits:      cfg.Limits(),
	})

	sw := sweeper.New(store, monitor)
	monitor.AddHook(sw.Hook(cfg.SweepInterval()))
	monitor.Start()
	defer monitor.Stop()

	stateBroker := broker.New(store, cfg.BrokerPoll())
	stateBroker.Start()
	defer stateBroker.Stop()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics endpoint listening")
	}

	var scheduler *cron.Cron
	if cfg.CalibrationSchedule != "" {
		engine := calibration.New(store, cfg.CalibrationBinWidth)
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.CalibrationSchedule, func() {
			ctx := context.Background()
			if _, err := engine.Generate(ctx); err != nil {
				logger.Error().Err(err).Msg("Scheduled calibration generation failed")
				return
			}
			if _, err := engine.Apply(ctx); err != nil {
				logger.Error().Err(err).Msg("Scheduled calibration apply failed")
			}
		})
		if err != nil {
			return fmt.Errorf("bad calibration_schedule: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	if err := sys.StartAll(); err != nil {
		return err
	}

	logger.Info().
		Int("workers", cfg.WorkerCount).
		Str("data_dir", cfg.DataDir).
		Msg("Daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	sys.StopAll(10 * time.Second)
	return nil
}
