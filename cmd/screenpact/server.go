package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/screenpact/internal/clock"
	"github.com/goodtune/screenpact/internal/config"
	"github.com/goodtune/screenpact/internal/interval"
	"github.com/goodtune/screenpact/internal/metrics"
	"github.com/goodtune/screenpact/internal/notify"
	"github.com/goodtune/screenpact/internal/reconcile"
	"github.com/goodtune/screenpact/internal/scheduler"
	"github.com/goodtune/screenpact/internal/settle"
	"github.com/goodtune/screenpact/internal/storage/bolt"
	"github.com/goodtune/screenpact/internal/storage/redis"
	"github.com/goodtune/screenpact/internal/systemd"
	"github.com/goodtune/screenpact/internal/tracker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the screenpact daemon",
	Long:  `Start the usage tracker, settlement, and reconciliation actors plus the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting screenpact")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := bolt.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close local store")
		}
	}()

	logger.Info().Str("path", cfg.Storage.Path).Msg("Local store opened")

	remote, err := redis.Open(cfg.Remote)
	if err != nil {
		return fmt.Errorf("failed to connect to remote store: %w", err)
	}
	defer func() {
		if err := remote.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close remote store")
		}
	}()

	logger.Info().
		Str("host", cfg.Remote.Host).
		Int("port", cfg.Remote.Port).
		Msg("Remote store connected")

	policy, err := buildBucketPolicy(cfg.Tracking)
	if err != nil {
		return fmt.Errorf("invalid bucket policy: %w", err)
	}

	logger.Info().
		Str("policy", cfg.Tracking.BucketPolicy).
		Int("bucket_minutes", policy.Minutes()).
		Msg("Bucket policy configured")

	clk := clock.RealClock{}
	emitter := notify.NewLogEmitter(logger)

	usageTracker := tracker.New(
		remote.Events(),
		store.Records(),
		store.Prefs(),
		policy,
		emitter,
		clk,
		tracker.Config{MinSegment: parseDuration(cfg.Tracking.MinSegment, tracker.DefaultMinSegment)},
		logger,
	)

	settlementInterval := parseDuration(cfg.Settlement.Interval, 24*time.Hour)
	settleEngine := settle.New(store.Records(), store.Prefs(), remote, clk, settlementInterval, logger)

	reconcileEngine := reconcile.New(store.Records(), store.Prefs(), remote, cfg.Reconcile.BatchSize, logger)

	sched := scheduler.New(logger)
	sched.Register("tracker", parseDuration(cfg.Tracking.PollInterval, time.Minute), usageTracker.RunOnce)
	sched.Register("settlement", settlementInterval, settleEngine.RunOnce)
	sched.Register("reconcile", parseDuration(cfg.Reconcile.Interval, 3*time.Hour), reconcileEngine.RunOnce)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		logger.Info().Str("addr", metricsAddr).Msg("Metrics server started")
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd readiness")
	}
	startWatchdog(ctx, logger)

	logger.Info().Msg("screenpact startup complete")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd of shutdown")
	}

	cancel()
	sched.Stop()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("screenpact stopped")
	return nil
}

// buildBucketPolicy constructs the configured bucket policy. The same
// instance is shared by every consumer so accumulator, notifier, and
// settlement agree on bucket boundaries.
func buildBucketPolicy(cfg config.TrackingConfig) (interval.Policy, error) {
	switch cfg.BucketPolicy {
	case "window":
		return interval.NewWindow(cfg.BucketMinutes)
	default:
		return interval.NewDaily(cfg.ResetTime)
	}
}

// startWatchdog feeds the systemd watchdog when one is configured.
func startWatchdog(ctx context.Context, logger zerolog.Logger) {
	interval := systemd.WatchdogInterval()
	if interval == 0 {
		return
	}

	logger.Info().Dur("interval", interval).Msg("Systemd watchdog enabled")
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := systemd.NotifyWatchdog(); err != nil {
					logger.Warn().Err(err).Msg("Failed to send watchdog keepalive")
				}
			}
		}
	}()
}
