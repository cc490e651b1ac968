// Package main is the entry point for the arbiter-core binary.
// It provides a CLI for running the strategy orchestration core.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbiternet/arbiter-oss/pkg/config"
	"github.com/arbiternet/arbiter-oss/pkg/logging"
	"github.com/arbiternet/arbiter-oss/pkg/orchestrator"
	"github.com/arbiternet/arbiter-oss/pkg/strategy"
	"github.com/arbiternet/arbiter-oss/pkg/telemetry"
)

const defaultLogLevel = "info"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for arbiter-core
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arbiter-core",
		Short: "Strategy orchestration core",
		Long: `Runs the orchestration core: component registry, resource manager,
health monitor, and tiered fallback system, exposed over an HTTP admin API.

Example:
  arbiter-core --config config.yaml --listen :8090`,
		RunE: runCore,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().StringP("listen", "a", "", "Listen address override (e.g. :8090)")
	rootCmd.Flags().StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("no-baselines", false, "Skip registering the built-in baseline strategies")

	return rootCmd
}

// runCore is the main entry point for the core command
func runCore(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	listenAddr, err := cmd.Flags().GetString("listen")
	if err != nil {
		return fmt.Errorf("failed to get listen flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("failed to get log-level flag: %w", err)
	}
	noBaselines, err := cmd.Flags().GetBool("no-baselines")
	if err != nil {
		return fmt.Errorf("failed to get no-baselines flag: %w", err)
	}

	logger := logging.NewLogger(logging.Config{Level: logLevel, Pretty: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cfg *config.Config
	var provider *config.FileConfigProvider
	if configPath != "" {
		provider, err = config.NewFileConfigProvider(configPath, logger)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		defer provider.Close()
		cfg = provider.Current()
	} else {
		cfg, err = config.Load("")
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
	}
	if listenAddr != "" {
		cfg.Server.ListenAddress = listenAddr
	}
	if logLevel != defaultLogLevel {
		cfg.Logging.Level = logLevel
	}

	core := orchestrator.New(cfg, logger)

	telemetryCfg := telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	}
	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetryCfg)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing setup failed, continuing without export")
		shutdownTracing = func(context.Context) error { return nil }
	}
	shutdownMetrics, err := telemetry.SetupMetrics(ctx, telemetryCfg, core.Metrics().Registry())
	if err != nil {
		logger.Warn().Err(err).Msg("metrics bridge setup failed, continuing with native collectors")
		shutdownMetrics = func(context.Context) error { return nil }
	}

	if !noBaselines {
		if err := core.RegisterComponent(ctx, strategy.NewFirstMove().Component()); err != nil {
			return fmt.Errorf("failed to register baseline: %w", err)
		}
		if err := core.RegisterComponent(ctx, strategy.NewSeededRandom().Component()); err != nil {
			return fmt.Errorf("failed to register baseline: %w", err)
		}
	}

	core.Start()

	// Config hot reload: push fresh snapshots into the core.
	if provider != nil {
		updates := provider.Subscribe()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case next, ok := <-updates:
					if !ok {
						return
					}
					core.ApplyConfig(next)
				}
			}
		}()
	}

	server := orchestrator.NewServer(cfg.Server.ListenAddress, core, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info().
		Str("listen", cfg.Server.ListenAddress).
		Str("log_level", cfg.Logging.Level).
		Msg("arbiter-core started")

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			cancel()
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during server shutdown")
	}
	if err := core.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during core shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error flushing traces")
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error flushing metrics")
	}

	logger.Info().Msg("arbiter-core stopped")
	return nil
}
