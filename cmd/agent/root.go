package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/fleetd/fleetd/internal/agent"
	"github.com/fleetd/fleetd/pkg/health"
	"github.com/fleetd/fleetd/pkg/log"
	"github.com/fleetd/fleetd/pkg/tracing"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build information (set from main.go)
var (
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 30 * time.Second

// Flags for the run command
var (
	configFile   string
	singleWorker bool
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "Node agent for the fleetd control plane",
	Long: `fleetd runs on each managed host. It holds a session with the control plane,
answers its requests and runs the tasks it triggers.

Configuration is read from FLEETD_* environment variables, optionally
overlaid by a YAML file given with --config.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fleetd version %s\n", agent.Version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
		fmt.Fprintf(cmd.OutOrStdout(), "  Built:      %s\n", BuildTime)
		fmt.Fprintf(cmd.OutOrStdout(), "  Go version: %s\n", runtime.Version())
		fmt.Fprintf(cmd.OutOrStdout(), "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file overlaid on the environment")
	runCmd.Flags().BoolVar(&singleWorker, "single-worker", false, "handle inbound events on one worker")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func runAgent(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	if singleWorker {
		os.Setenv("FLEETD_SINGLE_WORKER", "true")
	}
	if logLevel != "" {
		os.Setenv("FLEETD_LOG_LEVEL", logLevel)
	}

	cfg, err := agent.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := log.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	mainLogger := logger.With().Str("component", "main").Logger()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	tracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "fleetd",
		ServiceVersion: agent.Version,
		NodeID:         a.NodeID(),
		Endpoint:       cfg.TracingEndpoint,
		Insecure:       cfg.TracingInsecure,
		SampleRate:     cfg.TracingSampleRate,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		mainLogger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without tracing")
	} else if cfg.TracingEnabled {
		mainLogger.Info().Str("endpoint", cfg.TracingEndpoint).Msg("Tracing initialized")
	}

	metricsServer := startMetricsServer(cfg.MetricsPort, a, mainLogger)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		mainLogger.Info().Msg("Received shutdown signal")
	case runErr = <-errCh:
		if runErr != nil {
			mainLogger.Error().Err(runErr).Msg("Agent error")
		}
	}
	stop()

	mainLogger.Info().Msg("Initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			mainLogger.Error().Err(err).Msg("Tracer shutdown error")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			mainLogger.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	if err := a.Stop(shutdownCtx); err != nil {
		mainLogger.Error().Err(err).Msg("Error during shutdown")
		return err
	}

	mainLogger.Info().Msg("Agent shutdown complete")
	return runErr
}

// startMetricsServer serves /metrics and /healthz on port. A zero port disables it.
func startMetricsServer(port int, a *agent.Agent, logger zerolog.Logger) *http.Server {
	if port == 0 {
		logger.Info().Msg("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics().Handler())
	mux.Handle("/healthz", health.Handler(a.HealthChecks()...))

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("address", server.Addr).Msg("Starting metrics server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return server
}
