package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/gateway"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/telemetry"
)

var (
	servePort   int
	serveLogDir string
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Start the ctrlscan-cache HTTP gateway",
	Long: `Starts the gateway: a long-running daemon that serves cached scan results
over a local REST API (default: http://127.0.0.1:6081) and streams scan
progress as Server-Sent Events.

Quick API reference:
  POST   /api/scan                      cached-or-fresh scan (body: {"repoUrl":"..."})
  POST   /api/scan/force                always run the scanners
  POST   /api/scan/context              source lines around a finding
  GET    /api/scan/statistics           store statistics
  GET    /api/scan/records              current records (?limit=&offset=)
  GET    /api/scan/history/{repoUrl}    scan history of one repository
  GET    /api/scan/stale                records older than ?max_age=24h
  GET    /api/cache/statistics          statistics plus provider summary
  GET    /api/cache/repositories        one summary per cached repository
  DELETE /api/cache/{repoUrl}           invalidate one repository
  DELETE /api/cache                     invalidate everything
  GET    /api/providers                 provider health
  GET    /events                        SSE stream of live events

When schedule.rescan_cron is set, records older than schedule.max_age are
re-checked on that schedule; unchanged repositories cost one revision probe.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0,
		fmt.Sprintf("HTTP port to listen on (default %d, overrides config)", config.DefaultPort))
	serveCmd.Flags().StringVar(&serveLogDir, "log-dir", "logs",
		"directory to write gateway logs for later inspection")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logFilePath, closeLog, err := setupServeLogger(serveLogDir)
	if err != nil {
		return fmt.Errorf("initialising gateway logger: %w", err)
	}
	defer closeLog()

	s, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if servePort > 0 {
		s.cfg.Gateway.Port = servePort
	}
	if s.cfg.Gateway.Port == 0 {
		s.cfg.Gateway.Port = config.DefaultPort
	}

	shutdownTelemetry, err := telemetry.Init(ctx, s.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialising telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(tctx)
	}()

	fmt.Printf("ctrlscan-cache gateway starting\n")
	fmt.Printf("  Store      : %s\n", s.cfg.Store.Backend)
	fmt.Printf("  Scanners   : %v\n", s.cfg.Scan.Scanners)
	fmt.Printf("  Providers  : %d\n", s.registry.Len())
	fmt.Printf("  API        : http://127.0.0.1:%d\n", s.cfg.Gateway.Port)
	fmt.Printf("  Events     : http://127.0.0.1:%d/events\n", s.cfg.Gateway.Port)
	fmt.Printf("  Logs       : %s\n\n", logFilePath)
	fmt.Println("Press Ctrl+C to stop gracefully.")
	fmt.Println()

	slog.Info("Gateway logger initialised", "file", logFilePath)
	gw := gateway.New(s.cfg, s.orch)
	err = gw.Start(ctx)
	if ctx.Err() != nil {
		fmt.Println("\nGateway stopped.")
	}
	return err
}

func setupServeLogger(logDir string) (string, func(), error) {
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating log dir %s: %w", logDir, err)
	}

	ts := time.Now().UTC().Format("20060102-150405")
	runLogPath := filepath.Join(logDir, fmt.Sprintf("gateway-%s.log", ts))
	runFile, err := os.OpenFile(runLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("opening run log file: %w", err)
	}

	latestPath := filepath.Join(logDir, "gateway.log")
	latestFile, err := os.OpenFile(latestPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = runFile.Close()
		return "", nil, fmt.Errorf("opening latest log file: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, runFile, latestFile), &slog.HandlerOptions{
		Level:     level,
		AddSource: verbose,
	})
	slog.SetDefault(slog.New(handler))

	cleanup := func() {
		_ = latestFile.Close()
		_ = runFile.Close()
	}
	return runLogPath, cleanup, nil
}
