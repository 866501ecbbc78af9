package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/database"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/notify"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/orchestrator"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/scanner"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/store"
)

const defaultScannerTimeout = 10 * time.Minute

// stack holds everything a command needs to run or inspect scans.
type stack struct {
	cfg        *config.Config
	db         database.DB
	store      store.Store
	registry   *repository.Registry
	dispatcher *notify.Dispatcher
	orch       *orchestrator.Orchestrator
}

// openStore loads config, applies flag overrides and opens the configured
// store. The database is only opened for the sql backend.
func openStore(ctx context.Context, overrides ...func(*config.Config)) (*stack, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	for _, o := range overrides {
		o(cfg)
	}
	s := &stack{cfg: cfg}

	if cfg.Store.Backend != "memory" {
		db, err := database.New(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		s.db = db
	}

	st, err := store.New(ctx, cfg, s.db)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.store = st
	return s, nil
}

// openStack builds the full scan pipeline on top of openStore.
func openStack(ctx context.Context, overrides ...func(*config.Config)) (*stack, error) {
	s, err := openStore(ctx, overrides...)
	if err != nil {
		return nil, err
	}
	cfg := s.cfg

	reg, err := repository.NewRegistryFromConfig(cfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("configuring providers: %w", err)
	}
	s.registry = reg

	caps, err := scanner.Build(cfg.Scan.Scanners, cfg.Tools)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("configuring scanners: %w", err)
	}
	runner := scanner.NewRunner(caps, config.Duration(cfg.Scan.ScannerTimeout, defaultScannerTimeout))

	opts := orchestrator.OptionsFromConfig(cfg)
	s.dispatcher = notify.NewDispatcher(cfg.Notify)
	if s.dispatcher.IsAnyConfigured() {
		opts.Notifier = s.dispatcher
		slog.Info("Notifications enabled", "channels", s.dispatcher.Channels())
	}

	s.orch = orchestrator.New(reg, repository.NewCloneManager(""), s.store, runner, opts)
	slog.Debug("Scan stack ready",
		"providers", reg.Len(),
		"scanners", cfg.Scan.Scanners,
		"store", cfg.Store.Backend,
	)
	return s, nil
}

// Close waits for pending notifications and releases every resource.
func (s *stack) Close() {
	if s.orch != nil {
		s.orch.Wait()
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Close(); err != nil {
			slog.Warn("Closing notification channels failed", "error", err)
		}
	}
	// The sql store owns the database handle once it exists.
	switch {
	case s.store != nil:
		if err := s.store.Close(); err != nil {
			slog.Warn("Closing store failed", "error", err)
		}
	case s.db != nil:
		_ = s.db.Close()
	}
}
