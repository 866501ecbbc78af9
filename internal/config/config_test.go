package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", cfg.Database.Driver)
	}
	if cfg.Gateway.Port != DefaultPort {
		t.Fatalf("expected default port %d, got %d", DefaultPort, cfg.Gateway.Port)
	}
	if cfg.Store.Backend != "sql" || cfg.Store.HistoryLimit != 50 {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if len(cfg.Scan.Scanners) == 0 {
		t.Fatalf("expected default scanners")
	}
}

func TestLoadReadsFileAndSaveRoundTrips(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"scan":{"best_effort":true,"scanner_timeout":"30s"},"git":{"github":[{"token":"t","host":"github.example.com"}]}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Scan.BestEffort {
		t.Fatalf("expected best_effort from file")
	}
	if got := Duration(cfg.Scan.ScannerTimeout, time.Minute); got != 30*time.Second {
		t.Fatalf("expected 30s scanner timeout, got %s", got)
	}
	if len(cfg.Git.GitHub) != 1 || cfg.Git.GitHub[0].Host != "github.example.com" {
		t.Fatalf("unexpected github config: %+v", cfg.Git.GitHub)
	}

	out := filepath.Join(t.TempDir(), "nested", "saved.json")
	if err := Save(cfg, out); err != nil {
		t.Fatalf("Save: %v", err)
	}
	again, err := Load(out)
	if err != nil {
		t.Fatalf("Load saved: %v", err)
	}
	if !again.Scan.BestEffort || again.Git.GitHub[0].Token != "t" {
		t.Fatalf("saved config lost values: %+v", again)
	}
}

func TestDurationFallsBackOnGarbage(t *testing.T) {
	if got := Duration("", 5*time.Second); got != 5*time.Second {
		t.Fatalf("empty: got %s", got)
	}
	if got := Duration("soon", 5*time.Second); got != 5*time.Second {
		t.Fatalf("garbage: got %s", got)
	}
	if got := Duration("-1s", 5*time.Second); got != 5*time.Second {
		t.Fatalf("negative: got %s", got)
	}
	if got := Duration("2m", 5*time.Second); got != 2*time.Minute {
		t.Fatalf("valid: got %s", got)
	}
}
