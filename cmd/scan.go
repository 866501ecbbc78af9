package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/orchestrator"
)

var (
	scanRepoURL   string
	scanForce     bool
	scanScanners  []string
	scanOutputFmt string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a repository, reusing the cached result when nothing changed",
	Long: `Resolves the repository's provider, checks whether its latest commit moved
since the cached record, and runs the configured scanners only when it did.

Examples:
  ctrlscan-cache scan --repo https://github.com/example/myapp
  ctrlscan-cache scan --repo git@github.com:example/myapp.git --force
  ctrlscan-cache scan --repo https://gitlab.com/group/proj --scanners gitleaks --output json`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanRepoURL, "repo", "", "Repository URL to scan (required)")
	scanCmd.Flags().BoolVar(&scanForce, "force", false, "Ignore the cache and always run the scanners")
	scanCmd.Flags().StringSliceVar(&scanScanners, "scanners", nil, "Comma-separated list of scanners to run (overrides config)")
	scanCmd.Flags().StringVarP(&scanOutputFmt, "output", "o", "table", "Output format: table|json|yaml")
	_ = scanCmd.MarkFlagRequired("repo")
}

func runScan(cmd *cobra.Command, args []string) error {
	if err := validateOutput(scanOutputFmt); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx, func(cfg *config.Config) {
		if len(scanScanners) > 0 {
			cfg.Scan.Scanners = scanScanners
		}
	})
	if err != nil {
		return err
	}
	defer s.Close()

	slog.Info("Starting scan", "repo", scanRepoURL, "force", scanForce, "scanners", s.cfg.Scan.Scanners)
	if scanOutputFmt == "table" {
		fmt.Printf("Scanning %s\n\n", scanRepoURL)
	}

	rec, err := s.orch.Scan(ctx, orchestrator.Request{RepoURL: scanRepoURL, Force: scanForce})
	if err != nil {
		if kind := orchestrator.KindOf(err); kind != "" {
			return fmt.Errorf("scan failed (%s): %w", kind, err)
		}
		return fmt.Errorf("scan failed: %w", err)
	}

	if scanOutputFmt == "table" {
		printRecordTable(rec)
		return nil
	}
	return writeStructured(os.Stdout, scanOutputFmt, rec)
}
