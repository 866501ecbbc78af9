package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/store"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

var (
	cacheOutputFmt string
	cacheLimit     int
	historyLimit   int
	cacheMaxAge    string
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and invalidate cached scan records",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	RunE: withStore(func(ctx context.Context, s *stack, args []string) error {
		st, err := s.store.Statistics(ctx)
		if err != nil {
			return err
		}
		if cacheOutputFmt != "table" {
			return writeStructured(os.Stdout, cacheOutputFmt, st)
		}
		fmt.Println(headerStyle.Render("=== Cache Statistics ==="))
		fmt.Printf("Current records   : %d\n", st.CurrentRecords)
		fmt.Printf("Total scans       : %d\n", st.TotalScans)
		fmt.Printf("Repositories      : %d\n", st.DistinctRepositories)
		fmt.Printf("Cache hits        : %d\n", st.CacheHits)
		fmt.Printf("Findings          : %d (avg %.1f per record)\n", st.TotalFindings, st.AverageFindings)
		fmt.Printf("Severities        : %s\n", severityLine(st.SeverityDistribution))
		if st.OldestScan != nil && st.NewestScan != nil {
			fmt.Printf("Oldest / newest   : %s / %s\n",
				st.OldestScan.Local().Format(time.DateTime), st.NewestScan.Local().Format(time.DateTime))
		}
		return nil
	}),
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List current records, newest first",
	RunE: withStore(func(ctx context.Context, s *stack, args []string) error {
		recs, err := s.store.Records(ctx, cacheLimit, 0)
		if err != nil {
			return err
		}
		return printRecords(recs)
	}),
}

var cacheStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List records older than --max-age",
	RunE: withStore(func(ctx context.Context, s *stack, args []string) error {
		maxAge := config.Duration(cacheMaxAge, config.Duration(s.cfg.Schedule.MaxAge, 24*time.Hour))
		recs, err := s.store.ListStale(ctx, maxAge)
		if err != nil {
			return err
		}
		return printRecords(recs)
	}),
}

var cacheHistoryCmd = &cobra.Command{
	Use:   "history <repo-url>",
	Short: "Show the scan history of one repository",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, s *stack, args []string) error {
		recs, err := s.store.History(ctx, repository.NormalizeURL(args[0]), historyLimit)
		if err != nil {
			return err
		}
		return printRecords(recs)
	}),
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <repo-url>",
	Short: "Drop the current record of one repository (history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, s *stack, args []string) error {
		key := repository.NormalizeURL(args[0])
		if _, err := s.store.Current(ctx, key); errors.Is(err, store.ErrNotFound) {
			fmt.Println(dimStyle.Render("No cached record for " + key))
			return nil
		}
		if err := s.store.Invalidate(ctx, key); err != nil {
			return err
		}
		fmt.Println(successStyle.Render("Invalidated " + key))
		return nil
	}),
}

var cacheInvalidateAllCmd = &cobra.Command{
	Use:   "invalidate-all",
	Short: "Drop every current record (history is kept)",
	RunE: withStore(func(ctx context.Context, s *stack, args []string) error {
		n, err := s.store.InvalidateAll(ctx)
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("Invalidated %d record(s)", n)))
		return nil
	}),
}

func init() {
	cacheCmd.PersistentFlags().StringVarP(&cacheOutputFmt, "output", "o", "table", "Output format: table|json|yaml")
	cacheListCmd.Flags().IntVar(&cacheLimit, "limit", 50, "Maximum records to list (0 for all)")
	cacheHistoryCmd.Flags().IntVar(&historyLimit, "limit", store.DefaultHistoryLimit, "Maximum records to list")
	cacheStaleCmd.Flags().StringVar(&cacheMaxAge, "max-age", "", "Staleness threshold such as 12h (default: schedule.max_age)")

	cacheCmd.AddCommand(
		cacheStatsCmd,
		cacheListCmd,
		cacheStaleCmd,
		cacheHistoryCmd,
		cacheInvalidateCmd,
		cacheInvalidateAllCmd,
	)
}

// withStore opens only the store for commands that never scan.
func withStore(fn func(ctx context.Context, s *stack, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := validateOutput(cacheOutputFmt); err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(ctx, s, args)
	}
}

func printRecords(recs []*models.ScanRecord) error {
	if cacheOutputFmt != "table" {
		if recs == nil {
			recs = []*models.ScanRecord{}
		}
		return writeStructured(os.Stdout, cacheOutputFmt, recs)
	}
	if len(recs) == 0 {
		fmt.Println(dimStyle.Render("No records."))
		return nil
	}
	for _, r := range recs {
		fmt.Printf("%s  %-12s  %s  %s\n",
			r.Timestamp.Local().Format(time.DateTime),
			shortHash(r.CommitHash),
			r.RepoURL,
			severityLine(models.CountSeverities(r.Findings)),
		)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
