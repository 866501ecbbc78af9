package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/database"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/scanner"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify scanners, database and providers",
	Long: `Checks that every configured scanner can run, the database can be reached
and each repository provider answers its health check.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	allOK := true

	fmt.Println(headerStyle.Render("=== ctrlscan-cache doctor ==="))
	fmt.Println()

	// Store / database
	fmt.Print("Store .................... ")
	if cfg.Store.Backend == "memory" {
		fmt.Println("OK (memory, records are lost on exit)")
	} else {
		db, err := database.New(cfg.Database)
		if err != nil {
			fmt.Printf("FAIL (%s)\n", err)
			allOK = false
		} else {
			if err := db.Ping(ctx); err != nil {
				fmt.Printf("FAIL (%s)\n", err)
				allOK = false
			} else {
				fmt.Printf("OK (%s: %s)\n", db.Driver(), databaseTarget(cfg.Database))
			}
			_ = db.Close()
		}
	}
	if cfg.Archive.Endpoint != "" {
		fmt.Printf("Archive .................. %s/%s\n", cfg.Archive.Endpoint, cfg.Archive.Bucket)
	}

	// Scanners
	fmt.Println()
	fmt.Println("Scanners:")
	caps, err := scanner.Build(cfg.Scan.Scanners, cfg.Tools)
	if err != nil {
		fmt.Printf("  %s\n", warnStyle.Render("FAIL ("+err.Error()+")"))
		allOK = false
	}
	for _, c := range caps {
		fmt.Printf("  %-14s ... ", c.Name())
		if chk, ok := c.(scanner.Checker); ok {
			if err := chk.Available(ctx); err != nil {
				fmt.Printf("MISSING (%s)\n", err)
				allOK = false
				continue
			}
		}
		fmt.Printf("OK (%s)\n", c.Version(ctx))
	}

	// Docker
	fmt.Print("\nDocker ................... ")
	if _, err := exec.LookPath("docker"); err != nil {
		fmt.Println("NOT FOUND (optional, local binaries preferred)")
	} else {
		out, err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").Output()
		if err != nil {
			fmt.Println("NOT RUNNING (optional)")
		} else {
			fmt.Printf("OK (v%s)\n", strings.TrimSpace(string(out)))
		}
	}

	// Providers
	fmt.Println()
	fmt.Println("Providers:")
	reg, err := repository.NewRegistryFromConfig(cfg)
	if err != nil {
		fmt.Printf("  %s\n", warnStyle.Render("FAIL ("+err.Error()+")"))
		allOK = false
	} else {
		statuses := reg.HealthStatuses(ctx)
		for _, name := range sortedProviderNames(statuses) {
			st := statuses[name]
			fmt.Printf("  %-28s %s\n", name, healthLabel(st))
			if !st.IsHealthy {
				allOK = false
			}
		}
	}

	fmt.Println()
	if allOK {
		fmt.Println(successStyle.Render("All checks passed. ctrlscan-cache is ready."))
	} else {
		fmt.Println(warnStyle.Render("Some checks failed. Review the configuration with 'ctrlscan-cache config show'."))
	}
	return nil
}

func databaseTarget(cfg config.DatabaseConfig) string {
	if cfg.Driver == "" || strings.HasPrefix(cfg.Driver, "sqlite") {
		return cfg.Path
	}
	// DSNs may carry credentials.
	if i := strings.LastIndex(cfg.DSN, "@"); i >= 0 {
		return "***" + cfg.DSN[i:]
	}
	return cfg.DSN
}
