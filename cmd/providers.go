package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

var providersOutputFmt string

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured repository providers and their health",
	RunE:  runProviders,
}

func init() {
	providersCmd.Flags().StringVarP(&providersOutputFmt, "output", "o", "table", "Output format: table|json|yaml")
}

func runProviders(cmd *cobra.Command, args []string) error {
	if err := validateOutput(providersOutputFmt); err != nil {
		return err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	reg, err := repository.NewRegistryFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("configuring providers: %w", err)
	}

	statuses := reg.HealthStatuses(context.Background())
	if providersOutputFmt != "table" {
		return writeStructured(os.Stdout, providersOutputFmt, statuses)
	}

	fmt.Println(headerStyle.Render("=== Providers ==="))
	for _, p := range reg.Providers() {
		st := statuses[p.Name()]
		fmt.Printf("  %-28s %-8s %s\n", p.Name(), p.Platform(), healthLabel(st))
	}
	return nil
}

func healthLabel(st models.ProviderHealthStatus) string {
	if st.IsHealthy {
		return successStyle.Render(fmt.Sprintf("OK (%s)", st.ResponseTime.Round(time.Millisecond)))
	}
	return warnStyle.Render("UNHEALTHY (" + st.Error + ")")
}

// sortedProviderNames is used by doctor to print providers in a stable order.
func sortedProviderNames(statuses map[string]models.ProviderHealthStatus) []string {
	names := make([]string, 0, len(statuses))
	for n := range statuses {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
