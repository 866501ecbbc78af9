package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"go.yaml.in/yaml/v3"

	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#14B8A6"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#22C55E"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#64748B"))
	criticalStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
	highStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F97316"))
	mediumStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	lowStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#38BDF8"))
)

func severityStyle(sev models.SeverityLevel) lipgloss.Style {
	switch sev {
	case models.SeverityCritical:
		return criticalStyle
	case models.SeverityHigh:
		return highStyle
	case models.SeverityMedium:
		return mediumStyle
	case models.SeverityLow:
		return lowStyle
	default:
		return dimStyle
	}
}

// severityOrder is the display order of severity columns.
var severityOrder = []models.SeverityLevel{
	models.SeverityCritical,
	models.SeverityHigh,
	models.SeverityMedium,
	models.SeverityLow,
	models.SeverityInfo,
	models.SeverityUnknown,
}

// writeStructured renders v as json or yaml. YAML goes through JSON first so
// both formats share the json field names.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return fmt.Errorf("unsupported output format %q (supported: table, json, yaml)", format)
	}
}

func validateOutput(format string) error {
	switch format {
	case "table", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (supported: table, json, yaml)", format)
	}
}

// severityLine renders counts as "CRITICAL 1  HIGH 3 ..." skipping zeros.
func severityLine(counts models.SeverityCounts) string {
	parts := make([]string, 0, len(severityOrder))
	for _, sev := range severityOrder {
		if n := counts[sev]; n > 0 {
			parts = append(parts, severityStyle(sev).Render(fmt.Sprintf("%s %d", sev, n)))
		}
	}
	if len(parts) == 0 {
		return successStyle.Render("no findings")
	}
	return strings.Join(parts, "  ")
}

func printRecordTable(rec *models.ScanRecord) {
	fmt.Println(headerStyle.Render("=== Scan Result ==="))
	fmt.Printf("Repository : %s\n", rec.RepoURL)
	fmt.Printf("Commit     : %s\n", rec.CommitHash)
	fmt.Printf("Scanned at : %s\n", rec.Timestamp.Local().Format("2006-01-02 15:04:05"))
	if rec.ScanSkipped {
		fmt.Printf("Cache      : %s\n", successStyle.Render("hit ("+rec.SkipReason+")"))
	} else {
		fmt.Printf("Cache      : %s\n", dimStyle.Render("miss (fresh scan)"))
	}
	names := make([]string, 0, len(rec.Scanners))
	for _, s := range rec.Scanners {
		names = append(names, s.Name+"@"+s.Version)
	}
	fmt.Printf("Scanners   : %s\n", strings.Join(names, ", "))
	fmt.Printf("Findings   : %d (%s)\n", len(rec.Findings), severityLine(models.CountSeverities(rec.Findings)))
	for _, w := range rec.Warnings {
		fmt.Println(warnStyle.Render("warning: " + w))
	}

	if len(rec.Findings) == 0 {
		return
	}
	fmt.Println()
	for _, f := range rec.Findings {
		sev := f.Severity
		if sev == "" {
			sev = models.SeverityUnknown
		}
		loc := f.FilePath
		if f.Line > 0 {
			loc = fmt.Sprintf("%s:%d", f.FilePath, f.Line)
		}
		fmt.Printf("  %-10s %-40s %s\n",
			severityStyle(sev).Render(string(sev)), truncate(f.RuleID, 40), dimStyle.Render(loc))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
