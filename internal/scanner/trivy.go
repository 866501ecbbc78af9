package scanner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// TrivyScanner runs trivy for IaC/misconfiguration scanning.
type TrivyScanner struct {
	execTool
}

func NewTrivyScanner(binDir string, preferDocker bool) *TrivyScanner {
	return &TrivyScanner{execTool{name: "trivy", image: "aquasec/trivy:latest", binDir: binDir, preferDocker: preferDocker}}
}

func (t *TrivyScanner) Name() string             { return "trivy" }
func (t *TrivyScanner) ScannerType() ScannerType { return ScannerTypeIaC }

// trivyOutput mirrors the relevant parts of trivy's JSON output.
type trivyOutput struct {
	Results []struct {
		Target            string `json:"Target"`
		Misconfigurations []struct {
			ID            string `json:"ID"`
			Title         string `json:"Title"`
			Message       string `json:"Message"`
			Severity      string `json:"Severity"`
			Status        string `json:"Status"`
			CauseMetadata struct {
				StartLine int `json:"StartLine"`
			} `json:"CauseMetadata"`
		} `json:"Misconfigurations"`
	} `json:"Results"`
}

func (t *TrivyScanner) Scan(ctx context.Context, dir string) ([]models.Finding, error) {
	cmd, err := t.command(ctx, dir,
		[]string{"fs", dir, "--format", "json", "--scanners", "misconfig", "--exit-code", "0", "--quiet"},
		[]string{"fs", "/scan", "--format", "json", "--scanners", "misconfig", "--exit-code", "0", "--quiet"})
	if err != nil {
		return nil, err
	}
	out, err := run(t.name, cmd)
	if err != nil {
		return nil, err
	}
	return parseTrivy(out)
}

func parseTrivy(data []byte) ([]models.Finding, error) {
	var output trivyOutput
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, fmt.Errorf("parsing trivy JSON: %w", err)
	}
	var findings []models.Finding
	for _, res := range output.Results {
		for _, m := range res.Misconfigurations {
			if m.Status == "PASS" {
				continue
			}
			msg := m.Title
			if m.Message != "" {
				msg = m.Title + ": " + m.Message
			}
			findings = append(findings, models.Finding{
				RuleID:   m.ID,
				Message:  msg,
				FilePath: res.Target,
				Line:     m.CauseMetadata.StartLine,
				Severity: models.MapSeverity(m.Severity),
			})
		}
	}
	return findings, nil
}
