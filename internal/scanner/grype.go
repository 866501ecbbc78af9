package scanner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// GrypeScanner runs grype directly over the directory for SCA. grype
// catalogs packages itself, so no separate SBOM step is needed.
type GrypeScanner struct {
	execTool
}

func NewGrypeScanner(binDir string, preferDocker bool) *GrypeScanner {
	return &GrypeScanner{execTool{name: "grype", image: "anchore/grype:latest", binDir: binDir, preferDocker: preferDocker}}
}

func (g *GrypeScanner) Name() string             { return "grype" }
func (g *GrypeScanner) ScannerType() ScannerType { return ScannerTypeSCA }

type grypeOutput struct {
	Matches []struct {
		Vulnerability struct {
			ID          string `json:"id"`
			Severity    string `json:"severity"`
			Description string `json:"description"`
			Fix         struct {
				Versions []string `json:"versions"`
				State    string   `json:"state"`
			} `json:"fix"`
		} `json:"vulnerability"`
		Artifact struct {
			Name      string `json:"name"`
			Version   string `json:"version"`
			Locations []struct {
				Path string `json:"path"`
			} `json:"locations"`
		} `json:"artifact"`
	} `json:"matches"`
}

func (g *GrypeScanner) Scan(ctx context.Context, dir string) ([]models.Finding, error) {
	cmd, err := g.command(ctx, dir,
		[]string{"dir:" + dir, "-o", "json", "-q"},
		[]string{"dir:/scan", "-o", "json", "-q"})
	if err != nil {
		return nil, err
	}
	// grype exits 1 when --fail-on trips; output is still valid.
	out, err := run(g.name, cmd, 1)
	if err != nil {
		return nil, err
	}
	return parseGrype(dir, out)
}

func parseGrype(root string, data []byte) ([]models.Finding, error) {
	var output grypeOutput
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, fmt.Errorf("parsing grype JSON: %w", err)
	}
	findings := make([]models.Finding, 0, len(output.Matches))
	for _, m := range output.Matches {
		msg := fmt.Sprintf("%s %s@%s", m.Vulnerability.ID, m.Artifact.Name, m.Artifact.Version)
		if len(m.Vulnerability.Fix.Versions) > 0 {
			msg += " (fixed in " + m.Vulnerability.Fix.Versions[0] + ")"
		}
		path := ""
		if len(m.Artifact.Locations) > 0 {
			path = relPath(root, m.Artifact.Locations[0].Path)
		}
		findings = append(findings, models.Finding{
			RuleID:   m.Vulnerability.ID,
			Message:  msg,
			FilePath: path,
			Severity: models.MapSeverity(m.Vulnerability.Severity),
		})
	}
	return findings, nil
}
