package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// TrufflehogScanner runs trufflehog for secret detection.
// trufflehog outputs NDJSON (one JSON object per line).
type TrufflehogScanner struct {
	execTool
}

func NewTrufflehogScanner(binDir string, preferDocker bool) *TrufflehogScanner {
	return &TrufflehogScanner{execTool{name: "trufflehog", image: "trufflesecurity/trufflehog:latest", binDir: binDir, preferDocker: preferDocker}}
}

func (t *TrufflehogScanner) Name() string             { return "trufflehog" }
func (t *TrufflehogScanner) ScannerType() ScannerType { return ScannerTypeSecrets }

type trufflehogFinding struct {
	DetectorName   string `json:"DetectorName"`
	Verified       bool   `json:"Verified"`
	SourceMetadata struct {
		Data struct {
			Filesystem struct {
				File string `json:"file"`
				Line int    `json:"line"`
			} `json:"Filesystem"`
		} `json:"Data"`
	} `json:"SourceMetadata"`
}

func (t *TrufflehogScanner) Scan(ctx context.Context, dir string) ([]models.Finding, error) {
	cmd, err := t.command(ctx, dir,
		[]string{"filesystem", dir, "--json", "--no-update"},
		[]string{"filesystem", "/scan", "--json", "--no-update"})
	if err != nil {
		return nil, err
	}
	// trufflehog exits non-zero when secrets are found; that's OK.
	out, err := run(t.name, cmd, 1, 183)
	if err != nil {
		return nil, err
	}
	return parseTrufflehog(dir, out), nil
}

// parseTrufflehog parses NDJSON output, skipping lines that are not findings
// (trufflehog interleaves log lines on some versions).
func parseTrufflehog(root string, data []byte) []models.Finding {
	var findings []models.Finding
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f trufflehogFinding
		if err := json.Unmarshal(line, &f); err != nil || f.DetectorName == "" {
			continue
		}
		// Verified secrets are always HIGH severity.
		sev, state := models.SeverityMedium, "Potential"
		if f.Verified {
			sev, state = models.SeverityHigh, "Verified"
		}
		fs := f.SourceMetadata.Data.Filesystem
		findings = append(findings, models.Finding{
			RuleID:   "trufflehog." + f.DetectorName,
			Message:  fmt.Sprintf("%s %s secret", state, f.DetectorName),
			FilePath: relPath(root, fs.File),
			Line:     fs.Line,
			Severity: sev,
		})
	}
	return findings
}
