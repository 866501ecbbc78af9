package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// opengrepStringList tolerates schema drift where fields may be a string,
// array of strings, null, or omitted.
type opengrepStringList []string

func (l *opengrepStringList) UnmarshalJSON(data []byte) error {
	if l == nil {
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*l = nil
		} else {
			*l = []string{one}
		}
		return nil
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	return fmt.Errorf("unsupported string-list JSON shape: %s", string(data))
}

// OpengrepScanner runs opengrep for SAST.
type OpengrepScanner struct {
	execTool
}

func NewOpengrepScanner(binDir string, preferDocker bool) *OpengrepScanner {
	return &OpengrepScanner{execTool{name: "opengrep", image: "opengrep/opengrep:latest", binDir: binDir, preferDocker: preferDocker}}
}

func (o *OpengrepScanner) Name() string             { return "opengrep" }
func (o *OpengrepScanner) ScannerType() ScannerType { return ScannerTypeSAST }

// opengrepOutput mirrors the opengrep JSON output schema.
type opengrepOutput struct {
	Results []struct {
		CheckID string `json:"check_id"`
		Path    string `json:"path"`
		Start   struct {
			Line int `json:"line"`
			Col  int `json:"col"`
		} `json:"start"`
		Extra struct {
			Message  string `json:"message"`
			Severity string `json:"severity"`
			Lines    string `json:"lines"`
			Metadata struct {
				Category string             `json:"category"`
				CWE      opengrepStringList `json:"cwe"`
			} `json:"metadata"`
		} `json:"extra"`
	} `json:"results"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (o *OpengrepScanner) Scan(ctx context.Context, dir string) ([]models.Finding, error) {
	cmd, err := o.command(ctx, dir,
		[]string{"scan", "--json", "--quiet", dir},
		[]string{"scan", "--json", "--quiet", "/scan"})
	if err != nil {
		return nil, err
	}
	// opengrep exits 1 when it finds issues; that's normal.
	out, err := run(o.name, cmd, 1)
	if err != nil {
		return nil, err
	}
	return parseOpengrep(dir, out)
}

func parseOpengrep(root string, data []byte) ([]models.Finding, error) {
	var output opengrepOutput
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, fmt.Errorf("parsing opengrep JSON: %w", err)
	}
	for _, e := range output.Errors {
		slog.Debug("opengrep reported an error", "message", e.Message)
	}

	findings := make([]models.Finding, 0, len(output.Results))
	for _, r := range output.Results {
		msg := strings.TrimSpace(r.Extra.Message)
		if len(r.Extra.Metadata.CWE) > 0 {
			msg = fmt.Sprintf("%s (%s)", msg, r.Extra.Metadata.CWE[0])
		}
		code := r.Extra.Lines
		if code == "requires login" {
			code = ""
		}
		findings = append(findings, models.Finding{
			RuleID:      r.CheckID,
			Message:     msg,
			FilePath:    relPath(root, r.Path),
			Line:        r.Start.Line,
			Severity:    models.MapSeverity(r.Extra.Severity),
			CodeContext: code,
		})
	}
	return findings, nil
}
