package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// gitleaksVersion is the embedded rule engine version.
const gitleaksVersion = "v8.24.0"

// maxGitleaksFileSize skips files larger than this; they are almost always
// generated or vendored artefacts.
const maxGitleaksFileSize = 2 << 20

// GitleaksScanner detects secrets in-process with the gitleaks engine and its
// embedded default ruleset. It needs no external binary.
type GitleaksScanner struct {
	once     sync.Once
	detector *detect.Detector
	initErr  error
}

func NewGitleaksScanner() *GitleaksScanner { return &GitleaksScanner{} }

func (g *GitleaksScanner) Name() string                   { return "gitleaks" }
func (g *GitleaksScanner) ScannerType() ScannerType       { return ScannerTypeSecrets }
func (g *GitleaksScanner) Version(context.Context) string { return gitleaksVersion }

// Available reports whether the embedded ruleset loads.
func (g *GitleaksScanner) Available(context.Context) error {
	_, err := g.load()
	return err
}

func (g *GitleaksScanner) load() (*detect.Detector, error) {
	g.once.Do(func() {
		g.detector, g.initErr = newGitleaksDetector()
	})
	return g.detector, g.initErr
}

// newGitleaksDetector builds a detector from the embedded default config.
// A private viper instance keeps the toml config out of the global one.
func newGitleaksDetector() (*detect.Detector, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewBufferString(config.DefaultConfig)); err != nil {
		return nil, fmt.Errorf("failed to read embedded gitleaks config: %w", err)
	}
	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded gitleaks config: %w", err)
	}
	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate gitleaks config: %w", err)
	}
	return detect.NewDetector(cfg), nil
}

func (g *GitleaksScanner) Scan(ctx context.Context, dir string) ([]models.Finding, error) {
	if err := ValidatePath(dir); err != nil {
		return nil, err
	}
	det, err := g.load()
	if err != nil {
		return nil, err
	}

	var findings []models.Finding
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() == 0 || info.Size() > maxGitleaksFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if isBinary(data) {
			return nil
		}
		rel := relPath(dir, path)
		for _, f := range det.Detect(detect.Fragment{Raw: string(data), FilePath: rel}) {
			// StartLine is zero-based.
			line := f.StartLine + 1
			if line < 1 {
				line = 1
			}
			findings = append(findings, models.Finding{
				RuleID:   "gitleaks." + f.RuleID,
				Message:  strings.TrimSpace(f.Description),
				FilePath: rel,
				Line:     line,
				Severity: models.SeverityHigh,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	return findings, nil
}

// isBinary applies git's heuristic: a NUL byte in the first 8000 bytes.
func isBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}
