// Package scanner wraps the security tools a scan runs. Each tool is a
// Capability that turns a checked-out directory into findings.
package scanner

import (
	"context"
	"errors"

	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// ScannerType identifies the category of scanner.
type ScannerType string

const (
	ScannerTypeSCA     ScannerType = "sca"     // software composition analysis (grype)
	ScannerTypeSAST    ScannerType = "sast"    // static application security testing (opengrep)
	ScannerTypeSecrets ScannerType = "secrets" // secret detection (trufflehog, gitleaks)
	ScannerTypeIaC     ScannerType = "iac"     // infrastructure as code (trivy)
)

// ErrToolUnavailable is returned when neither a local binary nor docker can
// run a tool.
var ErrToolUnavailable = errors.New("scanner tool unavailable")

// Capability is the interface every scanning tool implements.
// To add a new scanner:
//  1. Create a new file in internal/scanner/ (e.g. mynewtool.go)
//  2. Implement the Capability interface
//  3. Register it in Build()
type Capability interface {
	// Name returns the tool name (e.g. "grype").
	Name() string

	// Version reports the tool version, or "unknown".
	Version(ctx context.Context) string

	// Scan runs the tool over dir and returns normalised findings with file
	// paths relative to dir.
	Scan(ctx context.Context, dir string) ([]models.Finding, error)
}

// Typed is implemented by capabilities that report their category.
type Typed interface {
	ScannerType() ScannerType
}

// Checker is implemented by capabilities that can report whether they are
// runnable on this host.
type Checker interface {
	Available(ctx context.Context) error
}

// TypeOf returns c's category, or "" when it does not report one.
func TypeOf(c Capability) ScannerType {
	if t, ok := c.(Typed); ok {
		return t.ScannerType()
	}
	return ""
}
