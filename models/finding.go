package models

import "fmt"

// Finding is one issue reported by a scanner, in a scanner-agnostic shape.
type Finding struct {
	RuleID      string        `json:"rule_id"`
	Message     string        `json:"message"`
	FilePath    string        `json:"file_path"`
	Line        int           `json:"line"`
	Severity    SeverityLevel `json:"severity"`
	CodeContext string        `json:"code_context,omitempty"`
}

// Validate reports whether f has the shape every stored finding must have.
func (f Finding) Validate() error {
	if f.RuleID == "" {
		return fmt.Errorf("finding has no rule id")
	}
	if f.Line < 0 {
		return fmt.Errorf("finding %s has negative line %d", f.RuleID, f.Line)
	}
	return nil
}

// SeverityCounts tallies findings per severity level.
type SeverityCounts map[SeverityLevel]int

// CountSeverities builds a SeverityCounts from findings.
func CountSeverities(findings []Finding) SeverityCounts {
	out := SeverityCounts{}
	for _, f := range findings {
		sev := f.Severity
		if sev == "" {
			sev = SeverityUnknown
		}
		out[sev]++
	}
	return out
}
