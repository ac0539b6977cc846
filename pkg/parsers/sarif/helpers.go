package sarif

import (
	"strings"
)

// Finding is the flattened view of one SARIF result used for severity
// accounting and result listings.
type Finding struct {
	ID         string `json:"id"`
	Severity   string `json:"severity"`
	Scanner    string `json:"scanner"`
	Message    string `json:"message,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	StartLine  int    `json:"start_line,omitempty"`
	Suppressed bool   `json:"suppressed,omitempty"`
}

// canonicalSeverities are accepted verbatim when a tool reports them as level
// or as a "severity" property.
var canonicalSeverities = map[string]bool{
	"CRITICAL": true,
	"HIGH":     true,
	"MEDIUM":   true,
	"LOW":      true,
	"INFO":     true,
}

// levelSeverity maps SARIF levels onto the canonical severity names.
var levelSeverity = map[Level]string{
	LevelError:   "HIGH",
	LevelWarning: "MEDIUM",
	LevelNote:    "LOW",
	LevelNone:    "INFO",
}

// ResultSeverity returns the upper-case severity of a result. A "severity"
// property wins over the level; a missing level defaults to MEDIUM.
func ResultSeverity(r *Result) string {
	if sev, ok := r.Properties["severity"].(string); ok {
		if up := strings.ToUpper(sev); canonicalSeverities[up] {
			return up
		}
	}
	if r.Level == "" {
		return "MEDIUM"
	}
	up := strings.ToUpper(string(r.Level))
	if canonicalSeverities[up] {
		return up
	}
	if sev, ok := levelSeverity[Level(strings.ToLower(string(r.Level)))]; ok {
		return sev
	}
	return up
}

// ExtractFindings flattens every result of every run.
func ExtractFindings(log *Log) []Finding {
	if log == nil {
		return nil
	}
	var findings []Finding
	for _, run := range log.Runs {
		tool := run.Tool.Driver.Name
		for i := range run.Results {
			r := &run.Results[i]
			f := Finding{
				ID:         r.RuleID,
				Severity:   ResultSeverity(r),
				Scanner:    tool,
				Message:    r.Message.Text,
				Suppressed: r.IsSuppressed(),
			}
			if len(r.Locations) > 0 && r.Locations[0].PhysicalLocation != nil {
				pl := r.Locations[0].PhysicalLocation
				if pl.ArtifactLocation != nil {
					f.FilePath = pl.ArtifactLocation.URI
				}
				if pl.Region != nil {
					f.StartLine = pl.Region.StartLine
				}
			}
			findings = append(findings, f)
		}
	}
	return findings
}

// FindingsForScanner returns the findings reported by the named tool.
// Tool names are compared case-insensitively.
func FindingsForScanner(findings []Finding, scanner string) []Finding {
	var out []Finding
	for _, f := range findings {
		if strings.EqualFold(f.Scanner, scanner) {
			out = append(out, f)
		}
	}
	return out
}
