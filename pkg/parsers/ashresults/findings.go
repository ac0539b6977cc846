package ashresults

import (
	"fmt"
	"strings"

	"github.com/openctemio/scanregistry/pkg/domain/progress"
	"github.com/openctemio/scanregistry/pkg/logger"
)

// Finding is one entry of a scanner's findings array. The schema belongs to
// the scanner pipeline; only a few keys are interpreted here.
type Finding map[string]any

// Severity returns the upper-cased "severity" value, or "UNKNOWN".
func (f Finding) Severity() string {
	if s, ok := f["severity"].(string); ok && s != "" {
		return strings.ToUpper(s)
	}
	return "UNKNOWN"
}

// Scanner returns the "scanner" value, or "unknown".
func (f Finding) Scanner() string {
	if s, ok := f["scanner"].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

// Suppressed reports whether the finding was marked suppressed.
func (f Finding) Suppressed() bool {
	b, _ := f["suppressed"].(bool)
	return b
}

// ExtractFindingsSummary tallies findings into the six canonical buckets.
// Severities are matched case-insensitively; unknown ones are dropped.
// Suppressed findings count only towards the suppressed bucket.
func ExtractFindingsSummary(findings []Finding) progress.SeverityCounts {
	var counts progress.SeverityCounts
	for _, f := range findings {
		if f.Suppressed() {
			counts.Suppressed++
			continue
		}
		if p, ok := counts.Bucket(f.Severity()); ok {
			*p++
		}
	}
	return counts
}

// ScannerFileProgress is the partial progress of one scanner as seen from
// its per-target result files.
type ScannerFileProgress struct {
	TargetsCompleted []string  `json:"targets_completed"`
	TargetsCount     int       `json:"targets_count"`
	Findings         []Finding `json:"findings"`
}

// Reader reads scanner output and logs recoverable problems.
type Reader struct {
	logger *logger.Logger
}

// NewReader creates a Reader.
func NewReader(log *logger.Logger) *Reader {
	if log == nil {
		log = logger.NewNop()
	}
	return &Reader{logger: log}
}

// ParseScannerResultFile returns the "findings" array of a scanner result
// file. Unreadable or malformed files are logged and yield no findings.
func (r *Reader) ParseScannerResultFile(path string) []Finding {
	doc, rerr := ReadJSONFile(path)
	if rerr != nil {
		r.logger.Warn("error reading result file", "path", path, "error", rerr.Error())
		return []Finding{}
	}

	raw, ok := doc["findings"].([]any)
	if !ok {
		r.logger.Warn("unexpected result file structure", "path", path)
		return []Finding{}
	}

	findings := make([]Finding, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			findings = append(findings, Finding(m))
		}
	}
	return findings
}

// GetScannerProgress reports, per scanner, which targets produced result
// files and the findings they contain. One bad file never affects others.
func (r *Reader) GetScannerProgress(outputDir string) (map[string]*ScannerFileProgress, error) {
	files, err := FindScannerResultFiles(outputDir)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*ScannerFileProgress, len(files))
	for scanner, targets := range files {
		sp := &ScannerFileProgress{
			TargetsCompleted: make([]string, 0, len(targets)),
			TargetsCount:     len(targets),
			Findings:         []Finding{},
		}
		for target, path := range targets {
			sp.TargetsCompleted = append(sp.TargetsCompleted, target)
			sp.Findings = append(sp.Findings, r.ParseScannerResultFile(path)...)
		}
		out[scanner] = sp
	}
	return out, nil
}

func synthesizedFinding(scanner, severity string, count int) Finding {
	return Finding{
		"id":       fmt.Sprintf("%s-%s", scanner, strings.ToLower(severity)),
		"severity": strings.ToUpper(severity),
		"scanner":  scanner,
		"count":    count,
	}
}
