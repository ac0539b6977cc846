package ashresults

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/domain/progress"
	"github.com/openctemio/scanregistry/pkg/parsers/sarif"
)

// Scanner statuses reported in scanner_results that count as finished.
const (
	ScannerResultPassed = "PASSED"
	ScannerResultFailed = "FAILED"
)

// AggregatedResults is the decoded aggregate results document.
type AggregatedResults struct {
	Metadata       Metadata
	ScannerResults map[string]ScannerResult
	SARIF          *sarif.Log

	// Raw is the full decoded document.
	Raw map[string]any
}

// Metadata is the "metadata" member of the aggregate document.
type Metadata struct {
	GeneratedAt  string         `json:"generated_at"`
	ProjectName  string         `json:"project_name,omitempty"`
	SummaryStats map[string]any `json:"summary_stats,omitempty"`
}

// ScannerResult is one entry of "scanner_results".
type ScannerResult struct {
	Status       string `json:"status"`
	FindingCount int    `json:"finding_count"`

	// SeverityCounts is nil when the entry carries no severity_counts.
	SeverityCounts map[string]int `json:"severity_counts"`
}

// Counts converts the embedded severity counts to canonical buckets.
func (s ScannerResult) Counts() progress.SeverityCounts {
	var c progress.SeverityCounts
	for name, n := range s.SeverityCounts {
		if p, ok := c.Bucket(name); ok {
			*p += n
		}
	}
	return c
}

// IsFinished reports whether the scanner reached PASSED or FAILED.
func (s ScannerResult) IsFinished() bool {
	switch strings.ToUpper(s.Status) {
	case ScannerResultPassed, ScannerResultFailed:
		return true
	}
	return false
}

// ScannerNames returns the scanner_results keys in sorted order.
func (a *AggregatedResults) ScannerNames() []string {
	names := make([]string, 0, len(a.ScannerResults))
	for name := range a.ScannerResults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseAggregatedResults reads the aggregate file. A missing file is
// reported as file_not_found even when a completion check just succeeded:
// the file may be removed between the two calls.
func ParseAggregatedResults(outputDir string) (*AggregatedResults, error) {
	path := AggregatedResultsPath(outputDir)

	doc, rerr := ReadJSONFile(path)
	if rerr != nil {
		if rerr.Category == apierror.CategoryFileNotFound {
			return nil, apierror.Newf(apierror.CategoryFileNotFound, "Aggregated results file not found: %s", path).
				WithContext("output_dir", outputDir).
				WithSuggestions(
					"Check if the scan has completed",
					"Verify the output directory path is correct",
					"Ensure the scan process has write permissions to the output directory",
				)
		}
		return nil, rerr.WithContext("output_dir", outputDir)
	}

	results := &AggregatedResults{
		ScannerResults: map[string]ScannerResult{},
		Raw:            doc,
	}
	if err := decodeMember(doc, "metadata", &results.Metadata); err != nil {
		return nil, invalidMember(outputDir, "metadata", err)
	}
	if err := decodeMember(doc, "scanner_results", &results.ScannerResults); err != nil {
		return nil, invalidMember(outputDir, "scanner_results", err)
	}

	if raw, ok := doc["sarif"]; ok && raw != nil {
		log, err := sarif.NewParser(nil).ParseValue(raw)
		if err != nil {
			return nil, invalidMember(outputDir, "sarif", err)
		}
		results.SARIF = log
	}

	return results, nil
}

// ValidateResultStructure checks that a decoded aggregate document carries
// a usable sarif or scanner_results member.
func ValidateResultStructure(doc map[string]any) *apierror.Error {
	invalid := func(msg string) *apierror.Error {
		return apierror.InvalidFormat("Invalid result structure: " + msg)
	}

	sarifDoc, hasSARIF := doc["sarif"]
	scannerResults, hasScanners := doc["scanner_results"]
	if !hasSARIF && !hasScanners {
		return invalid("Missing required fields: either 'sarif' or 'scanner_results' must be present")
	}

	if hasSARIF && sarifDoc != nil {
		m, ok := sarifDoc.(map[string]any)
		if !ok {
			return invalid("SARIF data must be a dictionary")
		}
		runs, ok := m["runs"]
		if !ok {
			return invalid("SARIF data is missing 'runs' field")
		}
		if _, ok := runs.([]any); !ok {
			return invalid("SARIF 'runs' must be a list")
		}
	}

	if hasScanners && scannerResults != nil {
		if _, ok := scannerResults.(map[string]any); !ok {
			return invalid("scanner_results must be a dictionary")
		}
	}
	return nil
}

// ExtractFindings flattens SARIF results into findings. When the SARIF
// section yields none, one finding per non-zero severity bucket of each
// scanner_results entry is synthesized instead.
func ExtractFindings(results *AggregatedResults) []Finding {
	var findings []Finding

	for _, f := range sarif.ExtractFindings(results.SARIF) {
		finding := Finding{
			"id":       valueOr(f.ID, "unknown"),
			"severity": f.Severity,
			"scanner":  valueOr(f.Scanner, "unknown"),
		}
		if f.Message != "" {
			finding["message"] = f.Message
		}
		if f.FilePath != "" {
			finding["file_path"] = f.FilePath
		}
		if f.StartLine > 0 {
			finding["start_line"] = f.StartLine
		}
		if f.Suppressed {
			finding["suppressed"] = true
		}
		findings = append(findings, finding)
	}

	if len(findings) > 0 {
		return findings
	}

	for _, name := range results.ScannerNames() {
		counts := results.ScannerResults[name].SeverityCounts
		severities := make([]string, 0, len(counts))
		for sev := range counts {
			severities = append(severities, sev)
		}
		sort.Strings(severities)
		for _, sev := range severities {
			if n := counts[sev]; n > 0 {
				findings = append(findings, synthesizedFinding(name, sev, n))
			}
		}
	}
	return findings
}

// FindingsForScanner returns the findings attributed to scanner.
func FindingsForScanner(findings []Finding, scanner string) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Scanner() == scanner {
			out = append(out, f)
		}
	}
	return out
}

func decodeMember(doc map[string]any, key string, dst any) error {
	raw, ok := doc[key]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func invalidMember(outputDir, member string, err error) *apierror.Error {
	return apierror.Wrap(err, apierror.CategoryInvalidFormat,
		fmt.Sprintf("Invalid result structure: cannot decode '%s': %v", member, err)).
		WithContext("output_dir", outputDir)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
