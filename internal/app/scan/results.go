package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openctemio/scanregistry/internal/infra/telemetry"
	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/domain/progress"
	"github.com/openctemio/scanregistry/pkg/parsers/ashresults"
	"github.com/openctemio/scanregistry/pkg/validator"
)

// ResultsParams selects and filters the results of a finished scan.
type ResultsParams struct {
	OutputDir      string   `json:"output_dir" validate:"required"`
	FilterLevel    string   `json:"filter_level,omitempty" validate:"omitempty,filter_level"`
	Scanners       []string `json:"scanners,omitempty"`
	Severities     []string `json:"severities,omitempty"`
	ActionableOnly bool     `json:"actionable_only,omitempty"`
}

// ResultView is a results document. Its shape depends on the filter level.
type ResultView map[string]any

// Members of the aggregate document left out of raw_results.
var excludedRawKeys = []string{"ash_config", "sarif", "cyclonedx"}

// ResultPathsResult lists the result files of an output directory.
type ResultPathsResult struct {
	ashresults.ResultPathsInfo `yaml:",inline"`

	Success   bool   `json:"success" yaml:"success"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
}

// GetResults reads the aggregate results of a finished scan from outputDir
// and shapes them according to params. Filters apply in order:
// actionable_only, then scanner and severity filters, then the level.
func (s *Service) GetResults(ctx context.Context, params ResultsParams) (view ResultView, err error) {
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "scan.get_results",
		attribute.String("output_dir", params.OutputDir),
		attribute.String("filter_level", params.FilterLevel))
	defer func() { telemetry.EndSpan(span, err) }()

	if verr := validator.ValidateOutputDirectory(params.OutputDir); verr != nil {
		return nil, s.fail(ctx, OpGetScanResults, verr)
	}

	if !ashresults.CheckScanCompletion(params.OutputDir) {
		return nil, s.fail(ctx, OpGetScanResults,
			apierror.Newf(apierror.CategoryScanIncomplete,
				"Scan of output_dir %s is not complete. Results are not available.", params.OutputDir).
				WithContext("output_dir", params.OutputDir).
				WithSuggestions(
					"Wait for the scan to complete",
					"Check if the scan process is still running",
					"Verify that the scan was started correctly",
				))
	}

	view, err = s.buildResults(params)
	if err != nil {
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) {
			return nil, s.fail(ctx, OpGetScanResults, err)
		}
		cwd, _ := os.Getwd()
		return nil, s.fail(ctx, OpGetScanResults,
			apierror.Unexpected(fmt.Sprintf("Unexpected error getting scan results: %v", err), err).
				WithContext("cwd", cwd).
				WithContext("output_dir", params.OutputDir))
	}
	return view, nil
}

func (s *Service) buildResults(params ResultsParams) (view ResultView, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("building results: %v", r)
		}
	}()

	results, err := ashresults.ParseAggregatedResults(params.OutputDir)
	if err != nil {
		return nil, err
	}
	if verr := ashresults.ValidateResultStructure(results.Raw); verr != nil {
		return nil, verr.WithContext("output_dir", params.OutputDir).WithSuggestions(
			"Check if the scan completed successfully",
			"Verify that the results file was not corrupted",
			"Ensure the scan process has proper permissions",
		)
	}

	view = s.fullView(results)

	if params.ActionableOnly {
		applyActionableOnly(view)
	}
	if len(params.Scanners) > 0 || len(params.Severities) > 0 {
		applyContentFilters(view, lowerAll(params.Scanners), lowerAll(params.Severities))
	}

	switch level := strings.ToLower(params.FilterLevel); level {
	case "", validator.FilterLevelFull:
		return view, nil
	case validator.FilterLevelSummary:
		return summaryView(view), nil
	case validator.FilterLevelMinimal:
		return minimalView(view), nil
	default:
		s.logger.Warn("unknown filter level, returning full results", "filter_level", params.FilterLevel)
		return view, nil
	}
}

func (s *Service) fullView(results *ashresults.AggregatedResults) ResultView {
	now := s.now()

	summaryStats := results.Metadata.SummaryStats
	if summaryStats == nil {
		summaryStats = map[string]any{}
	}

	completionTime := results.Metadata.GeneratedAt
	if completionTime == "" {
		completionTime = now.Format("2006-01-02T15:04:05.000000")
	}

	raw := make(map[string]any, len(results.Raw))
	for k, v := range results.Raw {
		if !slices.Contains(excludedRawKeys, k) {
			raw[k] = v
		}
	}

	reports := asMap(results.Raw["additional_reports"])
	if reports == nil {
		reports = map[string]any{}
	}

	var completed []string
	for _, name := range results.ScannerNames() {
		if results.ScannerResults[name].IsFinished() {
			completed = append(completed, name)
		}
	}

	view := ResultView{
		"success":             true,
		"operation":           OpGetScanResults,
		"scan_id":             "scan-" + now.Format("20060102150405"),
		"status":              "completed",
		"is_complete":         true,
		"actionable_findings": summaryStats["actionable"],
		"summary_stats":       summaryStats,
		"scanner_reports":     reports,
		"scanners_completed":  nonNil(completed),
		"total_scanners":      len(completed),
		"completion_time":     completionTime,
		"raw_results":         raw,
		"timestamp":           s.timestamp(),
	}
	setFindings(view, ashresults.ExtractFindings(results))
	return view
}

func setFindings(view ResultView, findings []ashresults.Finding) {
	if findings == nil {
		findings = []ashresults.Finding{}
	}
	view["findings"] = findings
	view["findings_count"] = len(findings)
	view["severity_counts"] = ashresults.ExtractFindingsSummary(findings)
}

func findingsOf(view ResultView) []ashresults.Finding {
	f, _ := view["findings"].([]ashresults.Finding)
	return f
}

// applyActionableOnly drops suppressed findings and zeroes every
// suppressed counter.
func applyActionableOnly(view ResultView) {
	var kept []ashresults.Finding
	for _, f := range findingsOf(view) {
		if !f.Suppressed() {
			kept = append(kept, f)
		}
	}
	setFindings(view, kept)

	if stats := asMap(view["summary_stats"]); stats != nil {
		stats[progress.SeveritySuppressed] = 0
		if actionable, ok := stats["actionable"]; ok {
			stats["total"] = actionable
		}
	}

	raw := asMap(view["raw_results"])
	for _, entry := range asMap(raw["scanner_results"]) {
		sr := asMap(entry)
		if sr == nil {
			continue
		}
		sr["suppressed_finding_count"] = 0
		if counts := asMap(sr["severity_counts"]); counts != nil {
			counts[progress.SeveritySuppressed] = 0
		}
	}

	contentFilters(view)["actionable_only"] = true
}

// applyContentFilters keeps only the given scanners and severities.
// Both lists are lower-cased; an empty list does not filter.
func applyContentFilters(view ResultView, scanners, severities []string) {
	keepScanner := func(name string) bool {
		return len(scanners) == 0 || slices.Contains(scanners, strings.ToLower(name))
	}
	keepSeverity := func(name string) bool {
		return len(severities) == 0 || slices.Contains(severities, strings.ToLower(name))
	}

	var kept []ashresults.Finding
	for _, f := range findingsOf(view) {
		if keepScanner(f.Scanner()) && keepSeverity(f.Severity()) {
			kept = append(kept, f)
		}
	}
	setFindings(view, kept)

	raw := asMap(view["raw_results"])

	if len(scanners) > 0 {
		filterKeys(asMap(view["scanner_reports"]), keepScanner)
		filterKeys(asMap(raw["scanner_results"]), keepScanner)
		filterKeys(asMap(raw["additional_reports"]), keepScanner)

		completed, _ := view["scanners_completed"].([]string)
		var still []string
		for _, name := range completed {
			if keepScanner(name) {
				still = append(still, name)
			}
		}
		view["scanners_completed"] = nonNil(still)
		view["total_scanners"] = len(still)
	}

	if len(severities) > 0 {
		for _, entry := range asMap(raw["scanner_results"]) {
			filterKeys(asMap(asMap(entry)["severity_counts"]), keepSeverity)
		}
		if stats := asMap(view["summary_stats"]); stats != nil {
			for _, sev := range []string{
				progress.SeverityCritical, progress.SeverityHigh, progress.SeverityMedium,
				progress.SeverityLow, progress.SeverityInfo,
			} {
				if _, ok := stats[sev]; ok && !keepSeverity(sev) {
					stats[sev] = 0
				}
			}
		}
	}

	filters := contentFilters(view)
	filters["scanners"] = nonNil(scanners)
	filters["severities"] = nonNil(severities)
}

func contentFilters(view ResultView) map[string]any {
	if m := asMap(view["_content_filters"]); m != nil {
		return m
	}
	m := map[string]any{}
	view["_content_filters"] = m
	return m
}

func summaryView(view ResultView) ResultView {
	stats := asMap(view["summary_stats"])
	raw := asMap(view["raw_results"])
	meta := asMap(raw["metadata"])

	bySeverity := map[string]int{}
	for _, key := range append(progress.SeverityBuckets(), "total", "actionable") {
		bySeverity[key] = intValue(stats[key])
	}
	scanStats := map[string]int{}
	for _, key := range []string{"passed", "failed", "missing", "skipped"} {
		scanStats[key] = intValue(stats[key])
	}

	byScanner := map[string]any{}
	completed := 0
	for name, entry := range asMap(raw["scanner_results"]) {
		sr := asMap(entry)
		status, _ := sr["status"].(string)
		counts := asMap(sr["severity_counts"])
		sevs := map[string]int{}
		for _, key := range progress.SeverityBuckets() {
			sevs[key] = intValue(counts[key])
		}
		byScanner[name] = map[string]any{
			"status":              status,
			"findings_count":      intValue(sr["finding_count"]),
			"actionable_findings": intValue(sr["actionable_finding_count"]),
			"suppressed_findings": intValue(sr["suppressed_finding_count"]),
			"duration":            sr["duration"],
			"by_severity":         sevs,
		}
		switch strings.ToUpper(status) {
		case ashresults.ScannerResultPassed, ashresults.ScannerResultFailed:
			completed++
		}
	}

	out := ResultView{
		"success":         true,
		"scan_id":         view["scan_id"],
		"status":          view["status"],
		"is_complete":     view["is_complete"],
		"completion_time": view["completion_time"],
		"metadata": map[string]any{
			"generated_at":          meta["generated_at"],
			"ash_version":           meta["tool_version"],
			"scan_duration_seconds": stats["duration"],
		},
		"findings_summary": map[string]any{
			"by_severity": bySeverity,
			"scan_stats":  scanStats,
		},
		"scanner_summary": map[string]any{
			"by_scanner":         byScanner,
			"total_scanners":     len(byScanner),
			"completed_scanners": completed,
		},
		"_filter": validator.FilterLevelSummary,
	}
	if f, ok := view["_content_filters"]; ok {
		out["_content_filters"] = f
	}
	return out
}

func minimalView(view ResultView) ResultView {
	out := ResultView{
		"success":         true,
		"scan_id":         view["scan_id"],
		"status":          view["status"],
		"is_complete":     view["is_complete"],
		"completion_time": view["completion_time"],
		"summary_stats":   view["summary_stats"],
		"_filter":         validator.FilterLevelMinimal,
	}
	if f, ok := view["_content_filters"]; ok {
		out["_content_filters"] = f
	}
	return out
}

// GetResultPaths lists the report, aggregate and per-scanner result files
// of outputDir with their existence and size.
func (s *Service) GetResultPaths(ctx context.Context, outputDir string) (*ResultPathsResult, error) {
	if verr := validator.ValidateOutputDirectory(outputDir); verr != nil {
		return nil, s.fail(ctx, OpGetResultPaths, verr)
	}
	info, err := ashresults.ResultPaths(outputDir)
	if err != nil {
		return nil, s.fail(ctx, OpGetResultPaths, err,
			"Check if the scan has completed",
			"Verify the output directory path is correct",
		)
	}
	return &ResultPathsResult{
		Success:         true,
		ResultPathsInfo: *info,
		Timestamp:       s.timestamp(),
	}, nil
}

func filterKeys(m map[string]any, keep func(string) bool) {
	for k := range m {
		if !keep(k) {
			delete(m, k)
		}
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// intValue reads a decoded JSON number.
func intValue(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

func lowerAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
