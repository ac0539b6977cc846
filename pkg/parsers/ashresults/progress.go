package ashresults

import (
	"context"
	"errors"

	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/domain/progress"
)

// TargetSource is the target type reported for aggregated scanner results.
const TargetSource = "source"

// CreateScanProgressFromFiles rebuilds a scan's progress from outputDir.
//
// When the aggregate exists, one completed unit per scanner_results entry is
// built, preferring embedded severity counts. A categorized error while
// reading the aggregate marks the progress failed instead of returning it.
// Otherwise one completed unit per partial result file is built.
func (r *Reader) CreateScanProgressFromFiles(ctx context.Context, scanID, outputDir string) *progress.ScanProgress {
	sp := progress.NewScanProgress(scanID)

	if CheckScanCompletion(outputDir) {
		if err := r.fillFromAggregate(sp, outputDir); err != nil {
			r.logger.WithContext(ctx).Error("error parsing aggregated results",
				"scan_id", scanID, "output_dir", outputDir, "error", err)
			sp.MarkFailed()
		}
		return sp
	}

	files, err := FindScannerResultFiles(outputDir)
	if err != nil {
		r.logger.WithContext(ctx).Warn("error listing scanner result files",
			"scan_id", scanID, "output_dir", outputDir, "error", err)
		return sp
	}

	for scanner, targets := range files {
		for target, path := range targets {
			if ctx.Err() != nil {
				return sp
			}
			findings := r.ParseScannerResultFile(path)
			unit := progress.NewScannerProgress(scanner, target)
			unit.MarkCompleted(len(findings), ExtractFindingsSummary(findings))
			sp.AddScanner(unit)
		}
	}
	return sp
}

func (r *Reader) fillFromAggregate(sp *progress.ScanProgress, outputDir string) error {
	results, err := ParseAggregatedResults(outputDir)
	if err != nil {
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return apierror.Unexpected(err.Error(), err)
	}

	sp.MarkCompleted()
	findings := ExtractFindings(results)

	for _, name := range results.ScannerNames() {
		info := results.ScannerResults[name]
		unit := progress.NewScannerProgress(name, TargetSource)
		if info.SeverityCounts != nil {
			unit.MarkCompleted(info.FindingCount, info.Counts())
		} else {
			scannerFindings := FindingsForScanner(findings, name)
			unit.MarkCompleted(len(scannerFindings), ExtractFindingsSummary(scannerFindings))
		}
		sp.AddScanner(unit)
	}
	return nil
}
