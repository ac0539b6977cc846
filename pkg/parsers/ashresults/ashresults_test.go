package ashresults

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/domain/progress"
	"github.com/openctemio/scanregistry/pkg/logger"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func writeScannerResult(t *testing.T, outputDir, scanner, target, content string) string {
	t.Helper()
	path := filepath.Join(outputDir, ScannersDir, scanner, target, ScannerResultsFile)
	writeFile(t, path, content)
	return path
}

func newReader() *Reader {
	return NewReader(logger.NewNop())
}

func TestCheckScanCompletion(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, CheckScanCompletion(dir))

	writeFile(t, AggregatedResultsPath(dir), `{}`)
	assert.True(t, CheckScanCompletion(dir))

	require.NoError(t, os.Remove(AggregatedResultsPath(dir)))
	assert.False(t, CheckScanCompletion(dir))
}

func TestFindScannerResultFiles(t *testing.T) {
	t.Run("missing scanners dir", func(t *testing.T) {
		files, err := FindScannerResultFiles(t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, files)
	})

	t.Run("only exact file names are included", func(t *testing.T) {
		dir := t.TempDir()
		bandit := writeScannerResult(t, dir, "bandit", "source", `{"findings": []}`)
		checkov := writeScannerResult(t, dir, "checkov", "converted", `{"findings": []}`)
		writeFile(t, filepath.Join(dir, ScannersDir, "semgrep", "source", "other.json"), `{}`)
		writeFile(t, filepath.Join(dir, ScannersDir, "stray.txt"), "x")

		files, err := FindScannerResultFiles(dir)
		require.NoError(t, err)
		assert.Equal(t, bandit, files["bandit"]["source"])
		assert.Equal(t, checkov, files["checkov"]["converted"])
		assert.Empty(t, files["semgrep"])
		assert.Equal(t, 2, files.Count())
		assert.Equal(t, []string{"bandit", "checkov", "semgrep"}, files.ScannerNames())
	})
}

func TestExtractFindingsSummary(t *testing.T) {
	counts := ExtractFindingsSummary([]Finding{
		{"severity": "critical"},
		{"severity": "HIGH"},
		{"severity": "unknown"},
	})
	assert.Equal(t, progress.SeverityCounts{Critical: 1, High: 1}, counts)

	counts = ExtractFindingsSummary([]Finding{
		{"severity": "low", "suppressed": true},
		{},
		{"severity": "Info"},
	})
	assert.Equal(t, progress.SeverityCounts{Info: 1, Suppressed: 1}, counts)
}

func TestParseScannerResultFile(t *testing.T) {
	dir := t.TempDir()
	r := newReader()

	good := writeScannerResult(t, dir, "bandit", "source", `{"findings": [{"id": "B101", "severity": "HIGH"}, "junk"]}`)
	findings := r.ParseScannerResultFile(good)
	require.Len(t, findings, 1)
	assert.Equal(t, "B101", findings[0]["id"])

	noFindings := writeScannerResult(t, dir, "bandit", "converted", `{"results": []}`)
	assert.Empty(t, r.ParseScannerResultFile(noFindings))

	broken := writeScannerResult(t, dir, "semgrep", "source", `{"findings": [`)
	assert.Empty(t, r.ParseScannerResultFile(broken))

	assert.Empty(t, r.ParseScannerResultFile(filepath.Join(dir, "missing.json")))
}

func TestGetScannerProgress_BadFileDoesNotAbort(t *testing.T) {
	dir := t.TempDir()
	writeScannerResult(t, dir, "bandit", "source", `{"findings": [{"severity": "HIGH"}, {"severity": "LOW"}]}`)
	writeScannerResult(t, dir, "bandit", "converted", `not json`)
	writeScannerResult(t, dir, "checkov", "source", `{"findings": [{"severity": "CRITICAL"}]}`)

	got, err := newReader().GetScannerProgress(dir)
	require.NoError(t, err)

	require.Contains(t, got, "bandit")
	assert.Equal(t, 2, got["bandit"].TargetsCount)
	assert.ElementsMatch(t, []string{"source", "converted"}, got["bandit"].TargetsCompleted)
	assert.Len(t, got["bandit"].Findings, 2)
	assert.Len(t, got["checkov"].Findings, 1)
}

func TestParseAggregatedResults(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		dir := t.TempDir()
		_, err := ParseAggregatedResults(dir)
		require.Error(t, err)

		var apiErr *apierror.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, apierror.CategoryFileNotFound, apiErr.Category)
		assert.Equal(t, "Aggregated results file not found: "+AggregatedResultsPath(dir), apiErr.Message)
		assert.Equal(t, dir, apiErr.Context["output_dir"])
	})

	t.Run("invalid json", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, AggregatedResultsPath(dir), `{"scanner_results": `)
		_, err := ParseAggregatedResults(dir)
		assert.True(t, apierror.IsCategory(err, apierror.CategoryInvalidFormat))
	})

	t.Run("structure is not checked", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, AggregatedResultsPath(dir), `{"metadata": {}}`)
		res, err := ParseAggregatedResults(dir)
		require.NoError(t, err)
		assert.Empty(t, res.ScannerResults)
		assert.Nil(t, res.SARIF)

		verr := ValidateResultStructure(res.Raw)
		require.NotNil(t, verr)
		assert.Contains(t, verr.Message, "either 'sarif' or 'scanner_results' must be present")
	})

	t.Run("decoded", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, AggregatedResultsPath(dir), `{
			"metadata": {"generated_at": "2026-01-02T03:04:05Z", "summary_stats": {"actionable": 1}},
			"scanner_results": {"bandit": {"status": "FAILED", "finding_count": 2, "severity_counts": {"high": 1, "LOW": 1}}},
			"sarif": {"version": "2.1.0", "runs": []}
		}`)
		res, err := ParseAggregatedResults(dir)
		require.NoError(t, err)
		assert.Equal(t, "2026-01-02T03:04:05Z", res.Metadata.GeneratedAt)
		assert.True(t, res.ScannerResults["bandit"].IsFinished())
		assert.Equal(t, progress.SeverityCounts{High: 1, Low: 1}, res.ScannerResults["bandit"].Counts())
		require.NotNil(t, res.SARIF)
		assert.Contains(t, res.Raw, "metadata")
	})
}

func TestExtractFindings_SynthesizesFromScannerResults(t *testing.T) {
	res := &AggregatedResults{
		ScannerResults: map[string]ScannerResult{
			"bandit": {SeverityCounts: map[string]int{"high": 1, "low": 0}},
		},
	}
	findings := ExtractFindings(res)
	require.Len(t, findings, 1)
	assert.Equal(t, "bandit-high", findings[0]["id"])
	assert.Equal(t, "HIGH", findings[0]["severity"])
	assert.Equal(t, 1, findings[0]["count"])
}

func TestCreateScanProgressFromFiles_Incomplete(t *testing.T) {
	dir := t.TempDir()
	writeScannerResult(t, dir, "bandit", "source", `{"findings": [{"severity": "HIGH"}, {"severity": "LOW"}]}`)

	sp := newReader().CreateScanProgressFromFiles(context.Background(), "s1", dir)

	assert.Equal(t, progress.StatusInProgress, sp.Status)
	assert.False(t, sp.IsComplete())
	assert.Equal(t, 1, sp.CompletedScanners())
	assert.Equal(t, 1, sp.TotalScanners())
	assert.Equal(t, 2, sp.TotalFindings())
	assert.Equal(t, progress.SeverityCounts{High: 1, Low: 1}, sp.SeverityCounts())
}

func TestCreateScanProgressFromFiles_Complete(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, AggregatedResultsPath(dir), `{
		"scanner_results": {
			"bandit": {"finding_count": 2, "severity_counts": {"high": 1, "low": 1}},
			"checkov": {"finding_count": 5}
		},
		"sarif": {"runs": [{"tool": {"driver": {"name": "checkov"}}, "results": [
			{"ruleId": "CKV_1", "level": "error", "message": {"text": "a"}},
			{"ruleId": "CKV_2", "level": "CRITICAL", "message": {"text": "b"}}
		]}]}
	}`)

	sp := newReader().CreateScanProgressFromFiles(context.Background(), "s1", dir)

	assert.Equal(t, progress.StatusCompleted, sp.Status)
	assert.True(t, sp.IsComplete())
	assert.Equal(t, 2, sp.TotalScanners())
	assert.Equal(t, 2, sp.CompletedScanners())

	bandit := sp.Scanners["bandit"][TargetSource]
	require.NotNil(t, bandit)
	assert.Equal(t, 2, bandit.FindingCount)
	assert.Equal(t, progress.SeverityCounts{High: 1, Low: 1}, bandit.SeverityCounts)

	checkov := sp.Scanners["checkov"][TargetSource]
	require.NotNil(t, checkov)
	assert.Equal(t, 2, checkov.FindingCount)
	assert.Equal(t, progress.SeverityCounts{Critical: 1, High: 1}, checkov.SeverityCounts)
}

func TestCreateScanProgressFromFiles_CorruptAggregateMarksFailed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, AggregatedResultsPath(dir), `{"scanner_results": [1, 2]}`)

	sp := newReader().CreateScanProgressFromFiles(context.Background(), "s1", dir)
	assert.Equal(t, progress.StatusFailed, sp.Status)
	assert.True(t, sp.IsComplete())
}

func TestResultPaths(t *testing.T) {
	dir := t.TempDir()

	_, err := ResultPaths(filepath.Join(dir, "missing"))
	assert.True(t, apierror.IsCategory(err, apierror.CategoryFileNotFound))

	_, err = ResultPaths(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Reports directory does not exist")

	writeFile(t, filepath.Join(dir, ReportsDir, "ash.sarif"), `{"runs": []}`)
	writeScannerResult(t, dir, "bandit", "source", `{"findings": []}`)

	info, err := ResultPaths(dir)
	require.NoError(t, err)
	assert.True(t, info.Files["sarif"].Exists)
	assert.EqualValues(t, len(`{"runs": []}`), info.Files["sarif"].SizeBytes)
	assert.False(t, info.Files["html"].Exists)
	assert.False(t, info.Files["aggregated_results"].Exists)
	assert.Len(t, info.Files, len(ReportFiles)+1)
	assert.True(t, info.ScannerResults["bandit"]["source"].Exists)
}

func TestResolveOutputDirectory(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	assert.Equal(t, "/abs/out", ResolveOutputDirectory("/src", "/abs/out"))
	assert.Equal(t, "/src/out", ResolveOutputDirectory("/src", "out"))
	assert.Equal(t, "/src/.ash/ash_output", ResolveOutputDirectory("/src", ""))
	assert.Equal(t, filepath.Join(cwd, "out"), ResolveOutputDirectory("", "out"))
	assert.Equal(t, filepath.Join(cwd, ".ash/ash_output"), ResolveOutputDirectory("", ""))
}
