package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/domain/progress"
	"github.com/openctemio/scanregistry/pkg/domain/scan"
	"github.com/openctemio/scanregistry/pkg/logger"
	"github.com/openctemio/scanregistry/pkg/parsers/ashresults"
)

type fakeSignaler struct {
	mu   sync.Mutex
	err  error
	pids []int
}

func (f *fakeSignaler) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids = append(f.pids, pid)
	return f.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	return NewRegistry(logger.NewNop(), opts...)
}

// scanDirs creates a source directory and its output directory.
func scanDirs(t *testing.T) (string, string) {
	t.Helper()
	src := t.TempDir()
	out := filepath.Join(src, ashresults.DefaultOutputSubdir)
	require.NoError(t, os.MkdirAll(out, 0o755))
	return src, out
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func register(t *testing.T, r *Registry, src, out string) string {
	t.Helper()
	id, err := r.RegisterScan(context.Background(), RegisterParams{DirectoryPath: src, OutputDirectory: out})
	require.NoError(t, err)
	return id
}

func TestRegisterScan(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)

	id := register(t, r, src, out)
	assert.NotEmpty(t, id)

	snap, ok := r.GetScan(id)
	require.True(t, ok)
	assert.Equal(t, scan.StatusPending, snap.Status)
	assert.Equal(t, "MEDIUM", snap.SeverityThreshold)
	assert.Nil(t, snap.EndTime)
	assert.Nil(t, snap.ConfigPath)
	assert.Equal(t, 1, r.ScanCount())
}

func TestRegisterScan_NormalizesSeverity(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)

	id, err := r.RegisterScan(context.Background(), RegisterParams{
		DirectoryPath: src, OutputDirectory: out, SeverityThreshold: "critical", ScanID: "fixed-id",
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)

	snap, _ := r.GetScan(id)
	assert.Equal(t, "CRITICAL", snap.SeverityThreshold)
}

func TestRegisterScan_DuplicateID(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)
	other, otherOut := scanDirs(t)

	_, err := r.RegisterScan(context.Background(), RegisterParams{DirectoryPath: src, OutputDirectory: out, ScanID: "dup"})
	require.NoError(t, err)

	_, err = r.RegisterScan(context.Background(), RegisterParams{DirectoryPath: other, OutputDirectory: otherOut, ScanID: "dup"})
	require.Error(t, err)
	assert.True(t, apierror.IsCategory(err, apierror.CategoryInvalidParameter))
	assert.Equal(t, "Scan ID dup already exists in registry", err.Error())
	assert.Equal(t, 1, r.ScanCount())
}

func TestRegisterScan_OneActiveScanPerDirectory(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)

	first := register(t, r, src, out)

	_, err := r.RegisterScan(context.Background(), RegisterParams{DirectoryPath: src, OutputDirectory: out})
	require.Error(t, err)
	var apiErr *apierror.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierror.CategoryResourceExhausted, apiErr.Category)
	assert.Equal(t, first, apiErr.Context["existing_scan_id"])

	// A finished scan releases the directory.
	require.True(t, r.UpdateScanStatus(first, scan.StatusCompleted, ""))
	second := register(t, r, src, out)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, r.ScanCount())
}

func TestRegisterScan_ConcurrentSameDirectory(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RegisterScan(context.Background(), RegisterParams{DirectoryPath: src, OutputDirectory: out}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, r.ActiveScanCount())
}

func TestRegisterScan_ValidationDoesNotMutate(t *testing.T) {
	src, out := scanDirs(t)

	tests := []struct {
		name     string
		params   RegisterParams
		category apierror.Category
	}{
		{
			name:     "missing directory",
			params:   RegisterParams{DirectoryPath: filepath.Join(src, "nope"), OutputDirectory: out},
			category: apierror.CategoryFileNotFound,
		},
		{
			name:     "missing output directory",
			params:   RegisterParams{DirectoryPath: src, OutputDirectory: filepath.Join(src, "nope")},
			category: apierror.CategoryFileNotFound,
		},
		{
			name:     "bad severity",
			params:   RegisterParams{DirectoryPath: src, OutputDirectory: out, SeverityThreshold: "URGENT"},
			category: apierror.CategoryInvalidParameter,
		},
		{
			name:     "missing config",
			params:   RegisterParams{DirectoryPath: src, OutputDirectory: out, ConfigPath: filepath.Join(src, "ash.yaml")},
			category: apierror.CategoryFileNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			_, err := r.RegisterScan(context.Background(), tt.params)
			require.Error(t, err)
			assert.True(t, apierror.IsCategory(err, tt.category), "got %v", err)
			assert.Equal(t, 0, r.ScanCount())
		})
	}
}

func TestRegisterScan_ConfigExtension(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)
	cfg := filepath.Join(src, "ash.toml")
	writeTestFile(t, cfg, "x")

	_, err := r.RegisterScan(context.Background(), RegisterParams{DirectoryPath: src, OutputDirectory: out, ConfigPath: cfg})
	require.Error(t, err)
	assert.True(t, apierror.IsCategory(err, apierror.CategoryInvalidFormat))

	good := filepath.Join(src, ".ash.yaml")
	writeTestFile(t, good, "reporters: {}")
	id, err := r.RegisterScan(context.Background(), RegisterParams{DirectoryPath: src, OutputDirectory: out, ConfigPath: good})
	require.NoError(t, err)
	snap, _ := r.GetScan(id)
	require.NotNil(t, snap.ConfigPath)
	assert.Equal(t, good, *snap.ConfigPath)
}

func TestGetScanByDirectory(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)

	_, ok := r.GetScanByDirectory(src)
	assert.False(t, ok)

	id := register(t, r, src, out)
	snap, ok := r.GetScanByDirectory(src)
	require.True(t, ok)
	assert.Equal(t, id, snap.ScanID)

	r.UpdateScanStatus(id, scan.StatusFailed, "")
	_, ok = r.GetScanByDirectory(src)
	assert.False(t, ok)
}

func TestUpdateScanStatus(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)
	id := register(t, r, src, out)

	assert.False(t, r.UpdateScanStatus("unknown", scan.StatusCompleted, ""))

	require.True(t, r.UpdateScanStatus(id, scan.StatusFailed, ""))
	snap, _ := r.GetScan(id)
	assert.Equal(t, scan.StatusFailed, snap.Status)
	require.NotNil(t, snap.ErrorMessage)
	assert.Equal(t, "Unknown error", *snap.ErrorMessage)
	assert.NotNil(t, snap.EndTime)
}

func TestFinishScan_DoesNotOverrideCancellation(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)
	id := register(t, r, src, out)

	ok, err := r.CancelScan(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, r.FinishScan(id, scan.StatusFailed, "exit status 143"))
	snap, _ := r.GetScan(id)
	assert.Equal(t, scan.StatusCancelled, snap.Status)
}

func TestMarkRunning(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)
	id := register(t, r, src, out)

	require.True(t, r.MarkRunning(id, 4242))
	snap, _ := r.GetScan(id)
	assert.Equal(t, scan.StatusRunning, snap.Status)
	require.NotNil(t, snap.ProcessID)
	assert.Equal(t, 4242, *snap.ProcessID)

	assert.False(t, r.MarkRunning("unknown", 1))
}

func TestListScans(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, WithClock(clock.Now))

	srcA, outA := scanDirs(t)
	srcB, outB := scanDirs(t)
	a := register(t, r, srcA, outA)
	clock.Advance(time.Second)
	b := register(t, r, srcB, outB)
	r.UpdateScanStatus(a, scan.StatusCompleted, "")

	all := r.ListScans(false, "")
	require.Len(t, all, 2)
	assert.Equal(t, a, all[0].ScanID)
	assert.Equal(t, b, all[1].ScanID)

	active := r.ListScans(true, "")
	require.Len(t, active, 1)
	assert.Equal(t, b, active[0].ScanID)

	byDir := r.ListScans(false, srcA)
	require.Len(t, byDir, 1)
	assert.Equal(t, a, byDir[0].ScanID)
}

func TestCancelScan(t *testing.T) {
	t.Run("unknown scan", func(t *testing.T) {
		r := newTestRegistry(t)
		ok, err := r.CancelScan(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("terminal scan", func(t *testing.T) {
		r := newTestRegistry(t)
		src, out := scanDirs(t)
		id := register(t, r, src, out)
		r.UpdateScanStatus(id, scan.StatusCompleted, "")

		ok, err := r.CancelScan(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("no process", func(t *testing.T) {
		sig := &fakeSignaler{}
		r := newTestRegistry(t, WithSignaler(sig))
		src, out := scanDirs(t)
		id := register(t, r, src, out)

		ok, err := r.CancelScan(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, sig.pids)

		snap, _ := r.GetScan(id)
		assert.Equal(t, scan.StatusCancelled, snap.Status)
		assert.NotNil(t, snap.EndTime)
	})

	t.Run("signals the process", func(t *testing.T) {
		sig := &fakeSignaler{}
		r := newTestRegistry(t, WithSignaler(sig))
		src, out := scanDirs(t)
		id := register(t, r, src, out)
		r.MarkRunning(id, 777)

		ok, err := r.CancelScan(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []int{777}, sig.pids)
	})

	t.Run("non-positive pid is never signalled", func(t *testing.T) {
		sig := &fakeSignaler{}
		r := newTestRegistry(t, WithSignaler(sig))
		src, out := scanDirs(t)
		id := register(t, r, src, out)
		r.MarkRunning(id, 0)

		ok, err := r.CancelScan(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, sig.pids)

		snap, _ := r.GetScan(id)
		assert.Equal(t, scan.StatusCancelled, snap.Status)
	})

	t.Run("process already gone", func(t *testing.T) {
		r := newTestRegistry(t, WithSignaler(&fakeSignaler{err: unix.ESRCH}))
		src, out := scanDirs(t)
		id := register(t, r, src, out)
		r.MarkRunning(id, 777)

		ok, err := r.CancelScan(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, ok)
		snap, _ := r.GetScan(id)
		assert.Equal(t, scan.StatusCancelled, snap.Status)
	})

	t.Run("permission denied aborts", func(t *testing.T) {
		r := newTestRegistry(t, WithSignaler(&fakeSignaler{err: unix.EPERM}))
		src, out := scanDirs(t)
		id := register(t, r, src, out)
		r.MarkRunning(id, 1)

		ok, err := r.CancelScan(context.Background(), id)
		assert.False(t, ok)
		require.Error(t, err)
		var apiErr *apierror.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, apierror.CategoryPermissionDenied, apiErr.Category)
		assert.Equal(t, "Permission denied when trying to terminate process 1", apiErr.Message)
		assert.Equal(t, id, apiErr.Context["scan_id"])

		snap, _ := r.GetScan(id)
		assert.Equal(t, scan.StatusRunning, snap.Status)
	})

	t.Run("other signal error aborts", func(t *testing.T) {
		r := newTestRegistry(t, WithSignaler(&fakeSignaler{err: errors.New("boom")}))
		src, out := scanDirs(t)
		id := register(t, r, src, out)
		r.MarkRunning(id, 9)

		ok, err := r.CancelScan(context.Background(), id)
		assert.False(t, ok)
		assert.True(t, apierror.IsCategory(err, apierror.CategoryUnexpected))
		assert.Equal(t, "Error terminating process 9: boom", err.Error())

		snap, _ := r.GetScan(id)
		assert.True(t, snap.IsActive())
	})
}

func TestCleanupScan(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)
	id := register(t, r, src, out)

	assert.True(t, r.CleanupScan(id))
	assert.False(t, r.CleanupScan(id))
	_, ok := r.GetScan(id)
	assert.False(t, ok)
}

func TestCleanupCompletedScans(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, WithClock(clock.Now))

	srcOld, outOld := scanDirs(t)
	srcActive, outActive := scanDirs(t)
	srcRecent, outRecent := scanDirs(t)

	old := register(t, r, srcOld, outOld)
	r.UpdateScanStatus(old, scan.StatusCompleted, "")
	active := register(t, r, srcActive, outActive)

	clock.Advance(30 * time.Hour)
	recent := register(t, r, srcRecent, outRecent)
	r.UpdateScanStatus(recent, scan.StatusFailed, "x")

	removed := r.CleanupCompletedScans(24 * time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := r.GetScan(old)
	assert.False(t, ok)
	_, ok = r.GetScan(active)
	assert.True(t, ok, "active scans are never swept")
	_, ok = r.GetScan(recent)
	assert.True(t, ok)
}

func TestScanStatusCounts(t *testing.T) {
	r := newTestRegistry(t)
	counts := r.ScanStatusCounts()
	for _, s := range scan.AllStatuses() {
		v, ok := counts[s]
		assert.True(t, ok, "missing %s", s)
		assert.Zero(t, v)
	}

	src, out := scanDirs(t)
	id := register(t, r, src, out)
	r.UpdateScanStatus(id, scan.StatusCancelled, "")

	counts = r.ScanStatusCounts()
	assert.Equal(t, 1, counts[scan.StatusCancelled])
	assert.Equal(t, 0, r.ActiveScanCount())
}

func TestCheckScanProgress_NotFound(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.CheckScanProgress(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apierror.IsCategory(err, apierror.CategoryScanNotFound))
	assert.Equal(t, "Scan missing not found in registry", err.Error())

	_, err = r.CheckScanProgress(context.Background(), "  ")
	assert.True(t, apierror.IsCategory(err, apierror.CategoryInvalidParameter))
}

func TestCheckScanProgress_OutputDirectoryRemoved(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)
	id := register(t, r, src, out)
	require.NoError(t, os.RemoveAll(out))

	_, err := r.CheckScanProgress(context.Background(), id)
	require.Error(t, err)
	var apiErr *apierror.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierror.CategoryFileNotFound, apiErr.Category)
	assert.Equal(t, id, apiErr.Context["scan_id"])
}

func TestCheckScanProgress_PartialResults(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)
	id := register(t, r, src, out)
	r.MarkRunning(id, 10)

	writeTestFile(t, filepath.Join(out, ashresults.ScannersDir, "bandit", "source", ashresults.ScannerResultsFile),
		`{"findings": [{"severity": "high"}, {"severity": "LOW"}]}`)

	report, err := r.CheckScanProgress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scan.StatusRunning, report.Status)
	assert.False(t, report.IsComplete)
	assert.Equal(t, 1, report.TotalScanners)
	assert.Equal(t, 1, report.CompletedScanners)
	assert.Equal(t, 2, report.TotalFindings)
	assert.Equal(t, progress.SeverityCounts{High: 1, Low: 1}, report.SeverityCounts)
	assert.Contains(t, report.Scanners, "bandit")
}

func TestCheckScanProgress_AggregateCompletesScan(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)
	id := register(t, r, src, out)
	r.MarkRunning(id, 10)

	writeTestFile(t, ashresults.AggregatedResultsPath(out),
		`{"scanner_results": {"checkov": {"finding_count": 1, "severity_counts": {"critical": 1}}}}`)

	report, err := r.CheckScanProgress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scan.StatusCompleted, report.Status)
	assert.True(t, report.IsComplete)
	assert.NotNil(t, report.EndTime)
	assert.Equal(t, 1, report.TotalFindings)

	snap, _ := r.GetScan(id)
	assert.Equal(t, scan.StatusCompleted, snap.Status)
}

func TestCheckScanProgress_RegistryCompletionWins(t *testing.T) {
	r := newTestRegistry(t)
	src, out := scanDirs(t)
	id := register(t, r, src, out)
	r.UpdateScanStatus(id, scan.StatusCompleted, "")

	report, err := r.CheckScanProgress(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, report.IsComplete)
	assert.Equal(t, 0, report.TotalScanners)
}

func TestDefaultRegistry(t *testing.T) {
	assert.Same(t, DefaultRegistry(), DefaultRegistry())
}
