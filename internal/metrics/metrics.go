package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan lifecycle metrics
var (
	// ScansRegistered tracks scans accepted by the registry
	ScansRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanregistry_scans_registered_total",
			Help: "Total number of scans registered",
		},
	)

	// ScansFinished tracks scans reaching a terminal status
	ScansFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanregistry_scans_finished_total",
			Help: "Total number of scans by terminal status",
		},
		[]string{"status"},
	)

	// ScanDuration tracks scanner process wall time
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanregistry_scan_duration_seconds",
			Help:    "Scan execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// ScanFindingsTotal tracks findings reported by completed scans
	ScanFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanregistry_scan_findings_total",
			Help: "Total number of findings from completed scans",
		},
		[]string{"severity"},
	)

	// ScanCancelErrors tracks failed cancellation attempts
	ScanCancelErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanregistry_scan_cancel_errors_total",
			Help: "Total number of failed scan cancellations",
		},
		[]string{"error_category"},
	)
)

// Façade metrics
var (
	// OperationErrors tracks categorized errors returned by management operations
	OperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanregistry_operation_errors_total",
			Help: "Total number of management operation errors",
		},
		[]string{"operation", "error_category"},
	)

	// ProgressChecks tracks progress reconstructions from disk
	ProgressChecks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanregistry_progress_checks_total",
			Help: "Total number of progress checks",
		},
	)
)

// Sweeper and archive metrics
var (
	// SweeperRuns tracks sweeper executions by result
	SweeperRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanregistry_sweeper_runs_total",
			Help: "Total number of sweeper runs",
		},
		[]string{"result"}, // result: "success", "partial", "error"
	)

	// ScansSwept tracks scans removed by age
	ScansSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanregistry_scans_swept_total",
			Help: "Total number of scans removed by age-based cleanup",
		},
	)

	// ArchiveUploads tracks result archive uploads
	ArchiveUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanregistry_archive_uploads_total",
			Help: "Total number of result archive uploads",
		},
		[]string{"result"},
	)

	// ArchiveBytes tracks compressed bytes uploaded
	ArchiveBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanregistry_archive_bytes_total",
			Help: "Total compressed bytes uploaded to the archive",
		},
	)
)

// RegistrySource exposes the registry counts read by the gauges.
type RegistrySource interface {
	ActiveScanCount() int
	ScanCount() int
}

// RegisterRegistryGauges registers gauges reading live registry counts.
func RegisterRegistryGauges(reg prometheus.Registerer, src RegistrySource) error {
	active := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "scanregistry_scans_active",
			Help: "Number of pending or running scans",
		},
		func() float64 { return float64(src.ActiveScanCount()) },
	)
	tracked := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "scanregistry_scans_tracked",
			Help: "Number of scans held by the registry",
		},
		func() float64 { return float64(src.ScanCount()) },
	)
	for _, c := range []prometheus.Collector{active, tracked} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
