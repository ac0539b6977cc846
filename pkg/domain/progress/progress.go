// Package progress models per-scanner and aggregate scan progress.
// Values are rebuilt from on-disk results on every query and never cached.
package progress

import (
	"strings"
	"time"
)

// ScannerStatus is the state of one scanner against one target type.
type ScannerStatus string

const (
	ScannerPending   ScannerStatus = "pending"
	ScannerRunning   ScannerStatus = "running"
	ScannerCompleted ScannerStatus = "completed"
	ScannerFailed    ScannerStatus = "failed"
	ScannerSkipped   ScannerStatus = "skipped"
)

// IsValid checks if the status is a valid scanner status.
func (s ScannerStatus) IsValid() bool {
	switch s {
	case ScannerPending, ScannerRunning, ScannerCompleted, ScannerFailed, ScannerSkipped:
		return true
	}
	return false
}

// Status is the aggregate state of a scan as derived from its output directory.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Severity buckets.
const (
	SeverityCritical   = "critical"
	SeverityHigh       = "high"
	SeverityMedium     = "medium"
	SeverityLow        = "low"
	SeverityInfo       = "info"
	SeveritySuppressed = "suppressed"
)

// SeverityBuckets lists the canonical buckets in descending order.
func SeverityBuckets() []string {
	return []string{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo, SeveritySuppressed}
}

// SeverityCounts tallies findings per canonical severity bucket.
type SeverityCounts struct {
	Critical   int `json:"critical" yaml:"critical"`
	High       int `json:"high" yaml:"high"`
	Medium     int `json:"medium" yaml:"medium"`
	Low        int `json:"low" yaml:"low"`
	Info       int `json:"info" yaml:"info"`
	Suppressed int `json:"suppressed" yaml:"suppressed"`
}

// Bucket returns a pointer to the counter for a severity name.
// Matching is case-insensitive; unknown names return false.
func (c *SeverityCounts) Bucket(name string) (*int, bool) {
	switch strings.ToLower(name) {
	case SeverityCritical:
		return &c.Critical, true
	case SeverityHigh:
		return &c.High, true
	case SeverityMedium:
		return &c.Medium, true
	case SeverityLow:
		return &c.Low, true
	case SeverityInfo:
		return &c.Info, true
	case SeveritySuppressed:
		return &c.Suppressed, true
	}
	return nil, false
}

// Get returns the count for a severity name, or zero when unknown.
func (c SeverityCounts) Get(name string) int {
	if p, ok := c.Bucket(name); ok {
		return *p
	}
	return 0
}

// Add sums other into c.
func (c *SeverityCounts) Add(other SeverityCounts) {
	c.Critical += other.Critical
	c.High += other.High
	c.Medium += other.Medium
	c.Low += other.Low
	c.Info += other.Info
	c.Suppressed += other.Suppressed
}

// Total returns the sum of all buckets.
func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Info + c.Suppressed
}

// Map returns the counts keyed by bucket name.
func (c SeverityCounts) Map() map[string]int {
	return map[string]int{
		SeverityCritical:   c.Critical,
		SeverityHigh:       c.High,
		SeverityMedium:     c.Medium,
		SeverityLow:        c.Low,
		SeverityInfo:       c.Info,
		SeveritySuppressed: c.Suppressed,
	}
}

// ScannerProgress is the progress of one scanner against one target type.
type ScannerProgress struct {
	ScannerName    string         `json:"scanner_name"`
	TargetType     string         `json:"target_type"`
	Status         ScannerStatus  `json:"status"`
	Duration       *float64       `json:"duration"`
	FindingCount   int            `json:"finding_count"`
	SeverityCounts SeverityCounts `json:"severity_counts"`
	StartTime      *time.Time     `json:"start_time"`
	EndTime        *time.Time     `json:"end_time"`
}

// NewScannerProgress creates a pending scanner progress unit.
func NewScannerProgress(scannerName, targetType string) *ScannerProgress {
	return &ScannerProgress{
		ScannerName: scannerName,
		TargetType:  targetType,
		Status:      ScannerPending,
	}
}

// MarkRunning marks the scanner as running.
func (p *ScannerProgress) MarkRunning() {
	now := time.Now()
	p.Status = ScannerRunning
	p.StartTime = &now
}

// MarkCompleted marks the scanner as completed with its findings.
func (p *ScannerProgress) MarkCompleted(findingCount int, counts SeverityCounts) {
	p.finish(ScannerCompleted)
	p.FindingCount = findingCount
	p.SeverityCounts = counts
}

// MarkFailed marks the scanner as failed.
func (p *ScannerProgress) MarkFailed() {
	p.finish(ScannerFailed)
}

func (p *ScannerProgress) finish(status ScannerStatus) {
	now := time.Now()
	p.Status = status
	p.EndTime = &now
	if p.StartTime != nil {
		d := now.Sub(*p.StartTime).Seconds()
		p.Duration = &d
	}
}

// ScanProgress aggregates scanner progress units of one scan.
type ScanProgress struct {
	ScanID    string                                 `json:"scan_id"`
	Status    Status                                 `json:"status"`
	Scanners  map[string]map[string]*ScannerProgress `json:"scanners"`
	StartTime time.Time                              `json:"start_time"`
	EndTime   *time.Time                             `json:"end_time"`
	Duration  *float64                               `json:"duration"`
}

// NewScanProgress creates an in-progress aggregate with no scanners.
func NewScanProgress(scanID string) *ScanProgress {
	return &ScanProgress{
		ScanID:    scanID,
		Status:    StatusInProgress,
		Scanners:  make(map[string]map[string]*ScannerProgress),
		StartTime: time.Now(),
	}
}

// AddScanner adds or replaces the unit for its scanner/target pair.
func (p *ScanProgress) AddScanner(sp *ScannerProgress) {
	targets, ok := p.Scanners[sp.ScannerName]
	if !ok {
		targets = make(map[string]*ScannerProgress)
		p.Scanners[sp.ScannerName] = targets
	}
	targets[sp.TargetType] = sp
}

// TotalFindings sums finding counts over all units.
func (p *ScanProgress) TotalFindings() int {
	total := 0
	p.each(func(sp *ScannerProgress) { total += sp.FindingCount })
	return total
}

// SeverityCounts sums severity counts over all units.
func (p *ScanProgress) SeverityCounts() SeverityCounts {
	var c SeverityCounts
	p.each(func(sp *ScannerProgress) { c.Add(sp.SeverityCounts) })
	return c
}

// CompletedScanners counts completed units. A scanner that ran against two
// target types counts twice.
func (p *ScanProgress) CompletedScanners() int {
	n := 0
	p.each(func(sp *ScannerProgress) {
		if sp.Status == ScannerCompleted {
			n++
		}
	})
	return n
}

// TotalScanners counts units, not scanner names.
func (p *ScanProgress) TotalScanners() int {
	n := 0
	for _, targets := range p.Scanners {
		n += len(targets)
	}
	return n
}

// IsComplete reports whether the scan reached completed or failed.
func (p *ScanProgress) IsComplete() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

// MarkCompleted marks the aggregate as completed.
func (p *ScanProgress) MarkCompleted() {
	p.finish(StatusCompleted)
}

// MarkFailed marks the aggregate as failed.
func (p *ScanProgress) MarkFailed() {
	p.finish(StatusFailed)
}

func (p *ScanProgress) finish(status Status) {
	now := time.Now()
	p.Status = status
	p.EndTime = &now
	d := now.Sub(p.StartTime).Seconds()
	p.Duration = &d
}

func (p *ScanProgress) each(fn func(*ScannerProgress)) {
	for _, targets := range p.Scanners {
		for _, sp := range targets {
			fn(sp)
		}
	}
}
