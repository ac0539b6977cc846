package scan

import (
	"time"
)

// Entry holds the metadata and lifecycle state of one registered scan.
// Entries are owned by the registry; callers receive Snapshot values.
type Entry struct {
	ScanID            string
	DirectoryPath     string
	OutputDirectory   string
	SeverityThreshold SeverityThreshold
	ConfigPath        string // empty when no config file was given

	// OwnsOutput is set when OutputDirectory was created for this scan.
	OwnsOutput bool

	StartTime time.Time
	EndTime   *time.Time

	Status       Status
	ProcessID    *int
	ErrorMessage string
	Warnings     []string

	// Git context of DirectoryPath, when it is a repository.
	CommitSHA string
	Branch    string

	now func() time.Time
}

// NewEntry creates a pending entry with StartTime set to now.
func NewEntry(scanID, directoryPath, outputDirectory string, severity SeverityThreshold, configPath string) *Entry {
	return newEntry(scanID, directoryPath, outputDirectory, severity, configPath, time.Now)
}

// NewEntryWithClock is NewEntry with an injectable time source.
func NewEntryWithClock(scanID, directoryPath, outputDirectory string, severity SeverityThreshold, configPath string, now func() time.Time) *Entry {
	if now == nil {
		now = time.Now
	}
	return newEntry(scanID, directoryPath, outputDirectory, severity, configPath, now)
}

func newEntry(scanID, directoryPath, outputDirectory string, severity SeverityThreshold, configPath string, now func() time.Time) *Entry {
	if severity == "" {
		severity = DefaultSeverityThreshold
	}
	return &Entry{
		ScanID:            scanID,
		DirectoryPath:     directoryPath,
		OutputDirectory:   outputDirectory,
		SeverityThreshold: severity,
		ConfigPath:        configPath,
		StartTime:         now(),
		Status:            StatusPending,
		Warnings:          []string{},
		now:               now,
	}
}

func (e *Entry) clock() time.Time {
	if e.now == nil {
		return time.Now()
	}
	return e.now()
}

// MarkRunning marks the scan as running and replaces the process id.
// A nil processID clears it.
func (e *Entry) MarkRunning(processID *int) {
	e.Status = StatusRunning
	e.ProcessID = nil
	if processID != nil {
		pid := *processID
		e.ProcessID = &pid
	}
}

// MarkCompleted marks the scan as completed. EndTime is set on every call.
func (e *Entry) MarkCompleted() {
	e.terminate(StatusCompleted)
}

// MarkFailed marks the scan as failed with the given message.
func (e *Entry) MarkFailed(message string) {
	e.terminate(StatusFailed)
	e.ErrorMessage = message
}

// MarkCancelled marks the scan as cancelled.
func (e *Entry) MarkCancelled() {
	e.terminate(StatusCancelled)
}

func (e *Entry) terminate(status Status) {
	now := e.clock()
	e.Status = status
	e.EndTime = &now
}

// AddWarning appends an advisory message.
func (e *Entry) AddWarning(warning string) {
	e.Warnings = append(e.Warnings, warning)
}

// SetGitContext records the repository HEAD of the scanned directory.
func (e *Entry) SetGitContext(commitSHA, branch string) {
	e.CommitSHA = commitSHA
	e.Branch = branch
}

// IsActive reports whether the scan is pending or running.
func (e *Entry) IsActive() bool {
	return e.Status.IsActive()
}

// ReferenceTime is EndTime when set, otherwise StartTime.
// Age-based cleanup compares against this value.
func (e *Entry) ReferenceTime() time.Time {
	if e.EndTime != nil {
		return *e.EndTime
	}
	return e.StartTime
}

// Snapshot is the serialized form of an Entry.
type Snapshot struct {
	ScanID            string     `json:"scan_id" yaml:"scan_id"`
	DirectoryPath     string     `json:"directory_path" yaml:"directory_path"`
	OutputDirectory   string     `json:"output_directory" yaml:"output_directory"`
	SeverityThreshold string     `json:"severity_threshold" yaml:"severity_threshold"`
	ConfigPath        *string    `json:"config_path" yaml:"config_path"`
	StartTime         time.Time  `json:"start_time" yaml:"start_time"`
	EndTime           *time.Time `json:"end_time" yaml:"end_time"`
	Status            Status     `json:"status" yaml:"status"`
	ProcessID         *int       `json:"process_id" yaml:"process_id"`
	ErrorMessage      *string    `json:"error_message" yaml:"error_message"`
	Warnings          []string   `json:"warnings" yaml:"warnings"`
	CommitSHA         string     `json:"commit_sha,omitempty" yaml:"commit_sha,omitempty"`
	Branch            string     `json:"branch,omitempty" yaml:"branch,omitempty"`
	OwnsOutput        bool       `json:"-" yaml:"-"`
}

// Snapshot returns a deep copy of the entry suitable for handing out
// of the registry lock.
func (e *Entry) Snapshot() Snapshot {
	s := Snapshot{
		ScanID:            e.ScanID,
		DirectoryPath:     e.DirectoryPath,
		OutputDirectory:   e.OutputDirectory,
		SeverityThreshold: e.SeverityThreshold.String(),
		StartTime:         e.StartTime,
		Status:            e.Status,
		Warnings:          append([]string{}, e.Warnings...),
		CommitSHA:         e.CommitSHA,
		Branch:            e.Branch,
		OwnsOutput:        e.OwnsOutput,
	}
	if e.ConfigPath != "" {
		cp := e.ConfigPath
		s.ConfigPath = &cp
	}
	if e.EndTime != nil {
		end := *e.EndTime
		s.EndTime = &end
	}
	if e.ProcessID != nil {
		pid := *e.ProcessID
		s.ProcessID = &pid
	}
	if e.ErrorMessage != "" {
		msg := e.ErrorMessage
		s.ErrorMessage = &msg
	}
	return s
}

// IsActive reports whether the snapshot was taken while the scan was active.
func (s Snapshot) IsActive() bool {
	return s.Status.IsActive()
}
