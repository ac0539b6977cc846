// Package scan defines the scan registry entry and its lifecycle types.
// An Entry tracks one end-to-end run of the scanner pipeline against a directory.
package scan

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle state of a registered scan.
type Status string

const (
	StatusPending   Status = "pending"   // Registered, process not started
	StatusRunning   Status = "running"   // Scanner pipeline is executing
	StatusCompleted Status = "completed" // Aggregate results were produced
	StatusFailed    Status = "failed"    // Pipeline exited with an error
	StatusCancelled Status = "cancelled" // Termination was requested
)

// AllStatuses returns all valid statuses.
func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusRunning,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
	}
}

// IsValid checks if the status is a valid status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if the status is a terminal (final) state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive returns true if the scan is pending or running.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// ParseStatus parses a status string case-insensitively.
func ParseStatus(value string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	if !s.IsValid() {
		return "", fmt.Errorf("invalid scan status %q", value)
	}
	return s, nil
}

// SeverityThreshold is the minimum severity considered actionable.
type SeverityThreshold string

const (
	SeverityLow      SeverityThreshold = "LOW"
	SeverityMedium   SeverityThreshold = "MEDIUM"
	SeverityHigh     SeverityThreshold = "HIGH"
	SeverityCritical SeverityThreshold = "CRITICAL"
)

// DefaultSeverityThreshold is used when a caller does not provide one.
const DefaultSeverityThreshold = SeverityMedium

// AllSeverityThresholds returns the accepted thresholds in ascending order.
func AllSeverityThresholds() []SeverityThreshold {
	return []SeverityThreshold{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

// IsValid checks if the threshold is one of the accepted values.
func (s SeverityThreshold) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// String returns the string representation of the threshold.
func (s SeverityThreshold) String() string {
	return string(s)
}

// ParseSeverityThreshold parses a threshold case-insensitively.
func ParseSeverityThreshold(value string) (SeverityThreshold, bool) {
	s := SeverityThreshold(strings.ToUpper(strings.TrimSpace(value)))
	return s, s.IsValid()
}
