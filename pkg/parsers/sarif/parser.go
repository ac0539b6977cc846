package sarif

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Parser errors.
var (
	ErrInvalidSARIF       = errors.New("invalid SARIF format")
	ErrUnsupportedVersion = errors.New("unsupported SARIF version")
)

// SupportedVersions contains the supported SARIF versions.
var SupportedVersions = []string{"2.1.0"}

// Parser parses SARIF documents.
type Parser struct {
	opts *Options
}

// Options configures the parser behavior.
type Options struct {
	// RequireVersion rejects documents whose version is not supported.
	// Aggregated results sometimes omit the version of the embedded log.
	RequireVersion bool

	// IncludeSuppressed keeps suppressed results (default: true for
	// accounting, since suppressed findings are tallied separately).
	IncludeSuppressed bool
}

// DefaultOptions returns the default parser options.
func DefaultOptions() *Options {
	return &Options{
		RequireVersion:    false,
		IncludeSuppressed: true,
	}
}

// NewParser creates a new SARIF parser with the given options.
// If opts is nil, default options are used.
func NewParser(opts *Options) *Parser {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Parser{opts: opts}
}

// ParseBytes parses SARIF content from bytes.
func (p *Parser) ParseBytes(data []byte) (*Log, error) {
	var log Log
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSARIF, err)
	}
	return p.finish(&log)
}

// ParseValue parses an already decoded JSON value, such as the "sarif"
// member of an aggregated results document.
func (p *Parser) ParseValue(v any) (*Log, error) {
	if v == nil {
		return &Log{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSARIF, err)
	}
	return p.ParseBytes(data)
}

func (p *Parser) finish(log *Log) (*Log, error) {
	if p.opts.RequireVersion && !isVersionSupported(log.Version) {
		return nil, fmt.Errorf("%w: %s (supported: %v)", ErrUnsupportedVersion, log.Version, SupportedVersions)
	}
	if !p.opts.IncludeSuppressed {
		for i := range log.Runs {
			run := &log.Runs[i]
			kept := make([]Result, 0, len(run.Results))
			for _, r := range run.Results {
				if !r.IsSuppressed() {
					kept = append(kept, r)
				}
			}
			run.Results = kept
		}
	}
	return log, nil
}

func isVersionSupported(version string) bool {
	for _, v := range SupportedVersions {
		if v == version {
			return true
		}
	}
	return false
}

// GetAllResults returns all results from all runs in the log.
func GetAllResults(log *Log) []Result {
	var results []Result
	for _, run := range log.Runs {
		results = append(results, run.Results...)
	}
	return results
}

// CountByLevel returns a map of result counts by severity level.
func CountByLevel(log *Log) map[Level]int {
	counts := make(map[Level]int)
	for _, run := range log.Runs {
		for _, result := range run.Results {
			counts[result.Level]++
		}
	}
	return counts
}
