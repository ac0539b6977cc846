// Package sarif provides the subset of SARIF v2.1.0 types read from the
// "sarif" section of an aggregated scan results document.
// Specification: https://docs.oasis-open.org/sarif/sarif/v2.1.0/sarif-v2.1.0.html
package sarif

// Log represents the root SARIF log object.
type Log struct {
	Version string `json:"version"`
	Schema  string `json:"$schema,omitempty"`
	Runs    []Run  `json:"runs"`
}

// Run represents a single run of an analysis tool.
type Run struct {
	Tool       Tool       `json:"tool"`
	Results    []Result   `json:"results,omitempty"`
	Properties Properties `json:"properties,omitempty"`
}

// Tool describes the analysis tool that produced the results.
type Tool struct {
	Driver     ToolComponent   `json:"driver"`
	Extensions []ToolComponent `json:"extensions,omitempty"`
}

// ToolComponent represents a component of an analysis tool (driver or extension).
type ToolComponent struct {
	Name           string                `json:"name"`
	Version        string                `json:"version,omitempty"`
	InformationURI string                `json:"informationUri,omitempty"`
	Rules          []ReportingDescriptor `json:"rules,omitempty"`
	Properties     Properties            `json:"properties,omitempty"`
}

// ReportingDescriptor describes a rule produced by a tool.
type ReportingDescriptor struct {
	ID               string                    `json:"id"`
	Name             string                    `json:"name,omitempty"`
	ShortDescription *MultiformatMessageString `json:"shortDescription,omitempty"`
	HelpURI          string                    `json:"helpUri,omitempty"`
	Properties       Properties                `json:"properties,omitempty"`
}

// Result represents a single result from the analysis.
type Result struct {
	RuleID       string        `json:"ruleId,omitempty"`
	Kind         Kind          `json:"kind,omitempty"`
	Level        Level         `json:"level,omitempty"`
	Message      Message       `json:"message"`
	Locations    []Location    `json:"locations,omitempty"`
	Properties   Properties    `json:"properties,omitempty"`
	Suppressions []Suppression `json:"suppressions,omitempty"`
}

// IsSuppressed reports whether the result carries any suppression.
func (r *Result) IsSuppressed() bool {
	return len(r.Suppressions) > 0
}

// Location represents a location in an artifact.
type Location struct {
	PhysicalLocation *PhysicalLocation `json:"physicalLocation,omitempty"`
}

// PhysicalLocation represents a physical location in an artifact.
type PhysicalLocation struct {
	ArtifactLocation *ArtifactLocation `json:"artifactLocation,omitempty"`
	Region           *Region           `json:"region,omitempty"`
}

// ArtifactLocation represents the location of an artifact.
type ArtifactLocation struct {
	URI       string `json:"uri,omitempty"`
	URIBaseID string `json:"uriBaseId,omitempty"`
}

// Region represents a region within an artifact.
type Region struct {
	StartLine   int `json:"startLine,omitempty"`
	StartColumn int `json:"startColumn,omitempty"`
	EndLine     int `json:"endLine,omitempty"`
	EndColumn   int `json:"endColumn,omitempty"`
}

// Message represents a message to the user.
type Message struct {
	Text     string `json:"text,omitempty"`
	Markdown string `json:"markdown,omitempty"`
	ID       string `json:"id,omitempty"`
}

// MultiformatMessageString represents a message in multiple formats.
type MultiformatMessageString struct {
	Text     string `json:"text"`
	Markdown string `json:"markdown,omitempty"`
}

// Suppression represents a suppression of a result.
type Suppression struct {
	Kind          SuppressionKind `json:"kind"`
	Status        string          `json:"status,omitempty"`
	Justification string          `json:"justification,omitempty"`
}

// Properties is a property bag for custom properties.
type Properties map[string]any

// Level represents the severity level of a result.
type Level string

const (
	LevelNone    Level = "none"
	LevelNote    Level = "note"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// IsValid checks if the level is valid.
func (l Level) IsValid() bool {
	switch l {
	case LevelNone, LevelNote, LevelWarning, LevelError, "":
		return true
	default:
		return false
	}
}

// Kind represents the kind of a result.
type Kind string

const (
	KindNotApplicable Kind = "notApplicable"
	KindPass          Kind = "pass"
	KindFail          Kind = "fail"
	KindReview        Kind = "review"
	KindOpen          Kind = "open"
	KindInformational Kind = "informational"
)

// SuppressionKind represents the kind of suppression.
type SuppressionKind string

const (
	SuppressionKindInSource SuppressionKind = "inSource"
	SuppressionKindExternal SuppressionKind = "external"
)
