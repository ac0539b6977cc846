// Package validator provides struct validation for request payloads and the
// resource validators (paths, severity, scan ids) used before any registry
// state is touched.
package validator

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openctemio/scanregistry/pkg/domain/scan"
)

// FilterLevel values accepted by the results endpoint.
const (
	FilterLevelFull    = "full"
	FilterLevelSummary = "summary"
	FilterLevelMinimal = "minimal"
)

// ConfigExtensions lists the accepted configuration file extensions.
var ConfigExtensions = []string{".yaml", ".yml", ".json"}

// Validator wraps the go-playground validator with custom validations.
type Validator struct {
	validate *validator.Validate
}

// ValidationError represents a single field validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, e := range v {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return sb.String()
}

// New creates a new Validator with custom validators registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	_ = v.RegisterValidation("severity_threshold", validateSeverityThreshold)
	_ = v.RegisterValidation("scan_status", validateScanStatus)
	_ = v.RegisterValidation("filter_level", validateFilterLevel)
	_ = v.RegisterValidation("config_ext", validateConfigExt)

	return &Validator{validate: v}
}

// Validate validates a struct and returns ValidationErrors if validation fails.
func (v *Validator) Validate(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !stderrors.As(err, &validationErrors) {
		return err
	}

	result := make(ValidationErrors, 0, len(validationErrors))
	for _, e := range validationErrors {
		result = append(result, ValidationError{
			Field:   toSnakeCase(e.Field()),
			Message: formatErrorMessage(e),
		})
	}

	return result
}

func validateSeverityThreshold(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true // Let 'required' handle empty values
	}
	_, ok := scan.ParseSeverityThreshold(value)
	return ok
}

func validateScanStatus(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	_, err := scan.ParseStatus(value)
	return err == nil
}

func validateFilterLevel(fl validator.FieldLevel) bool {
	switch strings.ToLower(fl.Field().String()) {
	case "", FilterLevelFull, FilterLevelSummary, FilterLevelMinimal:
		return true
	}
	return false
}

func validateConfigExt(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return HasConfigExtension(value)
}

// HasConfigExtension reports whether path ends with a supported config extension.
func HasConfigExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range ConfigExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// formatErrorMessage converts validation errors to human-readable messages.
func formatErrorMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "severity_threshold":
		return fmt.Sprintf("must be one of: %s", formatSeverityThresholds())
	case "scan_status":
		return fmt.Sprintf("must be one of: %s", formatScanStatuses())
	case "filter_level":
		return "must be one of: full, summary, minimal"
	case "config_ext":
		return fmt.Sprintf("must have one of the extensions: %s", strings.Join(ConfigExtensions, ", "))
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "uuid":
		return "must be a valid UUID"
	default:
		return fmt.Sprintf("failed on '%s' validation", e.Tag())
	}
}

// toSnakeCase converts PascalCase/camelCase to snake_case.
func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result.WriteByte('_')
		}
		result.WriteRune(r)
	}
	return strings.ToLower(result.String())
}

func formatSeverityThresholds() string {
	values := scan.AllSeverityThresholds()
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = string(v)
	}
	return strings.Join(strs, ", ")
}

func formatScanStatuses() string {
	values := scan.AllStatuses()
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = string(v)
	}
	return strings.Join(strs, ", ")
}
