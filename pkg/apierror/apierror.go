// Package apierror provides the categorized error type shared by the scan
// registry, its façade and the HTTP layer, together with the uniform error
// envelope returned to callers.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Category classifies an error for callers and selects remediation hints.
type Category string

// Error categories.
const (
	CategoryFileNotFound      Category = "file_not_found"
	CategoryPermissionDenied  Category = "permission_denied"
	CategoryInvalidFormat     Category = "invalid_format"
	CategoryInvalidParameter  Category = "invalid_parameter"
	CategoryInvalidPath       Category = "invalid_path"
	CategoryResourceExhausted Category = "resource_exhausted"
	CategoryOperationTimeout  Category = "operation_timeout"
	CategoryScanNotFound      Category = "scan_not_found"
	CategoryScanIncomplete    Category = "scan_incomplete"
	CategoryUnexpected        Category = "unexpected_error"
)

// AllCategories returns every known category.
func AllCategories() []Category {
	return []Category{
		CategoryFileNotFound,
		CategoryPermissionDenied,
		CategoryInvalidFormat,
		CategoryInvalidParameter,
		CategoryInvalidPath,
		CategoryResourceExhausted,
		CategoryOperationTimeout,
		CategoryScanNotFound,
		CategoryScanIncomplete,
		CategoryUnexpected,
	}
}

// TypeResourceError is the error_type reported for categorized errors.
const TypeResourceError = "ResourceError"

// Error is a categorized error carrying free-form context.
type Error struct {
	// HTTP status override. Zero means derive from Category.
	Status int `json:"-"`

	Category    Category       `json:"error_category"`
	Message     string         `json:"error"`
	Context     map[string]any `json:"context"`
	Suggestions []string       `json:"suggestions,omitempty"`

	// Type reported as error_type. Empty means TypeResourceError.
	Type string `json:"error_type"`

	// Internal error (not exposed to client)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorType returns the error_type value for the envelope.
func (e *Error) ErrorType() string {
	if e.Type == "" {
		return TypeResourceError
	}
	return e.Type
}

// HTTPStatus maps the category to an HTTP status code.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Category {
	case CategoryFileNotFound, CategoryScanNotFound:
		return http.StatusNotFound
	case CategoryPermissionDenied:
		return http.StatusForbidden
	case CategoryInvalidFormat, CategoryInvalidParameter, CategoryInvalidPath:
		return http.StatusBadRequest
	case CategoryResourceExhausted, CategoryScanIncomplete:
		return http.StatusConflict
	case CategoryOperationTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// New creates a categorized error. The category is recorded in the context
// under "error_category".
func New(category Category, message string) *Error {
	return &Error{
		Category: category,
		Message:  message,
		Context:  map[string]any{"error_category": string(category)},
	}
}

// Newf creates a categorized error with a formatted message.
func Newf(category Category, format string, args ...any) *Error {
	return New(category, fmt.Sprintf(format, args...))
}

// Wrap creates a categorized error around an underlying cause.
func Wrap(err error, category Category, message string) *Error {
	e := New(category, message)
	e.Err = err
	return e
}

// WithContext adds a context value.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithSuggestions replaces the default suggestions.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = suggestions
	return e
}

// WithStatus overrides the HTTP status.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// Pre-defined constructors

// FileNotFound creates a file_not_found error.
func FileNotFound(message string) *Error { return New(CategoryFileNotFound, message) }

// PermissionDenied creates a permission_denied error.
func PermissionDenied(message string) *Error { return New(CategoryPermissionDenied, message) }

// InvalidFormat creates an invalid_format error.
func InvalidFormat(message string) *Error { return New(CategoryInvalidFormat, message) }

// InvalidParameter creates an invalid_parameter error.
func InvalidParameter(message string) *Error { return New(CategoryInvalidParameter, message) }

// InvalidPath creates an invalid_path error.
func InvalidPath(message string) *Error { return New(CategoryInvalidPath, message) }

// ResourceExhausted creates a resource_exhausted error.
func ResourceExhausted(message string) *Error { return New(CategoryResourceExhausted, message) }

// OperationTimeout creates an operation_timeout error.
func OperationTimeout(message string) *Error { return New(CategoryOperationTimeout, message) }

// ScanNotFound creates a scan_not_found error.
func ScanNotFound(message string) *Error { return New(CategoryScanNotFound, message) }

// ScanIncomplete creates a scan_incomplete error.
func ScanIncomplete(message string) *Error { return New(CategoryScanIncomplete, message) }

// Unexpected creates an unexpected_error carrying the cause's type and message.
func Unexpected(message string, err error) *Error {
	e := Wrap(err, CategoryUnexpected, message)
	if err != nil {
		e.WithContext("exception_type", fmt.Sprintf("%T", err))
		e.WithContext("exception_message", err.Error())
	}
	return e
}

// Unauthorized creates a 401 permission_denied error.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "Authentication required"
	}
	return PermissionDenied(message).WithStatus(http.StatusUnauthorized)
}

// RateLimitExceeded creates a 429 resource_exhausted error.
func RateLimitExceeded() *Error {
	return ResourceExhausted("Rate limit exceeded").WithStatus(http.StatusTooManyRequests)
}

// Helper functions

// IsCategory reports whether err is an *Error of the given category.
func IsCategory(err error, category Category) bool {
	var e *Error
	return errors.As(err, &e) && e.Category == category
}

// FromError converts any error to a categorized error. Uncategorized errors
// become unexpected_error with the cause's type recorded in the context.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	e := Unexpected(err.Error(), err)
	e.Type = fmt.Sprintf("%T", err)
	return e
}

// Response is the uniform failure envelope.
type Response struct {
	Success       bool           `json:"success"`
	Operation     string         `json:"operation,omitempty"`
	Error         string         `json:"error"`
	ErrorType     string         `json:"error_type"`
	ErrorCategory Category       `json:"error_category"`
	Context       map[string]any `json:"context"`
	Suggestions   []string       `json:"suggestions"`
	Timestamp     string         `json:"timestamp"`
	RequestID     string         `json:"request_id,omitempty"`
}

// ToResponse builds the failure envelope for an operation.
func (e *Error) ToResponse(operation string) Response {
	suggestions := e.Suggestions
	if len(suggestions) == 0 {
		suggestions = DefaultSuggestions(e.Category)
	}
	ctx := e.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return Response{
		Success:       false,
		Operation:     operation,
		Error:         e.Message,
		ErrorType:     e.ErrorType(),
		ErrorCategory: e.Category,
		Context:       ctx,
		Suggestions:   suggestions,
		Timestamp:     time.Now().Format(time.RFC3339Nano),
	}
}

// WriteJSON writes the failure envelope as JSON to the response writer.
func (e *Error) WriteJSON(w http.ResponseWriter, operation string) {
	e.write(w, e.ToResponse(operation))
}

// WriteJSONWithRequestID writes the failure envelope with a request ID.
func (e *Error) WriteJSONWithRequestID(w http.ResponseWriter, operation, requestID string) {
	resp := e.ToResponse(operation)
	resp.RequestID = requestID
	w.Header().Set("X-Request-ID", requestID)
	e.write(w, resp)
}

func (e *Error) write(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(resp)
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Add adds a validation error.
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are validation errors.
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

// ToAPIError converts validation errors to an invalid_parameter error.
func (v ValidationErrors) ToAPIError() *Error {
	msg := "Validation failed"
	if len(v) == 1 {
		msg = v[0].Message
	}
	return InvalidParameter(msg).WithContext("fields", v)
}
