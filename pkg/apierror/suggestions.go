package apierror

var suggestionTable = map[Category][]string{
	CategoryFileNotFound: {
		"Check that the file or directory exists",
		"Verify the path is correct",
		"Ensure the file has not been moved or deleted",
	},
	CategoryPermissionDenied: {
		"Check file and directory permissions",
		"Ensure the user has appropriate access rights",
		"Verify ownership of the file or directory",
	},
	CategoryInvalidFormat: {
		"Check the file format and structure",
		"Ensure the file is properly formatted JSON/YAML",
		"Validate the file against the expected schema",
	},
	CategoryInvalidParameter: {
		"Check the parameter values provided",
		"Ensure all required parameters are provided",
		"Verify parameter types and formats",
	},
	CategoryInvalidPath: {
		"Verify the path is correct and properly formatted",
		"Check for invalid characters or syntax in the path",
		"Ensure the path points to the correct type (file/directory)",
	},
	CategoryResourceExhausted: {
		"Check system resources (memory, disk space)",
		"Reduce the number of concurrent operations",
		"Wait and try again later",
	},
	CategoryOperationTimeout: {
		"Check if the operation is still running",
		"Increase the timeout value if possible",
		"Verify system performance and resource availability",
	},
	CategoryScanNotFound: {
		"Verify the scan ID is correct",
		"Check if the scan has been cleaned up or expired",
		"Ensure the scan was properly registered",
	},
	CategoryScanIncomplete: {
		"Wait for the scan to complete",
		"Check for errors in the scan process",
		"Verify the scan is still running",
	},
	CategoryUnexpected: {
		"Check logs for additional information",
		"Verify system stability and resource availability",
		"Report the issue if it persists",
	},
}

var genericSuggestions = []string{
	"Check logs for additional information",
	"Verify input parameters and system state",
	"Report the issue if it persists",
}

// DefaultSuggestions returns the remediation hints for a category, falling
// back to a generic list for unknown categories. The returned slice is a copy.
func DefaultSuggestions(category Category) []string {
	s, ok := suggestionTable[category]
	if !ok {
		s = genericSuggestions
	}
	return append([]string(nil), s...)
}
