package validator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/domain/scan"
)

// The resource validators return nil when the input is valid. A non-nil
// result is always a categorized *apierror.Error.

// ValidateScanID checks that a scan id is present.
func ValidateScanID(scanID string) *apierror.Error {
	if scanID == "" {
		return apierror.InvalidParameter("Scan ID cannot be empty")
	}
	return nil
}

// ValidateSeverityThreshold checks membership in LOW, MEDIUM, HIGH, CRITICAL
// (case-insensitive).
func ValidateSeverityThreshold(value string) *apierror.Error {
	if value == "" {
		return apierror.InvalidParameter("Severity threshold cannot be empty")
	}
	if _, ok := scan.ParseSeverityThreshold(value); !ok {
		valid := formatSeverityThresholds()
		return apierror.Newf(apierror.CategoryInvalidParameter,
			"Invalid severity threshold: '%s'. Must be one of: %s", value, valid).
			WithContext("valid_values", strings.Split(valid, ", "))
	}
	return nil
}

// ValidateDirectoryPath checks that path is an existing directory. Relative
// paths that do not resolve as given are retried against the working directory.
func ValidateDirectoryPath(path string) *apierror.Error {
	cwd, _ := os.Getwd()

	if isDir(path) {
		return nil
	}
	if !filepath.IsAbs(path) && cwd != "" && isDir(filepath.Join(cwd, path)) {
		return nil
	}

	return apierror.Newf(apierror.CategoryFileNotFound,
		"Directory not found or not a directory: %s", path).
		WithContext("cwd", cwd).
		WithContext("directory_path", path)
}

// ValidateOutputDirectory checks that outputDir is an absolute path to an
// existing directory. Results lookups run detached from the caller's
// working directory, so relative paths are rejected.
func ValidateOutputDirectory(outputDir string) *apierror.Error {
	if !filepath.IsAbs(outputDir) {
		return apierror.InvalidParameter("Absolute path required: The output_dir parameter must be an absolute path").
			WithContext("output_dir", outputDir).
			WithSuggestions(
				"Use an absolute path starting with '/' for the output_dir parameter",
				"Example: '/Users/username/project/dir/.ash/ash_output'",
				"Relative paths will not work correctly due to the MCP server's working directory",
			)
	}
	if err := ValidateDirectoryPath(outputDir); err != nil {
		return err.WithContext("output_dir", outputDir).WithSuggestions(
			"Check that the output directory exists",
			"Verify that the path is correct",
			"Ensure you have appropriate permissions to access the directory",
		)
	}
	return nil
}

// ValidateConfigPath checks, in order, that the configuration file exists,
// is a regular file, is readable and has a supported extension. An empty
// path is valid.
func ValidateConfigPath(path string) *apierror.Error {
	if path == "" {
		return nil
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		if cwd, err := os.Getwd(); err == nil {
			resolved = filepath.Join(cwd, path)
		}
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return apierror.Newf(apierror.CategoryFileNotFound,
				"Configuration file not found: %s", resolved).
				WithContext("config_path", resolved)
		}
		return apierror.Unexpected(
			fmt.Sprintf("Unexpected error validating configuration path %s: %v", path, err), err).
			WithContext("config_path", path)
	}

	if !info.Mode().IsRegular() {
		return apierror.Newf(apierror.CategoryInvalidPath,
			"Configuration path is not a file: %s", resolved).
			WithContext("config_path", resolved)
	}

	if err := unix.Access(resolved, unix.R_OK); err != nil {
		return apierror.Newf(apierror.CategoryPermissionDenied,
			"Permission denied: Cannot read configuration file %s", resolved).
			WithContext("config_path", resolved)
	}

	if !HasConfigExtension(resolved) {
		return apierror.Newf(apierror.CategoryInvalidFormat,
			"Invalid configuration file extension: %s. Supported extensions: %s",
			resolved, strings.Join(ConfigExtensions, ", ")).
			WithContext("config_path", resolved).
			WithContext("valid_extensions", ConfigExtensions)
	}

	return nil
}

// ValidateScanParameters runs the directory, severity and config validators
// and returns every failure.
func ValidateScanParameters(directoryPath, severity, configPath string) []*apierror.Error {
	var errs []*apierror.Error
	if err := ValidateDirectoryPath(directoryPath); err != nil {
		errs = append(errs, err)
	}
	if err := ValidateSeverityThreshold(severity); err != nil {
		errs = append(errs, err)
	}
	if err := ValidateConfigPath(configPath); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
