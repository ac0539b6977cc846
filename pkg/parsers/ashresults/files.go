package ashresults

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/openctemio/scanregistry/pkg/apierror"
)

// File and directory names of the on-disk contract.
const (
	AggregatedResultsFile = "ash_aggregated_results.json"
	ScannerResultsFile    = "ASH.ScanResults.json"
	ScannersDir           = "scanners"
	ReportsDir            = "reports"
	DefaultOutputSubdir   = ".ash/ash_output"
)

// ScannerResultFiles maps scanner name to target type to result file path.
type ScannerResultFiles map[string]map[string]string

// Count returns the number of scanner/target pairs.
func (f ScannerResultFiles) Count() int {
	n := 0
	for _, targets := range f {
		n += len(targets)
	}
	return n
}

// ScannerNames returns the scanner names in sorted order.
func (f ScannerResultFiles) ScannerNames() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AggregatedResultsPath returns the path of the aggregate file.
func AggregatedResultsPath(outputDir string) string {
	return filepath.Join(outputDir, AggregatedResultsFile)
}

// CheckScanCompletion reports whether the aggregate results file exists.
// Its presence is the only completion signal.
func CheckScanCompletion(outputDir string) bool {
	_, err := os.Stat(AggregatedResultsPath(outputDir))
	return err == nil
}

// FindScannerResultFiles walks scanners/<scanner>/<target>/ASH.ScanResults.json.
// A missing scanners directory yields an empty map. Scanner directories
// without any result file are listed with no targets.
func FindScannerResultFiles(outputDir string) (ScannerResultFiles, error) {
	results := make(ScannerResultFiles)
	scannersDir := filepath.Join(outputDir, ScannersDir)

	scannerEntries, err := os.ReadDir(scannersDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return results, nil
		}
		return nil, fmt.Errorf("read scanners dir: %w", err)
	}

	for _, scannerEntry := range scannerEntries {
		if !scannerEntry.IsDir() {
			continue
		}
		name := scannerEntry.Name()
		results[name] = make(map[string]string)

		targetEntries, err := os.ReadDir(filepath.Join(scannersDir, name))
		if err != nil {
			return nil, fmt.Errorf("read scanner dir %s: %w", name, err)
		}
		for _, targetEntry := range targetEntries {
			if !targetEntry.IsDir() {
				continue
			}
			resultFile := filepath.Join(scannersDir, name, targetEntry.Name(), ScannerResultsFile)
			if _, err := os.Stat(resultFile); err == nil {
				results[name][targetEntry.Name()] = resultFile
			}
		}
	}

	return results, nil
}

// ReadJSONFile reads and decodes a JSON object, classifying failures.
func ReadJSONFile(path string) (map[string]any, *apierror.Error) {
	cwd, _ := os.Getwd()

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apierror.Newf(apierror.CategoryFileNotFound, "File not found: %s", path).
				WithContext("cwd", cwd).
				WithContext("file_path", path)
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, permissionDenied(path, cwd)
		}
		return nil, unexpectedRead(path, cwd, err)
	}
	if !info.Mode().IsRegular() {
		return nil, apierror.Newf(apierror.CategoryInvalidPath, "Path is not a file: %s", path).
			WithContext("cwd", cwd).
			WithContext("file_path", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, permissionDenied(path, cwd)
		}
		return nil, unexpectedRead(path, cwd, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apierror.Newf(apierror.CategoryInvalidFormat, "Invalid JSON format in file %s: %v", path, err).
			WithContext("cwd", cwd).
			WithContext("file_path", path).
			WithContext("json_error", err.Error())
	}
	return doc, nil
}

func permissionDenied(path, cwd string) *apierror.Error {
	return apierror.Newf(apierror.CategoryPermissionDenied, "Permission denied: Cannot read file %s", path).
		WithContext("cwd", cwd).
		WithContext("file_path", path)
}

func unexpectedRead(path, cwd string, err error) *apierror.Error {
	return apierror.Unexpected(fmt.Sprintf("Unexpected error reading file %s: %v", path, err), err).
		WithContext("cwd", cwd).
		WithContext("file_path", path)
}

// ResolveOutputDirectory resolves where a scan of sourceDir writes its output.
// An absolute outputDir wins; a relative one is joined to sourceDir (or the
// working directory when sourceDir is empty). With no outputDir the default
// <source>/.ash/ash_output is used.
func ResolveOutputDirectory(sourceDir, outputDir string) string {
	cwd, _ := os.Getwd()
	abs := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(cwd, p)
	}

	switch {
	case outputDir != "" && filepath.IsAbs(outputDir):
		return outputDir
	case sourceDir != "" && outputDir != "":
		return filepath.Join(abs(sourceDir), outputDir)
	case sourceDir != "":
		return filepath.Join(abs(sourceDir), DefaultOutputSubdir)
	case outputDir != "":
		return abs(outputDir)
	default:
		return filepath.Join(cwd, DefaultOutputSubdir)
	}
}
