package ashresults

import (
	"os"
	"path/filepath"

	"github.com/openctemio/scanregistry/pkg/apierror"
)

// ReportFiles maps report type to file name under reports/.
var ReportFiles = map[string]string{
	"sarif":       "ash.sarif",
	"flat_json":   "ash.flat.json",
	"html":        "ash.html",
	"csv":         "ash.csv",
	"markdown":    "ash.summary.md",
	"text":        "ash.summary.txt",
	"ocsf":        "ash.ocsf.json",
	"cyclonedx":   "ash.cdx.json",
	"junit_xml":   "ash.junit.xml",
	"gitlab_sast": "ash.gl-sast-report.json",
}

// FileInfo describes one result file.
type FileInfo struct {
	Path      string `json:"path" yaml:"path"`
	Exists    bool   `json:"exists" yaml:"exists"`
	SizeBytes int64  `json:"size_bytes" yaml:"size_bytes"`
}

// ResultPathsInfo lists every known result file of an output directory.
type ResultPathsInfo struct {
	OutputDir      string                         `json:"output_dir" yaml:"output_dir"`
	ReportsDir     string                         `json:"reports_dir" yaml:"reports_dir"`
	Files          map[string]FileInfo            `json:"files" yaml:"files"`
	ScannersDir    string                         `json:"scanners_dir,omitempty" yaml:"scanners_dir,omitempty"`
	ScannerResults map[string]map[string]FileInfo `json:"scanner_results,omitempty" yaml:"scanner_results,omitempty"`
}

// ResultPaths reports the location, existence and size of the report files,
// the aggregate file and every per-scanner result file.
func ResultPaths(outputDir string) (*ResultPathsInfo, error) {
	if info, err := os.Stat(outputDir); err != nil || !info.IsDir() {
		return nil, apierror.Newf(apierror.CategoryFileNotFound, "Output directory does not exist: %s", outputDir).
			WithContext("output_dir", outputDir)
	}

	reportsDir := filepath.Join(outputDir, ReportsDir)
	if info, err := os.Stat(reportsDir); err != nil || !info.IsDir() {
		return nil, apierror.Newf(apierror.CategoryFileNotFound, "Reports directory does not exist: %s", reportsDir).
			WithContext("output_dir", outputDir).
			WithContext("reports_dir", reportsDir)
	}

	out := &ResultPathsInfo{
		OutputDir:  outputDir,
		ReportsDir: reportsDir,
		Files:      make(map[string]FileInfo, len(ReportFiles)+1),
	}
	for kind, name := range ReportFiles {
		out.Files[kind] = statFile(filepath.Join(reportsDir, name))
	}
	out.Files["aggregated_results"] = statFile(AggregatedResultsPath(outputDir))

	scannersDir := filepath.Join(outputDir, ScannersDir)
	scanners, err := os.ReadDir(scannersDir)
	if err != nil {
		return out, nil
	}
	out.ScannersDir = scannersDir
	out.ScannerResults = make(map[string]map[string]FileInfo)
	for _, s := range scanners {
		if !s.IsDir() {
			continue
		}
		targets, err := os.ReadDir(filepath.Join(scannersDir, s.Name()))
		if err != nil {
			continue
		}
		out.ScannerResults[s.Name()] = make(map[string]FileInfo)
		for _, t := range targets {
			if t.IsDir() {
				out.ScannerResults[s.Name()][t.Name()] = statFile(filepath.Join(scannersDir, s.Name(), t.Name(), ScannerResultsFile))
			}
		}
	}
	return out, nil
}

func statFile(path string) FileInfo {
	fi := FileInfo{Path: path}
	if info, err := os.Stat(path); err == nil {
		fi.Exists = true
		fi.SizeBytes = info.Size()
	}
	return fi
}
