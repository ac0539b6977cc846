package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	scansvc "github.com/openctemio/scanregistry/internal/app/scan"
	"github.com/openctemio/scanregistry/internal/infra/http/handler"
	"github.com/openctemio/scanregistry/pkg/domain/scan"
)

const scansPath = "/api/v1/scans"

var (
	flagScanOutputDir string
	flagScanSeverity  string
	flagScanConfig    string

	flagListActive    bool
	flagListDirectory string

	flagRemoveOutput bool
	flagMaxAgeHours  float64
)

var scanCmd = &cobra.Command{
	Use:   "scan <directory>",
	Short: "Start a scan of a directory",
	Example: `  scanctl scan ./my-project
  scanctl scan ./my-project --severity HIGH --config .ash/ash.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolve directory: %w", err)
		}
		req := scansvc.StartParams{
			DirectoryPath:     dir,
			OutputDirectory:   flagScanOutputDir,
			SeverityThreshold: strings.ToUpper(flagScanSeverity),
			ConfigPath:        flagScanConfig,
		}

		var result scansvc.StartResult
		if err := newClient(cmd).PostJSON(cmd.Context(), scansPath, req, &result); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if done, err := render(out, result); done {
			return err
		}
		fmt.Fprintf(out, "Scan %s started (%s)\n", result.ScanID, statusLabel(string(result.Status)))
		fmt.Fprintf(out, "  Directory: %s\n", result.DirectoryPath)
		fmt.Fprintf(out, "  Output:    %s\n", result.OutputDirectory)
		fmt.Fprintf(out, "  Severity:  %s\n", result.SeverityThreshold)
		if result.Branch != "" {
			fmt.Fprintf(out, "  Branch:    %s@%s\n", result.Branch, shortID(result.CommitSHA))
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tracked scans",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		q := url.Values{}
		if flagListActive {
			q.Set("active_only", "true")
		}
		if flagListDirectory != "" {
			dir, err := filepath.Abs(flagListDirectory)
			if err != nil {
				return fmt.Errorf("resolve directory: %w", err)
			}
			q.Set("directory", dir)
		}

		var result scansvc.ScanListResult
		if err := newClient(cmd).GetJSON(cmd.Context(), scansPath, q, &result); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if done, err := render(out, result); done {
			return err
		}
		if result.Count == 0 {
			fmt.Fprintln(out, "No scans found.")
			return nil
		}
		t := newTable(out, "SCAN ID", "STATUS", "DIRECTORY", "SEVERITY", "AGE")
		for _, s := range result.Scans {
			t.AddRow(s.ScanID, statusLabel(string(s.Status)), s.DirectoryPath, s.SeverityThreshold, age(s.StartTime))
		}
		return t.Flush()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <scan-id>",
	Short: "Show one scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp handler.ScanResponse
		if err := newClient(cmd).GetJSON(cmd.Context(), scansPath+"/"+url.PathEscape(args[0]), nil, &resp); err != nil {
			return err
		}
		return printSnapshot(cmd, resp.Scan)
	},
}

var findCmd = &cobra.Command{
	Use:   "find <directory>",
	Short: "Find the active scan of a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolve directory: %w", err)
		}
		var resp handler.ScanResponse
		if err := newClient(cmd).GetJSON(cmd.Context(), scansPath+"/by-directory", url.Values{"path": {dir}}, &resp); err != nil {
			return err
		}
		return printSnapshot(cmd, resp.Scan)
	},
}

func printSnapshot(cmd *cobra.Command, s scan.Snapshot) error {
	out := cmd.OutOrStdout()
	if done, err := render(out, s); done {
		return err
	}
	fmt.Fprintf(out, "Scan:      %s\n", s.ScanID)
	fmt.Fprintf(out, "Status:    %s\n", statusLabel(string(s.Status)))
	fmt.Fprintf(out, "Directory: %s\n", s.DirectoryPath)
	fmt.Fprintf(out, "Output:    %s\n", s.OutputDirectory)
	fmt.Fprintf(out, "Severity:  %s\n", s.SeverityThreshold)
	fmt.Fprintf(out, "Config:    %s\n", ptrStr(s.ConfigPath))
	fmt.Fprintf(out, "Started:   %s (%s ago)\n", s.StartTime.Format("2006-01-02 15:04:05"), age(s.StartTime))
	if s.EndTime != nil {
		fmt.Fprintf(out, "Ended:     %s\n", s.EndTime.Format("2006-01-02 15:04:05"))
	}
	if s.ProcessID != nil {
		fmt.Fprintf(out, "PID:       %d\n", *s.ProcessID)
	}
	if s.ErrorMessage != nil {
		fmt.Fprintf(out, "Error:     %s\n", *s.ErrorMessage)
	}
	for _, w := range s.Warnings {
		fmt.Fprintf(out, "Warning:   %s\n", w)
	}
	return nil
}

var progressCmd = &cobra.Command{
	Use:   "progress <scan-id>",
	Short: "Show scanner progress and finding counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp handler.ProgressResponse
		if err := newClient(cmd).GetJSON(cmd.Context(), scansPath+"/"+url.PathEscape(args[0])+"/progress", nil, &resp); err != nil {
			return err
		}
		if resp.ProgressReport == nil {
			return errors.New("empty progress report")
		}
		report := resp.ProgressReport

		out := cmd.OutOrStdout()
		if done, err := render(out, report); done {
			return err
		}
		c := report.SeverityCounts
		fmt.Fprintf(out, "Scan %s: %s, scanners %s\n", report.ScanID, statusLabel(string(report.Status)),
			percent(report.CompletedScanners, report.TotalScanners))
		fmt.Fprintf(out, "Findings: %d (critical %d, high %d, medium %d, low %d, info %d, suppressed %d)\n",
			report.TotalFindings, c.Critical, c.High, c.Medium, c.Low, c.Info, c.Suppressed)
		if len(report.Scanners) == 0 {
			return nil
		}

		fmt.Fprintln(out)
		t := newTable(out, "SCANNER", "TARGET", "STATUS", "FINDINGS", "DURATION")
		for _, name := range sortedKeys(report.Scanners) {
			targets := report.Scanners[name]
			for _, target := range sortedKeys(targets) {
				p := targets[target]
				duration := "-"
				if p.Duration != nil {
					duration = strconv.FormatFloat(*p.Duration, 'f', 1, 64) + "s"
				}
				t.AddRow(name, target, statusLabel(string(p.Status)), strconv.Itoa(p.FindingCount), duration)
			}
		}
		return t.Flush()
	},
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <scan-id>",
	Short: "Cancel a running scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := newClient(cmd).Do(cmd.Context(), http.MethodPost,
			scansPath+"/"+url.PathEscape(args[0])+"/cancel", nil, nil)
		// A finished scan answers 409 with a cancel result rather than an error envelope.
		if err != nil && status != http.StatusConflict {
			return err
		}

		var result scansvc.CancelResult
		if err := unmarshal(data, &result); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		done, err := render(out, result)
		if err != nil {
			return err
		}
		if !done {
			fmt.Fprintln(out, result.Message)
		}
		if !result.Success {
			return fmt.Errorf("scan %s not cancelled: status %s", result.ScanID, result.Status)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <scan-id>",
	Short: "Remove a scan from the registry",
	Long: `Remove a scan from the registry. Running scans are cancelled first.
With --remove-output the scan's output directory is deleted as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if flagRemoveOutput {
			q.Set("remove_output", "true")
		}
		data, _, err := newClient(cmd).Do(cmd.Context(), http.MethodDelete, scansPath+"/"+url.PathEscape(args[0]), q, nil)
		if err != nil {
			return err
		}
		var result scansvc.CleanupResult
		if err := unmarshal(data, &result); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if done, err := render(out, result); done {
			return err
		}
		fmt.Fprintln(out, result.Message)
		if result.OutputDirError != "" {
			fmt.Fprintf(out, "  output directory: %s\n", result.OutputDirError)
		}
		for _, w := range result.Warnings {
			fmt.Fprintf(out, "  warning: %s\n", w)
		}
		return nil
	},
}

var cleanupOldCmd = &cobra.Command{
	Use:   "cleanup-old",
	Short: "Remove finished scans older than a maximum age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req := handler.CleanupOldRequest{RemoveOutput: flagRemoveOutput}
		if cmd.Flags().Changed("max-age-hours") {
			req.MaxAgeHours = &flagMaxAgeHours
		}

		var result scansvc.CleanupOldResult
		if err := newClient(cmd).PostJSON(cmd.Context(), scansPath+"/cleanup", req, &result); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if done, err := render(out, result); done {
			return err
		}
		fmt.Fprintln(out, result.Message)
		for _, id := range result.FailedCleanups {
			fmt.Fprintf(out, "  failed: %s\n", id)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show scan counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var result scansvc.StatisticsResult
		if err := newClient(cmd).GetJSON(cmd.Context(), scansPath+"/stats", nil, &result); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if done, err := render(out, result); done {
			return err
		}
		fmt.Fprintf(out, "Total: %d, active: %d\n\n", result.TotalScans, result.ActiveScans)
		t := newTable(out, "STATUS", "COUNT")
		for _, s := range scan.AllStatuses() {
			t.AddRow(statusLabel(string(s)), strconv.Itoa(result.StatusCounts[s]))
		}
		return t.Flush()
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <scan-id>",
	Short: "Upload a finished scan's reports to object storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result scansvc.ArchiveResult
		if err := newClient(cmd).PostJSON(cmd.Context(), scansPath+"/"+url.PathEscape(args[0])+"/archive", nil, &result); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if done, err := render(out, result); done {
			return err
		}
		fmt.Fprintf(out, "Archived %d objects to s3://%s\n\n", len(result.Objects), result.Bucket)
		t := newTable(out, "KEY", "SIZE", "COMPRESSED")
		for _, o := range result.Objects {
			t.AddRow(o.Key, strconv.FormatInt(o.SizeBytes, 10), strconv.FormatInt(o.CompressedSize, 10))
		}
		return t.Flush()
	},
}

func init() {
	scanCmd.Flags().StringVar(&flagScanOutputDir, "output-dir", "", "Output directory (default <directory>/.ash/ash_output)")
	scanCmd.Flags().StringVar(&flagScanSeverity, "severity", "", "Severity threshold: LOW, MEDIUM, HIGH, CRITICAL")
	scanCmd.Flags().StringVar(&flagScanConfig, "config", "", "Scanner configuration file (.yaml, .yml, .json)")

	listCmd.Flags().BoolVar(&flagListActive, "active", false, "Only pending and running scans")
	listCmd.Flags().StringVar(&flagListDirectory, "directory", "", "Only scans of this directory")

	cleanupCmd.Flags().BoolVar(&flagRemoveOutput, "remove-output", false, "Also delete the output directory")
	cleanupOldCmd.Flags().BoolVar(&flagRemoveOutput, "remove-output", false, "Also delete output directories")
	cleanupOldCmd.Flags().Float64Var(&flagMaxAgeHours, "max-age-hours", handler.DefaultCleanupMaxAgeHours, "Maximum age of finished scans to keep")

	rootCmd.AddCommand(scanCmd, listCmd, getCmd, findCmd, progressCmd, cancelCmd,
		cleanupCmd, cleanupOldCmd, statsCmd, archiveCmd)
}
