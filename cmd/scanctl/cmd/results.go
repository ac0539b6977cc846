package cmd

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	scansvc "github.com/openctemio/scanregistry/internal/app/scan"
)

const resultsPath = "/api/v1/results"

var (
	flagFilterLevel    string
	flagScanners       []string
	flagSeverities     []string
	flagActionableOnly bool
)

var resultsCmd = &cobra.Command{
	Use:   "results <output-dir>",
	Short: "Show the results of a finished scan",
	Long: `Show the aggregated results of a finished scan.

Results are nested documents, so the table format prints YAML.`,
	Example: `  scanctl results ./my-project/.ash/ash_output --filter-level summary
  scanctl results ./out --scanners bandit,semgrep --severities critical,high -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolve output directory: %w", err)
		}

		q := url.Values{"output_dir": {dir}}
		if flagFilterLevel != "" {
			q.Set("filter_level", flagFilterLevel)
		}
		if len(flagScanners) > 0 {
			q.Set("scanners", strings.Join(flagScanners, ","))
		}
		if len(flagSeverities) > 0 {
			q.Set("severities", strings.Join(flagSeverities, ","))
		}
		if flagActionableOnly {
			q.Set("actionable_only", "true")
		}

		var view scansvc.ResultView
		if err := newClient(cmd).GetJSON(cmd.Context(), resultsPath, q, &view); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if done, err := render(out, view); done {
			return err
		}
		return printYAML(out, view)
	},
}

var pathsCmd = &cobra.Command{
	Use:   "paths <output-dir>",
	Short: "List the result files of an output directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolve output directory: %w", err)
		}

		var result scansvc.ResultPathsResult
		if err := newClient(cmd).GetJSON(cmd.Context(), resultsPath+"/paths", url.Values{"output_dir": {dir}}, &result); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if done, err := render(out, result); done {
			return err
		}

		t := newTable(out, "KIND", "PATH", "EXISTS", "SIZE")
		for _, kind := range sortedKeys(result.Files) {
			f := result.Files[kind]
			t.AddRow(kind, f.Path, strconv.FormatBool(f.Exists), strconv.FormatInt(f.SizeBytes, 10))
		}
		for _, scanner := range sortedKeys(result.ScannerResults) {
			files := result.ScannerResults[scanner]
			for _, name := range sortedKeys(files) {
				f := files[name]
				t.AddRow(scanner+"/"+name, f.Path, strconv.FormatBool(f.Exists), strconv.FormatInt(f.SizeBytes, 10))
			}
		}
		return t.Flush()
	},
}

func init() {
	resultsCmd.Flags().StringVar(&flagFilterLevel, "filter-level", "", "Detail level: full, summary, minimal")
	resultsCmd.Flags().StringSliceVar(&flagScanners, "scanners", nil, "Only findings from these scanners")
	resultsCmd.Flags().StringSliceVar(&flagSeverities, "severities", nil, "Only findings with these severities")
	resultsCmd.Flags().BoolVar(&flagActionableOnly, "actionable-only", false, "Only findings at or above the severity threshold")

	rootCmd.AddCommand(resultsCmd, pathsCmd)
}
