// Package cmd implements the scanctl commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

var (
	version string

	// Global flags
	flagServer  string
	flagToken   string
	flagOutput  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "scanctl",
	Short: "Command line client for the scan registry",
	Long: `scanctl starts, inspects and cleans up ASH security scans through the
scan registry HTTP API.

The server address and bearer token come from --server/--token or the
SCANCTL_SERVER/SCANCTL_TOKEN environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Cancelling ctx interrupts long-running
// commands such as watch.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersion sets the CLI version from build flags.
func SetVersion(v string) {
	version = v
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Scan registry URL (env: SCANCTL_SERVER, default "+defaultServer+")")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "Bearer token (env: SCANCTL_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Print requests and response codes")

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if flagServer == "" {
		flagServer = os.Getenv("SCANCTL_SERVER")
	}
	if flagServer == "" {
		flagServer = defaultServer
	}
	if flagToken == "" {
		flagToken = os.Getenv("SCANCTL_TOKEN")
	}
}

func newClient(cmd *cobra.Command) *Client {
	return NewClient(flagServer, flagToken, verboseWriter(cmd))
}

func verboseWriter(cmd *cobra.Command) io.Writer {
	if !flagVerbose {
		return nil
	}
	return cmd.ErrOrStderr()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show CLI version",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "scanctl version %s\n", version)
		fmt.Fprintf(out, "  Go:       %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}
