package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgesyte/forgesyte/cmd/forgesyte/commands"
	"github.com/forgesyte/forgesyte/logger"
)

var rootCmd = &cobra.Command{
	Use:   "forgesyte",
	Short: "ForgeSyte - pluggable video and image analysis host",
	Long: `ForgeSyte hosts vision analysis plugins behind an HTTP and WebSocket API.

Plugins expose tools; pipelines chain tools into DAGs; the server runs
them synchronously, as async jobs over uploaded video files, or per-frame
over realtime WebSocket streams.

Available commands:
  serve     - Start the analysis server
  plugins   - List registered plugins and their tools
  pipelines - List loaded pipeline definitions
  version   - Show version information

Examples:
  forgesyte serve                  # Start with config defaults
  forgesyte serve --port 9000      # Override the listen port
  forgesyte plugins                # Show the builtin plugin set
  forgesyte pipelines              # Show pipelines from the configured dir`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON lines")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.PluginsCmd)
	rootCmd.AddCommand(commands.PipelinesCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
