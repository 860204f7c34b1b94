// skelstream checks live event streams against a log skeleton model.
package main

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Exit codes.
const (
	exitOK         = 0
	exitDeviations = 1
	exitError      = 2
)

// errDeviations makes check exit with exitDeviations when --fail-on-deviation
// is set and the stream was not conformant.
var errDeviations = stderrors.New("deviations found")

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

func main() {
	os.Exit(execute())
}

func execute() int {
	if err := rootCmd.Execute(); err != nil {
		if stderrors.Is(err, errDeviations) {
			return exitDeviations
		}
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	return exitOK
}

var rootCmd = &cobra.Command{
	Use:   "skelstream",
	Short: "skelstream - streaming log skeleton conformance checking",
	Long: `skelstream checks a stream of process events against a log skeleton
model and reports deviations as they happen.

Events are JSON objects, one per line, carrying a case id and an activity
attribute (by default "case:concept:name" and "concept:name").`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: layered search)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (json, console)")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "skelstream %s (%s)\n", version, commit)
	},
}
