// Package commands implements the pbj command line.
package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/spherical/pbj/cmd/pbj/ui"
)

const version = "1.0.0"

// ErrIncomplete is returned when a run finished with pages left unprocessed.
// The summary has already been printed.
var ErrIncomplete = errors.New("document is incomplete")

var (
	cfgFile string
	verbose bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "pbj",
	Short: "PB&J - turn PDF brochures into structured JSON, one page at a time",
	Long: `pbj runs a PDF through four resumable stages:

  parse    each page to markdown (LlamaParse or local text)
  enhance  the markdown with an LLM (optional)
  extract  page JSON with an LLM
  reshape  column-oriented tables into rows

Every stage writes one artifact per page into the document folder, so an
interrupted or partly failed run continues where it stopped.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.InitUI(noColor, verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
