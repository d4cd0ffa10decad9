package commands

import (
	"github.com/spf13/cobra"

	"github.com/spherical/pbj/cmd/pbj/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration and where each value came from",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	ui.Section("Configuration")
	if cfg.ConfigFile != "" {
		ui.KeyValue("File", cfg.ConfigFile)
		ui.Newline()
	}

	described := cfg.Describe()
	rows := make([][]string, 0, len(described))
	for _, d := range described {
		rows = append(rows, []string{d[0], d[1], d[2]})
	}
	ui.Table([]string{"Option", "Value", "Source"}, rows)
	return nil
}
