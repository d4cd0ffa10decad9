package commands

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/pbj/cmd/pbj/ui"
	"github.com/spherical/pbj/internal/reshape"
)

var toastOutput string

var toastCmd = &cobra.Command{
	Use:   "toast <json-file>",
	Short: "Reshape the tables of a JSON file from columns to rows",
	Long: `Convert every column-oriented table ({"data": {"col": [...]}}) in an
extract artifact or combined output file into row records. Files that are
already reshaped are left as they are.`,
	Args: cobra.ExactArgs(1),
	RunE: runToast,
}

func init() {
	toastCmd.Flags().StringVarP(&toastOutput, "output", "o", "", "output file (default: <name>_toasted.json)")
	rootCmd.AddCommand(toastCmd)
}

func runToast(cmd *cobra.Command, args []string) error {
	in := args[0]
	out := toastOutput
	if out == "" {
		out = toastedName(in)
	}

	stats, err := reshape.ConvertFile(in, out, time.Now())
	if err != nil {
		return err
	}

	ui.Success("Reshaped %d of %d table(s) across %d page(s)", stats.Converted, stats.Tables, stats.Pages)
	ui.KeyValue("Output", out)
	return nil
}

func toastedName(in string) string {
	ext := filepath.Ext(in)
	return fmt.Sprintf("%s_toasted%s", strings.TrimSuffix(in, ext), ext)
}
