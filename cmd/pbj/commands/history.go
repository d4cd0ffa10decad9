package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/pbj/cmd/pbj/ui"
	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/ledger"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded pipeline runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	driver, dsn := cfg.LedgerTarget()
	if driver == ledger.DriverNone {
		return domain.ConfigError("run ledger is disabled (ledger_driver: none)", nil)
	}

	l, err := ledger.Open(driver, dsn)
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.Migrate(ctx); err != nil {
		return err
	}

	runs, err := l.Recent(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		ui.Info("No runs recorded yet")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		state := "incomplete"
		switch {
		case r.Cancelled:
			state = "cancelled"
		case r.Complete:
			state = "complete"
		}
		rows = append(rows, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.DocumentID,
			fmt.Sprintf("%s → %s", r.StartStage, r.FinalStage),
			fmt.Sprintf("%d", r.Processed),
			fmt.Sprintf("%d", r.Failed),
			state,
		})
	}
	ui.Table([]string{"Started", "Document", "Stages", "Processed", "Failed", "State"}, rows)
	return nil
}
