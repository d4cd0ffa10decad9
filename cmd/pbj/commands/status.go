package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical/pbj/cmd/pbj/ui"
	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/observability"
	"github.com/spherical/pbj/internal/pipeline"
	"github.com/spherical/pbj/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status <document-dir>",
	Short: "Show how far each page of a document has progressed",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	st := store.New(observability.Nop())
	doc, err := st.OpenDocument(args[0])
	if err != nil {
		return err
	}
	status, err := pipeline.Inspect(st, doc)
	if err != nil {
		return err
	}

	ui.Section(fmt.Sprintf("Document %s", doc.ID))
	ui.KeyValue("Source", doc.SourceName)
	ui.KeyValue("Created", doc.CreatedAt.Format("2006-01-02 15:04:05"))
	ui.KeyValue("Pages", fmt.Sprintf("%d", doc.PageCount))
	ui.KeyValue("Skip enhance", fmt.Sprintf("%t", doc.SkipEnhance))
	ui.KeyValue("Resume point", stageLabel(status.Stage))
	ui.Newline()

	rows := [][]string{}
	for _, stage := range domain.PipelineStages {
		if !stage.Active(doc.SkipEnhance) {
			continue
		}
		rows = append(rows, []string{
			stage.String(),
			stage.Dir(),
			fmt.Sprintf("%d/%d", status.StageCounts[stage], doc.PageCount),
		})
	}
	ui.Table([]string{"Stage", "Folder", "Pages"}, rows)
	ui.Newline()

	if ui.Verbose() {
		pageRows := make([][]string, 0, doc.PageCount)
		for _, page := range doc.Pages() {
			pageRows = append(pageRows, []string{fmt.Sprintf("%d", page), stageLabel(status.PageStages[page])})
		}
		ui.Table([]string{"Page", "Last stage"}, pageRows)
		ui.Newline()
	}

	if last := status.LastRun; last != nil {
		ui.KeyValue("Last run", fmt.Sprintf("%s at %s", last.RunID, last.FinishedAt.Local().Format("2006-01-02 15:04:05")))
		if len(last.Failures) > 0 {
			ui.KeyValue("Failures", fmt.Sprintf("%d", len(last.Failures)))
		}
	}

	switch {
	case status.FinalOutput:
		ui.Success("Complete: %s", store.FinalOutputFile)
	case len(status.Incomplete()) > 0:
		ui.Warning("Incomplete pages: %s", ui.FormatPages(status.Incomplete()))
	default:
		ui.Info("All pages reshaped; combined output not yet written")
	}
	return nil
}
