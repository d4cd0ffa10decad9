package pipeline

import (
	"encoding/json"

	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/store"
)

// Status is a read-only view of a document folder.
type Status struct {
	Document    *domain.Document
	Stage       domain.Stage
	PageStages  map[int]domain.Stage
	StageCounts map[domain.Stage]int
	FinalOutput bool
	LastRun     *domain.RunSummary
}

// Incomplete returns the pages that have not been reshaped, in order.
func (s *Status) Incomplete() []int {
	var pages []int
	for _, page := range s.Document.Pages() {
		if s.PageStages[page] < domain.StageComplete {
			pages = append(pages, page)
		}
	}
	return pages
}

// Inspect reports how far each page of doc has progressed. It never
// modifies the folder.
func Inspect(st Store, doc *domain.Document) (*Status, error) {
	status := &Status{
		Document:    doc,
		Stage:       st.LatestCompleteStage(doc),
		PageStages:  make(map[int]domain.Stage, doc.PageCount),
		StageCounts: make(map[domain.Stage]int),
		FinalOutput: st.Exists(doc, domain.StageReshape, domain.DocumentLevel),
	}

	for _, page := range doc.Pages() {
		status.PageStages[page] = st.PageStage(doc, page)
		for _, stage := range domain.PipelineStages {
			if stage.Active(doc.SkipEnhance) && st.Exists(doc, stage, page) {
				status.StageCounts[stage]++
			}
		}
	}

	data, err := st.ReadDocumentFile(doc, store.RunSummaryFile)
	switch {
	case domain.IsKind(err, domain.ErrorTypeNotFound):
		return status, nil
	case err != nil:
		return nil, err
	}

	var last domain.RunSummary
	if err := json.Unmarshal(data, &last); err != nil {
		return nil, domain.ResumeStateError("run summary is unreadable", err)
	}
	status.LastRun = &last
	return status, nil
}
