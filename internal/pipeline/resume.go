package pipeline

import (
	"fmt"

	"github.com/spherical/pbj/internal/domain"
)

// validateArtifacts reads every existing artifact before a run resumes. An
// unreadable artifact is reported as a ResumeStateError and removed together
// with everything derived from it, so the page is processed again. Artifacts
// that sit after a gap in a page's stage chain are stale and removed too.
func (s *Sandwich) validateArtifacts(r *run) {
	doc := r.doc
	invalidated := false

	for _, page := range doc.Pages() {
		broken := false
		for _, stage := range domain.PipelineStages {
			if !stage.Active(doc.SkipEnhance) {
				continue
			}
			if !s.store.Exists(doc, stage, page) {
				broken = true
				continue
			}

			if broken {
				r.logger.Warn().
					Stringer("stage", stage).
					Int("page", page).
					Msg("Removing artifact whose input is missing")
				s.discard(r, stage, page)
				invalidated = true
				continue
			}

			if _, err := s.store.Read(doc, stage, page); err != nil {
				s.recordResumeFailure(r, stage, page, err)
				s.discard(r, stage, page)
				broken = true
				invalidated = true
			}
		}
	}

	if !s.store.Exists(doc, domain.StageReshape, domain.DocumentLevel) {
		return
	}
	if invalidated {
		r.logger.Warn().Msg("Removing combined output built from invalidated pages")
		s.discard(r, domain.StageReshape, domain.DocumentLevel)
		return
	}
	if _, err := s.store.Read(doc, domain.StageReshape, domain.DocumentLevel); err != nil {
		s.recordResumeFailure(r, domain.StageReshape, domain.DocumentLevel, err)
		s.discard(r, domain.StageReshape, domain.DocumentLevel)
	}
}

func (s *Sandwich) recordResumeFailure(r *run, stage domain.Stage, page int, err error) {
	if !domain.IsKind(err, domain.ErrorTypeResumeState) {
		err = domain.ResumeStateError(fmt.Sprintf("%s artifact for page %d is unreadable", stage, page), err)
	}
	failure := s.failure(stage, page, err)
	r.summary.Failures = append(r.summary.Failures, failure)
	r.logger.Warn().
		Err(err).
		Stringer("stage", stage).
		Int("page", page).
		Msg("Existing artifact is unreadable, page will be reprocessed")
}

func (s *Sandwich) discard(r *run, stage domain.Stage, page int) {
	if err := s.store.Remove(r.doc, stage, page); err != nil {
		r.logger.Error().Err(err).Stringer("stage", stage).Int("page", page).Msg("Failed to remove artifact")
	}
}
