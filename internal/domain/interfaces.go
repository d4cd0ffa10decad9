package domain

import "context"

// Unit is the input handed to a StageAdapter for one page.
type Unit struct {
	Document *Document
	Page     int
	// Input is the prior stage's artifact content. Parse receives no input
	// and reads the source PDF named by Document.SourceFile instead.
	Input Content
}

// StageAdapter wraps one external collaborator call for a single page.
type StageAdapter interface {
	// Stage returns the stage this adapter produces.
	Stage() Stage

	// Ready reports a ConfigurationError when the adapter cannot be invoked,
	// e.g. because its credential is missing.
	Ready() error

	// Invoke produces the stage content for one unit. Retries happen inside;
	// the returned error is a TransientServiceError or FatalServiceError.
	Invoke(ctx context.Context, unit Unit) (Content, error)
}

// ArtifactStore persists per-stage, per-page artifacts of a document.
type ArtifactStore interface {
	Exists(doc *Document, stage Stage, page int) bool
	Write(doc *Document, stage Stage, page int, content Content) error
	Read(doc *Document, stage Stage, page int) (*Artifact, error)
	Remove(doc *Document, stage Stage, page int) error
	LatestCompleteStage(doc *Document) Stage
}

// EventSink receives progress events from a run.
type EventSink interface {
	Emit(event StreamEvent)
}

// RunRecorder keeps a history of run summaries outside the document folder.
type RunRecorder interface {
	Record(ctx context.Context, summary *RunSummary) error
}
