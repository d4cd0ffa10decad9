package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stage is one step of the fixed Parse -> Enhance -> Extract -> Reshape pipeline.
type Stage int

const (
	StageNone Stage = iota
	StageParse
	StageEnhance
	StageExtract
	StageReshape
)

// StageComplete is the terminal state of a document: every stage done.
const StageComplete = StageReshape

// PipelineStages lists the stages in execution order.
var PipelineStages = []Stage{StageParse, StageEnhance, StageExtract, StageReshape}

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageParse:
		return "parse"
	case StageEnhance:
		return "enhance"
	case StageExtract:
		return "extract"
	case StageReshape:
		return "reshape"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Dir is the per-stage subdirectory inside a document folder.
func (s Stage) Dir() string {
	switch s {
	case StageParse:
		return "01_parsed_markdown"
	case StageEnhance:
		return "02_enhanced_markdown"
	case StageExtract:
		return "03_extracted_json"
	case StageReshape:
		return "04_reshaped_json"
	default:
		return ""
	}
}

// Ext is the file extension of this stage's page artifacts.
func (s Stage) Ext() string {
	if s.Kind() == ContentStructured {
		return ".json"
	}
	return ".md"
}

// Kind is the content variant produced by the stage.
func (s Stage) Kind() ContentKind {
	switch s {
	case StageExtract, StageReshape:
		return ContentStructured
	default:
		return ContentText
	}
}

// Next returns the stage that follows s. Enhance is skipped when skipEnhance is set.
func (s Stage) Next(skipEnhance bool) Stage {
	next := s + 1
	if next == StageEnhance && skipEnhance {
		next++
	}
	if next > StageReshape {
		return StageReshape
	}
	return next
}

// Prev returns the stage whose output feeds s.
func (s Stage) Prev(skipEnhance bool) Stage {
	prev := s - 1
	if prev == StageEnhance && skipEnhance {
		prev--
	}
	if prev < StageNone {
		return StageNone
	}
	return prev
}

// Active reports whether the stage runs in the given mode.
func (s Stage) Active(skipEnhance bool) bool {
	return !(s == StageEnhance && skipEnhance)
}

// ParseStage converts a stage name back to a Stage.
func ParseStage(name string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "":
		return StageNone, nil
	case "parse":
		return StageParse, nil
	case "enhance":
		return StageEnhance, nil
	case "extract":
		return StageExtract, nil
	case "reshape", "complete":
		return StageReshape, nil
	}
	return StageNone, ValidationError(fmt.Sprintf("unknown stage %q", name), nil)
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ContentKind tags the variant held by Content.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentStructured ContentKind = "structured"
)

// Content is the output of a stage: either free text or structured JSON.
// Structured data stays opaque until the reshaper narrows it to tables.
type Content struct {
	Kind ContentKind
	Text string
	Data json.RawMessage
}

// TextContent wraps text output.
func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// StructuredContent wraps a JSON document.
func StructuredContent(data json.RawMessage) Content {
	return Content{Kind: ContentStructured, Data: data}
}

// Bytes returns the on-disk representation of the content.
func (c Content) Bytes() []byte {
	if c.Kind == ContentStructured {
		return c.Data
	}
	return []byte(c.Text)
}

// ContentFromBytes rebuilds content of the given kind from its on-disk form.
// Structured content must be a JSON object or array.
func ContentFromBytes(kind ContentKind, raw []byte) (Content, error) {
	if kind != ContentStructured {
		return TextContent(string(raw)), nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return Content{}, ValidationError("structured artifact is not valid JSON", nil)
	}
	return StructuredContent(json.RawMessage(trimmed)), nil
}

// Document represents the source PDF file being processed
type Document struct {
	ID          string    `json:"id"`
	Dir         string    `json:"-"`
	SourceName  string    `json:"source_name"`
	SourceFile  string    `json:"source_file"`
	PageCount   int       `json:"page_count"`
	CreatedAt   time.Time `json:"created_at"`
	SkipEnhance bool      `json:"skip_enhance"`
	Premium     bool      `json:"premium"`
}

// Pages returns the 1-based page indexes of the document.
func (d *Document) Pages() []int {
	pages := make([]int, d.PageCount)
	for i := range pages {
		pages[i] = i + 1
	}
	return pages
}

// DocumentLevel is the page index used for document-wide artifacts.
const DocumentLevel = 0

// Artifact is the persisted output of one stage for one page.
type Artifact struct {
	Stage     Stage
	Page      int
	Content   Content
	WrittenAt time.Time
}

// Table is a column-oriented table narrowed out of an extraction result.
type Table struct {
	ID          string
	Title       string
	Description string
	Columns     []string
	Data        map[string][]any
	// DataOrder is the key order of Data as produced.
	DataOrder []string
	// DeclaredRows is the row count announced by the producer, zero when absent.
	DeclaredRows int
	// ImpliedRows is the number of rows a row-array layout carried. It is the
	// only row count a table without columns has.
	ImpliedRows int
	Metadata     json.RawMessage
}

// Field is one column/value pair of a row.
type Field struct {
	Name  string
	Value any
}

// RowRecord is one reshaped row. Field order follows the table's column order.
type RowRecord []Field

// Get returns the value of the named column.
func (r RowRecord) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// MarshalJSON writes the row as an object whose keys keep column order.
func (r RowRecord) MarshalJSON() ([]byte, error) {
	obj := NewObject()
	for _, f := range r {
		raw, ok := f.Value.(json.RawMessage)
		switch {
		case ok && len(raw) == 0:
			raw = json.RawMessage("null")
		case !ok:
			encoded, err := encodeJSON(f.Value)
			if err != nil {
				return nil, err
			}
			raw = encoded
		}
		obj.Set(f.Name, raw)
	}
	return MarshalObject(obj)
}

// encodeJSON marshals v without HTML escaping and without a trailing newline.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// PageFailure records why a page did not complete a stage.
type PageFailure struct {
	Page    int       `json:"page"`
	Stage   Stage     `json:"stage"`
	Kind    ErrorType `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// StageReport describes the work one stage did during a run.
type StageReport struct {
	Stage     Stage         `json:"stage"`
	Processed []int         `json:"processed"`
	Skipped   []int         `json:"skipped"`
	Blocked   []int         `json:"blocked"`
	Failed    []PageFailure `json:"failed"`
	Duration  time.Duration `json:"duration_ns"`
}

// RunSummary is the record of one orchestrator invocation.
type RunSummary struct {
	RunID       string            `json:"run_id"`
	DocumentID  string            `json:"document_id"`
	DocumentDir string            `json:"document_dir"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	SkipEnhance bool              `json:"skip_enhance"`
	StartStage  Stage             `json:"start_stage"`
	FinalStage  Stage             `json:"final_stage"`
	Stages      []StageReport     `json:"stages"`
	Failures    []PageFailure     `json:"failures"`
	PageStages  map[int]Stage     `json:"page_stages"`
	Complete    bool              `json:"complete"`
	Cancelled   bool              `json:"cancelled"`
	FinalOutput string            `json:"final_output,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
}

// ProcessedPages counts pages a stage actually ran for during the invocation.
func (s *RunSummary) ProcessedPages() int {
	n := 0
	for _, st := range s.Stages {
		n += len(st.Processed)
	}
	return n
}

// IncompletePages returns pages that have not reached the terminal stage.
func (s *RunSummary) IncompletePages() []int {
	var pages []int
	for page := 1; page <= len(s.PageStages); page++ {
		if s.PageStages[page] < StageComplete {
			pages = append(pages, page)
		}
	}
	return pages
}

// EventType represents the type of stream event
type EventType string

const (
	EventStart          EventType = "start"
	EventStageStart     EventType = "stage_start"
	EventPageProcessing EventType = "page_processing"
	EventPageComplete   EventType = "page_complete"
	EventStageComplete  EventType = "stage_complete"
	EventError          EventType = "error"
	EventComplete       EventType = "complete"
)

// StreamEvent represents an event emitted during processing
type StreamEvent struct {
	Type       EventType   `json:"type"`
	DocumentID string      `json:"document_id"`
	Stage      Stage       `json:"stage,omitempty"`
	PageNumber int         `json:"page_number,omitempty"`
	Total      int         `json:"total,omitempty"`
	Payload    interface{} `json:"payload,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}
