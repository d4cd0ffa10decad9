package pipeline

import (
	"bytes"
	"encoding/json"

	"github.com/spherical/pbj/internal/domain"
)

type documentInfo struct {
	DocumentID         string   `json:"document_id"`
	SourceFile         string   `json:"source_file"`
	ProcessedAt        string   `json:"processed_at"`
	TotalPages         int      `json:"total_pages"`
	TotalTables        int      `json:"total_tables"`
	TotalKeywords      int      `json:"total_keywords"`
	ProcessingPipeline []string `json:"processing_pipeline"`
}

type tableSummary struct {
	Page        int      `json:"page"`
	PageTitle   string   `json:"page_title"`
	TableCount  int      `json:"table_count"`
	TableTitles []string `json:"table_titles"`
}

type documentSummary struct {
	CombinedKeywords []string       `json:"combined_keywords"`
	PageTitles       []string       `json:"page_titles"`
	TableSummary     []tableSummary `json:"table_summary"`
}

type combinedOutput struct {
	DocumentInfo    documentInfo      `json:"document_info"`
	DocumentSummary documentSummary   `json:"document_summary"`
	Pages           []json.RawMessage `json:"pages"`
}

// pageDigest is the part of a reshaped page the document summary needs.
// Fields of an unexpected type are left empty.
type pageDigest struct {
	title    string
	keywords []string
	tables   []string
}

func digestPage(raw json.RawMessage) pageDigest {
	var d pageDigest
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return d
	}
	_ = json.Unmarshal(fields["title"], &d.title)
	_ = json.Unmarshal(fields["keywords"], &d.keywords)

	var tables []map[string]json.RawMessage
	_ = json.Unmarshal(fields["tables"], &tables)
	for _, t := range tables {
		var title string
		_ = json.Unmarshal(t["title"], &title)
		d.tables = append(d.tables, title)
	}
	return d
}

// buildCombined concatenates the reshaped pages in page order under a
// document summary.
func (s *Sandwich) buildCombined(doc *domain.Document) (json.RawMessage, error) {
	out := combinedOutput{
		DocumentInfo: documentInfo{
			DocumentID:  doc.ID,
			SourceFile:  doc.SourceName,
			ProcessedAt: s.opts.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
			TotalPages:  doc.PageCount,
		},
		DocumentSummary: documentSummary{
			CombinedKeywords: []string{},
			PageTitles:       []string{},
			TableSummary:     []tableSummary{},
		},
		Pages: make([]json.RawMessage, 0, doc.PageCount),
	}
	for _, stage := range domain.PipelineStages {
		if stage.Active(doc.SkipEnhance) {
			out.DocumentInfo.ProcessingPipeline = append(out.DocumentInfo.ProcessingPipeline, stage.Dir())
		}
	}

	seen := make(map[string]bool)
	for _, page := range doc.Pages() {
		art, err := s.store.Read(doc, domain.StageReshape, page)
		if err != nil {
			return nil, err
		}
		raw := art.Content.Data
		out.Pages = append(out.Pages, raw)

		d := digestPage(raw)
		for _, kw := range d.keywords {
			if !seen[kw] {
				seen[kw] = true
				out.DocumentSummary.CombinedKeywords = append(out.DocumentSummary.CombinedKeywords, kw)
			}
		}
		titles := d.tables
		if titles == nil {
			titles = []string{}
		}
		out.DocumentSummary.PageTitles = append(out.DocumentSummary.PageTitles, d.title)
		out.DocumentSummary.TableSummary = append(out.DocumentSummary.TableSummary, tableSummary{
			Page:        page,
			PageTitle:   d.title,
			TableCount:  len(titles),
			TableTitles: titles,
		})
		out.DocumentInfo.TotalTables += len(titles)
	}
	out.DocumentInfo.TotalKeywords = len(out.DocumentSummary.CombinedKeywords)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, domain.PersistenceError("encode combined output", err)
	}
	return buf.Bytes(), nil
}
