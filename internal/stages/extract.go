package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/llm"
	"github.com/spherical/pbj/internal/observability"
)

const (
	extractSystem       = "You are an expert data cleaning agent specializing in technical document processing."
	extractMaxTokensCap = 8192
)

// ExtractAdapter turns one page of markdown into a JSON page object with
// column-oriented tables.
type ExtractAdapter struct {
	llm         Completer
	instruction string
	maxTokens   int
	logger      *observability.Logger
}

var _ domain.StageAdapter = (*ExtractAdapter)(nil)

// NewExtractAdapter creates the Extract stage adapter. maxTokens is capped
// to keep requests inside the model's context window.
func NewExtractAdapter(client Completer, maxTokens int, logger *observability.Logger) *ExtractAdapter {
	if maxTokens <= 0 || maxTokens > extractMaxTokensCap {
		maxTokens = extractMaxTokensCap
	}
	return &ExtractAdapter{
		llm:         client,
		instruction: mustPrompt(PromptExtract),
		maxTokens:   maxTokens,
		logger:      orNop(logger),
	}
}

func (a *ExtractAdapter) Stage() domain.Stage {
	return domain.StageExtract
}

func (a *ExtractAdapter) Ready() error {
	return a.llm.Ready()
}

// MaxTokens returns the completion limit sent with each request.
func (a *ExtractAdapter) MaxTokens() int {
	return a.maxTokens
}

func (a *ExtractAdapter) Invoke(ctx context.Context, unit domain.Unit) (domain.Content, error) {
	if unit.Input.Kind != domain.ContentText {
		return domain.Content{}, domain.ValidationError(fmt.Sprintf("extract expects text input for page %d", unit.Page), nil)
	}
	input := unit.Input.Text

	if i := strings.Index(input, "<!--"); i >= 0 && strings.Contains(input[i:], "-->") {
		end := min(i+100, len(input))
		a.logger.Warn().
			Int("page", unit.Page).
			Str("comment", input[i:end]).
			Msg("HTML comment in extract input, earlier stage may have truncated data")
	}

	out, err := a.llm.Complete(ctx, llm.Completion{
		System:      extractSystem,
		User:        extractPrompt(a.instruction, input),
		Temperature: 0,
		MaxTokens:   a.maxTokens,
	})
	if err != nil {
		return domain.Content{}, err
	}

	page, err := pageObject(out, unit.Page)
	if err != nil {
		return domain.Content{}, err
	}
	return domain.StructuredContent(page), nil
}

func extractPrompt(instruction, markdown string) string {
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\nENHANCED MARKDOWN CONTENT TO PROCESS:\n")
	b.WriteString(markdown)
	b.WriteString("\n\nJSON OUTPUT:")
	return b.String()
}

// pageObject validates the model output as a JSON object and adds the page
// index when the model did not set one. Key order is preserved.
func pageObject(out string, page int) (json.RawMessage, error) {
	body := bytes.TrimSpace([]byte(stripFences(out)))
	if len(body) == 0 || body[0] != '{' || !json.Valid(body) {
		return nil, domain.FatalServiceError(fmt.Sprintf("malformed output for page %d: response is not a JSON object", page), nil)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, domain.FatalServiceError(fmt.Sprintf("malformed output for page %d", page), err)
	}
	if _, ok := fields["page"]; ok {
		return body, nil
	}

	var buf bytes.Buffer
	buf.WriteString(`{"page":`)
	buf.WriteString(strconv.Itoa(page))
	if len(fields) > 0 {
		buf.WriteByte(',')
		buf.Write(bytes.TrimSpace(body[1:]))
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// stripFences removes a surrounding markdown code fence, which models add
// despite being asked not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
