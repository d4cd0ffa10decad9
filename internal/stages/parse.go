package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/llamaparse"
	"github.com/spherical/pbj/internal/observability"
)

// MarkdownParser turns a PDF into markdown. Implemented by llamaparse.Client.
type MarkdownParser interface {
	Ready() error
	Parse(ctx context.Context, req llamaparse.ParseRequest) (string, error)
}

// PageSplitter cuts one page out of a PDF. Implemented by pdf.Splitter.
type PageSplitter interface {
	ExtractPage(path string, page int) ([]byte, error)
}

// TextSource reads the text layer of one PDF page. Implemented by pdf.TextReader.
type TextSource interface {
	PageText(ctx context.Context, path string, page int) (string, error)
}

// ParseAdapter produces the markdown of one page of the source PDF.
type ParseAdapter struct {
	parser   MarkdownParser
	splitter PageSplitter
	text     TextSource
	system   string
	user     string
	logger   *observability.Logger
}

var _ domain.StageAdapter = (*ParseAdapter)(nil)

// NewLlamaParseAdapter parses pages remotely: each page is cut into its own
// PDF and uploaded to the parsing service.
func NewLlamaParseAdapter(parser MarkdownParser, splitter PageSplitter, logger *observability.Logger) *ParseAdapter {
	return &ParseAdapter{
		parser:   parser,
		splitter: splitter,
		system:   mustPrompt(PromptParseSystem),
		user:     mustPrompt(PromptParseUser),
		logger:   orNop(logger),
	}
}

// NewLocalParseAdapter reads the embedded text layer of each page. It needs
// no credentials and detects no tables.
func NewLocalParseAdapter(text TextSource, logger *observability.Logger) *ParseAdapter {
	return &ParseAdapter{text: text, logger: orNop(logger)}
}

func (a *ParseAdapter) Stage() domain.Stage {
	return domain.StageParse
}

// Ready reports whether the remote parser has a credential.
func (a *ParseAdapter) Ready() error {
	if a.parser == nil {
		return nil
	}
	return a.parser.Ready()
}

// Backend names the parser in use.
func (a *ParseAdapter) Backend() string {
	if a.parser != nil {
		return "llamaparse"
	}
	return "local"
}

func (a *ParseAdapter) Invoke(ctx context.Context, unit domain.Unit) (domain.Content, error) {
	if unit.Document == nil {
		return domain.Content{}, domain.ValidationError("parse unit has no document", nil)
	}
	path := unit.Document.SourceFile

	var (
		markdown string
		err      error
	)
	if a.parser != nil {
		markdown, err = a.parseRemote(ctx, path, unit.Page)
	} else {
		markdown, err = a.text.PageText(ctx, path, unit.Page)
	}
	if err != nil {
		return domain.Content{}, err
	}

	if strings.TrimSpace(markdown) == "" {
		a.logger.Warn().
			Str("document_id", unit.Document.ID).
			Int("page", unit.Page).
			Msg("Parser returned no content for page")
	}
	return domain.TextContent(markdown), nil
}

func (a *ParseAdapter) parseRemote(ctx context.Context, path string, page int) (string, error) {
	data, err := a.splitter.ExtractPage(path, page)
	if err != nil {
		return "", domain.FatalServiceError(fmt.Sprintf("split page %d", page), err)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return a.parser.Parse(ctx, llamaparse.ParseRequest{
		FileName:     fmt.Sprintf("%s_page_%d.pdf", stem, page),
		Data:         data,
		SystemPrompt: a.system,
		UserPrompt:   a.user,
	})
}

func orNop(logger *observability.Logger) *observability.Logger {
	if logger == nil {
		return observability.Nop()
	}
	return logger
}
