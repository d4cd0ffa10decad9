package stages

import (
	"github.com/spherical/pbj/internal/config"
	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/llamaparse"
	"github.com/spherical/pbj/internal/llm"
	"github.com/spherical/pbj/internal/observability"
	"github.com/spherical/pbj/internal/pdf"
)

// Set is the adapters of one pipeline run.
type Set struct {
	Parse   *ParseAdapter
	Enhance *EnhanceAdapter
	Extract *ExtractAdapter
}

// FromConfig wires the adapters to the services named by cfg. Missing
// credentials are not an error here; they surface through Ready.
func FromConfig(cfg *config.Config, logger *observability.Logger) *Set {
	logger = orNop(logger)

	completer := llm.NewClient(llm.Options{
		APIKey:            cfg.OpenAIAPIKey,
		BaseURL:           cfg.LLMBaseURL,
		Model:             cfg.Model,
		MaxRetries:        cfg.MaxRetries,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            logger.WithOperation("llm"),
	})

	var parse *ParseAdapter
	if cfg.Parser == config.ParserLocal {
		parse = NewLocalParseAdapter(pdf.NewTextReader(), logger)
	} else {
		parser := llamaparse.NewClient(llamaparse.Options{
			APIKey:            cfg.LlamaParseAPIKey,
			Premium:           cfg.PremiumMode,
			MaxTimeout:        cfg.MaxTimeout,
			MaxRetries:        cfg.MaxRetries,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Logger:            logger.WithOperation("llamaparse"),
		})
		parse = NewLlamaParseAdapter(parser, pdf.NewSplitter(), logger)
	}

	return &Set{
		Parse:   parse,
		Enhance: NewEnhanceAdapter(completer, logger),
		Extract: NewExtractAdapter(completer, cfg.MaxTokens, logger),
	}
}

// Adapters lists the adapters in stage order.
func (s *Set) Adapters() []domain.StageAdapter {
	return []domain.StageAdapter{s.Parse, s.Enhance, s.Extract}
}
