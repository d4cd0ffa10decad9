package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/llm"
	"github.com/spherical/pbj/internal/observability"
)

// Completer sends one chat completion. Implemented by llm.Client.
type Completer interface {
	Ready() error
	Model() string
	Complete(ctx context.Context, in llm.Completion) (string, error)
}

const (
	enhanceSystem    = "You are an expert document enhancement specialist focusing on technical and medical documents."
	enhanceMaxTokens = 6000
)

// EnhanceAdapter rewrites parsed markdown into cleaner, better-labelled markdown.
type EnhanceAdapter struct {
	llm         Completer
	instruction string
	logger      *observability.Logger
}

var _ domain.StageAdapter = (*EnhanceAdapter)(nil)

// NewEnhanceAdapter creates the Enhance stage adapter.
func NewEnhanceAdapter(client Completer, logger *observability.Logger) *EnhanceAdapter {
	return &EnhanceAdapter{
		llm:         client,
		instruction: mustPrompt(PromptEnhance),
		logger:      orNop(logger),
	}
}

func (a *EnhanceAdapter) Stage() domain.Stage {
	return domain.StageEnhance
}

func (a *EnhanceAdapter) Ready() error {
	return a.llm.Ready()
}

func (a *EnhanceAdapter) Invoke(ctx context.Context, unit domain.Unit) (domain.Content, error) {
	if unit.Input.Kind != domain.ContentText {
		return domain.Content{}, domain.ValidationError(fmt.Sprintf("enhance expects text input for page %d", unit.Page), nil)
	}

	out, err := a.llm.Complete(ctx, llm.Completion{
		System:      enhanceSystem,
		User:        enhancePrompt(a.instruction, unit.Input.Text),
		Temperature: 0.1,
		MaxTokens:   enhanceMaxTokens,
	})
	if err != nil {
		return domain.Content{}, err
	}

	a.logger.Debug().
		Int("page", unit.Page).
		Int("input_chars", len(unit.Input.Text)).
		Int("output_chars", len(out)).
		Msg("Page enhanced")

	return domain.TextContent(out), nil
}

func enhancePrompt(instruction, markdown string) string {
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\nMARKDOWN CONTENT TO ENHANCE:\n")
	b.WriteString(markdown)
	b.WriteString("\n\nENHANCED OUTPUT:")
	return b.String()
}
