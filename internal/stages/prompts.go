// Package stages holds the StageAdapters that wrap the external services of
// the pipeline: the PDF parser, and the language model used to enhance and
// extract each page.
package stages

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed pantry/*.txt
var pantry embed.FS

// Prompt names inside the pantry.
const (
	PromptParseSystem = "pea"
	PromptParseUser   = "nut"
	PromptEnhance     = "butter"
	PromptExtract     = "jelly"
)

// Prompt returns the trimmed text of an embedded prompt.
func Prompt(name string) (string, error) {
	data, err := pantry.ReadFile("pantry/" + name + ".txt")
	if err != nil {
		return "", fmt.Errorf("prompt %q: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func mustPrompt(name string) string {
	text, err := Prompt(name)
	if err != nil {
		panic(err)
	}
	return text
}
