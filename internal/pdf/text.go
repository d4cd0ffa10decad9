package pdf

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical/pbj/internal/domain"
)

// TextReader extracts the embedded text layer of PDF pages with MuPDF.
// It is the offline Parse backend: no tables are detected, the page text is
// returned as plain markdown paragraphs.
type TextReader struct {
	// MuPDF documents are not safe for concurrent use.
	mu sync.Mutex
}

// NewTextReader creates a text reader.
func NewTextReader() *TextReader {
	return &TextReader{}
}

// PageText returns the text of the given 1-based page.
func (r *TextReader) PageText(ctx context.Context, path string, page int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := fitz.New(path)
	if err != nil {
		return "", domain.FatalServiceError(fmt.Sprintf("open %s", path), err)
	}
	defer doc.Close()

	if page < 1 || page > doc.NumPage() {
		return "", domain.ValidationError(fmt.Sprintf("page %d out of range (document has %d pages)", page, doc.NumPage()), nil)
	}

	text, err := doc.Text(page - 1)
	if err != nil {
		return "", domain.FatalServiceError(fmt.Sprintf("read text of page %d", page), err)
	}

	return normalizeText(text), nil
}

// normalizeText trims trailing whitespace and collapses runs of blank lines.
func normalizeText(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
