// Package pdf validates source documents and exposes them page by page.
package pdf

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/spherical/pbj/internal/domain"
)

// Splitter reads page counts and cuts single pages out of a PDF.
type Splitter struct {
	conf *model.Configuration
}

// NewSplitter creates a splitter with relaxed validation, which tolerates the
// minor format violations common in brochures exported by design tools.
func NewSplitter() *Splitter {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Splitter{conf: conf}
}

// PageCount returns the number of pages in the PDF at path.
func (s *Splitter) PageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, domain.IOError(fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	n, err := api.PageCount(f, s.conf)
	if err != nil {
		return 0, domain.ValidationError(fmt.Sprintf("read page count of %s", path), err)
	}
	if n < 1 {
		return 0, domain.ValidationError(fmt.Sprintf("%s has no pages", path), nil)
	}
	return n, nil
}

// ExtractPage returns a standalone PDF holding only the given 1-based page.
func (s *Splitter) ExtractPage(path string, page int) ([]byte, error) {
	if page < 1 {
		return nil, domain.ValidationError(fmt.Sprintf("invalid page %d", page), nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := api.Trim(f, &buf, []string{strconv.Itoa(page)}, s.conf); err != nil {
		return nil, domain.IOError(fmt.Sprintf("extract page %d of %s", page, path), err)
	}
	return buf.Bytes(), nil
}
