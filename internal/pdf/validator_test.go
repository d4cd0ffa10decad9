package pdf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spherical/pbj/internal/domain"
)

func TestValidatePDFPath(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "ok.pdf")
	_ = os.WriteFile(good, []byte("%PDF-1.4\n%%EOF\n"), 0o644)
	fake := filepath.Join(dir, "fake.pdf")
	_ = os.WriteFile(fake, []byte("<html>"), 0o644)
	txt := filepath.Join(dir, "notes.txt")
	_ = os.WriteFile(txt, []byte("%PDF-1.4"), 0o644)

	v := NewValidator(nil)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"valid pdf", good, false},
		{"empty path", "  ", true},
		{"missing file", filepath.Join(dir, "missing.pdf"), true},
		{"directory", dir, true},
		{"wrong extension", txt, true},
		{"no pdf header", fake, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePDFPath(tt.path)
			if tt.wantErr {
				assert.True(t, domain.IsKind(err, domain.ErrorTypeValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeText(t *testing.T) {
	in := "\n\nTitle  \r\n\r\n\r\nBody line\t\n\n\nEnd\n"
	assert.Equal(t, "Title\n\nBody line\n\nEnd", normalizeText(in))
}
