// Package store implements the filesystem ArtifactStore.
//
// Layout of a document folder:
//
//	<doc>/document.json           manifest
//	<doc>/source.pdf              copy of the original PDF
//	<doc>/01_parsed_markdown/page_<n>.md
//	<doc>/02_enhanced_markdown/page_<n>.md
//	<doc>/03_extracted_json/page_<n>.json
//	<doc>/04_reshaped_json/page_<n>.json
//	<doc>/final_output.json       combined artifact
//	<doc>/run_summary.json        last run summary
//
// Every file is written to a hidden renameio temp file in the target
// directory and renamed into place, so a reader never sees a partial artifact.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/observability"
)

// Root-level files of a document folder.
const (
	ManifestFile    = "document.json"
	SourceFile      = "source.pdf"
	FinalOutputFile = "final_output.json"
	RunSummaryFile  = "run_summary.json"
)

// FS is an ArtifactStore backed by a directory tree.
type FS struct {
	logger *observability.Logger
	now    func() time.Time
}

var _ domain.ArtifactStore = (*FS)(nil)

// New creates a filesystem store.
func New(logger *observability.Logger) *FS {
	if logger == nil {
		logger = observability.Nop()
	}
	return &FS{logger: logger, now: time.Now}
}

// DocumentOptions controls how CreateDocument lays out a new folder.
type DocumentOptions struct {
	Timestamped bool
	SkipEnhance bool
	Premium     bool
}

// CreateDocument prepares the folder for sourcePath under baseDir, copies the
// PDF into it and writes the manifest. When the target folder already holds a
// manifest, the existing document is returned unchanged.
func (s *FS) CreateDocument(baseDir, sourcePath string, pageCount int, opts DocumentOptions) (*domain.Document, error) {
	if pageCount < 1 {
		return nil, domain.ValidationError(fmt.Sprintf("document %s has no pages", sourcePath), nil)
	}

	now := s.now().UTC()
	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	name := stem
	if opts.Timestamped {
		name = fmt.Sprintf("%s_%s", stem, now.Format("20060102_150405"))
	}
	dir := filepath.Join(baseDir, name)

	if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err == nil {
		s.logger.Info().Str("dir", dir).Msg("Reusing existing document folder")
		return s.OpenDocument(dir)
	}

	for _, stage := range domain.PipelineStages {
		if err := os.MkdirAll(filepath.Join(dir, stage.Dir()), 0o755); err != nil {
			return nil, domain.PersistenceError("create document folder", err)
		}
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return nil, domain.IOError(fmt.Sprintf("open source %s", sourcePath), err)
	}
	defer src.Close()

	if err := writeAtomic(filepath.Join(dir, SourceFile), src); err != nil {
		return nil, err
	}

	doc := &domain.Document{
		ID:          name,
		Dir:         dir,
		SourceName:  filepath.Base(sourcePath),
		SourceFile:  filepath.Join(dir, SourceFile),
		PageCount:   pageCount,
		CreatedAt:   now,
		SkipEnhance: opts.SkipEnhance,
		Premium:     opts.Premium,
	}
	if err := s.SaveManifest(doc); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("document_id", doc.ID).
		Str("dir", dir).
		Int("pages", pageCount).
		Msg("Document folder created")

	return doc, nil
}

// OpenDocument loads the manifest of an existing document folder.
func (s *FS) OpenDocument(dir string) (*domain.Document, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NotFoundError(fmt.Sprintf("no document manifest in %s", dir), err)
		}
		return nil, domain.PersistenceError("read manifest", err)
	}

	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, domain.ResumeStateError(fmt.Sprintf("manifest in %s is unreadable", dir), err)
	}
	if doc.PageCount < 1 {
		return nil, domain.ResumeStateError(fmt.Sprintf("manifest in %s has no pages", dir), nil)
	}

	doc.Dir = dir
	if doc.SourceFile == "" || !filepath.IsAbs(doc.SourceFile) {
		doc.SourceFile = filepath.Join(dir, SourceFile)
	}
	return &doc, nil
}

// SaveManifest persists the document manifest.
func (s *FS) SaveManifest(doc *domain.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return domain.PersistenceError("encode manifest", err)
	}
	return s.WriteDocumentFile(doc, ManifestFile, data)
}

// Path returns the file that holds the artifact for (stage, page).
// The document-level Reshape artifact is the combined output file.
func (s *FS) Path(doc *domain.Document, stage domain.Stage, page int) string {
	if stage == domain.StageReshape && page == domain.DocumentLevel {
		return filepath.Join(doc.Dir, FinalOutputFile)
	}
	return filepath.Join(doc.Dir, stage.Dir(), fmt.Sprintf("page_%d%s", page, stage.Ext()))
}

// Exists reports whether a complete artifact is present.
func (s *FS) Exists(doc *domain.Document, stage domain.Stage, page int) bool {
	info, err := os.Stat(s.Path(doc, stage, page))
	return err == nil && info.Mode().IsRegular()
}

// Write persists content atomically.
func (s *FS) Write(doc *domain.Document, stage domain.Stage, page int, content domain.Content) error {
	if stage == domain.StageNone || stage > domain.StageReshape {
		return domain.ValidationError(fmt.Sprintf("cannot write artifact for stage %s", stage), nil)
	}
	if content.Kind != stage.Kind() {
		return domain.ValidationError(fmt.Sprintf("stage %s expects %s content, got %s", stage, stage.Kind(), content.Kind), nil)
	}

	path := s.Path(doc, stage, page)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return domain.PersistenceError("create stage folder", err)
	}
	return writeAtomic(path, bytes.NewReader(content.Bytes()))
}

// Read returns the artifact for (stage, page).
func (s *FS) Read(doc *domain.Document, stage domain.Stage, page int) (*domain.Artifact, error) {
	path := s.Path(doc, stage, page)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NotFoundError(fmt.Sprintf("%s artifact for page %d", stage, page), err)
		}
		return nil, domain.PersistenceError(fmt.Sprintf("read %s", path), err)
	}

	content, err := domain.ContentFromBytes(stage.Kind(), data)
	if err != nil {
		return nil, domain.ResumeStateError(fmt.Sprintf("%s artifact for page %d is corrupt", stage, page), err)
	}

	written := s.now()
	if info, err := os.Stat(path); err == nil {
		written = info.ModTime()
	}

	return &domain.Artifact{Stage: stage, Page: page, Content: content, WrittenAt: written}, nil
}

// Remove deletes an artifact. Removing a missing artifact is not an error.
func (s *FS) Remove(doc *domain.Document, stage domain.Stage, page int) error {
	if err := os.Remove(s.Path(doc, stage, page)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.PersistenceError(fmt.Sprintf("remove %s artifact for page %d", stage, page), err)
	}
	return nil
}

// PageStage returns the last stage a page has completed without gaps.
// Skipped stages count as complete.
func (s *FS) PageStage(doc *domain.Document, page int) domain.Stage {
	latest := domain.StageNone
	for _, stage := range domain.PipelineStages {
		if !stage.Active(doc.SkipEnhance) {
			continue
		}
		if !s.Exists(doc, stage, page) {
			break
		}
		latest = stage
	}
	return latest
}

// LatestCompleteStage returns the highest stage complete for every page.
// Reshape counts only once the combined output exists.
func (s *FS) LatestCompleteStage(doc *domain.Document) domain.Stage {
	if doc.PageCount < 1 {
		return domain.StageNone
	}

	latest := domain.StageNone
	for _, stage := range domain.PipelineStages {
		if !stage.Active(doc.SkipEnhance) {
			continue
		}
		if stage == domain.StageReshape {
			if s.Exists(doc, stage, domain.DocumentLevel) {
				latest = stage
			}
			break
		}
		for _, page := range doc.Pages() {
			if !s.Exists(doc, stage, page) {
				return latest
			}
		}
		latest = stage
	}
	return latest
}

// Sweep removes temp files left behind by interrupted writes and returns how
// many were removed.
func (s *FS) Sweep(doc *domain.Document) (int, error) {
	dirs := []string{doc.Dir}
	for _, stage := range domain.PipelineStages {
		dirs = append(dirs, filepath.Join(doc.Dir, stage.Dir()))
	}

	removed := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return removed, domain.PersistenceError(fmt.Sprintf("list %s", dir), err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isTempName(entry.Name()) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, domain.PersistenceError("remove temp file", err)
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger.Warn().
			Str("document_id", doc.ID).
			Int("removed", removed).
			Msg("Removed partial writes from an interrupted run")
	}
	return removed, nil
}

// WriteDocumentFile atomically writes a root-level file of the document.
func (s *FS) WriteDocumentFile(doc *domain.Document, name string, data []byte) error {
	if err := os.MkdirAll(doc.Dir, 0o755); err != nil {
		return domain.PersistenceError("create document folder", err)
	}
	return writeAtomic(filepath.Join(doc.Dir, name), bytes.NewReader(data))
}

// ReadDocumentFile reads a root-level file of the document.
func (s *FS) ReadDocumentFile(doc *domain.Document, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(doc.Dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NotFoundError(fmt.Sprintf("%s not found", name), err)
		}
		return nil, domain.PersistenceError(fmt.Sprintf("read %s", name), err)
	}
	return data, nil
}

// isTempName matches the ".<name><digits>" files renameio leaves beside
// their target when a write never reached the rename.
func isTempName(name string) bool {
	if !strings.HasPrefix(name, ".") {
		return false
	}
	base := strings.TrimRightFunc(name[1:], func(r rune) bool { return r >= '0' && r <= '9' })
	return base != "" && len(base) < len(name)-1 && strings.Contains(base, ".")
}

// writeAtomic copies r into a pending file beside path and atomically
// replaces path with it. On any failure the pending file is removed.
func writeAtomic(path string, r io.Reader) error {
	dir := filepath.Dir(path)
	pending, err := renameio.NewPendingFile(path,
		renameio.WithTempDir(dir),
		renameio.WithPermissions(0o644))
	if err != nil {
		return domain.PersistenceError(fmt.Sprintf("create temp file for %s", path), err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := io.Copy(pending, r); err != nil {
		return domain.PersistenceError(fmt.Sprintf("write %s", path), err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return domain.PersistenceError(fmt.Sprintf("promote %s", path), err)
	}

	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
