// Package api serves a read-only HTTP view of document folders and the run
// ledger.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/ledger"
	"github.com/spherical/pbj/internal/observability"
	"github.com/spherical/pbj/internal/pipeline"
	"github.com/spherical/pbj/internal/store"
)

// RunHistory is the part of the ledger the API reads.
type RunHistory interface {
	Recent(ctx context.Context, limit int) ([]ledger.Run, error)
	Summary(ctx context.Context, runID string) (*domain.RunSummary, error)
}

// Handler serves documents found under BaseDir.
type Handler struct {
	baseDir string
	store   *store.FS
	history RunHistory
	logger  *observability.Logger
}

// NewHandler creates a handler. history may be nil when the ledger is disabled.
func NewHandler(baseDir string, st *store.FS, history RunHistory, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Handler{baseDir: baseDir, store: st, history: history, logger: logger}
}

// NewRouter creates the API router with all routes configured.
func NewRouter(h *Handler, timeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(timeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "pbj"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{runId}", h.GetRun)
		r.Get("/documents", h.ListDocuments)
		r.Route("/documents/{documentId}", func(r chi.Router) {
			r.Get("/", h.GetDocument)
			r.Get("/output", h.GetOutput)
			r.Get("/pages/{page}/{stage}", h.GetArtifact)
		})
	})

	return r
}

// DocumentDTO is the API view of a document folder.
type DocumentDTO struct {
	ID           string            `json:"id"`
	Source       string            `json:"source"`
	PageCount    int               `json:"page_count"`
	CreatedAt    time.Time         `json:"created_at"`
	SkipEnhance  bool              `json:"skip_enhance"`
	Stage        string            `json:"stage"`
	Complete     bool              `json:"complete"`
	StageCounts  map[string]int    `json:"stage_counts,omitempty"`
	PageStages   map[string]string `json:"page_stages,omitempty"`
	Incomplete   []int             `json:"incomplete_pages,omitempty"`
	LastRunID    string            `json:"last_run_id,omitempty"`
	LastFailures int               `json:"last_run_failures,omitempty"`
}

func documentDTO(status *pipeline.Status, detailed bool) DocumentDTO {
	doc := status.Document
	dto := DocumentDTO{
		ID:          doc.ID,
		Source:      doc.SourceName,
		PageCount:   doc.PageCount,
		CreatedAt:   doc.CreatedAt,
		SkipEnhance: doc.SkipEnhance,
		Stage:       status.Stage.String(),
		Complete:    status.FinalOutput,
	}
	if status.LastRun != nil {
		dto.LastRunID = status.LastRun.RunID
		dto.LastFailures = len(status.LastRun.Failures)
	}
	if !detailed {
		return dto
	}

	dto.StageCounts = make(map[string]int, len(status.StageCounts))
	for stage, n := range status.StageCounts {
		dto.StageCounts[stage.String()] = n
	}
	dto.PageStages = make(map[string]string, len(status.PageStages))
	for page, stage := range status.PageStages {
		dto.PageStages[strconv.Itoa(page)] = stage.String()
	}
	dto.Incomplete = status.Incomplete()
	return dto
}

// ListRuns handles GET /runs?limit=N.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger is disabled", "")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}

	runs, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if runs == nil {
		runs = []ledger.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun handles GET /runs/{runId}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger is disabled", "")
		return
	}
	summary, err := h.history.Summary(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListDocuments handles GET /documents. Folders without a readable manifest
// are skipped.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.baseDir)
	if err != nil && !os.IsNotExist(err) {
		h.fail(w, domain.IOError("list output folder", err))
		return
	}

	docs := []DocumentDTO{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		doc, err := h.store.OpenDocument(filepath.Join(h.baseDir, entry.Name()))
		if err != nil {
			continue
		}
		status, err := pipeline.Inspect(h.store, doc)
		if err != nil {
			h.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("Skipping unreadable document")
			continue
		}
		docs = append(docs, documentDTO(status, false))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// GetDocument handles GET /documents/{documentId}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.document(w, r)
	if !ok {
		return
	}
	status, err := pipeline.Inspect(h.store, doc)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, documentDTO(status, true))
}

// GetOutput handles GET /documents/{documentId}/output.
func (h *Handler) GetOutput(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.document(w, r)
	if !ok {
		return
	}
	data, err := h.store.ReadDocumentFile(doc, store.FinalOutputFile)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetArtifact handles GET /documents/{documentId}/pages/{page}/{stage}.
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.document(w, r)
	if !ok {
		return
	}
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || page < 1 || page > doc.PageCount {
		writeError(w, http.StatusBadRequest, "invalid page", chi.URLParam(r, "page"))
		return
	}
	stage, err := domain.ParseStage(chi.URLParam(r, "stage"))
	if err != nil || stage == domain.StageNone {
		writeError(w, http.StatusBadRequest, "invalid stage", chi.URLParam(r, "stage"))
		return
	}

	art, err := h.store.Read(doc, stage, page)
	if err != nil {
		h.fail(w, err)
		return
	}
	if art.Content.Kind == domain.ContentStructured {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Content.Bytes())
}

// document resolves the documentId path parameter to a folder under baseDir.
func (h *Handler) document(w http.ResponseWriter, r *http.Request) (*domain.Document, bool) {
	id := chi.URLParam(r, "documentId")
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		writeError(w, http.StatusBadRequest, "invalid documentId", id)
		return nil, false
	}
	doc, err := h.store.OpenDocument(filepath.Join(h.baseDir, id))
	if err != nil {
		h.fail(w, err)
		return nil, false
	}
	return doc, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("Request failed")
	}
	writeError(w, status, http.StatusText(status), err.Error())
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.ErrorTypeNotFound:
		return http.StatusNotFound
	case domain.ErrorTypeValidation:
		return http.StatusBadRequest
	case domain.ErrorTypeConfig:
		return http.StatusServiceUnavailable
	case domain.ErrorTypeResumeState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	resp := map[string]string{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	writeJSON(w, status, resp)
}
