// Package ledger keeps a history of pipeline runs in a SQL database.
// SQLite is the default; PostgreSQL is used for shared installations.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spherical/pbj/internal/domain"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Run is one recorded pipeline invocation.
type Run struct {
	RunID       string       `json:"run_id"`
	DocumentID  string       `json:"document_id"`
	DocumentDir string       `json:"document_dir"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	StartStage  domain.Stage `json:"start_stage"`
	FinalStage  domain.Stage `json:"final_stage"`
	Processed   int          `json:"processed"`
	Failed      int          `json:"failed"`
	Complete    bool         `json:"complete"`
	Cancelled   bool         `json:"cancelled"`
}

// Ledger records run summaries.
type Ledger struct {
	db     DB
	closer func() error
}

var _ domain.RunRecorder = (*Ledger)(nil)

const schema = `
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id        VARCHAR(64) PRIMARY KEY,
		document_id   TEXT NOT NULL,
		document_dir  TEXT NOT NULL,
		started_at    TIMESTAMP NOT NULL,
		finished_at   TIMESTAMP NOT NULL,
		start_stage   VARCHAR(16) NOT NULL,
		final_stage   VARCHAR(16) NOT NULL,
		processed     INTEGER NOT NULL,
		failed        INTEGER NOT NULL,
		complete      BOOLEAN NOT NULL,
		cancelled     BOOLEAN NOT NULL,
		summary_json  TEXT NOT NULL
	)
`

// Open connects to the ledger database. The sqlite DSN is a file path whose
// folder is created when missing.
func Open(driver, dsn string) (*Ledger, error) {
	var sqlDriver string
	switch strings.ToLower(driver) {
	case DriverSQLite, "sqlite3":
		sqlDriver = "sqlite3"
		if dsn == "" {
			return nil, domain.ConfigError("sqlite ledger needs a database path", nil)
		}
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, domain.PersistenceError("create ledger folder", err)
			}
		}
	case DriverPostgres, "postgresql":
		sqlDriver = "postgres"
		if dsn == "" {
			return nil, domain.ConfigError("postgres ledger needs a DSN (PBJ_LEDGER_DSN or DATABASE_URL)", nil)
		}
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unsupported ledger driver %q", driver), nil)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, domain.PersistenceError("open ledger", err)
	}
	if sqlDriver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	return &Ledger{db: db, closer: db.Close}, nil
}

// New wraps an existing connection.
func New(db DB) *Ledger {
	return &Ledger{db: db}
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer()
}

// Migrate creates the runs table when it does not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return domain.PersistenceError("migrate ledger", err)
	}
	return nil
}

// Record stores a run summary. Recording the same run twice is a no-op.
func (l *Ledger) Record(ctx context.Context, summary *domain.RunSummary) error {
	if summary.RunID == "" {
		summary.RunID = uuid.NewString()
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return domain.PersistenceError("encode run summary", err)
	}

	failed := len(summary.Failures)
	query := `
		INSERT INTO pipeline_runs (run_id, document_id, document_dir, started_at, finished_at,
			start_stage, final_stage, processed, failed, complete, cancelled, summary_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id) DO NOTHING
	`
	_, err = l.db.ExecContext(ctx, query,
		summary.RunID, summary.DocumentID, summary.DocumentDir,
		summary.StartedAt.UTC(), summary.FinishedAt.UTC(),
		summary.StartStage.String(), summary.FinalStage.String(),
		summary.ProcessedPages(), failed, summary.Complete, summary.Cancelled,
		string(payload),
	)
	if err != nil {
		return domain.PersistenceError("record run", err)
	}
	return nil
}

// Recent returns the latest runs, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT run_id, document_id, document_dir, started_at, finished_at,
			start_stage, final_stage, processed, failed, complete, cancelled
		FROM pipeline_runs
		ORDER BY started_at DESC, run_id
		LIMIT $1
	`
	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, domain.PersistenceError("list runs", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run               Run
			startStage, final string
		)
		if err := rows.Scan(
			&run.RunID, &run.DocumentID, &run.DocumentDir, &run.StartedAt, &run.FinishedAt,
			&startStage, &final, &run.Processed, &run.Failed, &run.Complete, &run.Cancelled,
		); err != nil {
			return nil, domain.PersistenceError("scan run", err)
		}
		run.StartStage, _ = domain.ParseStage(startStage)
		run.FinalStage, _ = domain.ParseStage(final)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.PersistenceError("list runs", err)
	}
	return runs, nil
}

// Summary returns the full stored summary of one run.
func (l *Ledger) Summary(ctx context.Context, runID string) (*domain.RunSummary, error) {
	var payload string
	err := l.db.QueryRowContext(ctx, `SELECT summary_json FROM pipeline_runs WHERE run_id = $1`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundError(fmt.Sprintf("run %s", runID), err)
	}
	if err != nil {
		return nil, domain.PersistenceError("read run", err)
	}

	var summary domain.RunSummary
	if err := json.Unmarshal([]byte(payload), &summary); err != nil {
		return nil, domain.PersistenceError("decode run summary", err)
	}
	return &summary, nil
}
