package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/cwygoda/enhancer/internal/domain"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS enhancements (
    job_id       TEXT NOT NULL,
    remote_id    TEXT NOT NULL DEFAULT '',
    filename     TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    size         INTEGER NOT NULL DEFAULT 0,
    status       TEXT NOT NULL,
    error        TEXT,
    result_url   TEXT,
    uploaded_at  DATETIME NOT NULL,
    finished_at  DATETIME NOT NULL,
    PRIMARY KEY (job_id, remote_id)
);
CREATE INDEX IF NOT EXISTS idx_enhancements_finished ON enhancements(finished_at);
`

const writeTimeout = 5 * time.Second

// Repository journals terminal job outcomes in SQLite.
// It implements domain.Listener and domain.HistoryStore.
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// New opens the database at dbPath, initializing the schema if needed.
func New(dbPath string, logger *zap.Logger) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Record upserts the outcome of one attempt. Attempts are keyed by job and remote ID,
// so a retried job keeps one row per upload.
func (r *Repository) Record(ctx context.Context, e domain.HistoryEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO enhancements
		   (job_id, remote_id, filename, content_type, size, status, error, result_url, uploaded_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, remote_id) DO UPDATE SET
		   status = excluded.status,
		   error = excluded.error,
		   result_url = excluded.result_url,
		   finished_at = excluded.finished_at`,
		e.JobID, e.RemoteID, e.Filename, e.ContentType, e.Size, e.Status,
		nullString(e.Error), nullString(e.ResultURL), e.UploadedAt.UTC(), e.FinishedAt.UTC(),
	)
	return err
}

// List returns up to limit entries, most recently finished first.
// A non-positive limit returns everything.
func (r *Repository) List(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT job_id, remote_id, filename, content_type, size, status,
		        COALESCE(error, ''), COALESCE(result_url, ''), uploaded_at, finished_at
		 FROM enhancements ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// JobChanged records jobs that reached a terminal status.
func (r *Repository) JobChanged(job domain.Job) {
	if !job.Status.Terminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	entry := domain.HistoryEntry{
		JobID:       job.ID,
		RemoteID:    job.RemoteID,
		Filename:    job.Original.Name,
		ContentType: job.Original.ContentType,
		Size:        job.Original.Size(),
		Status:      job.Status,
		Error:       job.Error,
		ResultURL:   job.ResultRef,
		UploadedAt:  job.UploadedAt,
		FinishedAt:  r.now(),
	}
	if err := r.Record(ctx, entry); err != nil {
		r.logger.Error("failed to record history",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

// JobRemoved is a no-op: history outlives the session.
func (r *Repository) JobRemoved(domain.Job) {}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*domain.HistoryEntry, error) {
	var e domain.HistoryEntry
	var status string
	err := row.Scan(&e.JobID, &e.RemoteID, &e.Filename, &e.ContentType, &e.Size, &status,
		&e.Error, &e.ResultURL, &e.UploadedAt, &e.FinishedAt)
	if err != nil {
		return nil, err
	}
	e.Status = domain.JobStatus(status)
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
