// Package catalog keeps a SQLite record of every finished recording.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/metrics"
)

const defaultTimeout = 5 * time.Second

var ErrInvalidEntry = errors.New("invalid catalog entry")

// Entry is one finished recording.
type Entry struct {
	ID           string        `json:"id"`
	Path         string        `json:"path"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Frames       int64         `json:"frames"`
	Dropped      int64         `json:"dropped"`
	AppendErrors int64         `json:"append_errors"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	SizeBytes    int64         `json:"size_bytes"`
}

type Catalog struct {
	db     *sql.DB
	dbPath string
}

// Open opens or creates the catalog database at dbPath, creating its parent
// directory when missing.
func Open(ctx context.Context, dbPath string) (*Catalog, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Errorf("catalog close after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to catalog: %w", err)
	}
	db.SetMaxOpenConns(4)

	c := &Catalog{db: db, dbPath: dbPath}
	if err := c.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Errorf("catalog close after init failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	logging.Debugf("catalog opened path=%q", dbPath)
	return c, nil
}

func (c *Catalog) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		frames INTEGER NOT NULL DEFAULT 0,
		dropped INTEGER NOT NULL DEFAULT 0,
		append_errors INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_recordings_started_at ON recordings(started_at);
	`
	_, err := c.db.ExecContext(ctx, schema)
	return err
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Add stores e, replacing an entry with the same ID.
func (c *Catalog) Add(ctx context.Context, e Entry) (err error) {
	start := time.Now()
	defer func() { recordQuery("add", start, err) }()

	if e.ID == "" || e.Path == "" {
		return fmt.Errorf("%w: id and path are required", ErrInvalidEntry)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO recordings
			(id, path, started_at, duration_ms, frames, dropped, append_errors, status, error, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Path, e.StartedAt.UnixMilli(), e.Duration.Milliseconds(),
		e.Frames, e.Dropped, e.AppendErrors, e.Status, e.Error, e.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("insert recording: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first. limit <= 0 means 50.
func (c *Catalog) List(ctx context.Context, limit int) (entries []Entry, err error) {
	start := time.Now()
	defer func() { recordQuery("list", start, err) }()

	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, path, started_at, duration_ms, frames, dropped, append_errors, status, error, size_bytes
		FROM recordings
		ORDER BY started_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	entries = []Entry{}
	for rows.Next() {
		var e Entry
		var startedMs, durationMs int64
		if err := rows.Scan(&e.ID, &e.Path, &startedMs, &durationMs, &e.Frames, &e.Dropped, &e.AppendErrors, &e.Status, &e.Error, &e.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		e.StartedAt = time.UnixMilli(startedMs)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recordings: %w", err)
	}
	return entries, nil
}

func recordQuery(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.CatalogQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.CatalogQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
