// Package history keeps a SQLite log of finished batch runs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/audioeval/internal/config"
	_ "modernc.org/sqlite"
)

// Run is one finished (or interrupted) batch.
type Run struct {
	ID         int64
	Batch      string
	Task       string
	Backend    string
	Model      string
	Ledger     string
	StartedAt  time.Time
	FinishedAt time.Time
	Total      int
	New        int
	Value      float64
	Error      string
}

// Store wraps the SQLite database. A disabled store accepts writes and
// returns nothing.
type Store struct {
	db      *sql.DB
	maxRuns int
	log     *slog.Logger
	clock   func() time.Time
}

// Open prepares the history database according to cfg.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "history"))
	if !cfg.Enabled {
		return &Store{log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, maxRuns: cfg.MaxRuns, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    batch TEXT NOT NULL,
    task TEXT NOT NULL,
    backend TEXT,
    model TEXT,
    ledger TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    total INTEGER NOT NULL,
    new_items INTEGER NOT NULL,
    value REAL NOT NULL,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_batch_finished ON runs(batch, finished_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether runs are persisted.
func (s *Store) Enabled() bool { return s != nil && s.db != nil }

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores run and returns its id. A zero FinishedAt is set to now.
func (s *Store) Record(ctx context.Context, run Run) (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = s.clock()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = run.FinishedAt
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(batch, task, backend, model, ledger, started_at, finished_at, total, new_items, value, error)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Batch, run.Task, run.Backend, run.Model, run.Ledger,
		formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.Total, run.New, run.Value, run.Error)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if s.maxRuns > 0 {
		if err := s.Prune(ctx); err != nil {
			s.log.Warn("history prune failed", slog.String("error", err.Error()))
		}
	}
	return id, nil
}

// List returns up to limit runs, newest first. An empty batch matches all.
func (s *Store) List(ctx context.Context, batch string, limit int) ([]Run, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch, task, backend, model, ledger, started_at, finished_at, total, new_items, value, error
		 FROM runs WHERE (? = '' OR batch = ?) ORDER BY finished_at DESC, id DESC LIMIT ?`,
		batch, batch, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
			backend, model    sql.NullString
			ledger, errText   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Batch, &r.Task, &backend, &model, &ledger, &started, &finished, &r.Total, &r.New, &r.Value, &errText); err != nil {
			return nil, err
		}
		r.Backend, r.Model, r.Ledger, r.Error = backend.String, model.String, ledger.String, errText.String
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			r.StartedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, finished); err == nil {
			r.FinishedAt = ts
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Prune keeps only the newest MaxRuns rows.
func (s *Store) Prune(ctx context.Context) error {
	if !s.Enabled() || s.maxRuns <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id IN (
		SELECT id FROM runs ORDER BY finished_at DESC, id DESC LIMIT -1 OFFSET ?
	)`, s.maxRuns)
	return err
}

// timeLayout is fixed width so that text ordering in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
