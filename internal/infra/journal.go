package infra

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/remapd/remapd/internal/domain"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS diagnostics (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	at           INTEGER NOT NULL,
	kind         TEXT NOT NULL,
	message      TEXT NOT NULL,
	suggestion   TEXT NOT NULL DEFAULT '',
	can_auto_fix INTEGER NOT NULL DEFAULT 0,
	detail       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_diagnostics_at ON diagnostics(at DESC);
`

// SQLiteJournal implements domain.Journal over a local SQLite file.
// The in-memory diagnostics ring is authoritative for the current
// session; the journal is what `remapd inspect` reads afterwards.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenJournal opens (creating if needed) the diagnostics journal.
func OpenJournal(ctx context.Context, path string) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// Append persists one diagnostic.
func (j *SQLiteJournal) Append(ctx context.Context, d domain.Diagnostic) error {
	at := d.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO diagnostics(at, kind, message, suggestion, can_auto_fix, detail)
VALUES (?, ?, ?, ?, ?, ?)`,
		at.UnixMilli(), string(d.Kind), d.Message, d.Suggestion, boolToInt(d.CanAutoFix), d.Detail)
	if err != nil {
		return fmt.Errorf("append diagnostic: %w", err)
	}
	return nil
}

// Recent returns up to limit diagnostics, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]domain.Diagnostic, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT at, kind, message, suggestion, can_auto_fix, detail
FROM diagnostics ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query diagnostics: %w", err)
	}
	defer rows.Close()

	var out []domain.Diagnostic
	for rows.Next() {
		var (
			at      int64
			kind    string
			d       domain.Diagnostic
			autoFix int
		)
		if err := rows.Scan(&at, &kind, &d.Message, &d.Suggestion, &autoFix, &d.Detail); err != nil {
			return nil, fmt.Errorf("scan diagnostic: %w", err)
		}
		d.Timestamp = time.UnixMilli(at)
		d.Kind = domain.DiagnosticKind(kind)
		d.CanAutoFix = autoFix != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (j *SQLiteJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.Journal = (*SQLiteJournal)(nil)
