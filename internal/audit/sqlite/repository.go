// Package sqlite provides a SQLite-backed implementation of audit.Repository.
//
// WAL mode is enabled on Open so that the HTTP handlers reading the trail
// never block the coordinator goroutines appending to it.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jcmexdev/btc-coordinator/internal/audit"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

// schema is the DDL executed once on startup. The table is append-only:
// rows are never updated or deleted by the coordinator.
const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    -- Sequence assigned by the in-memory log; unique and monotonic per process lineage.
    seq             INTEGER PRIMARY KEY,

    source          TEXT        NOT NULL,
    action          TEXT        NOT NULL,
    user_id         TEXT        NOT NULL DEFAULT '',

    -- Transaction or plan id.
    correlation_id  TEXT        NOT NULL DEFAULT '',

    detail          TEXT,

    trace_id        TEXT        NOT NULL DEFAULT '',
    span_id         TEXT        NOT NULL DEFAULT '',

    -- RFC3339 stored as TEXT.
    created_at      TEXT        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_user_id ON audit_entries(user_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_entries_correlation_id ON audit_entries(correlation_id, seq);
`

const timeLayout = "2006-01-02T15:04:05.999999999Z"

// Repository is the SQLite implementation of audit.Repository.
type Repository struct {
	db *sql.DB
}

var _ audit.Repository = (*Repository)(nil)

// Open opens (or creates) the SQLite database at path and applies the schema.
//
//	repo, err := sqlite.Open("./data/audit.db")
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// New wraps an already opened database. The schema is not applied.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Close releases the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Save inserts one audit entry.
func (r *Repository) Save(ctx context.Context, entry *audit.Entry) error {
	const q = `
		INSERT INTO audit_entries
			(seq, source, action, user_id, correlation_id, detail, trace_id, span_id, created_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		entry.Seq,
		entry.Source,
		entry.Action,
		entry.UserID,
		entry.CorrelationID,
		nullableString(entry.Detail),
		entry.TraceID,
		entry.SpanID,
		entry.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save audit entry %d: %w", entry.Seq, err)
	}
	return nil
}

// LoadAll returns every entry ordered by sequence.
func (r *Repository) LoadAll(ctx context.Context) ([]audit.Entry, error) {
	const q = `
		SELECT seq, source, action, user_id, correlation_id, COALESCE(detail,''),
		       trace_id, span_id, created_at
		FROM   audit_entries
		ORDER  BY seq ASC`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load audit entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var createdAt string
		if err := rows.Scan(
			&e.Seq,
			&e.Source,
			&e.Action,
			&e.UserID,
			&e.CorrelationID,
			&e.Detail,
			&e.TraceID,
			&e.SpanID,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: audit entry %d has malformed created_at %q: %w", e.Seq, createdAt, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate audit entries: %w", err)
	}
	return out, nil
}

// Count returns the number of persisted entries.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count audit entries: %w", err)
	}
	return n, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

// nullableString stores NULL instead of an empty detail.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
