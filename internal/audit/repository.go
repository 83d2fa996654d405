package audit

import "context"

// Repository is the durable sink for audit entries.
// The Log depends on this port, not on SQLite directly, so tests can run
// without a database and deployments can swap the backend.
type Repository interface {
	// Save appends one entry. The table is append-only, never an upsert.
	Save(ctx context.Context, entry *Entry) error

	// LoadAll returns every persisted entry in sequence order. Used to restore
	// the in-memory index after a restart.
	LoadAll(ctx context.Context) ([]Entry, error)
}
