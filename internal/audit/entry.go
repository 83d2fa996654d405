// Package audit defines the append-only audit trail of the coordination layer.
//
// Every gateway call and every transaction state transition produces an
// Entry. Entries are immutable once recorded and are ordered by the sequence
// number assigned at append time, which follows wall-clock order inside a
// single process.
package audit

import "time"

// Entry is a single row of the audit trail.
type Entry struct {
	// Seq is assigned by the Log on append. Zero means "not yet recorded".
	Seq uint64

	Timestamp time.Time

	// Source names the component or participant service that produced the entry,
	// e.g. "gateway", "coordinator", "holdings".
	Source string

	// Action is the audited action, e.g. "debit_start" or "transaction_committed".
	Action string

	// UserID is the owner identity the action was performed for. Optional.
	UserID string

	// CorrelationID ties the entry to a transaction or plan. Optional.
	CorrelationID string

	// Detail is free text.
	Detail string

	// TraceID and SpanID link the row to the distributed trace that was active
	// when the entry was written. Both are empty outside a span.
	TraceID string
	SpanID  string
}

// Owner returns the identity used for owner-scoped queries.
func (e Entry) Owner() string {
	return e.UserID
}
