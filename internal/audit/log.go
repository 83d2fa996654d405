package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// Log is the in-memory, concurrency-safe audit trail. Entries are indexed by
// sequence number in a B-tree so newest-first reads are a reverse scan.
// When a Repository is attached every entry is also persisted.
type Log struct {
	mu      sync.RWMutex
	seq     uint64
	entries *btree.Map[uint64, Entry]
	byOwner map[string][]uint64
	byCorr  map[string][]uint64
	repo    Repository
}

// NewLog returns an empty Log. repo may be nil, in which case entries only
// live in memory.
func NewLog(repo Repository) *Log {
	return &Log{
		entries: btree.NewMap[uint64, Entry](32),
		byOwner: make(map[string][]uint64),
		byCorr:  make(map[string][]uint64),
		repo:    repo,
	}
}

// Record appends entry and returns it with its assigned sequence number.
// The entry is always kept in memory; a non-nil error means only the durable
// write failed.
func (l *Log) Record(ctx context.Context, entry Entry) (Entry, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.seq++
	entry.Seq = l.seq
	l.insertLocked(entry)
	l.mu.Unlock()

	if l.repo != nil {
		if err := l.repo.Save(ctx, &entry); err != nil {
			return entry, fmt.Errorf("audit: persist entry %d: %w", entry.Seq, err)
		}
	}
	return entry, nil
}

// Restore loads every persisted entry into memory. It is meant to run once at
// start-up, before the first Record.
func (l *Log) Restore(ctx context.Context) (int, error) {
	if l.repo == nil {
		return 0, nil
	}
	entries, err := l.repo.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("audit: restore: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		l.insertLocked(e)
		if e.Seq > l.seq {
			l.seq = e.Seq
		}
	}
	return len(entries), nil
}

func (l *Log) insertLocked(e Entry) {
	l.entries.Set(e.Seq, e)
	if e.UserID != "" {
		l.byOwner[e.UserID] = append(l.byOwner[e.UserID], e.Seq)
	}
	if e.CorrelationID != "" {
		l.byCorr[e.CorrelationID] = append(l.byCorr[e.CorrelationID], e.Seq)
	}
}

// Trail returns up to limit entries, newest first. A non-positive limit
// returns the whole trail.
func (l *Log) Trail(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, capFor(limit, l.entries.Len()))
	l.entries.Reverse(func(_ uint64, e Entry) bool {
		out = append(out, e)
		return limit <= 0 || len(out) < limit
	})
	return out
}

// TrailFor returns up to limit entries recorded for owner, newest first.
func (l *Log) TrailFor(owner string, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collectNewestFirst(l.byOwner[owner], limit)
}

// ByCorrelation returns every entry tied to a transaction or plan id in the
// order they were recorded.
func (l *Log) ByCorrelation(id string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seqs := l.byCorr[id]
	out := make([]Entry, 0, len(seqs))
	for _, s := range seqs {
		if e, ok := l.entries.Get(s); ok {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the total number of recorded entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries.Len()
}

func (l *Log) collectNewestFirst(seqs []uint64, limit int) []Entry {
	out := make([]Entry, 0, capFor(limit, len(seqs)))
	for i := len(seqs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if e, ok := l.entries.Get(seqs[i]); ok {
			out = append(out, e)
		}
	}
	return out
}

func capFor(limit, n int) int {
	if limit > 0 && limit < n {
		return limit
	}
	return n
}
