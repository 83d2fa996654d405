package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/btc-coordinator/internal/audit"
)

func TestRepository_SaveAndLoadAll(t *testing.T) {
	repo, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)

	require.NoError(t, repo.Save(ctx, &audit.Entry{
		Seq: 1, Timestamp: ts, Source: "gateway", Action: "debit_start",
		UserID: "alice", CorrelationID: "tx-1",
	}))
	require.NoError(t, repo.Save(ctx, &audit.Entry{
		Seq: 2, Timestamp: ts.Add(time.Second), Source: "gateway", Action: "debit_success",
		UserID: "alice", CorrelationID: "tx-1", Detail: "attempts=1",
	}))

	entries, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "debit_start", entries[0].Action)
	assert.Equal(t, "", entries[0].Detail)
	assert.True(t, ts.Equal(entries[0].Timestamp))
	assert.Equal(t, "attempts=1", entries[1].Detail)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRepository_DuplicateSeqRejected(t *testing.T) {
	repo, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	e := &audit.Entry{Seq: 7, Timestamp: time.Now(), Source: "coordinator", Action: "x"}
	require.NoError(t, repo.Save(ctx, e))
	assert.Error(t, repo.Save(ctx, e))
}

func TestRepository_RestoresLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	repo, err := Open(path)
	require.NoError(t, err)
	log := audit.NewLog(repo)
	for _, action := range []string{"transaction_begun", "debit_start", "debit_success"} {
		_, err := log.Record(ctx, audit.Entry{Source: "coordinator", Action: action, UserID: "alice"})
		require.NoError(t, err)
	}
	require.NoError(t, repo.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	restored := audit.NewLog(reopened)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "debit_success", restored.Trail(1)[0].Action)
}

func TestRepository_SaveWrapsDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).
		WillReturnError(errors.New("database is locked"))

	err = New(db).Save(context.Background(), &audit.Entry{Seq: 3, Timestamp: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save audit entry 3")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_LoadAllRejectsBadTimestamp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"seq", "source", "action", "user_id", "correlation_id", "detail", "trace_id", "span_id", "created_at",
	}).AddRow(1, "gateway", "debit_start", "", "", "", "", "", "yesterday")
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_entries")).WillReturnRows(rows)

	_, err = New(db).LoadAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed created_at")
}
