package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/claimq/internal/queue"
	"github.com/aridsondez/claimq/internal/queue/store"
	"github.com/aridsondez/claimq/internal/queue/store/storetest"
)

func newTestStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Driver {
		return newTestStore(t, filepath.Join(t.TempDir(), "claimq.db"))
	})
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}

func TestReopenKeepsDataAndSchemaVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "claimq.db")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateQueue(ctx, queue.Queue{Project: "p", Name: "jobs", Metadata: map[string]any{"k": "v"}, CreatedAt: now}))
	ids, err := s.InsertMessages(ctx, store.InsertMessagesRequest{
		Project: "p", Queue: "jobs",
		Messages: []queue.NewMessage{{Body: json.RawMessage(`{"a":1}`), TTL: time.Minute}},
		Now:      now,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = newTestStore(t, path)
	q, err := s.GetQueue(ctx, "p", "jobs")
	require.NoError(t, err)
	assert.Equal(t, "v", q.Metadata["k"])
	assert.True(t, q.CreatedAt.Equal(now))

	m, err := s.GetMessage(ctx, "p", "jobs", ids[0], now)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(m.Body))

	var v int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT version FROM schema_migrations`).Scan(&v))
	assert.Equal(t, schemaVersion, v)
}

func TestMapErrLeavesUnknownErrorsAlone(t *testing.T) {
	assert.Nil(t, mapErr(nil))
	assert.False(t, queue.IsTransient(mapErr(assert.AnError)))
	assert.ErrorIs(t, mapErr(context.DeadlineExceeded), queue.ErrStorageTimeout)
}
