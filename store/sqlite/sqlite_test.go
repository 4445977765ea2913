package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sensahq/mapsync/collab"
	"github.com/sensahq/mapsync/store"
	"github.com/sensahq/mapsync/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "mapsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapsync.db")
	ctx := context.Background()

	s1, err := New(path)
	require.NoError(t, err)

	sess := collab.Session{
		ID:        "sess-durable",
		Name:      "survives restarts",
		CreatedBy: "u1",
		Type:      collab.SessionPrivate,
		Active:    true,
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s1.PutSession(ctx, sess))
	op, err := s1.AppendOperation(ctx, collab.Operation{
		ID:        "op-durable",
		SessionID: sess.ID,
		UserID:    "u1",
		Kind:      collab.KindDeleteEdge,
		Payload:   collab.DeleteEdge{EdgeID: "e1"},
		Timestamp: sess.CreatedAt,
	})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.Name, got.Name)

	ops, err := s2.ListOperationsSince(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, op.SequenceNumber, ops[0].SequenceNumber)
	require.Equal(t, collab.DeleteEdge{EdgeID: "e1"}, ops[0].Payload)
	require.True(t, ops[0].Timestamp.Equal(sess.CreatedAt))
}
