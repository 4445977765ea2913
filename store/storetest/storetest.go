// Package storetest provides a conformance suite run against every
// store.Store implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sensahq/mapsync/collab"
	"github.com/sensahq/mapsync/graph"
	"github.com/sensahq/mapsync/store"
)

// StoreFactory creates a fresh Store for testing.
type StoreFactory func(t *testing.T) store.Store

// RunStoreTests runs the complete Store test suite against the provided
// factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Sessions_PutAndGet", func(t *testing.T) { testSessionPutGet(t, factory) })
	t.Run("Sessions_GetMissing", func(t *testing.T) { testSessionMissing(t, factory) })
	t.Run("Sessions_ActiveToggle", func(t *testing.T) { testSessionActiveToggle(t, factory) })
	t.Run("Participants_UpsertPreservesIdentity", func(t *testing.T) { testParticipantUpsert(t, factory) })
	t.Run("Participants_PresenceUpdate", func(t *testing.T) { testParticipantPresence(t, factory) })
	t.Run("Participants_ListScopedToSession", func(t *testing.T) { testParticipantScope(t, factory) })
	t.Run("Operations_SequenceIsMonotonic", func(t *testing.T) { testOperationSequence(t, factory) })
	t.Run("Operations_ListSince", func(t *testing.T) { testOperationListSince(t, factory) })
	t.Run("Operations_MarkApplied", func(t *testing.T) { testOperationMarkApplied(t, factory) })
	t.Run("Snapshots_LatestWins", func(t *testing.T) { testSnapshotLatest(t, factory) })
	t.Run("Snapshots_NilWhenNone", func(t *testing.T) { testSnapshotNone(t, factory) })
	t.Run("ChangeFeed_EmitsWrites", func(t *testing.T) { testChangeFeed(t, factory) })
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newSession(name string) collab.Session {
	return collab.Session{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: "user-creator",
		Type:      collab.SessionPublic,
		Active:    true,
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func testSessionPutGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := ctxT(t)

	want := newSession("brainstorm")
	want.MaxParticipants = 12
	if err := s.PutSession(ctx, want); err != nil {
		t.Fatalf("put session: %v", err)
	}

	got, err := s.GetSession(ctx, want.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ID != want.ID || got.Name != want.Name || got.Type != want.Type || got.MaxParticipants != 12 || !got.Active {
		t.Fatalf("session mangled: got %+v want %+v", got, want)
	}
}

func testSessionMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if _, err := s.GetSession(ctxT(t), "no-such-session"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testSessionActiveToggle(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := ctxT(t)

	sess := newSession("toggle")
	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.SetSessionActive(ctx, sess.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Active {
		t.Fatal("session still active after deactivation")
	}
}

func testParticipantUpsert(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := ctxT(t)
	sess := newSession("upsert")
	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}

	join := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first, err := s.UpsertParticipant(ctx, collab.Participant{
		SessionID:   sess.ID,
		UserID:      "user-a",
		DisplayName: "Ada",
		Role:        collab.RoleParticipant,
		Color:       collab.Palette[0],
		Online:      true,
		JoinedAt:    join,
		LastSeen:    join,
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected assigned participant id")
	}

	// Rejoin with a different color candidate and later times: identity
	// fields must survive, mutable fields must refresh.
	later := join.Add(time.Hour)
	second, err := s.UpsertParticipant(ctx, collab.Participant{
		SessionID:   sess.ID,
		UserID:      "user-a",
		DisplayName: "Ada L.",
		Role:        collab.RoleParticipant,
		Color:       collab.Palette[3],
		Online:      true,
		JoinedAt:    later,
		LastSeen:    later,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("rejoin created a new row: %s != %s", second.ID, first.ID)
	}
	if second.Color != first.Color {
		t.Fatalf("rejoin changed color: %s != %s", second.Color, first.Color)
	}
	if !second.JoinedAt.Equal(first.JoinedAt) {
		t.Fatalf("rejoin changed joinedAt: %v != %v", second.JoinedAt, first.JoinedAt)
	}
	if second.DisplayName != "Ada L." {
		t.Fatalf("display name not refreshed: %s", second.DisplayName)
	}

	list, err := s.ListParticipants(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly 1 participant row after rejoin, got %d", len(list))
	}
}

func testParticipantPresence(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := ctxT(t)
	sess := newSession("presence")
	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}

	join := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if _, err := s.UpsertParticipant(ctx, collab.Participant{
		SessionID: sess.ID, UserID: "user-a", Online: true, JoinedAt: join, LastSeen: join,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	seen := join.Add(30 * time.Minute)
	if err := s.SetParticipantPresence(ctx, sess.ID, "user-a", false, seen); err != nil {
		t.Fatalf("presence: %v", err)
	}

	list, err := s.ListParticipants(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Online || !list[0].LastSeen.Equal(seen) {
		t.Fatalf("presence not applied: %+v", list)
	}

	if err := s.SetParticipantPresence(ctx, sess.ID, "ghost", false, seen); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown participant, got %v", err)
	}
}

func testParticipantScope(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := ctxT(t)
	s1, s2 := newSession("one"), newSession("two")
	for _, sess := range []collab.Session{s1, s2} {
		if err := s.PutSession(ctx, sess); err != nil {
			t.Fatalf("put session: %v", err)
		}
	}

	join := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, sid := range []string{s1.ID, s1.ID, s2.ID} {
		if _, err := s.UpsertParticipant(ctx, collab.Participant{
			SessionID: sid, UserID: []string{"u1", "u2", "u3"}[i], JoinedAt: join.Add(time.Duration(i) * time.Minute), LastSeen: join,
		}); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	list1, err := s.ListParticipants(ctx, s1.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list1) != 2 {
		t.Fatalf("expected 2 participants in session one, got %d", len(list1))
	}
	list2, err := s.ListParticipants(ctx, s2.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list2) != 1 {
		t.Fatalf("expected 1 participant in session two, got %d", len(list2))
	}
}

func appendOp(t *testing.T, ctx context.Context, s store.Store, sessionID, userID string, p collab.Payload, ts time.Time) collab.Operation {
	t.Helper()
	op, err := s.AppendOperation(ctx, collab.Operation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Kind:      p.OpKind(),
		Payload:   p,
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return op
}

func testOperationSequence(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := ctxT(t)
	sess := newSession("seq")
	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}

	ts := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	var prev int64
	for i := 0; i < 5; i++ {
		op := appendOp(t, ctx, s, sess.ID, "user-a", collab.AddNode{Node: graph.Node{ID: uuid.NewString()}}, ts.Add(time.Duration(i)*time.Second))
		if op.SequenceNumber <= prev {
			t.Fatalf("sequence not monotonic: %d after %d", op.SequenceNumber, prev)
		}
		prev = op.SequenceNumber
	}
}

func testOperationListSince(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := ctxT(t)
	sess := newSession("since")
	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}

	ts := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	ops := make([]collab.Operation, 0, 3)
	for i := 0; i < 3; i++ {
		ops = append(ops, appendOp(t, ctx, s, sess.ID, "user-a", collab.DeleteNode{NodeID: uuid.NewString()}, ts.Add(time.Duration(i)*time.Second)))
	}

	got, err := s.ListOperationsSince(ctx, sess.ID, ops[0].SequenceNumber)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 operations after seq %d, got %d", ops[0].SequenceNumber, len(got))
	}
	if got[0].SequenceNumber != ops[1].SequenceNumber || got[1].SequenceNumber != ops[2].SequenceNumber {
		t.Fatalf("wrong order: %d, %d", got[0].SequenceNumber, got[1].SequenceNumber)
	}
	if _, ok := got[0].Payload.(collab.DeleteNode); !ok {
		t.Fatalf("payload type lost through storage: %T", got[0].Payload)
	}
}

func testOperationMarkApplied(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := ctxT(t)
	sess := newSession("applied")
	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}

	ts := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	op := appendOp(t, ctx, s, sess.ID, "user-a", collab.MoveNode{NodeID: "n1", Position: graph.Position{X: 1, Y: 2}}, ts)
	if op.Applied {
		t.Fatal("operation applied before anyone processed it")
	}

	if err := s.MarkOperationApplied(ctx, sess.ID, op.ID); err != nil {
		t.Fatalf("mark applied: %v", err)
	}

	got, err := s.ListOperationsSince(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || !got[0].Applied {
		t.Fatalf("applied flag not persisted: %+v", got)
	}

	if err := s.MarkOperationApplied(ctx, sess.ID, "no-such-op"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testSnapshotLatest(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := ctxT(t)
	sess := newSession("snaps")
	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, label := range []string{"first", "second"} {
		err := s.PutSnapshot(ctx, collab.Snapshot{
			ID:                uuid.NewString(),
			SessionID:         sess.ID,
			Nodes:             []graph.Node{{ID: "n1", Label: label}},
			Edges:             []graph.Edge{{ID: "e1", Source: "n1", Target: "n1"}},
			CreatedBy:         "user-a",
			Label:             label,
			IsCheckpoint:      i == 0,
			OperationSequence: int64(i + 1),
			CreatedAt:         base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("put snapshot %s: %v", label, err)
		}
	}

	latest, err := s.LatestSnapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil {
		t.Fatal("expected a snapshot")
	}
	if latest.Label != "second" || latest.OperationSequence != 2 {
		t.Fatalf("expected most recent snapshot, got %+v", latest)
	}
	if len(latest.Nodes) != 1 || len(latest.Edges) != 1 {
		t.Fatalf("snapshot body mangled: %+v", latest)
	}
}

func testSnapshotNone(t *testing.T, factory StoreFactory) {
	s := factory(t)
	latest, err := s.LatestSnapshot(ctxT(t), "fresh-session")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil snapshot for fresh session, got %+v", latest)
	}
}

func testChangeFeed(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := ctxT(t)

	var mu sync.Mutex
	var changes []store.Change
	s.SetSink(func(_ context.Context, c store.Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	sess := newSession("feed")
	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}
	join := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if _, err := s.UpsertParticipant(ctx, collab.Participant{SessionID: sess.ID, UserID: "u1", Online: true, JoinedAt: join, LastSeen: join}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetParticipantPresence(ctx, sess.ID, "u1", false, join.Add(time.Minute)); err != nil {
		t.Fatalf("presence: %v", err)
	}
	appendOp(t, ctx, s, sess.ID, "u1", collab.AddEdge{Edge: graph.Edge{ID: "e1", Source: "a", Target: "b"}}, join)

	// Sinks run synchronously on the writer's goroutine for every backend,
	// so the records are visible here.
	mu.Lock()
	defer mu.Unlock()
	want := []struct {
		table store.Table
		kind  store.ChangeKind
	}{
		{store.TableSessions, store.ChangeInsert},
		{store.TableParticipants, store.ChangeInsert},
		{store.TableParticipants, store.ChangeUpdate},
		{store.TableOperations, store.ChangeInsert},
	}
	if len(changes) != len(want) {
		t.Fatalf("expected %d change records, got %d: %+v", len(want), len(changes), changes)
	}
	for i, w := range want {
		if changes[i].Table != w.table || changes[i].Kind != w.kind {
			t.Fatalf("change %d: got (%s,%s) want (%s,%s)", i, changes[i].Table, changes[i].Kind, w.table, w.kind)
		}
		if changes[i].SessionID != sess.ID {
			t.Fatalf("change %d not scoped to session: %s", i, changes[i].SessionID)
		}
		if len(changes[i].Row) == 0 {
			t.Fatalf("change %d missing row image", i)
		}
	}
}
