package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sensahq/mapsync/collab"
	"github.com/sensahq/mapsync/graph"
	"github.com/sensahq/mapsync/realtime"
	rtmemory "github.com/sensahq/mapsync/realtime/memory"
	stmemory "github.com/sensahq/mapsync/store/memory"
)

type fixture struct {
	store     *stmemory.Store
	transport *rtmemory.Transport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := stmemory.New()
	tr := rtmemory.New()
	st.SetSink(FeedSink(tr))
	t.Cleanup(func() { _ = st.Close() })
	return &fixture{store: st, transport: tr}
}

func (f *fixture) client(t *testing.T, userID, name string, ev Events, clock func() time.Time) *Client {
	t.Helper()
	c, err := New(Config{
		UserID:      userID,
		DisplayName: name,
		Store:       f.store,
		Transport:   f.transport,
		Events:      ev,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func strptr(s string) *string { return &s }

func TestJoinSeedsStarterAndCheckpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, "u1", "Alice", Events{}, nil)

	sess, err := c.CreateSession(ctx, "retro", collab.SessionPublic, 0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := c.JoinSession(ctx, sess.ID, collab.RoleFacilitator); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	defer c.LeaveSession(ctx)

	st := c.GraphState()
	if st == nil || st.Empty() {
		t.Fatalf("expected seeded graph, got %+v", st)
	}
	if len(st.Nodes) != 3 || len(st.Edges) != 2 {
		t.Fatalf("starter shape wrong: %d nodes, %d edges", len(st.Nodes), len(st.Edges))
	}

	snap, err := f.store.LatestSnapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap == nil || !snap.IsCheckpoint {
		t.Fatalf("expected seed checkpoint, got %+v", snap)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "u1", "Alice", Events{}, nil)

	err := c.JoinSession(context.Background(), "no-such-session", collab.RoleParticipant)
	if !errors.Is(err, collab.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestJoinRequiresAuth(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "", "Anon", Events{}, nil)

	if err := c.JoinSession(context.Background(), "any", collab.RoleParticipant); !errors.Is(err, collab.ErrAuthRequired) {
		t.Fatalf("join: expected ErrAuthRequired, got %v", err)
	}
	if _, err := c.CreateSession(context.Background(), "x", collab.SessionPublic, 0); !errors.Is(err, collab.ErrAuthRequired) {
		t.Fatalf("create: expected ErrAuthRequired, got %v", err)
	}
}

func TestJoinFullSessionRejectedButRejoinAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.client(t, "u1", "Alice", Events{}, nil)
	b := f.client(t, "u2", "Bob", Events{}, nil)

	sess, err := a.CreateSession(ctx, "tight", collab.SessionPrivate, 1)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := a.JoinSession(ctx, sess.ID, collab.RoleFacilitator); err != nil {
		t.Fatalf("first join: %v", err)
	}
	defer a.LeaveSession(ctx)

	if err := b.JoinSession(ctx, sess.ID, collab.RoleParticipant); !errors.Is(err, collab.ErrSessionFull) {
		t.Fatalf("expected ErrSessionFull, got %v", err)
	}

	// The occupant can rejoin its own seat.
	if err := a.JoinSession(ctx, sess.ID, collab.RoleFacilitator); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	parts, err := f.store.ListParticipants(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("rejoin created a second row: %d participants", len(parts))
	}
}

func TestSubmitAppliesOptimistically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, "u1", "Alice", Events{}, nil)

	sess, _ := c.CreateSession(ctx, "map", collab.SessionPublic, 0)
	if err := c.JoinSession(ctx, sess.ID, collab.RoleParticipant); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	defer c.LeaveSession(ctx)

	op, err := c.SubmitOperation(ctx, collab.AddNode{Node: graph.Node{ID: "n1", Label: "idea"}})
	if err != nil {
		t.Fatalf("SubmitOperation: %v", err)
	}
	if op.SequenceNumber == 0 {
		t.Fatalf("expected assigned sequence number")
	}

	st := c.GraphState()
	if _, ok := st.Nodes["n1"]; !ok {
		t.Fatalf("optimistic apply missing: %+v", st.Nodes)
	}

	logged, err := f.store.ListOperationsSince(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("ListOperationsSince: %v", err)
	}
	if len(logged) != 1 || logged[0].ID != op.ID {
		t.Fatalf("log mismatch: %+v", logged)
	}
}

func TestSubmitNotJoined(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "u1", "Alice", Events{}, nil)

	if _, err := c.SubmitOperation(context.Background(), collab.AddNode{Node: graph.Node{ID: "n1"}}); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
	if err := c.PublishCursor(context.Background(), 1, 2); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("cursor: expected ErrNotJoined, got %v", err)
	}
}

func TestDeleteNodeCascadesEdges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, "u1", "Alice", Events{}, nil)

	sess, _ := c.CreateSession(ctx, "map", collab.SessionPublic, 0)
	if err := c.JoinSession(ctx, sess.ID, collab.RoleParticipant); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	defer c.LeaveSession(ctx)

	mustSubmit := func(p collab.Payload) {
		t.Helper()
		if _, err := c.SubmitOperation(ctx, p); err != nil {
			t.Fatalf("SubmitOperation(%s): %v", p.OpKind(), err)
		}
	}
	mustSubmit(collab.AddNode{Node: graph.Node{ID: "a", Label: "a"}})
	mustSubmit(collab.AddNode{Node: graph.Node{ID: "b", Label: "b"}})
	mustSubmit(collab.AddEdge{Edge: graph.Edge{ID: "e1", Source: "a", Target: "b"}})
	mustSubmit(collab.DeleteNode{NodeID: "a"})

	st := c.GraphState()
	if _, ok := st.Nodes["a"]; ok {
		t.Fatalf("node survived delete")
	}
	if _, ok := st.Edges["e1"]; ok {
		t.Fatalf("edge survived cascade")
	}
	if _, ok := st.Nodes["b"]; !ok {
		t.Fatalf("unrelated node lost")
	}
}

func TestRemoteConvergenceAndOwnEcho(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var bApplied atomic.Int64
	a := f.client(t, "u1", "Alice", Events{}, nil)
	b := f.client(t, "u2", "Bob", Events{
		OnOperationApplied: func(collab.Operation) { bApplied.Add(1) },
	}, nil)

	sess, _ := a.CreateSession(ctx, "shared", collab.SessionPublic, 0)
	if err := a.JoinSession(ctx, sess.ID, collab.RoleFacilitator); err != nil {
		t.Fatalf("A join: %v", err)
	}
	defer a.LeaveSession(ctx)
	if err := b.JoinSession(ctx, sess.ID, collab.RoleParticipant); err != nil {
		t.Fatalf("B join: %v", err)
	}
	defer b.LeaveSession(ctx)

	if _, err := a.SubmitOperation(ctx, collab.AddNode{Node: graph.Node{ID: "n1", Label: "from A"}}); err != nil {
		t.Fatalf("SubmitOperation: %v", err)
	}

	waitFor(t, "B to receive A's node", func() bool {
		st := b.GraphState()
		_, ok := st.Nodes["n1"]
		return ok
	})

	// Let any stray echo drain, then confirm A applied its own operation
	// exactly once and B exactly once.
	time.Sleep(20 * time.Millisecond)
	if got := bApplied.Load(); got != 1 {
		t.Fatalf("B applied %d operations, want 1", got)
	}
	if n := len(a.GraphState().Nodes); n != 4 {
		t.Fatalf("A has %d nodes after echo, want 4", n)
	}
}

func TestLastWriteWinsConvergence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	// A's clock runs ahead of B's, so A's edit is the newest write no matter
	// which order the two edits are delivered in.
	a := f.client(t, "u1", "Alice", Events{}, fixedClock(base.Add(2*time.Hour)))
	b := f.client(t, "u2", "Bob", Events{}, fixedClock(base.Add(time.Hour)))

	sess, _ := a.CreateSession(ctx, "conflict", collab.SessionPublic, 0)
	if err := a.JoinSession(ctx, sess.ID, collab.RoleFacilitator); err != nil {
		t.Fatalf("A join: %v", err)
	}
	defer a.LeaveSession(ctx)
	if err := b.JoinSession(ctx, sess.ID, collab.RoleParticipant); err != nil {
		t.Fatalf("B join: %v", err)
	}
	defer b.LeaveSession(ctx)

	if _, err := b.SubmitOperation(ctx, collab.AddNode{Node: graph.Node{ID: "n1", Label: "seed"}}); err != nil {
		t.Fatalf("B add: %v", err)
	}
	waitFor(t, "A to receive the node", func() bool {
		_, ok := a.GraphState().Nodes["n1"]
		return ok
	})

	if _, err := b.SubmitOperation(ctx, collab.EditNode{NodeID: "n1", Patch: graph.NodePatch{Label: strptr("older")}}); err != nil {
		t.Fatalf("B edit: %v", err)
	}
	if _, err := a.SubmitOperation(ctx, collab.EditNode{NodeID: "n1", Patch: graph.NodePatch{Label: strptr("newer")}}); err != nil {
		t.Fatalf("A edit: %v", err)
	}

	label := func(c *Client) string { return c.GraphState().Nodes["n1"].Label }
	waitFor(t, "both replicas to settle on the newest write", func() bool {
		return label(a) == "newer" && label(b) == "newer"
	})
}

func TestBootstrapFromSnapshotAndLogTail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.client(t, "u1", "Alice", Events{}, nil)

	sess, _ := a.CreateSession(ctx, "history", collab.SessionPublic, 0)
	if err := a.JoinSession(ctx, sess.ID, collab.RoleFacilitator); err != nil {
		t.Fatalf("A join: %v", err)
	}
	defer a.LeaveSession(ctx)

	if _, err := a.SubmitOperation(ctx, collab.AddNode{Node: graph.Node{ID: "pre", Label: "before snapshot"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap, err := a.CreateSnapshot(ctx, "milestone", false)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if snap.OperationSequence == 0 {
		t.Fatalf("snapshot did not record a log position")
	}
	if _, err := a.SubmitOperation(ctx, collab.AddNode{Node: graph.Node{ID: "post", Label: "after snapshot"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	c := f.client(t, "u3", "Carol", Events{}, nil)
	if err := c.JoinSession(ctx, sess.ID, collab.RoleObserver); err != nil {
		t.Fatalf("C join: %v", err)
	}
	defer c.LeaveSession(ctx)

	st := c.GraphState()
	for _, id := range []string{"pre", "post"} {
		if _, ok := st.Nodes[id]; !ok {
			t.Fatalf("bootstrap lost node %q: %+v", id, st.Nodes)
		}
	}
	if len(st.Nodes) != len(a.GraphState().Nodes) {
		t.Fatalf("replicas diverged: C=%d nodes, A=%d nodes", len(st.Nodes), len(a.GraphState().Nodes))
	}
}

func TestCursorThrottleDropsInsideWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	var got atomic.Int64
	// A frozen clock keeps every publish inside the first throttle window.
	a := f.client(t, "u1", "Alice", Events{}, fixedClock(base))
	b := f.client(t, "u2", "Bob", Events{
		OnCursorUpdate: func(collab.CursorUpdate) { got.Add(1) },
	}, nil)

	sess, _ := a.CreateSession(ctx, "presence", collab.SessionPublic, 0)
	if err := a.JoinSession(ctx, sess.ID, collab.RoleFacilitator); err != nil {
		t.Fatalf("A join: %v", err)
	}
	defer a.LeaveSession(ctx)
	if err := b.JoinSession(ctx, sess.ID, collab.RoleParticipant); err != nil {
		t.Fatalf("B join: %v", err)
	}
	defer b.LeaveSession(ctx)

	for i := 0; i < 50; i++ {
		if err := a.PublishCursor(ctx, float64(i), float64(i)); err != nil {
			t.Fatalf("PublishCursor: %v", err)
		}
	}

	waitFor(t, "B to receive the first cursor frame", func() bool { return got.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if n := got.Load(); n != 1 {
		t.Fatalf("throttle leaked: B received %d cursor frames, want 1", n)
	}
}

func TestLeaveIsIdempotentAndDiscardsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, "u1", "Alice", Events{}, nil)

	sess, _ := c.CreateSession(ctx, "bye", collab.SessionPublic, 0)
	if err := c.JoinSession(ctx, sess.ID, collab.RoleParticipant); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	if err := c.LeaveSession(ctx); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}
	if err := c.LeaveSession(ctx); err != nil {
		t.Fatalf("second LeaveSession: %v", err)
	}

	if st := c.ConnectionState(); st != StateDisconnected {
		t.Fatalf("connection state after leave: %s", st)
	}
	if c.GraphState() != nil {
		t.Fatalf("graph state survived leave")
	}

	parts, _ := f.store.ListParticipants(ctx, sess.ID)
	if len(parts) != 1 || parts[0].Online {
		t.Fatalf("participant row not marked offline: %+v", parts)
	}
	if _, err := c.SubmitOperation(ctx, collab.AddNode{Node: graph.Node{ID: "n"}}); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("submit after leave: %v", err)
	}
}

func TestConnectedAfterJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, "u1", "Alice", Events{}, nil)

	sess, _ := c.CreateSession(ctx, "live", collab.SessionPublic, 0)
	if err := c.JoinSession(ctx, sess.ID, collab.RoleParticipant); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	defer c.LeaveSession(ctx)

	waitFor(t, "connected state", func() bool { return c.ConnectionState() == StateConnected })
}

// flakyTransport wraps the in-process transport and fails Subscribe while
// the failing flag is set, leaving Send and the change feed working.
type flakyTransport struct {
	inner   *rtmemory.Transport
	failing atomic.Bool
}

func (f *flakyTransport) Channel(name string) realtime.Channel {
	return &flakyChannel{tr: f, inner: f.inner.Channel(name)}
}

func (f *flakyTransport) RemoveChannel(ch realtime.Channel) error {
	if fc, ok := ch.(*flakyChannel); ok {
		return f.inner.RemoveChannel(fc.inner)
	}
	return f.inner.RemoveChannel(ch)
}

type flakyChannel struct {
	tr    *flakyTransport
	inner realtime.Channel
}

func (c *flakyChannel) Name() string { return c.inner.Name() }

func (c *flakyChannel) Subscribe(ctx context.Context, h realtime.Handler, s realtime.StatusFunc) error {
	if c.tr.failing.Load() {
		return errors.New("broker flapping")
	}
	return c.inner.Subscribe(ctx, h, s)
}

func (c *flakyChannel) Send(ctx context.Context, topic string, payload []byte) error {
	return c.inner.Send(ctx, topic, payload)
}

func TestReconnectReplaysOperationsMissedWhileUnsubscribed(t *testing.T) {
	st := stmemory.New()
	tr := &flakyTransport{inner: rtmemory.New()}
	st.SetSink(FeedSink(tr))
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	alice, err := New(Config{UserID: "u1", DisplayName: "Alice", Store: st, Transport: tr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var terminal atomic.Int64
	bob, err := New(Config{
		UserID: "u2", DisplayName: "Bob", Store: st, Transport: tr,
		Events: Events{
			OnError: func(err error) {
				if errors.Is(err, collab.ErrRetriesExhausted) {
					terminal.Add(1)
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bob.retryUnit = 10 * time.Millisecond

	sess, err := alice.CreateSession(ctx, "gap", collab.SessionPublic, 0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := alice.JoinSession(ctx, sess.ID, collab.RoleFacilitator); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	defer alice.LeaveSession(ctx)

	// Bob's bootstrap read succeeds but his subscription cannot come up, so
	// anything appended now falls between his snapshot and his feed.
	tr.failing.Store(true)
	if err := bob.JoinSession(ctx, sess.ID, collab.RoleParticipant); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	defer bob.LeaveSession(ctx)

	if _, err := alice.SubmitOperation(ctx, collab.AddNode{Node: graph.Node{ID: "in-window", Label: "missed?"}}); err != nil {
		t.Fatalf("SubmitOperation: %v", err)
	}
	tr.failing.Store(false)

	waitFor(t, "bob to replay the operation appended while unsubscribed", func() bool {
		_, ok := bob.GraphState().Nodes["in-window"]
		return ok
	})
	if n := terminal.Load(); n != 0 {
		t.Fatalf("supervisor gave up during a recoverable window (%d terminal errors)", n)
	}
}

func TestNoOpOperationStillMarkedProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.client(t, "u1", "Alice", Events{}, nil)

	sess, _ := c.CreateSession(ctx, "bookkeeping", collab.SessionPublic, 0)
	if err := c.JoinSession(ctx, sess.ID, collab.RoleParticipant); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	defer c.LeaveSession(ctx)

	// A remote edit of a node that does not exist applies as a no-op
	// conflict artifact, but it was still processed by this member.
	ghost := collab.Operation{
		ID:        "op-ghost",
		SessionID: sess.ID,
		UserID:    "someone-else",
		Kind:      collab.KindEditNode,
		Payload:   collab.EditNode{NodeID: "missing", Patch: graph.NodePatch{Label: strptr("never lands")}},
		Timestamp: time.Now().UTC(),
	}
	if _, err := f.store.AppendOperation(ctx, ghost); err != nil {
		t.Fatalf("AppendOperation: %v", err)
	}

	waitFor(t, "the no-op operation to be marked processed", func() bool {
		ops, err := f.store.ListOperationsSince(ctx, sess.ID, 0)
		if err != nil {
			return false
		}
		for _, op := range ops {
			if op.ID == ghost.ID {
				return op.Applied
			}
		}
		return false
	})

	if _, ok := c.GraphState().Nodes["missing"]; ok {
		t.Fatalf("no-op operation mutated the replica")
	}
}

// --- supervisor retry policy ---

type brokenTransport struct {
	mu       sync.Mutex
	attempts int
}

func (tr *brokenTransport) Channel(name string) realtime.Channel {
	return &brokenChannel{tr: tr, name: name}
}

func (tr *brokenTransport) RemoveChannel(realtime.Channel) error { return nil }

func (tr *brokenTransport) subscribeAttempts() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.attempts
}

type brokenChannel struct {
	tr   *brokenTransport
	name string
}

func (c *brokenChannel) Name() string { return c.name }

func (c *brokenChannel) Subscribe(context.Context, realtime.Handler, realtime.StatusFunc) error {
	c.tr.mu.Lock()
	c.tr.attempts++
	c.tr.mu.Unlock()
	return errors.New("broker unreachable")
}

func (c *brokenChannel) Send(context.Context, string, []byte) error {
	return errors.New("broker unreachable")
}

func TestRetryBackoffGivesUpTerminally(t *testing.T) {
	st := stmemory.New()
	tr := &brokenTransport{}

	var terminal atomic.Int64
	c, err := New(Config{
		UserID: "u1",
		Store:  st,
		Events: Events{
			OnError: func(err error) {
				if errors.Is(err, collab.ErrRetriesExhausted) {
					terminal.Add(1)
				}
			},
		},
		Transport: tr,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.retryUnit = time.Millisecond

	ctx := context.Background()
	sess, err := c.CreateSession(ctx, "doomed", collab.SessionPublic, 0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := c.JoinSession(ctx, sess.ID, collab.RoleParticipant); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	waitFor(t, "terminal error", func() bool { return terminal.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if n := terminal.Load(); n != 1 {
		t.Fatalf("terminal error surfaced %d times, want 1", n)
	}
	if n := tr.subscribeAttempts(); n != 5 {
		t.Fatalf("supervisor made %d connect attempts, want 5", n)
	}
	if cs := c.ConnectionState(); cs != StateError {
		t.Fatalf("connection state after giving up: %s", cs)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	unit := time.Second
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		10 * time.Second, 10 * time.Second,
	}
	for i, w := range want {
		if got := backoffDelay(unit, i+1); got != w {
			t.Fatalf("attempt %d: delay %s, want %s", i+1, got, w)
		}
	}
}
