package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sensahq/mapsync/collab"
	"github.com/sensahq/mapsync/graph"
	"github.com/sensahq/mapsync/internal/logctx"
	"github.com/sensahq/mapsync/realtime"
	"github.com/sensahq/mapsync/store"
)

// JoinSession makes the client a member of the session: it validates the
// session, assigns a color, upserts the participant row, bootstraps the
// graph replica from the latest snapshot (or seeds and checkpoints a brand
// new one), and brings up the realtime channel.
//
// Join and leave are serialized per client: a call that arrives while
// another join or leave is still in flight is a no-op, which prevents
// duplicate channel setup.
func (c *Client) JoinSession(ctx context.Context, sessionID string, role collab.Role) error {
	if c.userID == "" {
		return collab.ErrAuthRequired
	}

	c.mu.Lock()
	if c.lifecycleBusy {
		c.mu.Unlock()
		return nil
	}
	c.lifecycleBusy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.lifecycleBusy = false
		c.mu.Unlock()
	}()

	if role == "" {
		role = collab.RoleParticipant
	}

	sess, err := c.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return collab.ErrSessionNotFound
	}
	if err != nil {
		perr := &collab.PersistenceError{Op: "load session", Err: err}
		c.emitError(perr)
		return perr
	}
	if !sess.Active || sess.Expired(c.now()) {
		return collab.ErrSessionNotFound
	}

	parts, err := c.store.ListParticipants(ctx, sessionID)
	if err != nil {
		perr := &collab.PersistenceError{Op: "list participants", Err: err}
		c.emitError(perr)
		return perr
	}
	if sess.MaxParticipants > 0 {
		online := 0
		rejoining := false
		for _, p := range parts {
			if p.UserID == c.userID {
				rejoining = true
				continue
			}
			if p.Online {
				online++
			}
		}
		if !rejoining && online >= sess.MaxParticipants {
			return collab.ErrSessionFull
		}
	}

	now := c.now().UTC()
	if _, err := c.store.UpsertParticipant(ctx, collab.Participant{
		SessionID:   sessionID,
		UserID:      c.userID,
		DisplayName: c.displayName,
		Role:        role,
		Color:       pickColor(parts),
		Online:      true,
		JoinedAt:    now,
		LastSeen:    now,
	}); err != nil {
		perr := &collab.PersistenceError{Op: "join session", Err: err}
		c.emitError(perr)
		return perr
	}

	// Rejoining replaces any prior session context wholesale.
	c.mu.Lock()
	prev := c.cur
	c.mu.Unlock()
	if prev != nil {
		c.detach(prev)
	}

	sc := &sessionCtx{
		session:   sess,
		state:     graph.NewState(),
		lastWrite: make(map[string]time.Time),
		seen:      make(map[string]bool),
		connState: StateDisconnected,
	}
	sc.ctx, sc.cancel = context.WithCancel(logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID: sessionID,
		UserID:    c.userID,
	}))

	if err := c.bootstrap(ctx, sc); err != nil {
		sc.cancel()
		return err
	}

	c.mu.Lock()
	c.cur = sc
	c.mu.Unlock()

	c.connect(sc)
	c.refreshRoster(ctx, sc)
	c.emitSessionUpdate(sess)
	c.log.InfoContext(ctx, "joined session", "session_id", sessionID, "role", string(role))
	return nil
}

// bootstrap loads the replica: the latest snapshot plus the log tail past
// it, or the starter seed followed by an immediate checkpoint so the next
// joiner never races an empty session.
func (c *Client) bootstrap(ctx context.Context, sc *sessionCtx) error {
	snap, err := c.store.LatestSnapshot(ctx, sc.session.ID)
	if err != nil {
		perr := &collab.PersistenceError{Op: "load snapshot", Err: err}
		c.emitError(perr)
		return perr
	}

	if snap == nil {
		sc.state = graph.Starter()
		nodes, edges := collab.SnapshotOf(sc.state)
		checkpoint := collab.Snapshot{
			ID:           newID(),
			SessionID:    sc.session.ID,
			Nodes:        nodes,
			Edges:        edges,
			CreatedBy:    c.userID,
			IsCheckpoint: true,
			CreatedAt:    c.now().UTC(),
		}
		if err := c.store.PutSnapshot(ctx, checkpoint); err != nil {
			perr := &collab.PersistenceError{Op: "seed checkpoint", Err: err}
			c.emitError(perr)
			return perr
		}
		return nil
	}

	sc.state = snap.State()
	sc.lastSeq = snap.OperationSequence

	// Replay the log tail the snapshot doesn't cover. At this point there
	// is no optimistic local state, so every author's operations apply.
	tail, err := c.store.ListOperationsSince(ctx, sc.session.ID, snap.OperationSequence)
	if err != nil {
		perr := &collab.PersistenceError{Op: "replay log", Err: err}
		c.emitError(perr)
		return perr
	}
	sc.stateMu.Lock()
	defer sc.stateMu.Unlock()
	for _, op := range tail {
		sc.seen[op.ID] = true
		c.applyLocked(sc, op)
		if op.SequenceNumber > sc.lastSeq {
			sc.lastSeq = op.SequenceNumber
		}
	}
	return nil
}

// LeaveSession marks the participant offline, tears down the channel,
// cancels any pending retry, and discards queued operations. Idempotent:
// calling it when not joined is a no-op.
func (c *Client) LeaveSession(ctx context.Context) error {
	c.mu.Lock()
	if c.lifecycleBusy {
		c.mu.Unlock()
		return nil
	}
	sc := c.cur
	if sc == nil {
		c.mu.Unlock()
		return nil
	}
	c.lifecycleBusy = true
	c.cur = nil
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.lifecycleBusy = false
		c.mu.Unlock()
	}()

	c.detach(sc)

	if err := c.store.SetParticipantPresence(ctx, sc.session.ID, c.userID, false, c.now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
		perr := &collab.PersistenceError{Op: "leave session", Err: err}
		c.emitError(perr)
		return perr
	}
	c.emitConnState(StateDisconnected)
	c.log.InfoContext(ctx, "left session", "session_id", sc.session.ID)
	return nil
}

// detach tears down a session context's channel, retry timer and queue
// without touching the participant row.
func (c *Client) detach(sc *sessionCtx) {
	sc.connMu.Lock()
	sc.leaving = true
	if sc.retryTimer != nil {
		sc.retryTimer.Stop()
		sc.retryTimer = nil
	}
	sc.retryCount = 0
	ch := sc.channel
	sc.channel = nil
	sc.connState = StateDisconnected
	sc.connMu.Unlock()

	sc.cancel()
	if ch != nil {
		_ = c.transport.RemoveChannel(ch)
	}

	sc.queueMu.Lock()
	sc.queue = nil
	sc.queueMu.Unlock()
}

// pickColor returns the first palette color no existing participant holds,
// cycling once the palette is exhausted.
func pickColor(parts []collab.Participant) string {
	used := make(map[string]bool, len(parts))
	for _, p := range parts {
		used[p.Color] = true
	}
	for _, color := range collab.Palette {
		if !used[color] {
			return color
		}
	}
	return collab.Palette[len(parts)%len(collab.Palette)]
}

// refreshRoster reloads the participant list and hands it to the UI layer.
func (c *Client) refreshRoster(ctx context.Context, sc *sessionCtx) {
	parts, err := c.store.ListParticipants(ctx, sc.session.ID)
	if err != nil {
		c.log.WarnContext(ctx, "roster refresh failed", "error", err)
		return
	}
	c.emitParticipants(parts)
}

// handleEvent routes one channel event. Runs on the transport's delivery
// goroutine.
func (c *Client) handleEvent(sc *sessionCtx, ev realtime.Event) {
	switch ev.Topic {
	case realtime.TopicCursor:
		c.handleCursor(ev.Payload)

	case realtime.TopicOperationChange:
		var change store.Change
		if err := json.Unmarshal(ev.Payload, &change); err != nil {
			return
		}
		// Updates to existing rows are applied-flag bookkeeping, not new
		// mutations.
		if change.Kind != store.ChangeInsert {
			return
		}
		var op collab.Operation
		if err := json.Unmarshal(change.Row, &op); err != nil {
			c.log.Warn("undecodable operation on feed", "error", err)
			return
		}
		c.enqueueRemote(sc, op)

	case realtime.TopicParticipantChange:
		c.refreshRoster(sc.ctx, sc)

	case realtime.TopicSessionChange:
		var change store.Change
		if err := json.Unmarshal(ev.Payload, &change); err != nil {
			return
		}
		var sess collab.Session
		if err := json.Unmarshal(change.Row, &sess); err != nil {
			return
		}
		c.emitSessionUpdate(sess)
	}
}
