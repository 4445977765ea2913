package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sensahq/mapsync/collab"
	"github.com/sensahq/mapsync/internal/logctx"
)

// ErrNotJoined is returned by calls that need a live session.
var ErrNotJoined = errors.New("engine: no session joined")

// SubmitOperation stamps a local intent, appends it to the durable log, and
// applies it optimistically to the local replica. The gateway's change feed
// fans the operation out to every session member, the sender included; the
// drain loop discards that echo.
func (c *Client) SubmitOperation(ctx context.Context, payload collab.Payload) (collab.Operation, error) {
	if c.userID == "" {
		return collab.Operation{}, collab.ErrAuthRequired
	}
	sc := c.current()
	if sc == nil {
		return collab.Operation{}, ErrNotJoined
	}

	op := collab.Operation{
		ID:        newID(),
		SessionID: sc.session.ID,
		UserID:    c.userID,
		Kind:      payload.OpKind(),
		Payload:   payload,
		Timestamp: c.now().UTC(),
	}

	stored, err := c.store.AppendOperation(ctx, op)
	if err != nil {
		perr := &collab.PersistenceError{Op: "append operation", Err: err}
		c.emitError(perr)
		return collab.Operation{}, perr
	}

	sc.stateMu.Lock()
	sc.seen[stored.ID] = true
	c.applyLocked(sc, stored)
	if stored.SequenceNumber > sc.lastSeq {
		sc.lastSeq = stored.SequenceNumber
	}
	sc.stateMu.Unlock()

	c.emitOperationApplied(stored)
	return stored, nil
}

// enqueueRemote buffers an operation received off the change feed and kicks
// the drain loop.
func (c *Client) enqueueRemote(sc *sessionCtx, op collab.Operation) {
	sc.queueMu.Lock()
	sc.queue = append(sc.queue, op)
	alreadyDraining := sc.draining
	if !alreadyDraining {
		sc.draining = true
	}
	sc.queueMu.Unlock()

	if !alreadyDraining {
		go c.drain(sc)
	}
}

// catchUp replays the log tail appended while no subscription was live:
// between the bootstrap read and the first join, and across every
// disconnect/backoff window. Runs after each StatusJoined; operations the
// live feed also delivers are dropped by the seen index.
func (c *Client) catchUp(sc *sessionCtx) {
	sc.stateMu.Lock()
	since := sc.lastSeq
	sc.stateMu.Unlock()

	ops, err := c.store.ListOperationsSince(sc.ctx, sc.session.ID, since)
	if err != nil {
		c.log.Warn("log catch-up failed", "session_id", sc.session.ID, "error", err)
		return
	}
	for _, op := range ops {
		c.enqueueRemote(sc, op)
	}
}

// drain is the single in-flight processing loop: it repeatedly takes the
// buffered operations, orders them by origin timestamp, and applies each to
// the replica. Only one drain runs per client; submit and reception may
// interleave freely around it.
func (c *Client) drain(sc *sessionCtx) {
	for {
		sc.queueMu.Lock()
		if len(sc.queue) == 0 {
			sc.draining = false
			sc.queueMu.Unlock()
			return
		}
		batch := sc.queue
		sc.queue = nil
		sc.queueMu.Unlock()

		// Deterministic local order over arbitrary network interleaving.
		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].Timestamp.Before(batch[j].Timestamp)
		})

		for _, op := range batch {
			if sc.ctx.Err() != nil {
				// Left the session: queued operations are discarded, not
				// applied.
				return
			}
			if op.UserID == c.userID {
				// Own echo: the optimistic apply already happened at submit
				// time.
				continue
			}

			sc.stateMu.Lock()
			if sc.seen[op.ID] {
				sc.stateMu.Unlock()
				continue
			}
			sc.seen[op.ID] = true
			changed := c.applyLocked(sc, op)
			if op.SequenceNumber > sc.lastSeq {
				sc.lastSeq = op.SequenceNumber
			}
			sc.stateMu.Unlock()

			// Processed is processed: an operation that lost LWW or targeted
			// a deleted entity is still marked, it just emits nothing.
			opCtx := logctx.WithOperationData(sc.ctx, &logctx.OperationData{
				OperationID: op.ID,
				Kind:        string(op.Kind),
			})
			if err := c.store.MarkOperationApplied(opCtx, op.SessionID, op.ID); err != nil {
				c.log.WarnContext(opCtx, "mark applied failed", "error", err)
			}
			op.Applied = true

			if !changed {
				c.log.DebugContext(opCtx, "operation had no effect")
				continue
			}
			c.emitOperationApplied(op)
		}
	}
}

// applyLocked applies one operation to the replica under stateMu, enforcing
// last-write-wins per entity: an operation older than the newest write
// already seen for its target is dropped. Returns whether the replica
// changed.
func (c *Client) applyLocked(sc *sessionCtx, op collab.Operation) bool {
	return c.applyPayload(sc, op.Payload, op.Timestamp)
}

func (c *Client) applyPayload(sc *sessionCtx, payload collab.Payload, ts time.Time) bool {
	switch p := payload.(type) {
	case collab.AddNode:
		key := nodeKey(p.Node.ID)
		if stale(sc, key, ts) {
			return false
		}
		sc.state.PutNode(p.Node)
		touch(sc, key, ts)
		return true

	case collab.EditNode:
		key := nodeKey(p.NodeID)
		if stale(sc, key, ts) {
			return false
		}
		if !sc.state.PatchNode(p.NodeID, p.Patch) {
			// Edit of a since-deleted node: conflict artifact, not a
			// failure.
			return false
		}
		touch(sc, key, ts)
		return true

	case collab.MoveNode:
		key := nodeKey(p.NodeID)
		if stale(sc, key, ts) {
			return false
		}
		if !sc.state.MoveNode(p.NodeID, p.Position) {
			return false
		}
		touch(sc, key, ts)
		return true

	case collab.DeleteNode:
		key := nodeKey(p.NodeID)
		if stale(sc, key, ts) {
			return false
		}
		removedEdges, ok := sc.state.RemoveNode(p.NodeID)
		if !ok {
			return false
		}
		touch(sc, key, ts)
		// Cascaded edges count as written too, so a straggling older
		// add_edge cannot resurrect them.
		for _, eid := range removedEdges {
			touch(sc, edgeKey(eid), ts)
		}
		return true

	case collab.AddEdge:
		key := edgeKey(p.Edge.ID)
		if stale(sc, key, ts) {
			return false
		}
		sc.state.PutEdge(p.Edge)
		touch(sc, key, ts)
		return true

	case collab.EditEdge:
		key := edgeKey(p.EdgeID)
		if stale(sc, key, ts) {
			return false
		}
		if !sc.state.PatchEdge(p.EdgeID, p.Patch) {
			return false
		}
		touch(sc, key, ts)
		return true

	case collab.DeleteEdge:
		key := edgeKey(p.EdgeID)
		if stale(sc, key, ts) {
			return false
		}
		if !sc.state.RemoveEdge(p.EdgeID) {
			return false
		}
		touch(sc, key, ts)
		return true

	case collab.Batch:
		changed := false
		for _, step := range p.Steps {
			if c.applyPayload(sc, step.Payload, ts) {
				changed = true
			}
		}
		return changed

	case collab.Undo, collab.Redo:
		// Logged for history; the reversal lives in the UI's local stack.
		return false
	}
	return false
}

func nodeKey(id string) string { return "node:" + id }
func edgeKey(id string) string { return "edge:" + id }

// stale reports whether a write newer than ts already touched the entity.
func stale(sc *sessionCtx, key string, ts time.Time) bool {
	last, ok := sc.lastWrite[key]
	return ok && ts.Before(last)
}

func touch(sc *sessionCtx, key string, ts time.Time) {
	if last, ok := sc.lastWrite[key]; !ok || ts.After(last) {
		sc.lastWrite[key] = ts
	}
}
