package engine

import (
	"context"

	"github.com/sensahq/mapsync/collab"
)

// CreateSnapshot captures the current replica as a durable snapshot. The
// capture is taken under the state lock, so it is consistent with the log
// position it records; future joiners bootstrap from it instead of replaying
// the full log.
func (c *Client) CreateSnapshot(ctx context.Context, label string, isCheckpoint bool) (collab.Snapshot, error) {
	if c.userID == "" {
		return collab.Snapshot{}, collab.ErrAuthRequired
	}
	sc := c.current()
	if sc == nil {
		return collab.Snapshot{}, ErrNotJoined
	}

	sc.stateMu.Lock()
	nodes, edges := collab.SnapshotOf(sc.state)
	seq := sc.lastSeq
	sc.stateMu.Unlock()

	snap := collab.Snapshot{
		ID:                newID(),
		SessionID:         sc.session.ID,
		Nodes:             nodes,
		Edges:             edges,
		CreatedBy:         c.userID,
		Label:             label,
		IsCheckpoint:      isCheckpoint,
		OperationSequence: seq,
		CreatedAt:         c.now().UTC(),
	}
	if err := c.store.PutSnapshot(ctx, snap); err != nil {
		perr := &collab.PersistenceError{Op: "create snapshot", Err: err}
		c.emitError(perr)
		return collab.Snapshot{}, perr
	}
	c.log.InfoContext(ctx, "snapshot created",
		"session_id", sc.session.ID, "snapshot_id", snap.ID, "sequence", seq)
	return snap, nil
}

// LatestSnapshot returns the newest snapshot of the given session, or nil
// when it has none.
func (c *Client) LatestSnapshot(ctx context.Context, sessionID string) (*collab.Snapshot, error) {
	snap, err := c.store.LatestSnapshot(ctx, sessionID)
	if err != nil {
		return nil, &collab.PersistenceError{Op: "load snapshot", Err: err}
	}
	return snap, nil
}
