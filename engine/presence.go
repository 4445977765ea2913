package engine

import (
	"context"
	"encoding/json"

	"github.com/sensahq/mapsync/collab"
	"github.com/sensahq/mapsync/graph"
	"github.com/sensahq/mapsync/realtime"
)

// PublishCursor broadcasts the local cursor position over the ephemeral
// channel. Throttled to one broadcast per window per user: calls inside the
// window are dropped, not queued. Presence is latest-wins and never touches
// the durable store.
func (c *Client) PublishCursor(ctx context.Context, x, y float64) error {
	sc := c.current()
	if sc == nil {
		return ErrNotJoined
	}

	now := c.now()
	sc.presMu.Lock()
	if !sc.lastCursor.IsZero() && now.Sub(sc.lastCursor) < c.cursorInterval {
		sc.presMu.Unlock()
		return nil
	}
	sc.lastCursor = now
	sc.presMu.Unlock()

	sc.connMu.Lock()
	ch := sc.channel
	sc.connMu.Unlock()
	if ch == nil {
		// Not connected yet; presence is fire-and-forget.
		return nil
	}

	update := collab.CursorUpdate{
		UserID:    c.userID,
		SessionID: sc.session.ID,
		Position:  graph.Position{X: x, Y: y},
		Timestamp: now.UTC(),
	}
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	// Losing a cursor frame is fine; the next one supersedes it anyway.
	_ = ch.Send(ctx, realtime.TopicCursor, data)
	return nil
}

// handleCursor forwards a received cursor update to the UI layer. No
// ordering guarantee: an out-of-order update simply overwrites the
// displayed position.
func (c *Client) handleCursor(payload []byte) {
	var update collab.CursorUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return
	}
	if update.UserID == c.userID {
		return
	}
	c.emitCursor(update)
}
