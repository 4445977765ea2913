package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sensahq/mapsync/collab"
	"github.com/sensahq/mapsync/realtime"
)

var errChannelClosed = errors.New("channel closed unexpectedly")

// connect opens a fresh channel for the session and subscribes to its change
// feed and broadcast topics. Any previously held channel is torn down first;
// a channel is never reused across attempts.
func (c *Client) connect(sc *sessionCtx) {
	sc.connMu.Lock()
	if sc.leaving {
		sc.connMu.Unlock()
		return
	}
	prior := sc.channel
	sc.channel = nil
	sc.connState = StateConnecting
	sc.connMu.Unlock()

	c.emitConnState(StateConnecting)
	if prior != nil {
		_ = c.transport.RemoveChannel(prior)
	}

	ch := c.transport.Channel(channelName(sc.session.ID))
	sc.connMu.Lock()
	if sc.leaving {
		sc.connMu.Unlock()
		return
	}
	sc.channel = ch
	sc.connMu.Unlock()

	err := ch.Subscribe(sc.ctx,
		func(_ context.Context, ev realtime.Event) { c.handleEvent(sc, ev) },
		func(st realtime.Status, serr error) { c.onChannelStatus(sc, ch, st, serr) },
	)
	if err != nil {
		c.handleConnectionError(sc, err)
	}
}

// onChannelStatus reacts to subscription state changes. Status from a
// channel that has since been replaced is ignored.
func (c *Client) onChannelStatus(sc *sessionCtx, ch realtime.Channel, st realtime.Status, err error) {
	sc.connMu.Lock()
	current := sc.channel == ch && !sc.leaving
	sc.connMu.Unlock()
	if !current {
		return
	}

	switch st {
	case realtime.StatusJoined:
		sc.connMu.Lock()
		sc.connState = StateConnected
		sc.retryCount = 0
		sc.connMu.Unlock()
		c.emitConnState(StateConnected)
		go c.catchUp(sc)

	case realtime.StatusErrored:
		if err == nil {
			err = errChannelClosed
		}
		c.handleConnectionError(sc, err)

	case realtime.StatusClosed:
		// An intentional teardown replaces the channel or marks leaving
		// before closing, so a close seen here is unexpected.
		c.handleConnectionError(sc, errChannelClosed)
	}
}

// handleConnectionError drives the retry state machine: transition to error,
// schedule a backoff retry while under the ceiling, give up terminally at
// it. At most one retry timer is live; scheduling cancels any pending one.
func (c *Client) handleConnectionError(sc *sessionCtx, err error) {
	if !c.isCurrent(sc) {
		return
	}

	sc.connMu.Lock()
	if sc.leaving {
		sc.connMu.Unlock()
		return
	}
	sc.connState = StateError
	sc.retryCount++
	attempt := sc.retryCount

	if attempt >= maxRetries {
		// Give up. The counter resets so a future explicit join starts
		// fresh.
		sc.retryCount = 0
		if sc.retryTimer != nil {
			sc.retryTimer.Stop()
			sc.retryTimer = nil
		}
		sc.connMu.Unlock()

		c.log.Error("connection retries exhausted", "session_id", sc.session.ID, "error", err)
		c.emitConnState(StateError)
		c.emitError(&collab.TransportError{Channel: channelName(sc.session.ID), Err: collab.ErrRetriesExhausted})
		return
	}

	delay := backoffDelay(c.retryUnit, attempt)
	if sc.retryTimer != nil {
		sc.retryTimer.Stop()
	}
	sc.retryTimer = time.AfterFunc(delay, func() {
		// Staleness is re-checked at fire time: a leave or session switch
		// in the meantime turns this into a no-op.
		if !c.isCurrent(sc) {
			return
		}
		sc.connMu.Lock()
		leaving := sc.leaving
		sc.connMu.Unlock()
		if leaving {
			return
		}
		c.connect(sc)
	})
	sc.connMu.Unlock()

	c.log.Warn("connection error, retrying",
		"session_id", sc.session.ID, "attempt", attempt, "delay", delay, "error", err)
	c.emitConnState(StateError)
}

// backoffDelay is min(unit * 2^(attempt-1), cap).
func backoffDelay(unit time.Duration, attempt int) time.Duration {
	d := unit << (attempt - 1)
	if ceiling := retryCapFactor * unit; d > ceiling {
		return ceiling
	}
	return d
}
