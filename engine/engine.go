// Package engine is the client side of the sync engine. A Client owns the
// local replica of one collaborative session at a time: it manages session
// membership, feeds local intents into the durable operation log, ingests the
// remote log through the realtime channel, resolves conflicts, and keeps the
// in-memory graph current. The UI layer drives it through the exported calls
// and observes it through the Events callbacks.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sensahq/mapsync/collab"
	"github.com/sensahq/mapsync/graph"
	"github.com/sensahq/mapsync/realtime"
	"github.com/sensahq/mapsync/store"
)

// ConnState is the connection supervisor's externally visible state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// Default presence throttle window.
const defaultCursorInterval = 100 * time.Millisecond

// Retry policy: capped exponential backoff, then give up.
const (
	maxRetries       = 5
	retryCapFactor   = 10 // cap = retryCapFactor * retryUnit
	defaultRetryUnit = time.Second
)

// Events are the callbacks the UI layer observes the engine through. All
// fields are optional; nil callbacks are skipped. Callbacks may be invoked
// from internal goroutines and must not block for long.
type Events struct {
	OnSessionUpdate          func(collab.Session)
	OnParticipantsUpdate     func([]collab.Participant)
	OnOperationApplied       func(collab.Operation)
	OnCursorUpdate           func(collab.CursorUpdate)
	OnConnectionStatusChange func(ConnState)
	OnError                  func(error)
}

// Config assembles a Client.
type Config struct {
	// UserID is the authenticated identity. Required for every call that
	// touches a session.
	UserID      string
	DisplayName string

	Store     store.Store
	Transport realtime.Transport
	Events    Events

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// CursorInterval overrides the presence throttle window. Zero means the
	// default 100ms.
	CursorInterval time.Duration

	// Clock overrides the time source. Zero value means time.Now; tests use
	// it to make throttling and LWW deterministic.
	Clock func() time.Time
}

// Client is the per-user sync engine instance. It participates in at most
// one session at a time; all session state is torn down on leave.
type Client struct {
	userID      string
	displayName string
	store       store.Store
	transport   realtime.Transport
	events      Events
	log         *slog.Logger
	now         func() time.Time

	cursorInterval time.Duration
	retryUnit      time.Duration

	// mu serializes session lifecycle. cur is nil when not joined.
	mu            sync.Mutex
	lifecycleBusy bool
	cur           *sessionCtx
}

// New builds a Client. Store and Transport are required.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, errConfig("Store is required")
	}
	if cfg.Transport == nil {
		return nil, errConfig("Transport is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	interval := cfg.CursorInterval
	if interval <= 0 {
		interval = defaultCursorInterval
	}
	return &Client{
		userID:         cfg.UserID,
		displayName:    cfg.DisplayName,
		store:          cfg.Store,
		transport:      cfg.Transport,
		events:         cfg.Events,
		log:            log,
		now:            now,
		cursorInterval: interval,
		retryUnit:      defaultRetryUnit,
	}, nil
}

type configError string

func errConfig(msg string) error { return configError(msg) }

func (e configError) Error() string { return "engine config: " + string(e) }

func newID() string { return uuid.NewString() }

// sessionCtx is the per-session actor state. It is created on join and
// discarded wholesale on leave, so a stale retry or late event can always be
// recognized by pointer identity against Client.cur.
type sessionCtx struct {
	session collab.Session

	ctx    context.Context
	cancel context.CancelFunc

	// stateMu guards the graph replica and the LWW index. The replica is
	// written only by the drain loop and the optimistic submit path.
	stateMu   sync.Mutex
	state     *graph.State
	lastWrite map[string]time.Time
	lastSeq   int64
	// seen dedupes operations that arrive through both the live feed and a
	// reconnect catch-up replay.
	seen map[string]bool

	// pipeline queue
	queueMu  sync.Mutex
	queue    []collab.Operation
	draining bool

	// presence throttle
	presMu     sync.Mutex
	lastCursor time.Time

	// supervisor
	connMu     sync.Mutex
	connState  ConnState
	channel    realtime.Channel
	retryCount int
	retryTimer *time.Timer
	leaving    bool
}

// channelName is the per-session realtime channel identity shared by the
// supervisor and the change-feed sink.
func channelName(sessionID string) string { return "session:" + sessionID }

// FeedSink adapts a transport into a store.ChangeSink: every row change the
// gateway reports is published on the owning session's channel under a
// "changes:<table>" topic, which is how session members learn about each
// other's writes.
func FeedSink(tr realtime.Transport) store.ChangeSink {
	return func(ctx context.Context, change store.Change) {
		data, err := json.Marshal(change)
		if err != nil {
			return
		}
		ch := tr.Channel(channelName(change.SessionID))
		_ = ch.Send(ctx, "changes:"+string(change.Table), data)
	}
}

// CreateSession persists a new active session owned by the calling user.
func (c *Client) CreateSession(ctx context.Context, name string, typ collab.SessionType, maxParticipants int) (collab.Session, error) {
	if c.userID == "" {
		return collab.Session{}, collab.ErrAuthRequired
	}
	sess := collab.Session{
		ID:              newID(),
		Name:            name,
		CreatedBy:       c.userID,
		Type:            typ,
		MaxParticipants: maxParticipants,
		Active:          true,
		CreatedAt:       c.now().UTC(),
	}
	if err := c.store.PutSession(ctx, sess); err != nil {
		perr := &collab.PersistenceError{Op: "create session", Err: err}
		c.emitError(perr)
		return collab.Session{}, perr
	}
	c.log.InfoContext(ctx, "session created", "session_id", sess.ID, "name", name)
	c.emitSessionUpdate(sess)
	return sess, nil
}

// GraphState returns a copy of the current graph replica for rendering, or
// nil when no session is joined.
func (c *Client) GraphState() *graph.State {
	c.mu.Lock()
	sc := c.cur
	c.mu.Unlock()
	if sc == nil {
		return nil
	}
	sc.stateMu.Lock()
	defer sc.stateMu.Unlock()
	return sc.state.Clone()
}

// ConnectionState reports the supervisor's current state.
func (c *Client) ConnectionState() ConnState {
	c.mu.Lock()
	sc := c.cur
	c.mu.Unlock()
	if sc == nil {
		return StateDisconnected
	}
	sc.connMu.Lock()
	defer sc.connMu.Unlock()
	return sc.connState
}

// current returns the live session context, or nil.
func (c *Client) current() *sessionCtx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// isCurrent reports whether sc is still the live session context.
func (c *Client) isCurrent(sc *sessionCtx) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur == sc
}

// --- event emission (nil-safe) ---

func (c *Client) emitSessionUpdate(s collab.Session) {
	if c.events.OnSessionUpdate != nil {
		c.events.OnSessionUpdate(s)
	}
}

func (c *Client) emitParticipants(ps []collab.Participant) {
	if c.events.OnParticipantsUpdate != nil {
		c.events.OnParticipantsUpdate(ps)
	}
}

func (c *Client) emitOperationApplied(op collab.Operation) {
	if c.events.OnOperationApplied != nil {
		c.events.OnOperationApplied(op)
	}
}

func (c *Client) emitCursor(cu collab.CursorUpdate) {
	if c.events.OnCursorUpdate != nil {
		c.events.OnCursorUpdate(cu)
	}
}

func (c *Client) emitConnState(st ConnState) {
	if c.events.OnConnectionStatusChange != nil {
		c.events.OnConnectionStatusChange(st)
	}
}

func (c *Client) emitError(err error) {
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
}
