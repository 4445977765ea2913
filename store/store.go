// Package store defines the persistence gateway the sync engine writes
// through: durable sessions, participants, the append-only operation log and
// snapshots, plus a change feed that notifies subscribers of row changes.
// Implementations live in the memory, sqlite and redis subpackages and are
// exercised by the shared suite in storetest.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sensahq/mapsync/collab"
)

// ErrNotFound is returned by reads whose subject row does not exist.
var ErrNotFound = errors.New("store: not found")

// Table names a row family in change-feed records.
type Table string

const (
	TableSessions     Table = "sessions"
	TableParticipants Table = "participants"
	TableOperations   Table = "operations"
	TableSnapshots    Table = "snapshots"
)

// ChangeKind is the mutation class of a change-feed record.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is one change-feed record: "row in table X, scoped to session Y,
// was inserted/updated". Row carries the post-image as JSON.
type Change struct {
	Table     Table           `json:"table"`
	Kind      ChangeKind      `json:"kind"`
	SessionID string          `json:"session_id"`
	Row       json.RawMessage `json:"row"`
}

// ChangeSink receives change-feed records after each successful write. Sinks
// must not block for long; they run on the writer's goroutine.
type ChangeSink func(ctx context.Context, change Change)

// Store is the persistence gateway contract.
type Store interface {
	// SetSink installs the change-feed sink. Writes performed before a sink
	// is installed are not replayed into it.
	SetSink(sink ChangeSink)

	// Sessions. Sessions are never deleted; SetSessionActive toggles the
	// only mutable flag.
	PutSession(ctx context.Context, sess collab.Session) error
	GetSession(ctx context.Context, id string) (collab.Session, error)
	SetSessionActive(ctx context.Context, id string, active bool) error

	// Participants, keyed by (SessionID, UserID). UpsertParticipant creates
	// the row on first join and on rejoin preserves the existing identity
	// (ID, Color, JoinedAt) while refreshing the mutable fields; it returns
	// the stored row.
	UpsertParticipant(ctx context.Context, p collab.Participant) (collab.Participant, error)
	SetParticipantPresence(ctx context.Context, sessionID, userID string, online bool, lastSeen time.Time) error
	ListParticipants(ctx context.Context, sessionID string) ([]collab.Participant, error)

	// Operations: the append-only log. AppendOperation assigns a monotonic
	// SequenceNumber where the backend has the authority to, and returns
	// the stored operation. ListOperationsSince returns operations with
	// SequenceNumber > afterSeq in sequence order.
	AppendOperation(ctx context.Context, op collab.Operation) (collab.Operation, error)
	MarkOperationApplied(ctx context.Context, sessionID, opID string) error
	ListOperationsSince(ctx context.Context, sessionID string, afterSeq int64) ([]collab.Operation, error)

	// Snapshots are immutable once written.
	PutSnapshot(ctx context.Context, snap collab.Snapshot) error
	// LatestSnapshot returns the most recently created snapshot for the
	// session, or nil when the session has none.
	LatestSnapshot(ctx context.Context, sessionID string) (*collab.Snapshot, error)

	// Close releases backend resources.
	Close() error
}

// Emitter is the change-feed half every implementation embeds. It is safe
// for concurrent use.
type Emitter struct {
	mu   sync.RWMutex
	sink ChangeSink
}

// SetSink installs or replaces the sink. A nil sink disables emission.
func (e *Emitter) SetSink(sink ChangeSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

// Emit delivers a change to the installed sink, if any. rowV is JSON-encoded
// here so callers pass the row value directly.
func (e *Emitter) Emit(ctx context.Context, table Table, kind ChangeKind, sessionID string, rowV any) {
	e.mu.RLock()
	sink := e.sink
	e.mu.RUnlock()
	if sink == nil {
		return
	}
	row, err := json.Marshal(rowV)
	if err != nil {
		return
	}
	sink(ctx, Change{Table: table, Kind: kind, SessionID: sessionID, Row: row})
}
