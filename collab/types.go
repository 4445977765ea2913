// Package collab defines the shared data model of the sync engine: sessions,
// participants, the operation log entry with its kind-tagged payloads,
// snapshots and ephemeral cursor updates. The types here are what the
// persistence gateway stores and the realtime transport carries; they hold no
// behavior beyond encoding.
package collab

import (
	"time"

	"github.com/sensahq/mapsync/graph"
)

// SessionType controls who may join a session.
type SessionType string

const (
	SessionPublic     SessionType = "public"
	SessionPrivate    SessionType = "private"
	SessionInviteOnly SessionType = "invite-only"
)

// Role is a participant's capability level within a session.
type Role string

const (
	RoleFacilitator Role = "facilitator"
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

// Palette is the fixed set of cursor/identity colors handed out at join
// time. Assignment picks the first color not held by an online participant,
// cycling when the palette is exhausted.
var Palette = []string{
	"#e6194b", // red
	"#3cb44b", // green
	"#4363d8", // blue
	"#f58231", // orange
	"#911eb4", // purple
	"#46f0f0", // cyan
	"#f032e6", // magenta
	"#bcf60c", // lime
}

// Session is a collaborative document room. Sessions are never deleted, only
// deactivated.
type Session struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	CreatedBy       string      `json:"created_by"`
	Type            SessionType `json:"type"`
	MaxParticipants int         `json:"max_participants,omitempty"` // 0 = unlimited
	Active          bool        `json:"active"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Expired reports whether the session's expiry, if any, has passed.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Participant is the one-row-per-(session,user) membership record. A rejoin
// upserts the existing row; only Online, Cursor and LastSeen change after
// creation.
type Participant struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	DisplayName string          `json:"display_name"`
	Role        Role            `json:"role"`
	Color       string          `json:"color"`
	Online      bool            `json:"online"`
	Cursor      *graph.Position `json:"cursor,omitempty"`
	JoinedAt    time.Time       `json:"joined_at"`
	LastSeen    time.Time       `json:"last_seen"`
}

// Snapshot is an immutable full-state capture at a point in the operation
// log, used to bootstrap late joiners without replaying the log.
type Snapshot struct {
	ID                string       `json:"id"`
	SessionID         string       `json:"session_id"`
	Nodes             []graph.Node `json:"nodes"`
	Edges             []graph.Edge `json:"edges"`
	CreatedBy         string       `json:"created_by"`
	Label             string       `json:"label,omitempty"`
	IsCheckpoint      bool         `json:"is_checkpoint"`
	OperationSequence int64        `json:"operation_sequence"`
	CreatedAt         time.Time    `json:"created_at"`
}

// State reconstructs a graph document from the snapshot.
func (s *Snapshot) State() *graph.State {
	st := graph.NewState()
	for _, n := range s.Nodes {
		st.PutNode(n)
	}
	for _, e := range s.Edges {
		st.PutEdge(e)
	}
	return st
}

// SnapshotOf captures the given state. The state is read, not retained.
func SnapshotOf(state *graph.State) (nodes []graph.Node, edges []graph.Edge) {
	return state.NodeList(), state.EdgeList()
}

// CursorUpdate is presence data. It exists only on the wire: latest wins,
// stale drops, nothing is persisted.
type CursorUpdate struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Position  graph.Position `json:"position"`
	Timestamp time.Time      `json:"timestamp"`
}
