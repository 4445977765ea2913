// Package sqlite implements store.Store on an embedded SQLite database.
// Suitable for single-writer deployments and durable local-first setups; the
// change feed is in-process.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sensahq/mapsync/collab"
	"github.com/sensahq/mapsync/graph"
	"github.com/sensahq/mapsync/store"
)

type Store struct {
	store.Emitter

	db *sql.DB
}

// New opens (and migrates) the database at dsn. Use ":memory:" for an
// ephemeral store.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The in-memory DSN gets a fresh database per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_by TEXT NOT NULL,
			type TEXT NOT NULL,
			max_participants INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			expires_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'participant',
			color TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			cursor TEXT,
			joined_at INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			UNIQUE(session_id, user_id),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_session ON participants(session_id, joined_at)`,
		`CREATE TABLE IF NOT EXISTS operations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			ts INTEGER NOT NULL,
			applied INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_session ON operations(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			nodes TEXT NOT NULL,
			edges TEXT NOT NULL,
			created_by TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			is_checkpoint INTEGER NOT NULL DEFAULT 0,
			operation_sequence INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_session ON snapshots(session_id, created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Times are stored as nanoseconds since epoch so they round-trip exactly.
func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// --- Sessions ---

func (s *Store) PutSession(ctx context.Context, sess collab.Session) error {
	var existed bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ?)`, sess.ID).Scan(&existed); err != nil {
		return fmt.Errorf("put session: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, created_by, type, max_participants, active, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			max_participants = excluded.max_participants,
			active = excluded.active,
			expires_at = excluded.expires_at`,
		sess.ID, sess.Name, sess.CreatedBy, string(sess.Type), sess.MaxParticipants,
		boolInt(sess.Active), nullableNanos(sess.ExpiresAt), toNanos(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}

	kind := store.ChangeInsert
	if existed {
		kind = store.ChangeUpdate
	}
	s.Emit(ctx, store.TableSessions, kind, sess.ID, sess)
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (collab.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_by, type, max_participants, active, expires_at, created_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (collab.Session, error) {
	var sess collab.Session
	var typ string
	var active int
	var expires sql.NullInt64
	var created int64
	err := row.Scan(&sess.ID, &sess.Name, &sess.CreatedBy, &typ, &sess.MaxParticipants, &active, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return collab.Session{}, store.ErrNotFound
	}
	if err != nil {
		return collab.Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Type = collab.SessionType(typ)
	sess.Active = active != 0
	if expires.Valid {
		t := fromNanos(expires.Int64)
		sess.ExpiresAt = &t
	}
	sess.CreatedAt = fromNanos(created)
	return sess, nil
}

func (s *Store) SetSessionActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("set session active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	s.Emit(ctx, store.TableSessions, store.ChangeUpdate, id, sess)
	return nil
}

// --- Participants ---

func (s *Store) UpsertParticipant(ctx context.Context, p collab.Participant) (collab.Participant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return collab.Participant{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var existingID, existingColor string
	var existingJoined int64
	err = tx.QueryRowContext(ctx, `
		SELECT id, color, joined_at FROM participants WHERE session_id = ? AND user_id = ?`,
		p.SessionID, p.UserID).Scan(&existingID, &existingColor, &existingJoined)

	existed := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return collab.Participant{}, fmt.Errorf("lookup participant: %w", err)
	}

	cursor, err := nullableJSON(p.Cursor)
	if err != nil {
		return collab.Participant{}, err
	}

	if existed {
		p.ID = existingID
		p.Color = existingColor
		p.JoinedAt = fromNanos(existingJoined)
		_, err = tx.ExecContext(ctx, `
			UPDATE participants SET display_name = ?, role = ?, online = ?, cursor = ?, last_seen = ?
			WHERE session_id = ? AND user_id = ?`,
			p.DisplayName, string(p.Role), boolInt(p.Online), cursor, toNanos(p.LastSeen),
			p.SessionID, p.UserID)
	} else {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO participants (id, session_id, user_id, display_name, role, color, online, cursor, joined_at, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.SessionID, p.UserID, p.DisplayName, string(p.Role), p.Color,
			boolInt(p.Online), cursor, toNanos(p.JoinedAt), toNanos(p.LastSeen))
	}
	if err != nil {
		return collab.Participant{}, fmt.Errorf("upsert participant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return collab.Participant{}, fmt.Errorf("commit: %w", err)
	}

	kind := store.ChangeInsert
	if existed {
		kind = store.ChangeUpdate
	}
	s.Emit(ctx, store.TableParticipants, kind, p.SessionID, p)
	return p, nil
}

func (s *Store) SetParticipantPresence(ctx context.Context, sessionID, userID string, online bool, lastSeen time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE participants SET online = ?, last_seen = ? WHERE session_id = ? AND user_id = ?`,
		boolInt(online), toNanos(lastSeen), sessionID, userID)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	list, err := s.ListParticipants(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, p := range list {
		if p.UserID == userID {
			s.Emit(ctx, store.TableParticipants, store.ChangeUpdate, sessionID, p)
			break
		}
	}
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]collab.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, display_name, role, color, online, cursor, joined_at, last_seen
		FROM participants WHERE session_id = ? ORDER BY joined_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []collab.Participant
	for rows.Next() {
		var p collab.Participant
		var role string
		var online int
		var cursor sql.NullString
		var joined, seen int64
		if err := rows.Scan(&p.ID, &p.SessionID, &p.UserID, &p.DisplayName, &role, &p.Color, &online, &cursor, &joined, &seen); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Role = collab.Role(role)
		p.Online = online != 0
		if cursor.Valid && cursor.String != "" {
			var pos graph.Position
			if err := json.Unmarshal([]byte(cursor.String), &pos); err == nil {
				p.Cursor = &pos
			}
		}
		p.JoinedAt = fromNanos(joined)
		p.LastSeen = fromNanos(seen)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Operations ---

func (s *Store) AppendOperation(ctx context.Context, op collab.Operation) (collab.Operation, error) {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return collab.Operation{}, fmt.Errorf("encode payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (id, session_id, user_id, kind, payload, ts, applied)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.SessionID, op.UserID, string(op.Kind), string(payload), toNanos(op.Timestamp), boolInt(op.Applied))
	if err != nil {
		return collab.Operation{}, fmt.Errorf("append operation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return collab.Operation{}, fmt.Errorf("operation sequence: %w", err)
	}
	op.SequenceNumber = seq

	s.Emit(ctx, store.TableOperations, store.ChangeInsert, op.SessionID, op)
	return op, nil
}

func (s *Store) MarkOperationApplied(ctx context.Context, sessionID, opID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET applied = 1 WHERE session_id = ? AND id = ?`, sessionID, opID)
	if err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	ops, err := s.ListOperationsSince(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.ID == opID {
			s.Emit(ctx, store.TableOperations, store.ChangeUpdate, sessionID, op)
			break
		}
	}
	return nil
}

func (s *Store) ListOperationsSince(ctx context.Context, sessionID string, afterSeq int64) ([]collab.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, session_id, user_id, kind, payload, ts, applied
		FROM operations WHERE session_id = ? AND seq > ? ORDER BY seq`, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []collab.Operation
	for rows.Next() {
		var op collab.Operation
		var kind, payload string
		var ts int64
		var applied int
		if err := rows.Scan(&op.SequenceNumber, &op.ID, &op.SessionID, &op.UserID, &kind, &payload, &ts, &applied); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Kind = collab.Kind(kind)
		p, err := collab.DecodePayload(op.Kind, json.RawMessage(payload))
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", op.ID, err)
		}
		op.Payload = p
		op.Timestamp = fromNanos(ts)
		op.Applied = applied != 0
		out = append(out, op)
	}
	return out, rows.Err()
}

// --- Snapshots ---

func (s *Store) PutSnapshot(ctx context.Context, snap collab.Snapshot) error {
	nodes, err := json.Marshal(snap.Nodes)
	if err != nil {
		return fmt.Errorf("encode nodes: %w", err)
	}
	edges, err := json.Marshal(snap.Edges)
	if err != nil {
		return fmt.Errorf("encode edges: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, session_id, nodes, edges, created_by, label, is_checkpoint, operation_sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.SessionID, string(nodes), string(edges), snap.CreatedBy, snap.Label,
		boolInt(snap.IsCheckpoint), snap.OperationSequence, toNanos(snap.CreatedAt))
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}

	s.Emit(ctx, store.TableSnapshots, store.ChangeInsert, snap.SessionID, snap)
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, sessionID string) (*collab.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, nodes, edges, created_by, label, is_checkpoint, operation_sequence, created_at
		FROM snapshots WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, sessionID)

	var snap collab.Snapshot
	var nodes, edges string
	var checkpoint int
	var created int64
	err := row.Scan(&snap.ID, &snap.SessionID, &nodes, &edges, &snap.CreatedBy, &snap.Label, &checkpoint, &snap.OperationSequence, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(nodes), &snap.Nodes); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(edges), &snap.Edges); err != nil {
		return nil, fmt.Errorf("decode edges: %w", err)
	}
	snap.IsCheckpoint = checkpoint != 0
	snap.CreatedAt = fromNanos(created)
	return &snap, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableJSON(v any) (any, error) {
	switch x := v.(type) {
	case *graph.Position:
		if x == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode cursor: %w", err)
	}
	return string(data), nil
}

var _ store.Store = (*Store)(nil)
