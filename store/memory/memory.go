// Package memory is the in-process reference implementation of store.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sensahq/mapsync/collab"
	"github.com/sensahq/mapsync/store"
)

type Store struct {
	store.Emitter

	mu           sync.RWMutex
	sessions     map[string]collab.Session
	participants map[string]map[string]collab.Participant // sessionID -> userID -> row
	ops          map[string][]collab.Operation            // sessionID -> log, sequence order
	snapshots    map[string][]collab.Snapshot             // sessionID -> in creation order
	nextSeq      map[string]int64
}

func New() *Store {
	return &Store{
		sessions:     make(map[string]collab.Session),
		participants: make(map[string]map[string]collab.Participant),
		ops:          make(map[string][]collab.Operation),
		snapshots:    make(map[string][]collab.Snapshot),
		nextSeq:      make(map[string]int64),
	}
}

func (s *Store) Close() error { return nil }

// --- Sessions ---

func (s *Store) PutSession(ctx context.Context, sess collab.Session) error {
	s.mu.Lock()
	_, existed := s.sessions[sess.ID]
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	kind := store.ChangeInsert
	if existed {
		kind = store.ChangeUpdate
	}
	s.Emit(ctx, store.TableSessions, kind, sess.ID, sess)
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (collab.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return collab.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (s *Store) SetSessionActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	sess.Active = active
	s.sessions[id] = sess
	s.mu.Unlock()

	s.Emit(ctx, store.TableSessions, store.ChangeUpdate, id, sess)
	return nil
}

// --- Participants ---

func (s *Store) UpsertParticipant(ctx context.Context, p collab.Participant) (collab.Participant, error) {
	s.mu.Lock()
	rows, ok := s.participants[p.SessionID]
	if !ok {
		rows = make(map[string]collab.Participant)
		s.participants[p.SessionID] = rows
	}
	existing, existed := rows[p.UserID]
	if existed {
		// Identity fields survive a rejoin.
		p.ID = existing.ID
		p.Color = existing.Color
		p.JoinedAt = existing.JoinedAt
	} else if p.ID == "" {
		p.ID = uuid.NewString()
	}
	rows[p.UserID] = p
	s.mu.Unlock()

	kind := store.ChangeInsert
	if existed {
		kind = store.ChangeUpdate
	}
	s.Emit(ctx, store.TableParticipants, kind, p.SessionID, p)
	return p, nil
}

func (s *Store) SetParticipantPresence(ctx context.Context, sessionID, userID string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	rows, ok := s.participants[sessionID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	p, ok := rows[userID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	p.Online = online
	p.LastSeen = lastSeen
	rows[userID] = p
	s.mu.Unlock()

	s.Emit(ctx, store.TableParticipants, store.ChangeUpdate, sessionID, p)
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]collab.Participant, error) {
	s.mu.RLock()
	rows := s.participants[sessionID]
	out := make([]collab.Participant, 0, len(rows))
	for _, p := range rows {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// --- Operations ---

func (s *Store) AppendOperation(ctx context.Context, op collab.Operation) (collab.Operation, error) {
	s.mu.Lock()
	s.nextSeq[op.SessionID]++
	op.SequenceNumber = s.nextSeq[op.SessionID]
	s.ops[op.SessionID] = append(s.ops[op.SessionID], op)
	s.mu.Unlock()

	s.Emit(ctx, store.TableOperations, store.ChangeInsert, op.SessionID, op)
	return op, nil
}

func (s *Store) MarkOperationApplied(ctx context.Context, sessionID, opID string) error {
	s.mu.Lock()
	log := s.ops[sessionID]
	found := false
	var updated collab.Operation
	for i := range log {
		if log[i].ID == opID {
			log[i].Applied = true
			updated = log[i]
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return store.ErrNotFound
	}

	s.Emit(ctx, store.TableOperations, store.ChangeUpdate, sessionID, updated)
	return nil
}

func (s *Store) ListOperationsSince(ctx context.Context, sessionID string, afterSeq int64) ([]collab.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []collab.Operation
	for _, op := range s.ops[sessionID] {
		if op.SequenceNumber > afterSeq {
			out = append(out, op)
		}
	}
	return out, nil
}

// --- Snapshots ---

func (s *Store) PutSnapshot(ctx context.Context, snap collab.Snapshot) error {
	s.mu.Lock()
	s.snapshots[snap.SessionID] = append(s.snapshots[snap.SessionID], snap)
	s.mu.Unlock()

	s.Emit(ctx, store.TableSnapshots, store.ChangeInsert, snap.SessionID, snap)
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, sessionID string) (*collab.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[sessionID]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[len(snaps)-1]
	return &latest, nil
}

var _ store.Store = (*Store)(nil)
