// Package redis implements store.Store on Redis: rows as JSON in hashes, the
// operation log behind a per-session counter so sequence numbers are
// assigned server-side at append time.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/sensahq/mapsync/collab"
	"github.com/sensahq/mapsync/store"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: MAPSYNC_KEY_PREFIX
	KeyPrefix string `env:"MAPSYNC_KEY_PREFIX,default=mapsync:"`
}

type Store struct {
	store.Emitter

	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mapsync:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) Close() error { return s.client.Close() }

// --- Key helpers ---

func (s *Store) sessionKey(id string) string       { return s.keyPrefix + "session:" + id }
func (s *Store) participantsKey(sid string) string { return s.keyPrefix + "parts:" + sid }
func (s *Store) opSeqKey(sid string) string        { return s.keyPrefix + "opseq:" + sid }
func (s *Store) opsKey(sid string) string          { return s.keyPrefix + "ops:" + sid }
func (s *Store) opIndexKey(sid string) string      { return s.keyPrefix + "opid:" + sid }
func (s *Store) snapshotsKey(sid string) string    { return s.keyPrefix + "snaps:" + sid }

// --- Sessions ---

func (s *Store) PutSession(ctx context.Context, sess collab.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	existed, err := s.client.Exists(ctx, s.sessionKey(sess.ID)).Result()
	if err != nil {
		return fmt.Errorf("session exists: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionKey(sess.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	kind := store.ChangeInsert
	if existed == 1 {
		kind = store.ChangeUpdate
	}
	s.Emit(ctx, store.TableSessions, kind, sess.ID, sess)
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (collab.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return collab.Session{}, store.ErrNotFound
	}
	if err != nil {
		return collab.Session{}, fmt.Errorf("get session: %w", err)
	}
	var sess collab.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return collab.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

func (s *Store) SetSessionActive(ctx context.Context, id string, active bool) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	sess.Active = active
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("set session active: %w", err)
	}
	s.Emit(ctx, store.TableSessions, store.ChangeUpdate, id, sess)
	return nil
}

// --- Participants ---

func (s *Store) UpsertParticipant(ctx context.Context, p collab.Participant) (collab.Participant, error) {
	key := s.participantsKey(p.SessionID)
	existing, err := s.client.HGet(ctx, key, p.UserID).Bytes()
	existed := err == nil
	if err != nil && !errors.Is(err, redis.Nil) {
		return collab.Participant{}, fmt.Errorf("lookup participant: %w", err)
	}

	if existed {
		var prev collab.Participant
		if err := json.Unmarshal(existing, &prev); err != nil {
			return collab.Participant{}, fmt.Errorf("decode participant: %w", err)
		}
		p.ID = prev.ID
		p.Color = prev.Color
		p.JoinedAt = prev.JoinedAt
	} else if p.ID == "" {
		p.ID = uuid.NewString()
	}

	data, err := json.Marshal(p)
	if err != nil {
		return collab.Participant{}, fmt.Errorf("encode participant: %w", err)
	}
	if err := s.client.HSet(ctx, key, p.UserID, data).Err(); err != nil {
		return collab.Participant{}, fmt.Errorf("upsert participant: %w", err)
	}

	kind := store.ChangeInsert
	if existed {
		kind = store.ChangeUpdate
	}
	s.Emit(ctx, store.TableParticipants, kind, p.SessionID, p)
	return p, nil
}

func (s *Store) SetParticipantPresence(ctx context.Context, sessionID, userID string, online bool, lastSeen time.Time) error {
	key := s.participantsKey(sessionID)
	data, err := s.client.HGet(ctx, key, userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup participant: %w", err)
	}
	var p collab.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode participant: %w", err)
	}
	p.Online = online
	p.LastSeen = lastSeen
	updated, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode participant: %w", err)
	}
	if err := s.client.HSet(ctx, key, userID, updated).Err(); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	s.Emit(ctx, store.TableParticipants, store.ChangeUpdate, sessionID, p)
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]collab.Participant, error) {
	rows, err := s.client.HGetAll(ctx, s.participantsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]collab.Participant, 0, len(rows))
	for _, raw := range rows {
		var p collab.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode participant: %w", err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// --- Operations ---

func (s *Store) AppendOperation(ctx context.Context, op collab.Operation) (collab.Operation, error) {
	seq, err := s.client.Incr(ctx, s.opSeqKey(op.SessionID)).Result()
	if err != nil {
		return collab.Operation{}, fmt.Errorf("operation sequence: %w", err)
	}
	op.SequenceNumber = seq

	data, err := json.Marshal(op)
	if err != nil {
		return collab.Operation{}, fmt.Errorf("encode operation: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.opsKey(op.SessionID), strconv.FormatInt(seq, 10), data)
	pipe.HSet(ctx, s.opIndexKey(op.SessionID), op.ID, strconv.FormatInt(seq, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return collab.Operation{}, fmt.Errorf("append operation: %w", err)
	}

	s.Emit(ctx, store.TableOperations, store.ChangeInsert, op.SessionID, op)
	return op, nil
}

func (s *Store) MarkOperationApplied(ctx context.Context, sessionID, opID string) error {
	seqStr, err := s.client.HGet(ctx, s.opIndexKey(sessionID), opID).Result()
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup operation: %w", err)
	}
	raw, err := s.client.HGet(ctx, s.opsKey(sessionID), seqStr).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get operation: %w", err)
	}
	var op collab.Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return fmt.Errorf("decode operation: %w", err)
	}
	op.Applied = true
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	if err := s.client.HSet(ctx, s.opsKey(sessionID), seqStr, data).Err(); err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	s.Emit(ctx, store.TableOperations, store.ChangeUpdate, sessionID, op)
	return nil
}

func (s *Store) ListOperationsSince(ctx context.Context, sessionID string, afterSeq int64) ([]collab.Operation, error) {
	rows, err := s.client.HGetAll(ctx, s.opsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	var out []collab.Operation
	for seqStr, raw := range rows {
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil || seq <= afterSeq {
			continue
		}
		var op collab.Operation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

// --- Snapshots ---

func (s *Store) PutSnapshot(ctx context.Context, snap collab.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.RPush(ctx, s.snapshotsKey(snap.SessionID), data).Err(); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	s.Emit(ctx, store.TableSnapshots, store.ChangeInsert, snap.SessionID, snap)
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, sessionID string) (*collab.Snapshot, error) {
	raw, err := s.client.LIndex(ctx, s.snapshotsKey(sessionID), -1).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	var snap collab.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

var _ store.Store = (*Store)(nil)
