// Package sqlitestore is a durable agentloop.SessionStore backed by SQLite.
//
// Each message is one row holding its JSON payload. Rows are keyed by
// (session_key, message_id) so re-appending a known message id rewrites the
// row in place and keeps its position, matching agentloop.Reduce.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/martinemde/itinerary/agentloop"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS sessions (
    session_key TEXT PRIMARY KEY,
    step INTEGER NOT NULL DEFAULT 0,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    session_key TEXT NOT NULL REFERENCES sessions(session_key),
    message_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    PRIMARY KEY (session_key, message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_key, seq);
`

const upsertMessage = `
INSERT INTO messages (session_key, message_id, seq, role, payload_json)
VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_key = ?), ?, ?)
ON CONFLICT(session_key, message_id) DO UPDATE SET
    role = excluded.role,
    payload_json = excluded.payload_json
`

// Store persists conversation state in SQLite. Turn locks are process-local.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	locks  *agentloop.KeyedMutex
	closed bool
}

var _ agentloop.SessionStore = (*Store)(nil)

// Open opens (and migrates) the database at dsn, for example
// "file:itinerary.db?_busy_timeout=5000".
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlitestore: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore: open")
	}
	// One writer keeps SQLite from returning "database is locked" under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaV1); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlitestore: migrate")
	}
	return &Store{db: db, locks: agentloop.NewKeyedMutex()}, nil
}

func (s *Store) ensureOpen() error {
	if s.closed {
		return agentloop.ErrStoreClosed
	}
	return nil
}

func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	return s.locks.Lock(ctx, key)
}

func (s *Store) GetOrCreate(ctx context.Context, key string) (agentloop.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return agentloop.ConversationState{}, err
	}

	var state agentloop.ConversationState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSession(ctx, tx, key, false); err != nil {
			return err
		}
		var err error
		state, err = loadState(ctx, tx, key)
		return err
	})
	return state, err
}

func (s *Store) Get(ctx context.Context, key string) (agentloop.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return agentloop.ConversationState{}, err
	}

	var state agentloop.ConversationState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		state, err = loadState(ctx, tx, key)
		return err
	})
	return state, err
}

func (s *Store) Append(ctx context.Context, key string, msgs ...agentloop.Message) (agentloop.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return agentloop.ConversationState{}, err
	}

	var state agentloop.ConversationState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSession(ctx, tx, key, true); err != nil {
			return err
		}
		for _, m := range msgs {
			payload, err := json.Marshal(m)
			if err != nil {
				return errors.Wrapf(err, "sqlitestore: encode message %s", m.ID)
			}
			rowID := m.ID
			if rowID == "" {
				rowID = "anon_" + uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx, upsertMessage, key, rowID, key, string(m.Role), string(payload)); err != nil {
				return errors.Wrapf(err, "sqlitestore: write message %s", rowID)
			}
		}
		var err error
		state, err = loadState(ctx, tx, key)
		return err
	})
	return state, err
}

// Close closes the database. Later calls return agentloop.ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlitestore: begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "sqlitestore: commit")
}

// touchSession creates the session row if needed. bump advances the step
// counter.
func touchSession(ctx context.Context, tx *sql.Tx, key string, bump bool) error {
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_key, step, created_at_ms, updated_at_ms) VALUES (?, 0, ?, ?)
		 ON CONFLICT(session_key) DO NOTHING`, key, now, now); err != nil {
		return errors.Wrapf(err, "sqlitestore: create session %s", key)
	}
	if !bump {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET step = step + 1, updated_at_ms = ? WHERE session_key = ?`, now, key)
	return errors.Wrapf(err, "sqlitestore: bump step %s", key)
}

func loadState(ctx context.Context, tx *sql.Tx, key string) (agentloop.ConversationState, error) {
	var state agentloop.ConversationState
	err := tx.QueryRowContext(ctx, `SELECT step FROM sessions WHERE session_key = ?`, key).Scan(&state.Step)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return state, agentloop.ErrSessionNotFound
	case err != nil:
		return state, errors.Wrapf(err, "sqlitestore: read session %s", key)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT payload_json FROM messages WHERE session_key = ? ORDER BY seq`, key)
	if err != nil {
		return state, errors.Wrapf(err, "sqlitestore: read messages %s", key)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return state, errors.Wrap(err, "sqlitestore: scan message")
		}
		var m agentloop.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return state, errors.Wrap(err, "sqlitestore: decode message")
		}
		state.Messages = append(state.Messages, m)
	}
	return state, errors.Wrap(rows.Err(), "sqlitestore: iterate messages")
}
