// Package queue provides the durable action queue: an ordered, persistent
// store of user actions taken while disconnected, replayed against the
// network once connectivity returns. Actions are persisted before Enqueue
// returns, so a crash between enqueue and acknowledgment cannot lose one.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"mailkeep/internal/faults"
)

// MaxRetries is the absolute retry ceiling for a queued action. An action
// failing this many replay attempts is dropped and reported; a fresh user
// action must be re-queued by a foreground instance.
const MaxRetries = 3

// ActionType identifies the kind of user action queued for replay.
type ActionType string

const (
	ActionSendEmail   ActionType = "SEND_EMAIL"
	ActionMarkRead    ActionType = "MARK_READ"
	ActionStarEmail   ActionType = "STAR_EMAIL"
	ActionDeleteEmail ActionType = "DELETE_EMAIL"
	ActionSaveDraft   ActionType = "SAVE_DRAFT"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionSendEmail, ActionMarkRead, ActionStarEmail, ActionDeleteEmail, ActionSaveDraft:
		return true
	}
	return false
}

// Action statuses.
const (
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// Action is one queued user action. The id is assigned at insertion and is
// monotonic: id order == arrival order == replay order.
type Action struct {
	ID         int64           `db:"id" json:"id"`
	Type       ActionType      `db:"type" json:"type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	EnqueuedAt time.Time       `db:"-" json:"enqueued_at"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	Status     string          `db:"status" json:"status"`
}

// SyncStatus is the singleton replay status broadcast to foreground
// instances. Recomputed after every replay pass and on every enqueue.
type SyncStatus struct {
	InProgress bool      `json:"in_progress"`
	QueueSize  int       `json:"queue_size"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store persists the action queue and a small key-value metadata table
// (cache version marker, last sync status snapshot).
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the queue database at dbPath, enables WAL mode,
// and runs any pending schema migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, faults.Storage("queue.open", err)
	}

	// WAL mode for concurrent reads while the replay pass writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, faults.Storage("queue.open", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, faults.Storage("queue.migrate", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue validates and persists an action, returning it with its assigned
// id. The insert is durable before Enqueue returns.
func (s *Store) Enqueue(ctx context.Context, actionType ActionType, payload json.RawMessage) (*Action, error) {
	if !actionType.Valid() {
		return nil, faults.Validation("queue.enqueue", fmt.Errorf("unknown action type %q", actionType))
	}
	if payload == nil {
		payload = json.RawMessage("{}")
	} else if !json.Valid(payload) {
		return nil, faults.Validation("queue.enqueue", fmt.Errorf("payload is not valid JSON"))
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (type, payload, enqueued_at, retry_count, status)
		 VALUES (?, ?, ?, 0, ?)`,
		string(actionType), string(payload), now.Format(time.RFC3339Nano), StatusPending,
	)
	if err != nil {
		return nil, faults.Storage("queue.enqueue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, faults.Storage("queue.enqueue", err)
	}

	return &Action{
		ID:         id,
		Type:       actionType,
		Payload:    payload,
		EnqueuedAt: now,
		RetryCount: 0,
		Status:     StatusPending,
	}, nil
}

// Pending returns all pending actions in id (arrival) order.
func (s *Store) Pending(ctx context.Context) ([]Action, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, type, payload, enqueued_at, retry_count, status
		 FROM actions WHERE status = ? ORDER BY id`, StatusPending)
	if err != nil {
		return nil, faults.Storage("queue.pending", err)
	}
	defer func() { _ = rows.Close() }()

	var actions []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, faults.Storage("queue.pending", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// Size returns the number of pending actions.
func (s *Store) Size(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM actions WHERE status = ?", StatusPending)
	if err != nil {
		return 0, faults.Storage("queue.size", err)
	}
	return n, nil
}

// Remove deletes the given action ids in one pass. Used by the replay
// engine for successfully replayed and retry-exhausted actions.
func (s *Store) Remove(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In("DELETE FROM actions WHERE id IN (?)", ids)
	if err != nil {
		return faults.Storage("queue.remove", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return faults.Storage("queue.remove", err)
	}
	return nil
}

// SetRetryCount persists the retry count for one action.
func (s *Store) SetRetryCount(ctx context.Context, id int64, retries int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE actions SET retry_count = ? WHERE id = ?", retries, id)
	if err != nil {
		return faults.Storage("queue.retry", err)
	}
	return nil
}

// Clear removes every action regardless of status.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM actions"); err != nil {
		return faults.Storage("queue.clear", err)
	}
	return nil
}

// GetMeta returns the metadata value for key, or "" when absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM metadata WHERE key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", faults.Storage("queue.meta", err)
	}
	return value, nil
}

// SetMeta stores a metadata value under key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return faults.Storage("queue.meta", err)
	}
	return nil
}

// SaveSyncStatus persists the latest sync status snapshot.
func (s *Store) SaveSyncStatus(ctx context.Context, st SyncStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return faults.Storage("queue.sync_status", err)
	}
	return s.SetMeta(ctx, "sync_status", string(data))
}

// LoadSyncStatus returns the last persisted sync status snapshot, or a
// zero status when none has been saved.
func (s *Store) LoadSyncStatus(ctx context.Context) (SyncStatus, error) {
	var st SyncStatus
	raw, err := s.GetMeta(ctx, "sync_status")
	if err != nil || raw == "" {
		return st, err
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return SyncStatus{}, faults.Storage("queue.sync_status", err)
	}
	return st, nil
}

func scanAction(rows *sqlx.Rows) (Action, error) {
	var a Action
	var payload, enqueuedAt string
	if err := rows.Scan(&a.ID, &a.Type, &payload, &enqueuedAt, &a.RetryCount, &a.Status); err != nil {
		return Action{}, err
	}
	a.Payload = json.RawMessage(payload)
	a.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	return a, nil
}
