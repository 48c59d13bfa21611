// Package audit provides a local SQLite-based, write-only record of
// notification activity: what was shown, clicked, or dropped. The core
// never reads it back; it exists for offline debugging of push handling.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Record event types.
const (
	EventShown     = "shown"
	EventGrouped   = "grouped"
	EventClicked   = "clicked"
	EventDismissed = "dismissed"
	EventDropped   = "dropped"
)

// Record is a single notification audit entry
type Record struct {
	ID               int64
	Timestamp        int64
	EventType        string // shown, grouped, clicked, dismissed, dropped
	NotificationType string // new_mail, vip_mail, sync_complete, sync_failed, reminder
	Title            string
	URL              string
}

// Schema for the audit database
const schema = `
CREATE TABLE IF NOT EXISTS notification_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    notification_type TEXT,
    title TEXT,
    url TEXT,
    created_at INTEGER DEFAULT (strftime('%s', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_notification_events_timestamp ON notification_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_notification_events_event_type ON notification_events(event_type);
`

// Trail records notification events
type Trail struct {
	db      *sql.DB
	enabled bool
	mu      sync.Mutex
}

// IsEnabledFromEnv checks the MAILKEEP_AUDIT_ENABLED environment variable
// and returns the effective enabled state. Environment variable overrides
// the config value.
func IsEnabledFromEnv(configEnabled bool) bool {
	envVal := os.Getenv("MAILKEEP_AUDIT_ENABLED")
	if envVal == "" {
		return configEnabled
	}
	return envVal == "true" || envVal == "1"
}

// NewTrail creates a new audit trail.
// If enabled is false, recording is disabled but the database is still created.
func NewTrail(dbPath string, enabled bool) (*Trail, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	return &Trail{
		db:      db,
		enabled: enabled,
	}, nil
}

// Close closes the database connection
func (t *Trail) Close() error {
	if t.db != nil {
		return t.db.Close()
	}
	return nil
}

// Record logs a notification event. Writes happen asynchronously so the
// notification path is never slowed down; failures are silent.
func (t *Trail) Record(eventType, notificationType, title, url string) {
	if !t.enabled {
		return
	}

	rec := Record{
		Timestamp:        time.Now().Unix(),
		EventType:        eventType,
		NotificationType: notificationType,
		Title:            title,
		URL:              url,
	}
	go t.logRecord(rec)
}

// logRecord inserts one record into the database
func (t *Trail) logRecord(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, _ = t.db.Exec(`
		INSERT INTO notification_events (timestamp, event_type, notification_type, title, url)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Timestamp, rec.EventType, nullString(rec.NotificationType),
		nullString(rec.Title), nullString(rec.URL))
}

// Cleanup removes records older than the specified retention period.
// Returns the number of deleted records.
func (t *Trail) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().Unix() - int64(retentionDays*86400)

	t.mu.Lock()
	defer t.mu.Unlock()

	result, err := t.db.Exec("DELETE FROM notification_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	// Vacuum to reclaim space
	_, _ = t.db.Exec("VACUUM")

	return deleted, nil
}

// openDB opens or creates the audit database at the given path
func openDB(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	return db, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
