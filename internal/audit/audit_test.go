package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestTrail(t *testing.T, enabled bool) *Trail {
	t.Helper()

	trail, err := NewTrail(filepath.Join(t.TempDir(), "audit.db"), enabled)
	if err != nil {
		t.Fatalf("creating trail: %v", err)
	}
	t.Cleanup(func() { _ = trail.Close() })
	return trail
}

func (t *Trail) countRecords(tb testing.TB) int {
	tb.Helper()

	t.mu.Lock()
	defer t.mu.Unlock()

	var n int
	if err := t.db.QueryRow("SELECT COUNT(*) FROM notification_events").Scan(&n); err != nil {
		tb.Fatalf("counting records: %v", err)
	}
	return n
}

func waitForRecords(t *testing.T, trail *Trail, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for trail.countRecords(t) < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d records, got %d", want, trail.countRecords(t))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecordInsertsAsynchronously(t *testing.T) {
	trail := newTestTrail(t, true)

	trail.Record(EventShown, "new_mail", "New email from alice", "/mail/inbox/e1")
	trail.Record(EventClicked, "new_mail", "New email from alice", "/mail/inbox/e1")

	waitForRecords(t, trail, 2)
}

func TestDisabledTrailRecordsNothing(t *testing.T) {
	trail := newTestTrail(t, false)

	trail.Record(EventShown, "reminder", "Reminder", "")
	time.Sleep(50 * time.Millisecond)

	if n := trail.countRecords(t); n != 0 {
		t.Errorf("disabled trail recorded %d events", n)
	}
}

func TestCleanupRemovesOldRecords(t *testing.T) {
	trail := newTestTrail(t, true)

	old := Record{
		Timestamp: time.Now().Add(-40 * 24 * time.Hour).Unix(),
		EventType: EventShown,
	}
	trail.logRecord(old)
	trail.logRecord(Record{Timestamp: time.Now().Unix(), EventType: EventShown})

	deleted, err := trail.Cleanup(30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
	if n := trail.countRecords(t); n != 1 {
		t.Errorf("expected 1 record remaining, got %d", n)
	}
}

func TestIsEnabledFromEnv(t *testing.T) {
	t.Setenv("MAILKEEP_AUDIT_ENABLED", "")
	if !IsEnabledFromEnv(true) {
		t.Error("empty env should fall back to config value")
	}
	t.Setenv("MAILKEEP_AUDIT_ENABLED", "false")
	if IsEnabledFromEnv(true) {
		t.Error("env false should override config true")
	}
	t.Setenv("MAILKEEP_AUDIT_ENABLED", "1")
	if !IsEnabledFromEnv(false) {
		t.Error("env 1 should override config false")
	}
}
