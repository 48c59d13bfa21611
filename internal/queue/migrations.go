package queue

// migration is one versioned schema change, applied in order.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY
			);

			CREATE TABLE IF NOT EXISTS actions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				type TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '{}',
				enqueued_at TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending'
			);

			CREATE INDEX IF NOT EXISTS idx_actions_enqueued_at ON actions(enqueued_at);
			CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status);

			CREATE TABLE IF NOT EXISTS metadata (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			INSERT INTO schema_version (version) VALUES (1);
		`,
	},
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return err
	}

	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return err
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return err
		}
	}

	return nil
}
