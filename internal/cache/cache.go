// Package cache provides the namespaced content cache with byte budgets
// and write-triggered LRU eviction. Entries are persisted in SQLite so
// cached content survives process restarts; the last-access index used for
// eviction ordering is kept in memory only and is rebuilt lazily, with
// unknown entries treated as never accessed.
package cache

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"mailkeep/internal/faults"
	"mailkeep/internal/logging"
)

// evictionWatermark is the fraction of the budget a namespace is reduced
// to when it exceeds its budget. The 20% headroom avoids re-evicting on
// every subsequent write.
const evictionWatermark = 0.8

// Entry is a single cached response payload.
type Entry struct {
	Key         string
	ContentType string
	Payload     []byte
	SizeBytes   int64
	StoredAt    time.Time
}

// NamespaceStats summarizes one namespace for cache-status queries.
type NamespaceStats struct {
	Name       string `json:"name"`
	EntryCount int    `json:"entry_count"`
	TotalBytes int64  `json:"total_bytes"`
}

// accessStamp orders entries for eviction. seq breaks ties between equal
// timestamps so eviction order stays deterministic.
type accessStamp struct {
	at  time.Time
	seq uint64
}

// Store is the cache namespace store. All entries live in one SQLite
// database keyed by (namespace, key); each namespace has an independent
// byte budget and its writes are serialized so an eviction pass never
// races a write into the same namespace.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	budgets map[string]int64
	access  map[string]map[string]accessStamp
	nsLocks map[string]*sync.Mutex
	seq     uint64
}

// Open opens (or creates) the cache database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, faults.Storage("cache.open", err)
	}

	s := &Store{
		db:      db,
		budgets: make(map[string]int64),
		access:  make(map[string]map[string]accessStamp),
		nsLocks: make(map[string]*sync.Mutex),
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, faults.Storage("cache.schema", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cache_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			content_type TEXT DEFAULT '',
			payload BLOB NOT NULL,
			size_bytes INTEGER NOT NULL,
			stored_at TEXT NOT NULL,
			UNIQUE(namespace, key)
		);

		CREATE INDEX IF NOT EXISTS idx_cache_entries_namespace ON cache_entries(namespace);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetBudget registers the byte budget for a namespace. A budget of zero
// means unbounded (used by the shell namespace).
func (s *Store) SetBudget(namespace string, budgetBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[namespace] = budgetBytes
}

// Budget returns the configured budget for a namespace (0 = unbounded).
func (s *Store) Budget(namespace string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budgets[namespace]
}

// lockNamespace returns the mutex serializing writes for one namespace.
func (s *Store) lockNamespace(namespace string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.nsLocks[namespace]
	if !ok {
		l = &sync.Mutex{}
		s.nsLocks[namespace] = l
	}
	return l
}

// touch records an access for LRU ordering.
func (s *Store) touch(namespace, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.access[namespace]
	if !ok {
		m = make(map[string]accessStamp)
		s.access[namespace] = m
	}
	s.seq++
	m[key] = accessStamp{at: time.Now(), seq: s.seq}
}

func (s *Store) stamp(namespace, key string) (accessStamp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.access[namespace]
	if !ok {
		return accessStamp{}, false
	}
	st, ok := m[key]
	return st, ok
}

func (s *Store) forget(namespace, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.access[namespace]; ok {
		delete(m, key)
	}
}

func (s *Store) forgetNamespace(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.access, namespace)
}

// Put stores an entry and runs an eviction pass over the affected
// namespace. The entry carries the freshest access time when the pass
// runs, so a write can never evict the entry it just inserted.
func (s *Store) Put(ctx context.Context, namespace, key, contentType string, payload []byte) error {
	l := s.lockNamespace(namespace)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (namespace, key, content_type, payload, size_bytes, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET
			content_type = excluded.content_type,
			payload = excluded.payload,
			size_bytes = excluded.size_bytes,
			stored_at = excluded.stored_at`,
		namespace, key, contentType, payload, int64(len(payload)), now,
	)
	if err != nil {
		return faults.Storage("cache.put", err)
	}

	s.touch(namespace, key)
	s.evictLocked(ctx, namespace)
	return nil
}

// Get returns the entry for key, or nil when absent. A hit refreshes the
// entry's access time: reads count as access for LRU purposes. The payload
// is copied out before returning, so a later eviction pass can never
// invalidate an in-flight read.
func (s *Store) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	var e Entry
	var storedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT key, content_type, payload, size_bytes, stored_at FROM cache_entries WHERE namespace = ? AND key = ?",
		namespace, key,
	).Scan(&e.Key, &e.ContentType, &e.Payload, &e.SizeBytes, &storedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Storage("cache.get", err)
	}
	e.StoredAt, _ = time.Parse(time.RFC3339Nano, storedAt)

	s.touch(namespace, key)
	return &e, nil
}

// Delete removes a single entry. Missing entries are not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE namespace = ? AND key = ?", namespace, key)
	if err != nil {
		return faults.Storage("cache.delete", err)
	}
	s.forget(namespace, key)
	return nil
}

// Namespaces enumerates every namespace that currently holds entries.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT namespace FROM cache_entries ORDER BY namespace")
	if err != nil {
		return nil, faults.Storage("cache.namespaces", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, faults.Storage("cache.namespaces", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Stats returns entry count and total size for every known namespace.
// Namespaces with a configured budget but no entries yet are included so
// cache-status responses stay stable across purges.
func (s *Store) Stats(ctx context.Context) ([]NamespaceStats, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT namespace, COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_entries GROUP BY namespace ORDER BY namespace")
	if err != nil {
		return nil, faults.Storage("cache.stats", err)
	}
	defer func() { _ = rows.Close() }()

	byName := make(map[string]NamespaceStats)
	var order []string
	for rows.Next() {
		var st NamespaceStats
		if err := rows.Scan(&st.Name, &st.EntryCount, &st.TotalBytes); err != nil {
			return nil, faults.Storage("cache.stats", err)
		}
		byName[st.Name] = st
		order = append(order, st.Name)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Storage("cache.stats", err)
	}

	s.mu.Lock()
	for name := range s.budgets {
		if _, ok := byName[name]; !ok {
			byName[name] = NamespaceStats{Name: name}
			order = append(order, name)
		}
	}
	s.mu.Unlock()

	stats := make([]NamespaceStats, 0, len(order))
	for _, name := range order {
		stats = append(stats, byName[name])
	}
	return stats, nil
}

// PurgeNamespace deletes every entry in the named namespace.
func (s *Store) PurgeNamespace(ctx context.Context, namespace string) error {
	l := s.lockNamespace(namespace)
	l.Lock()
	defer l.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE namespace = ?", namespace)
	if err != nil {
		return faults.Storage("cache.purge", err)
	}
	s.forgetNamespace(namespace)
	return nil
}

// PurgeMatching deletes every namespace whose name contains any of the
// given substrings. Returns the names of purged namespaces.
func (s *Store) PurgeMatching(ctx context.Context, substrings ...string) ([]string, error) {
	names, err := s.Namespaces(ctx)
	if err != nil {
		return nil, err
	}

	var purged []string
	for _, name := range names {
		for _, sub := range substrings {
			if sub != "" && strings.Contains(name, sub) {
				if err := s.PurgeNamespace(ctx, name); err != nil {
					return purged, err
				}
				purged = append(purged, name)
				break
			}
		}
	}
	return purged, nil
}

// PurgeAll deletes every cached entry and resets the access index.
func (s *Store) PurgeAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries")
	if err != nil {
		return faults.Storage("cache.purge_all", err)
	}
	s.mu.Lock()
	s.access = make(map[string]map[string]accessStamp)
	s.mu.Unlock()
	return nil
}

// evictionCandidate pairs an entry with its access ordering for the
// eviction sort.
type evictionCandidate struct {
	rowID int64
	key   string
	size  int64
	stamp accessStamp
	known bool
}

// evictLocked runs one eviction pass over a namespace. The caller must
// hold the namespace lock. Entries without an in-memory access record
// (e.g. after a restart) sort before all recorded entries, in insertion
// order, so stale pre-restart content is reclaimed first.
func (s *Store) evictLocked(ctx context.Context, namespace string) {
	budget := s.Budget(namespace)
	if budget <= 0 {
		return
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, key, size_bytes FROM cache_entries WHERE namespace = ? ORDER BY id",
		namespace)
	if err != nil {
		logging.Warnf("cache: eviction scan failed for %s: %v", namespace, err)
		return
	}

	var total int64
	var candidates []evictionCandidate
	for rows.Next() {
		var c evictionCandidate
		if err := rows.Scan(&c.rowID, &c.key, &c.size); err != nil {
			_ = rows.Close()
			logging.Warnf("cache: eviction scan failed for %s: %v", namespace, err)
			return
		}
		c.stamp, c.known = s.stamp(namespace, c.key)
		total += c.size
		candidates = append(candidates, c)
	}
	scanErr := rows.Err()
	_ = rows.Close()
	if scanErr != nil || total <= budget {
		return
	}

	// Oldest-accessed first; never-accessed entries first of all.
	// Ties resolve by insertion order (rowid) to stay deterministic.
	sortCandidates(candidates)

	target := int64(float64(budget) * evictionWatermark)
	for _, c := range candidates {
		if total <= target {
			break
		}
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM cache_entries WHERE namespace = ? AND key = ?", namespace, c.key); err != nil {
			// Skip the entry and continue the pass.
			logging.Warnf("cache: failed to evict %s/%s: %v", namespace, c.key, err)
			continue
		}
		s.forget(namespace, c.key)
		total -= c.size
	}

	logging.Debugf("cache: evicted %s down to %d bytes (budget %d)", namespace, total, budget)
}

// sortCandidates orders eviction candidates oldest-accessed first.
// Insertion sort keeps the tie-break stable; namespaces hold at most a
// few thousand entries.
func sortCandidates(candidates []evictionCandidate) {
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && olderThan(candidates[j], candidates[j-1]); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
}

func olderThan(a, b evictionCandidate) bool {
	if a.known != b.known {
		return !a.known
	}
	if !a.known {
		return a.rowID < b.rowID
	}
	if !a.stamp.at.Equal(b.stamp.at) {
		return a.stamp.at.Before(b.stamp.at)
	}
	return a.stamp.seq < b.stamp.seq
}
