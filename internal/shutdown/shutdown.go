// Package shutdown coordinates daemon teardown: stores, the notification
// manager, and the interception endpoint register cleanups that run in
// LIFO order once shutdown is initiated.
package shutdown

import (
	"context"
	"sync"

	"mailkeep/internal/logging"
)

// CleanupFunc performs one cleanup step. It receives a context that is
// cancelled when the shutdown times out.
type CleanupFunc func(ctx context.Context) error

type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Manager handles graceful shutdown coordination.
type Manager struct {
	mu         sync.Mutex
	cleanups   []cleanupEntry
	shutdown   bool
	shutdownCh chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
	logger     *logging.Logger
}

// NewManager creates a new shutdown manager.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logging.GetLogger(),
	}
}

// RegisterCleanup registers a cleanup step. Cleanups run in LIFO order
// (last registered, first called), so dependents register after their
// dependencies.
func (m *Manager) RegisterCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, fn: fn})
}

// Shutdown initiates a graceful shutdown. Safe to call multiple times;
// only the first call has effect.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.mu.Lock()
		m.shutdown = true
		m.mu.Unlock()

		m.cancel()
		close(m.shutdownCh)
	})
}

// runCleanups executes all cleanup functions in LIFO order. Failures are
// logged and do not stop the remaining cleanups.
func (m *Manager) runCleanups(ctx context.Context) {
	m.mu.Lock()
	cleanups := make([]cleanupEntry, len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i].fn(ctx); err != nil {
			m.logger.Warn("shutdown: %s: %v", cleanups[i].name, err)
		}
	}
}

// Wait blocks until shutdown cleanup completes or ctx expires.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.runCleanups(ctx)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown reports whether shutdown has been initiated.
func (m *Manager) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Context returns a context that is cancelled when shutdown is initiated.
func (m *Manager) Context() context.Context {
	return m.ctx
}
