package daemon

import (
	"context"
	"sync"
	"time"

	"mailkeep/internal/logging"
)

const (
	// DefaultProbeInterval is how often the health endpoint is polled.
	DefaultProbeInterval = 15 * time.Second
	// DefaultFailureThreshold is the number of consecutive probe failures
	// before the daemon considers itself offline. A single dropped probe
	// on a flaky link must not flip the state.
	DefaultFailureThreshold = 2
	// probeTimeout bounds a single health check.
	probeTimeout = 5 * time.Second
)

// Monitor tracks connectivity by polling a health probe. The transition
// from offline to online fires the restore callback, which is what kicks
// off a replay pass.
type Monitor struct {
	probe     func(ctx context.Context) error
	interval  time.Duration
	threshold int
	onRestore func()
	logger    *logging.Logger

	mu       sync.Mutex
	online   bool
	failures int

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMonitor creates a connectivity monitor. The monitor starts in the
// offline state so the first successful probe after startup drains any
// actions queued while the daemon was down.
func NewMonitor(probe func(ctx context.Context) error, interval time.Duration, onRestore func()) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		probe:     probe,
		interval:  interval,
		threshold: DefaultFailureThreshold,
		onRestore: onRestore,
		logger:    logging.GetLogger(),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start begins probing in the background.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	<-m.done
}

func (m *Monitor) loop() {
	defer close(m.done)

	m.check()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check runs one probe and applies the state transition.
func (m *Monitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	err := m.probe(ctx)
	cancel()

	m.mu.Lock()
	if err != nil {
		m.failures++
		if m.online && m.failures >= m.threshold {
			m.online = false
			m.logger.Info("daemon: connectivity lost after %d failed probes: %v", m.failures, err)
		}
		m.mu.Unlock()
		return
	}

	m.failures = 0
	restored := !m.online
	m.online = true
	m.mu.Unlock()

	if restored {
		m.logger.Info("daemon: connectivity restored")
		if m.onRestore != nil {
			m.onRestore()
		}
	}
}
