// Package push handles incoming push payloads: schema validation, mapping
// payload types to notification presentation, grouping repeated mail
// notifications, and dispatching notification interactions back into the
// system (open a mail URL or queue a mutating action).
package push

import (
	"time"
)

// PayloadType identifies the kind of push payload
type PayloadType string

const (
	TypeNewMail      PayloadType = "new_mail"
	TypeVipMail      PayloadType = "vip_mail"
	TypeSyncComplete PayloadType = "sync_complete"
	TypeSyncFailed   PayloadType = "sync_failed"
	TypeReminder     PayloadType = "reminder"
)

// Notification is a notification ready for presentation
type Notification struct {
	Type      PayloadType
	Title     string
	Message   string
	Tag       string
	URL       string
	Urgent    bool
	Vibrate   bool
	Count     int // aggregated count for grouped notifications
	Actions   []Action
	Timestamp time.Time
}

// Manager is the interface for presenting notifications
type Manager interface {
	Send(n Notification) error
	SendAsync(n Notification)
	Close() error
	ChannelCount() int
}

// Channel is the interface for a notification delivery channel
type Channel interface {
	Send(n Notification) error
	Close() error
}

// Config holds the notification configuration
type Config struct {
	Enabled    bool
	OSChannel  OSChannelConfig
	LogChannel LogChannelConfig
}

// OSChannelConfig holds OS notification configuration
type OSChannelConfig struct {
	Enabled bool
}

// LogChannelConfig holds log notification configuration
type LogChannelConfig struct {
	Enabled   bool
	Path      string
	MaxSizeMB int
}

// CommandExecutor is the interface for executing system commands
type CommandExecutor interface {
	Execute(cmd string, args ...string) error
}

// MockCommandExecutor is a mock implementation of CommandExecutor for testing
type MockCommandExecutor struct {
	ExecuteFunc func(cmd string, args ...string) error
}

// Execute implements CommandExecutor
func (m *MockCommandExecutor) Execute(cmd string, args ...string) error {
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(cmd, args...)
	}
	return nil
}

// Option is a functional option for configuring notification channels
type Option func(interface{})

// WithCommandExecutor sets a custom command executor
func WithCommandExecutor(executor CommandExecutor) Option {
	return func(c interface{}) {
		if ch, ok := c.(*osChannel); ok {
			ch.executor = executor
		}
		if mgr, ok := c.(*manager); ok {
			mgr.commandExecutor = executor
		}
	}
}

// WithPlatform sets the platform for OS notifications
func WithPlatform(platform string) Option {
	return func(c interface{}) {
		if ch, ok := c.(*osChannel); ok {
			ch.platform = platform
		}
	}
}

// WithSendCallback sets a callback invoked for every sent notification
func WithSendCallback(callback func(Notification)) Option {
	return func(c interface{}) {
		if ch, ok := c.(*osChannel); ok {
			ch.sendCallback = callback
		}
		if mgr, ok := c.(*manager); ok {
			mgr.sendCallback = callback
		}
	}
}

// manager implements Manager
type manager struct {
	channels        []Channel
	enabled         bool
	commandExecutor CommandExecutor
	sendCallback    func(Notification)
}

// NewManager creates a new Manager based on configuration
func NewManager(cfg *Config, opts ...Option) (Manager, error) {
	m := &manager{
		channels: []Channel{},
		enabled:  cfg.Enabled,
	}

	for _, opt := range opts {
		opt(m)
	}

	if !cfg.Enabled {
		return m, nil
	}

	if cfg.OSChannel.Enabled {
		var osOpts []Option
		if m.commandExecutor != nil {
			osOpts = append(osOpts, WithCommandExecutor(m.commandExecutor))
		}
		if m.sendCallback != nil {
			osOpts = append(osOpts, WithSendCallback(m.sendCallback))
		}
		m.channels = append(m.channels, NewOSChannel(&cfg.OSChannel, osOpts...))
	}

	if cfg.LogChannel.Enabled {
		m.channels = append(m.channels, NewLogChannel(&cfg.LogChannel))
	}

	return m, nil
}

// Send dispatches the notification to all enabled channels
func (m *manager) Send(n Notification) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, ch := range m.channels {
		if err := ch.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SendAsync dispatches the notification without blocking
func (m *manager) SendAsync(n Notification) {
	go func() {
		_ = m.Send(n)
	}()
}

// Close cleans up resources
func (m *manager) Close() error {
	var lastErr error
	for _, ch := range m.channels {
		if err := ch.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// ChannelCount returns the number of active channels
func (m *manager) ChannelCount() int {
	return len(m.channels)
}
