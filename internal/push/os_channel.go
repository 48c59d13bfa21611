package push

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// osChannel presents notifications via the OS-native notification system
type osChannel struct {
	config       *OSChannelConfig
	executor     CommandExecutor
	platform     string
	sendCallback func(Notification)
}

// NewOSChannel creates a new OS notification channel
func NewOSChannel(cfg *OSChannelConfig, opts ...Option) Channel {
	ch := &osChannel{
		config:   cfg,
		platform: runtime.GOOS,
	}

	for _, opt := range opts {
		opt(ch)
	}

	if ch.executor == nil {
		ch.executor = &realCommandExecutor{}
	}

	return ch
}

// Send presents a notification via the OS notification system
func (c *osChannel) Send(n Notification) error {
	if c.sendCallback != nil {
		c.sendCallback(n)
	}

	switch c.platform {
	case "linux":
		return c.sendLinux(n)
	case "darwin":
		return c.sendDarwin(n)
	default:
		return fmt.Errorf("unsupported platform: %s", c.platform)
	}
}

// sendLinux presents the notification using notify-send
func (c *osChannel) sendLinux(n Notification) error {
	urgency := "normal"
	if n.Urgent {
		urgency = "critical"
	}
	return c.executor.Execute("notify-send", "-u", urgency, n.Title, n.Message)
}

// escapeAppleScript escapes a string for safe use in AppleScript
// double-quoted strings to prevent command injection.
func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// sendDarwin presents the notification using osascript
func (c *osChannel) sendDarwin(n Notification) error {
	msg := escapeAppleScript(n.Message)
	title := escapeAppleScript(n.Title)
	script := fmt.Sprintf(`display notification "%s" with title "%s"`, msg, title)
	return c.executor.Execute("osascript", "-e", script)
}

// Close cleans up resources
func (c *osChannel) Close() error {
	return nil
}

// realCommandExecutor executes real system commands
type realCommandExecutor struct{}

// Execute runs a command
func (e *realCommandExecutor) Execute(cmd string, args ...string) error {
	return exec.Command(cmd, args...).Run()
}
