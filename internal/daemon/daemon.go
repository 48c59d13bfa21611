// Package daemon runs the background process: it serves the bus socket,
// probes connectivity, schedules replay passes, and keeps the shell
// cache fresh.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mailkeep/internal/bus"
	"mailkeep/internal/lifecycle"
	"mailkeep/internal/logging"
)

// Config holds the runtime settings for a daemon instance.
type Config struct {
	SocketPath    string
	PIDPath       string
	ProbeInterval time.Duration
	SyncInterval  time.Duration

	// ManifestPath enables the manifest watcher when WatchManifest is set.
	ManifestPath  string
	WatchManifest bool

	// Executable overrides the binary used by Fork (tests).
	Executable string
	// ConfigPath is forwarded to the forked process.
	ConfigPath string
}

// Daemon owns the long-running pieces and shuts them down together.
type Daemon struct {
	cfg     Config
	core    *Core
	life    *lifecycle.Manager
	server  *bus.Server
	monitor *Monitor
	watcher *lifecycle.ManifestWatcher
	logger  *logging.Logger

	stopChan chan struct{}
}

// New assembles a daemon around an already-wired core.
func New(cfg Config, core *Core, life *lifecycle.Manager) *Daemon {
	return &Daemon{
		cfg:      cfg,
		core:     core,
		life:     life,
		logger:   logging.GetLogger(),
		stopChan: make(chan struct{}),
	}
}

// Run starts the daemon and blocks until it is stopped by a bus STOP
// request, a signal, or context cancellation.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.writePIDFile(); err != nil {
		return err
	}
	defer d.cleanup()

	d.server = bus.NewServer(d.cfg.SocketPath, d.core)
	d.server.OnStop(d.Stop)
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("starting bus server: %w", err)
	}
	d.core.SetBroadcaster(d.server.Broadcast)

	// Install, activate, or refresh the cache generation. The daemon keeps
	// running when the install fails (the mail service may be unreachable
	// at boot); the shell is picked up again on the next start.
	if err := d.life.Startup(ctx); err != nil {
		d.logger.Warn("daemon: lifecycle startup: %v", err)
	}

	d.monitor = NewMonitor(d.core.api.Health, d.cfg.ProbeInterval, func() {
		d.core.RunReplay(context.Background())
	})
	d.monitor.Start()

	if d.cfg.WatchManifest && d.cfg.ManifestPath != "" {
		w, err := lifecycle.NewManifestWatcher(d.cfg.ManifestPath, 0, func() {
			d.life.RefreshShell(context.Background())
		})
		if err != nil {
			d.logger.Warn("daemon: manifest watcher unavailable: %v", err)
		} else if err := w.Start(); err != nil {
			d.logger.Warn("daemon: manifest watcher: %v", err)
		} else {
			d.watcher = w
		}
	}

	syncInterval := d.cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = 5 * time.Minute
	}
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	d.logger.Info("daemon: listening on %s", d.cfg.SocketPath)

	for {
		select {
		case <-ticker.C:
			if d.monitor.Online() {
				d.core.RunReplay(context.Background())
			}
		case sig := <-sigChan:
			d.logger.Info("daemon: received %v, shutting down", sig)
			return nil
		case <-d.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop asks a running daemon to shut down. Safe to call from bus
// handlers.
func (d *Daemon) Stop() {
	select {
	case <-d.stopChan:
	default:
		close(d.stopChan)
	}
}

func (d *Daemon) cleanup() {
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.monitor != nil {
		d.monitor.Stop()
	}
	if d.server != nil {
		d.server.Stop()
	}
	_ = os.Remove(d.cfg.PIDPath)
}

func (d *Daemon) writePIDFile() error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.PIDPath), 0755); err != nil {
		return fmt.Errorf("creating pid directory: %w", err)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(d.cfg.PIDPath, []byte(pid), 0644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// Fork spawns a detached daemon process running this binary.
func Fork(cfg Config) error {
	executable := cfg.Executable
	if executable == "" {
		var err error
		executable, err = os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
	}

	args := []string{"daemon", "run"}
	if cfg.ConfigPath != "" {
		args = append(args, "--config", cfg.ConfigPath)
	}

	cmd := exec.Command(executable, args...)

	// Detach from terminal
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session
	}
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("failed to release daemon process: %w", err)
	}
	return nil
}

// IsRunning checks whether a daemon is alive by checking the PID file
// and the bus socket.
func IsRunning(pidPath, socketPath string) bool {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so send signal 0 to check
	// whether the process exists.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		// Process is gone, clean up stale files
		_ = os.Remove(pidPath)
		_ = os.Remove(socketPath)
		return false
	}

	conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond)
	if err != nil {
		// Socket not available, process might be hung
		return false
	}
	_ = conn.Close()

	return true
}
