package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mailkeep/internal/bus"
	"mailkeep/internal/cache"
	appconfig "mailkeep/internal/config"
	"mailkeep/internal/credentials"
	"mailkeep/internal/daemon"
	"mailkeep/internal/logging"
	"mailkeep/internal/queue"
)

// Version is set at build time
var Version = "dev"

// Config holds CLI-level settings shared by all subcommands.
type Config struct {
	ConfigPath string
	Verbose    bool
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	rootCmd := NewMailkeep(stdout, stderr, cfg)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

// NewMailkeep creates the root command with injectable IO
func NewMailkeep(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}

	cmd := &cobra.Command{
		Use:     "mailkeep",
		Short:   "Offline-first sync and cache daemon for webmail",
		Long:    "mailkeep keeps a webmail client usable offline: it caches responses,\nqueues actions taken while disconnected, and replays them when\nconnectivity returns.",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("verbose"); v {
				cfg.Verbose = true
			}
			if p, _ := cmd.Flags().GetString("config"); p != "" {
				cfg.ConfigPath = p
			}
			logging.SetVerboseMode(cfg.Verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to the config file")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	cmd.AddCommand(newDaemonCmd(stdout, stderr, cfg))
	cmd.AddCommand(newStatusCmd(stdout, cfg))
	cmd.AddCommand(newSyncCmd(stdout, cfg))
	cmd.AddCommand(newQueueCmd(stdout, cfg))
	cmd.AddCommand(newCacheCmd(stdout, cfg))
	cmd.AddCommand(newPurgeCmd(stdout, cfg))
	cmd.AddCommand(newLogoutCmd(stdout, cfg))
	cmd.AddCommand(newPrefetchCmd(stdout, cfg))
	cmd.AddCommand(newCredentialsCmd(stdout, stderr, cfg))

	return cmd
}

// loadConfig loads and validates the application configuration
func loadConfig(cfg *Config) (*appconfig.Config, error) {
	ac, err := appconfig.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if ac.Verbose {
		logging.SetVerboseMode(true)
	}
	if err := ac.Validate(); err != nil {
		return nil, err
	}
	return ac, nil
}

// busClient returns a client for the daemon socket, erroring when no
// daemon is running.
func busClient(ac *appconfig.Config) (*bus.Client, error) {
	if !daemon.IsRunning(ac.Daemon.PidPath, ac.Daemon.SocketPath) {
		return nil, fmt.Errorf("daemon is not running (start it with 'mailkeep daemon start')")
	}
	return bus.NewClient(ac.Daemon.SocketPath), nil
}

func newDaemonCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background process",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			return runDaemon(context.Background(), ac, cfg)
		},
		SilenceUsage: true,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			if daemon.IsRunning(ac.Daemon.PidPath, ac.Daemon.SocketPath) {
				_, _ = fmt.Fprintln(stdout, "Daemon is already running")
				return nil
			}
			if err := daemon.Fork(daemon.Config{ConfigPath: cfg.ConfigPath}); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, "Daemon started")
			return nil
		},
		SilenceUsage: true,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			if daemon.IsRunning(ac.Daemon.PidPath, ac.Daemon.SocketPath) {
				_, _ = fmt.Fprintln(stdout, "Daemon is running")
			} else {
				_, _ = fmt.Fprintln(stdout, "Daemon is not running")
			}
			return nil
		},
		SilenceUsage: true,
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			client, err := busClient(ac)
			if err != nil {
				_, _ = fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if _, err := client.Stop(); err != nil {
				return fmt.Errorf("stopping daemon: %w", err)
			}
			_, _ = fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
		SilenceUsage: true,
	}

	daemonCmd.AddCommand(runCmd, startCmd, statusCmd, stopCmd)
	return daemonCmd
}

func newStatusCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := loadConfig(cfg)
			if err != nil {
				return err
			}

			var st queue.SyncStatus
			if client, err := busClient(ac); err == nil {
				resp, err := client.Status()
				if err != nil {
					return err
				}
				if err := json.Unmarshal(resp.Data, &st); err != nil {
					return fmt.Errorf("decoding status: %w", err)
				}
			} else {
				// No daemon: read the last persisted snapshot directly.
				store, err := queue.Open(ac.Queue.Path)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				st, err = store.LoadSyncStatus(cmd.Context())
				if err != nil {
					return err
				}
			}

			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return json.NewEncoder(stdout).Encode(st)
			}
			state := "idle"
			if st.InProgress {
				state = "syncing"
			}
			_, _ = fmt.Fprintf(stdout, "Sync: %s, %d pending action(s)\n", state, st.QueueSize)
			return nil
		},
		SilenceUsage: true,
	}
}

func newSyncCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Trigger an immediate replay of queued actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			client, err := busClient(ac)
			if err != nil {
				return err
			}
			if _, err := client.SyncNow(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, "Sync triggered")
			return nil
		},
		SilenceUsage: true,
	}
}

func newQueueCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the pending action queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			store, err := queue.Open(ac.Queue.Path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			pending, err := store.Pending(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return json.NewEncoder(stdout).Encode(pending)
			}
			if len(pending) == 0 {
				_, _ = fmt.Fprintln(stdout, "Queue is empty")
				return nil
			}
			w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tTYPE\tENQUEUED\tRETRIES")
			for _, a := range pending {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\n",
					a.ID, a.Type, a.EnqueuedAt.Format("2006-01-02 15:04:05"), a.RetryCount)
			}
			return w.Flush()
		},
		SilenceUsage: true,
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard all pending actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			store, err := queue.Open(ac.Queue.Path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, "Queue cleared")
			return nil
		},
		SilenceUsage: true,
	}

	queueCmd.AddCommand(clearCmd)
	return queueCmd
}

func newCacheCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cache",
		Short: "Show per-namespace cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := loadConfig(cfg)
			if err != nil {
				return err
			}

			var stats []cache.NamespaceStats
			if client, err := busClient(ac); err == nil {
				resp, err := client.QueryCacheStatus()
				if err != nil {
					return err
				}
				if err := json.Unmarshal(resp.Data, &stats); err != nil {
					return fmt.Errorf("decoding cache status: %w", err)
				}
			} else {
				store, err := cache.Open(ac.Cache.Path)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				stats, err = store.Stats(cmd.Context())
				if err != nil {
					return err
				}
			}

			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return json.NewEncoder(stdout).Encode(stats)
			}
			if len(stats) == 0 {
				_, _ = fmt.Fprintln(stdout, "Cache is empty")
				return nil
			}
			w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAMESPACE\tENTRIES\tSIZE")
			for _, ns := range stats {
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", ns.Name, ns.EntryCount, formatBytes(ns.TotalBytes))
			}
			return w.Flush()
		},
		SilenceUsage: true,
	}
}

func newPurgeCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "purge [scope]",
		Short: "Purge cached data (scope: all, shell, email, image, api)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := "all"
			if len(args) == 1 {
				scope = args[0]
			}
			ac, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			client, err := busClient(ac)
			if err != nil {
				return err
			}
			if _, err := client.Purge(scope); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "Purged %s\n", scope)
			return nil
		},
		SilenceUsage: true,
	}
}

func newLogoutCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Purge account data, sparing the application shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			client, err := busClient(ac)
			if err != nil {
				return err
			}
			if _, err := client.PurgeOnLogout(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, "Account data purged")
			return nil
		},
		SilenceUsage: true,
	}
}

func newPrefetchCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "prefetch <email-id>...",
		Short: "Fetch emails into the offline cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			client, err := busClient(ac)
			if err != nil {
				return err
			}
			resp, err := client.Prefetch(args)
			if err != nil {
				return err
			}
			var result bus.PrefetchResult
			if err := json.Unmarshal(resp.Data, &result); err != nil {
				return fmt.Errorf("decoding prefetch result: %w", err)
			}
			_, _ = fmt.Fprintf(stdout, "Prefetched %d of %d email(s)\n", result.Stored, result.Requested)
			return nil
		},
		SilenceUsage: true,
	}
}

func newCredentialsCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	credCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the mail service API token",
	}

	setCmd := &cobra.Command{
		Use:   "set <account>",
		Short: "Store an API token in the OS keyring (token read from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(cmd.InOrStdin())
			_, _ = fmt.Fprint(stderr, "Token: ")
			token, err := reader.ReadString('\n')
			if err != nil && token == "" {
				return fmt.Errorf("reading token: %w", err)
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return fmt.Errorf("token must not be empty")
			}

			mgr := credentials.NewManager()
			if err := mgr.Set(cmd.Context(), args[0], token); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "Token stored for %s\n", args[0])
			return nil
		},
		SilenceUsage: true,
	}

	getCmd := &cobra.Command{
		Use:   "get <account>",
		Short: "Show where the API token for an account comes from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := credentials.NewManager()
			info, err := mgr.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				data, err := info.JSON()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(stdout, string(data))
				return nil
			}
			if !info.Found {
				_, _ = fmt.Fprintf(stdout, "No token found for %s\n", args[0])
				return nil
			}
			_, _ = fmt.Fprintf(stdout, "Token for %s available from %s\n", args[0], info.Source)
			return nil
		},
		SilenceUsage: true,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <account>",
		Short: "Remove the API token for an account from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := credentials.NewManager()
			if err := mgr.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "Token removed for %s\n", args[0])
			return nil
		},
		SilenceUsage: true,
	}

	credCmd.AddCommand(setCmd, getCmd, deleteCmd)
	return credCmd
}

// formatBytes renders a byte count in human units.
func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
