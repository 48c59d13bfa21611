package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"mailkeep/internal/audit"
	"mailkeep/internal/cache"
	appconfig "mailkeep/internal/config"
	"mailkeep/internal/credentials"
	"mailkeep/internal/daemon"
	"mailkeep/internal/lifecycle"
	"mailkeep/internal/logging"
	"mailkeep/internal/mailapi"
	"mailkeep/internal/push"
	"mailkeep/internal/queue"
	"mailkeep/internal/router"
	"mailkeep/internal/shutdown"
)

// runDaemon wires the full stack and blocks until the daemon exits. The
// interception endpoint serves the strategy router at / and accepts push
// payloads on /_mailkeep/push.
func runDaemon(ctx context.Context, ac *appconfig.Config, cfg *Config) error {
	logger := logging.GetLogger()
	shut := shutdown.NewManager()

	cacheStore, err := cache.Open(ac.Cache.Path)
	if err != nil {
		return fmt.Errorf("opening cache store: %w", err)
	}
	shut.RegisterCleanup("cache-store", func(context.Context) error { return cacheStore.Close() })

	prefix := lifecycle.NamespacePrefix(ac.Cache.Version)
	cacheStore.SetBudget(prefix+"email", int64(ac.Cache.EmailBudgetMB)<<20)
	cacheStore.SetBudget(prefix+"image", int64(ac.Cache.ImageBudgetMB)<<20)
	cacheStore.SetBudget(prefix+"api", int64(ac.Cache.APIBudgetMB)<<20)

	queueStore, err := queue.Open(ac.Queue.Path)
	if err != nil {
		return fmt.Errorf("opening queue store: %w", err)
	}
	shut.RegisterCleanup("queue-store", func(context.Context) error { return queueStore.Close() })

	api, err := mailapi.New(mailapi.Config{
		BaseURL:    ac.API.BaseURL,
		UseKeyring: ac.API.UseKeyring,
		Account:    ac.API.Account,
		MaxRetries: ac.API.MaxRetries,
		RetryDelay: ac.RetryDelayDuration(),
	})
	if err != nil {
		return fmt.Errorf("creating mail API client: %w", err)
	}
	shut.RegisterCleanup("mail-api", func(context.Context) error { return api.Close() })

	if err := resolveToken(ctx, ac, api); err != nil {
		logger.Warn("daemon: %v", err)
	}

	life := lifecycle.New(cacheStore, queueStore, api, ac.Cache.Version, ac.Shell.ManifestPath)

	notifier, err := push.NewManager(&push.Config{
		Enabled:   ac.Notifications.Enabled,
		OSChannel: push.OSChannelConfig{Enabled: ac.Notifications.OSNotification},
		LogChannel: push.LogChannelConfig{
			Enabled:   ac.Notifications.LogNotification,
			Path:      ac.Notifications.LogPath,
			MaxSizeMB: ac.Notifications.LogMaxSizeMB,
		},
	})
	if err != nil {
		return fmt.Errorf("creating notification manager: %w", err)
	}
	shut.RegisterCleanup("notifications", func(context.Context) error { return notifier.Close() })

	trail, err := audit.NewTrail(ac.Audit.Path, audit.IsEnabledFromEnv(ac.Audit.Enabled))
	if err != nil {
		logger.Warn("daemon: audit trail unavailable: %v", err)
	} else {
		shut.RegisterCleanup("audit-trail", func(context.Context) error { return trail.Close() })
		if removed, err := trail.Cleanup(ac.Audit.RetentionDays); err == nil && removed > 0 {
			logger.Debug("daemon: audit cleanup removed %d record(s)", removed)
		}
	}

	core := daemon.NewCore(cacheStore, queueStore, api, life, notifier, prefix)

	dispatcherOpts := []push.DispatcherOption{push.WithOpenURL(core.OpenURL)}
	if trail != nil {
		dispatcherOpts = append(dispatcherOpts, push.WithAuditTrail(trail))
	}
	dispatcher, err := push.NewDispatcher(notifier, queueStore, api, dispatcherOpts...)
	if err != nil {
		return fmt.Errorf("creating push dispatcher: %w", err)
	}

	srv := serveRouter(ac, cacheStore, prefix, dispatcher)
	shut.RegisterCleanup("interception-endpoint", srv.Shutdown)

	d := daemon.New(daemon.Config{
		SocketPath:    ac.Daemon.SocketPath,
		PIDPath:       ac.Daemon.PidPath,
		ProbeInterval: time.Duration(ac.Daemon.ProbeInterval) * time.Second,
		SyncInterval:  time.Duration(ac.Daemon.SyncInterval) * time.Second,
		ManifestPath:  ac.Shell.ManifestPath,
		WatchManifest: ac.Shell.Watch,
		ConfigPath:    cfg.ConfigPath,
	}, core, life)

	runErr := d.Run(ctx)

	shut.Shutdown()
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shut.Wait(waitCtx); err != nil {
		logger.Warn("daemon: teardown incomplete: %v", err)
	}
	return runErr
}

// resolveToken fills in the API token from the keyring when configured.
func resolveToken(ctx context.Context, ac *appconfig.Config, api *mailapi.Client) error {
	if !ac.API.UseKeyring || ac.API.Account == "" {
		return nil
	}
	info, err := credentials.NewManager().Get(ctx, ac.API.Account)
	if err != nil {
		return fmt.Errorf("resolving API token: %w", err)
	}
	if !info.Found {
		return fmt.Errorf("no API token found for %s", ac.API.Account)
	}
	api.SetToken(info.Token)
	return nil
}

// serveRouter starts the local interception endpoint in the background.
func serveRouter(ac *appconfig.Config, cacheStore *cache.Store, prefix string, dispatcher *push.Dispatcher) *http.Server {
	logger := logging.GetLogger()

	mux := http.NewServeMux()
	mux.HandleFunc("/_mailkeep/push", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		// Invalid payloads are dropped inside the dispatcher; the push
		// origin gets a 202 either way.
		dispatcher.HandlePush(r.Context(), raw)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.Handle("/", router.New(cacheStore, router.Config{
		Upstream:        ac.API.BaseURL,
		NamespacePrefix: prefix,
	}))

	srv := &http.Server{
		Addr:              ac.Router.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("daemon: interception endpoint: %v", err)
		}
	}()
	logger.Info("daemon: interception endpoint on %s", ac.Router.Listen)
	return srv
}
