package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"mailkeep/internal/bus"
	"mailkeep/internal/cache"
	"mailkeep/internal/lifecycle"
	"mailkeep/internal/logging"
	"mailkeep/internal/mailapi"
	"mailkeep/internal/push"
	"mailkeep/internal/queue"
	"mailkeep/internal/replay"
)

// Core implements the bus handler surface: it owns the cache, the action
// queue, the replay engine, and the lifecycle manager, and exposes the
// operations foreground instances invoke.
type Core struct {
	cache    *cache.Store
	queue    *queue.Store
	api      *mailapi.Client
	engine   *replay.Engine
	life     *lifecycle.Manager
	notifier push.Manager
	nsPrefix string
	logger   *logging.Logger

	mu        sync.Mutex
	broadcast func(msgType string, data interface{})
}

// NewCore wires the application components together. The replay engine is
// created here so its status and failure hooks feed the broadcaster.
func NewCore(cacheStore *cache.Store, queueStore *queue.Store, api *mailapi.Client,
	life *lifecycle.Manager, notifier push.Manager, nsPrefix string) *Core {

	c := &Core{
		cache:    cacheStore,
		queue:    queueStore,
		api:      api,
		life:     life,
		notifier: notifier,
		nsPrefix: nsPrefix,
		logger:   logging.GetLogger(),
	}

	c.engine = replay.New(queueStore, api,
		replay.WithStatusListener(c.broadcastStatus),
		replay.WithExhaustedHandler(c.reportExhausted),
	)
	return c
}

// SetBroadcaster wires the bus broadcast function. Until set, status
// changes are only persisted.
func (c *Core) SetBroadcaster(fn func(msgType string, data interface{})) {
	c.mu.Lock()
	c.broadcast = fn
	c.mu.Unlock()
}

// Engine returns the replay engine.
func (c *Core) Engine() *replay.Engine {
	return c.engine
}

func (c *Core) broadcastStatus(st queue.SyncStatus) {
	c.mu.Lock()
	fn := c.broadcast
	c.mu.Unlock()
	if fn != nil {
		fn(bus.TypeSyncStatus, st)
	}
}

// reportExhausted surfaces a retry-exhausted action as an explicit
// failure, distinct from "queued, will sync".
func (c *Core) reportExhausted(a queue.Action) {
	c.mu.Lock()
	fn := c.broadcast
	c.mu.Unlock()
	if fn != nil {
		fn(bus.TypeSyncFailed, a)
	}

	if c.notifier != nil {
		c.notifier.SendAsync(push.Notification{
			Type:    push.TypeSyncFailed,
			Title:   "Action could not be synced",
			Message: fmt.Sprintf("A queued %s action failed repeatedly and was dropped.", a.Type),
			Urgent:  true,
		})
	}
}

// RunReplay starts a replay pass unless one is already active.
func (c *Core) RunReplay(ctx context.Context) {
	go func() {
		result, err := c.engine.Run(ctx)
		if errors.Is(err, replay.ErrPassActive) {
			return
		}
		if err != nil {
			c.logger.Error("daemon: replay pass: %v", err)
			return
		}
		if result.Replayed+result.Retried+result.Exhausted+result.Dropped > 0 {
			c.logger.Info("daemon: replay pass: %d replayed, %d retried, %d exhausted, %d dropped",
				result.Replayed, result.Retried, result.Exhausted, result.Dropped)
		}
	}()
}

// EnqueueAction queues a user action and broadcasts the updated status.
func (c *Core) EnqueueAction(ctx context.Context, actionType string, payload json.RawMessage) (*queue.Action, error) {
	a, err := c.queue.Enqueue(ctx, queue.ActionType(actionType), payload)
	if err != nil {
		return nil, err
	}
	if err := c.engine.NotifyEnqueued(ctx); err != nil {
		c.logger.Warn("daemon: broadcasting status after enqueue: %v", err)
	}
	return a, nil
}

// CacheStatus reports entry count and total size per namespace.
func (c *Core) CacheStatus(ctx context.Context) ([]cache.NamespaceStats, error) {
	return c.cache.Stats(ctx)
}

// Purge deletes matching namespaces. Scope "all" also clears the action
// queue and the in-memory access tracking.
func (c *Core) Purge(ctx context.Context, scope string) error {
	if scope == "" {
		return fmt.Errorf("purge scope is required")
	}
	if scope == "all" {
		if err := c.cache.PurgeAll(ctx); err != nil {
			return err
		}
		if err := c.queue.Clear(ctx); err != nil {
			return err
		}
		return c.engine.NotifyEnqueued(ctx)
	}

	purged, err := c.cache.PurgeMatching(ctx, scope)
	if err != nil {
		return err
	}
	c.logger.Info("daemon: purged namespaces %v", purged)
	return nil
}

// PurgeOnLogout purges sensitive namespaces and the queue, sparing the
// shell.
func (c *Core) PurgeOnLogout(ctx context.Context) error {
	if err := c.life.PurgeOnLogout(ctx); err != nil {
		return err
	}
	return c.engine.NotifyEnqueued(ctx)
}

// Prefetch fetches content and body for each email best-effort and stores
// successes in the email namespace. Individual failures never abort the
// batch.
func (c *Core) Prefetch(ctx context.Context, emailIDs []string) (bus.PrefetchResult, error) {
	result := bus.PrefetchResult{Requested: len(emailIDs)}
	ns := c.nsPrefix + "email"

	for _, id := range emailIDs {
		stored := false

		body, contentType, err := c.api.FetchEmailContent(ctx, id)
		if err != nil {
			c.logger.Debug("daemon: prefetch content %s: %v", id, err)
		} else if err := c.cache.Put(ctx, ns, "/api/emails/"+id+"/content", contentType, body); err != nil {
			c.logger.Warn("daemon: prefetch store %s: %v", id, err)
		} else {
			stored = true
		}

		raw, contentType, err := c.api.FetchEmailBody(ctx, id)
		if err != nil {
			c.logger.Debug("daemon: prefetch body %s: %v", id, err)
		} else if err := c.cache.Put(ctx, ns, "/api/emails/"+id+"/body", contentType, raw); err != nil {
			c.logger.Warn("daemon: prefetch store %s: %v", id, err)
		} else {
			stored = true
		}

		if stored {
			result.Stored++
		}
	}
	return result, nil
}

// SyncNow triggers an immediate replay pass.
func (c *Core) SyncNow(ctx context.Context) error {
	c.RunReplay(context.Background())
	return nil
}

// Status returns the last persisted sync status snapshot.
func (c *Core) Status(ctx context.Context) (queue.SyncStatus, error) {
	return c.queue.LoadSyncStatus(ctx)
}

// OpenURL asks a connected foreground instance to open a mail URL,
// falling back to launching the system browser when none is subscribed.
func (c *Core) OpenURL(url string) error {
	c.mu.Lock()
	fn := c.broadcast
	c.mu.Unlock()
	if fn != nil {
		fn(bus.TypeOpenURL, map[string]string{"url": url})
		return nil
	}
	return fmt.Errorf("no foreground instance available for %s", url)
}

var _ bus.Handler = (*Core)(nil)
