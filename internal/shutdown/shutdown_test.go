package shutdown_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailkeep/internal/shutdown"
)

func TestShutdownRunsCleanups(t *testing.T) {
	mgr := shutdown.NewManager()

	var cleanupCalled atomic.Bool
	mgr.RegisterCleanup("store-close", func(ctx context.Context) error {
		cleanupCalled.Store(true)
		return nil
	})

	mgr.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgr.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if !cleanupCalled.Load() {
		t.Error("expected cleanup to run on shutdown")
	}
	if !mgr.IsShutdown() {
		t.Error("expected shutdown flag to be set")
	}
}

func TestShutdownCancelsContext(t *testing.T) {
	mgr := shutdown.NewManager()

	mgr.Shutdown()

	select {
	case <-mgr.Context().Done():
	default:
		t.Error("expected context cancelled after shutdown")
	}
}

func TestInFlightReplayCompletesBeforeTeardown(t *testing.T) {
	mgr := shutdown.NewManager()

	replayStarted := make(chan struct{})
	replayCompleted := make(chan struct{})

	// The replay cleanup waits for an active pass to finish before the
	// stores close.
	mgr.RegisterCleanup("replay-drain", func(ctx context.Context) error {
		select {
		case <-replayStarted:
			select {
			case <-replayCompleted:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return nil
		}
	})

	go func() {
		close(replayStarted)
		time.Sleep(100 * time.Millisecond)
		close(replayCompleted)
	}()

	<-replayStarted
	mgr.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgr.Wait(ctx); err != nil {
		t.Errorf("expected in-flight pass to finish, got: %v", err)
	}

	select {
	case <-replayCompleted:
	default:
		t.Error("expected replay to complete before shutdown finished")
	}
}

func TestShutdownTimeout(t *testing.T) {
	mgr := shutdown.NewManager()

	mgr.RegisterCleanup("slow-cleanup", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	mgr.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := mgr.Wait(ctx); err == nil {
		t.Error("expected timeout error")
	}
}

func TestShutdownConcurrentSafety(t *testing.T) {
	mgr := shutdown.NewManager()

	var cleanupCount atomic.Int32
	mgr.RegisterCleanup("test", func(ctx context.Context) error {
		cleanupCount.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.Shutdown()
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = mgr.Wait(ctx)

	if cleanupCount.Load() != 1 {
		t.Errorf("expected cleanup to run exactly once, got %d", cleanupCount.Load())
	}
}

func TestShutdownOrderIsLIFO(t *testing.T) {
	mgr := shutdown.NewManager()

	var mu sync.Mutex
	var order []string
	record := func(name string) shutdown.CleanupFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	mgr.RegisterCleanup("cache-store", record("cache-store"))
	mgr.RegisterCleanup("queue-store", record("queue-store"))
	mgr.RegisterCleanup("bus-server", record("bus-server"))

	mgr.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = mgr.Wait(ctx)

	expected := []string{"bus-server", "queue-store", "cache-store"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d cleanups, got %d", len(expected), len(order))
	}
	for i, name := range expected {
		if order[i] != name {
			t.Errorf("cleanup %d: expected %q, got %q", i, name, order[i])
		}
	}
}
