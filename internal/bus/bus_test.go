package bus_test

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mailkeep/internal/bus"
	"mailkeep/internal/cache"
	"mailkeep/internal/queue"
)

// fakeHandler records dispatched requests and returns canned results.
type fakeHandler struct {
	enqueued    []string
	purgeScopes []string
	logoutCalls int
	syncCalls   int
	prefetched  [][]string
}

func (f *fakeHandler) EnqueueAction(ctx context.Context, actionType string, payload json.RawMessage) (*queue.Action, error) {
	f.enqueued = append(f.enqueued, actionType)
	return &queue.Action{ID: int64(len(f.enqueued)), Type: queue.ActionType(actionType), Payload: payload, Status: queue.StatusPending}, nil
}

func (f *fakeHandler) CacheStatus(ctx context.Context) ([]cache.NamespaceStats, error) {
	return []cache.NamespaceStats{{Name: "mailkeep-v1-email", EntryCount: 3, TotalBytes: 2048}}, nil
}

func (f *fakeHandler) Purge(ctx context.Context, scope string) error {
	f.purgeScopes = append(f.purgeScopes, scope)
	return nil
}

func (f *fakeHandler) PurgeOnLogout(ctx context.Context) error {
	f.logoutCalls++
	return nil
}

func (f *fakeHandler) Prefetch(ctx context.Context, emailIDs []string) (bus.PrefetchResult, error) {
	f.prefetched = append(f.prefetched, emailIDs)
	return bus.PrefetchResult{Requested: len(emailIDs), Stored: len(emailIDs)}, nil
}

func (f *fakeHandler) SyncNow(ctx context.Context) error {
	f.syncCalls++
	return nil
}

func (f *fakeHandler) Status(ctx context.Context) (queue.SyncStatus, error) {
	return queue.SyncStatus{QueueSize: 2}, nil
}

func newTestServer(t *testing.T) (*bus.Server, *bus.Client, *fakeHandler) {
	t.Helper()

	dir, err := os.MkdirTemp("", "bus")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	socketPath := filepath.Join(dir, "bus.sock")
	h := &fakeHandler{}
	srv := bus.NewServer(socketPath, h)
	if err := srv.Start(); err != nil {
		t.Fatalf("starting server: %v", err)
	}
	t.Cleanup(srv.Stop)

	return srv, bus.NewClient(socketPath), h
}

func TestEnqueueActionRoundTrip(t *testing.T) {
	_, client, h := newTestServer(t)

	resp, err := client.EnqueueAction("MARK_READ", json.RawMessage(`{"email_id":"e1"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}

	var action queue.Action
	if err := json.Unmarshal(resp.Data, &action); err != nil {
		t.Fatalf("decoding action: %v", err)
	}
	if action.ID == 0 || action.Type != queue.ActionMarkRead {
		t.Errorf("unexpected action %+v", action)
	}
	if len(h.enqueued) != 1 || h.enqueued[0] != "MARK_READ" {
		t.Errorf("handler saw %v", h.enqueued)
	}
}

func TestQueryCacheStatus(t *testing.T) {
	_, client, _ := newTestServer(t)

	resp, err := client.QueryCacheStatus()
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	var stats []cache.NamespaceStats
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if len(stats) != 1 || stats[0].Name != "mailkeep-v1-email" || stats[0].TotalBytes != 2048 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPurgeAndLogout(t *testing.T) {
	_, client, h := newTestServer(t)

	if _, err := client.Purge("email"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := client.PurgeOnLogout(); err != nil {
		t.Fatalf("logout purge: %v", err)
	}

	if len(h.purgeScopes) != 1 || h.purgeScopes[0] != "email" {
		t.Errorf("expected purge scope email, got %v", h.purgeScopes)
	}
	if h.logoutCalls != 1 {
		t.Errorf("expected 1 logout purge, got %d", h.logoutCalls)
	}
}

func TestPrefetch(t *testing.T) {
	_, client, h := newTestServer(t)

	resp, err := client.Prefetch([]string{"e1", "e2"})
	if err != nil {
		t.Fatalf("prefetch: %v", err)
	}

	var result bus.PrefetchResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.Requested != 2 || result.Stored != 2 {
		t.Errorf("unexpected result %+v", result)
	}
	if len(h.prefetched) != 1 || len(h.prefetched[0]) != 2 {
		t.Errorf("handler saw %v", h.prefetched)
	}
}

func TestUnknownTypeIgnoredConnectionSurvives(t *testing.T) {
	_, client, h := newTestServer(t)

	// Raw connection: an unknown message type draws no response and must
	// not kill the connection.
	conn, err := net.Dial("unix", client.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)

	if err := enc.Encode(bus.Message{Type: "FORMAT_DISK", CorrelationID: "x1"}); err != nil {
		t.Fatalf("send unknown: %v", err)
	}
	if err := enc.Encode(bus.Message{Type: bus.TypeSyncNow, CorrelationID: "x2"}); err != nil {
		t.Fatalf("send sync: %v", err)
	}

	var resp bus.Response
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CorrelationID != "x2" || resp.Type != bus.TypeSyncNow {
		t.Errorf("expected response to the SYNC_NOW request, got %+v", resp)
	}
	if h.syncCalls != 1 {
		t.Errorf("expected 1 sync call, got %d", h.syncCalls)
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	srv, client, _ := newTestServer(t)

	ch1, stop1, err := client.Subscribe()
	if err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	defer stop1()
	ch2, stop2, err := client.Subscribe()
	if err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	defer stop2()

	srv.Broadcast(bus.TypeSyncStatus, queue.SyncStatus{QueueSize: 5})

	for i, ch := range []<-chan bus.Response{ch1, ch2} {
		select {
		case resp := <-ch:
			if resp.Type != bus.TypeSyncStatus {
				t.Errorf("subscriber %d: unexpected type %s", i, resp.Type)
			}
			var st queue.SyncStatus
			if err := json.Unmarshal(resp.Data, &st); err != nil {
				t.Fatalf("subscriber %d: decoding: %v", i, err)
			}
			if st.QueueSize != 5 {
				t.Errorf("subscriber %d: expected queue size 5, got %d", i, st.QueueSize)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d: broadcast never arrived", i)
		}
	}
}

func TestDroppedSubscriberPruned(t *testing.T) {
	srv, client, _ := newTestServer(t)

	_, stop, err := client.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if n := srv.SubscriberCount(); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}

	stop()
	// The write side only notices on the next broadcast.
	deadline := time.Now().Add(2 * time.Second)
	for srv.SubscriberCount() > 0 {
		srv.Broadcast(bus.TypeSyncStatus, queue.SyncStatus{})
		if time.Now().After(deadline) {
			t.Fatal("closed subscriber never pruned")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
