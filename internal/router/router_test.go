package router_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"mailkeep/internal/cache"
	"mailkeep/internal/classify"
	"mailkeep/internal/router"
)

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()

	s, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("opening cache store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func doGet(t *testing.T, r *router.Router, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCacheFirstServesSecondRequestFromCache(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write([]byte("console.log('app')"))
	}))
	defer upstream.Close()

	store := newTestStore(t)
	r := router.New(store, router.Config{Upstream: upstream.URL, NamespacePrefix: "mailkeep-v1-"})

	for i := 0; i < 2; i++ {
		rec := doGet(t, r, "/static/app.js")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
		if rec.Body.String() != "console.log('app')" {
			t.Fatalf("request %d: unexpected body %q", i, rec.Body.String())
		}
	}

	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("expected exactly one upstream fetch, got %d", n)
	}
}

func TestCacheFirstOfflineMissReturnsSynthetic503(t *testing.T) {
	store := newTestStore(t)
	r := router.New(store, router.Config{Upstream: "http://127.0.0.1:1", NamespacePrefix: "mailkeep-v1-"},
		router.WithHTTPClient(&http.Client{Timeout: time.Second}))

	rec := doGet(t, r, "/static/logo.png")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var body struct {
		Offline bool `json:"offline"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding synthetic body: %v", err)
	}
	if !body.Offline {
		t.Errorf("expected offline marker in synthetic response, got %s", rec.Body.String())
	}
}

func TestNetworkFirstFallsBackToCacheWhenOffline(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"acc1"}]`))
	}))

	store := newTestStore(t)
	cfg := router.Config{Upstream: upstream.URL, NamespacePrefix: "mailkeep-v1-"}

	rec := doGet(t, router.New(store, cfg), "/api/accounts")
	if rec.Code != http.StatusOK {
		t.Fatalf("online request: expected 200, got %d", rec.Code)
	}
	upstream.Close()

	rec = doGet(t, router.New(store, cfg, router.WithHTTPClient(&http.Client{Timeout: time.Second})), "/api/accounts")
	if rec.Code != http.StatusOK {
		t.Fatalf("offline fallback: expected 200 from cache, got %d", rec.Code)
	}
	if rec.Body.String() != `[{"id":"acc1"}]` {
		t.Errorf("unexpected cached body %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected cached content type preserved, got %q", ct)
	}
}

func TestNetworkFirstOfflineWithoutCacheReturnsSynthetic503(t *testing.T) {
	store := newTestStore(t)
	r := router.New(store, router.Config{Upstream: "http://127.0.0.1:1", NamespacePrefix: "mailkeep-v1-"},
		router.WithHTTPClient(&http.Client{Timeout: time.Second}))

	rec := doGet(t, r, "/api/emails/e1/content")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestNeverCacheBypassesCache(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sent":true}`))
	}))
	defer upstream.Close()

	store := newTestStore(t)
	r := router.New(store, router.Config{Upstream: upstream.URL, NamespacePrefix: "mailkeep-v1-"})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/emails/send", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("expected both requests to reach upstream, got %d", n)
	}

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	for _, ns := range stats {
		if ns.EntryCount != 0 {
			t.Errorf("expected no caching side effects, namespace %s has %d entries", ns.Name, ns.EntryCount)
		}
	}
}

func TestResponseWithCookieNotStored(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "session=abc")
		_, _ = w.Write([]byte(`{"id":"acc1"}`))
	}))
	defer upstream.Close()

	store := newTestStore(t)
	r := router.New(store, router.Config{Upstream: upstream.URL, NamespacePrefix: "mailkeep-v1-"})

	for i := 0; i < 2; i++ {
		if rec := doGet(t, r, "/api/user/profile"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("credentialed response must not be cached, upstream hits %d", n)
	}
}

func TestStaleWhileRevalidateRefreshesInBackground(t *testing.T) {
	var version atomic.Value
	version.Store("v1")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"theme":"` + version.Load().(string) + `"}`))
	}))
	defer upstream.Close()

	store := newTestStore(t)
	r := router.New(store, router.Config{Upstream: upstream.URL, NamespacePrefix: "mailkeep-v1-"},
		router.WithStrategyOverride(classify.SafeApi, router.StaleWhileRevalidate))

	// Cold cache: waits on the network.
	rec := doGet(t, r, "/api/settings/theme")
	if rec.Body.String() != `{"theme":"v1"}` {
		t.Fatalf("cold request: unexpected body %q", rec.Body.String())
	}

	version.Store("v2")

	// Warm cache: stale entry served immediately, refresh happens behind it.
	rec = doGet(t, r, "/api/settings/theme")
	if rec.Body.String() != `{"theme":"v1"}` {
		t.Fatalf("stale request: expected cached v1, got %q", rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		entry, err := store.Get(context.Background(), "mailkeep-v1-api", "/api/settings/theme")
		if err != nil {
			t.Fatalf("cache get: %v", err)
		}
		if entry != nil && string(entry.Payload) == `{"theme":"v2"}` {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("revalidation never refreshed the cache entry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = doGet(t, r, "/api/settings/theme")
	if rec.Body.String() != `{"theme":"v2"}` {
		t.Errorf("post-refresh request: expected v2, got %q", rec.Body.String())
	}
}

func TestUpstreamErrorStatusRelayedNotCached(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer upstream.Close()

	store := newTestStore(t)
	r := router.New(store, router.Config{Upstream: upstream.URL, NamespacePrefix: "mailkeep-v1-"})

	rec := doGet(t, r, "/api/accounts")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 relayed, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "upstream broke\n" {
		t.Errorf("unexpected relayed body %q", body)
	}

	entry, err := store.Get(context.Background(), "mailkeep-v1-api", "/api/accounts")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if entry != nil {
		t.Error("non-200 response must not be stored")
	}
}
