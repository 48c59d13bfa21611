// Package router selects and applies a caching strategy for each
// intercepted request: cache-first for static assets and images,
// network-first with cache fallback for API and email content, and
// stale-while-revalidate where explicitly configured. It is the only
// component that touches both the network and the cache.
package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mailkeep/internal/cache"
	"mailkeep/internal/classify"
	"mailkeep/internal/logging"
)

// Strategy is one of the three caching strategies.
type Strategy int

const (
	// Passthrough forwards the request untouched with no caching side
	// effects. Applied to NeverCache and Unclassified requests.
	Passthrough Strategy = iota

	// CacheFirst serves from cache when present, otherwise fetches and
	// stores a cacheable response before returning it.
	CacheFirst

	// NetworkFirst tries the network, storing cacheable responses; on
	// network failure it falls back to the cached entry, else a
	// synthetic 503.
	NetworkFirst

	// StaleWhileRevalidate serves the cached entry immediately while a
	// background fetch silently refreshes it. With no cached entry the
	// caller waits on the network.
	StaleWhileRevalidate
)

// Config holds router settings.
type Config struct {
	// Upstream is the origin requests are forwarded to.
	Upstream string

	// NamespacePrefix is prepended to classifier namespace suffixes,
	// e.g. "mailkeep-v3-" + "email".
	NamespacePrefix string
}

// Option is a functional option for Router
type Option func(*Router)

// WithStrategyOverride replaces the default strategy for one category.
// Used to opt specific categories into stale-while-revalidate.
func WithStrategyOverride(c classify.Category, s Strategy) Option {
	return func(r *Router) {
		r.overrides[c] = s
	}
}

// WithHTTPClient replaces the upstream HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Router) {
		r.client = client
	}
}

// Router intercepts requests and applies the strategy selected by the
// classifier. It implements http.Handler.
type Router struct {
	cfg       Config
	store     *cache.Store
	client    *http.Client
	logger    *logging.Logger
	overrides map[classify.Category]Strategy
}

// New creates a router over the given cache store.
func New(store *cache.Store, cfg Config, opts ...Option) *Router {
	r := &Router{
		cfg:       cfg,
		store:     store,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logging.GetLogger(),
		overrides: make(map[classify.Category]Strategy),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StrategyFor returns the strategy applied to a category.
func (r *Router) StrategyFor(c classify.Category) Strategy {
	if s, ok := r.overrides[c]; ok {
		return s
	}
	switch c {
	case classify.ShellAsset, classify.Image:
		return CacheFirst
	case classify.SafeApi, classify.EmailContent:
		return NetworkFirst
	default:
		return Passthrough
	}
}

func (r *Router) namespace(c classify.Category) string {
	return r.cfg.NamespacePrefix + c.Namespace()
}

func cacheKey(req *http.Request) string {
	if req.URL.RawQuery == "" {
		return req.URL.Path
	}
	return req.URL.Path + "?" + req.URL.RawQuery
}

// ServeHTTP classifies the request and dispatches it to a strategy.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	category := classify.Request(req.Method, req.URL)

	switch r.StrategyFor(category) {
	case CacheFirst:
		r.cacheFirst(w, req, category)
	case NetworkFirst:
		r.networkFirst(w, req, category)
	case StaleWhileRevalidate:
		r.staleWhileRevalidate(w, req, category)
	default:
		r.passthrough(w, req)
	}
}

// passthrough forwards the request with no caching side effects.
func (r *Router) passthrough(w http.ResponseWriter, req *http.Request) {
	resp, err := r.fetch(req)
	if err != nil {
		r.logger.Debug("router: passthrough %s failed: %v", req.URL.Path, err)
		writeSyntheticUnavailable(w)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	relayResponse(w, resp)
}

func (r *Router) cacheFirst(w http.ResponseWriter, req *http.Request, category classify.Category) {
	ns, key := r.namespace(category), cacheKey(req)

	entry, err := r.store.Get(req.Context(), ns, key)
	if err != nil {
		r.logger.Warn("router: cache read %s/%s: %v", ns, key, err)
	}
	if entry != nil {
		serveEntry(w, entry)
		return
	}

	resp, err := r.fetch(req)
	if err != nil {
		writeSyntheticUnavailable(w)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	r.storeAndRelay(w, req, resp, ns, key)
}

func (r *Router) networkFirst(w http.ResponseWriter, req *http.Request, category classify.Category) {
	ns, key := r.namespace(category), cacheKey(req)

	resp, err := r.fetch(req)
	if err == nil {
		defer func() { _ = resp.Body.Close() }()
		r.storeAndRelay(w, req, resp, ns, key)
		return
	}
	r.logger.Debug("router: network %s failed, trying cache: %v", req.URL.Path, err)

	entry, cacheErr := r.store.Get(req.Context(), ns, key)
	if cacheErr != nil {
		r.logger.Warn("router: cache fallback %s/%s: %v", ns, key, cacheErr)
	}
	if entry != nil {
		serveEntry(w, entry)
		return
	}
	writeSyntheticUnavailable(w)
}

func (r *Router) staleWhileRevalidate(w http.ResponseWriter, req *http.Request, category classify.Category) {
	ns, key := r.namespace(category), cacheKey(req)

	entry, err := r.store.Get(req.Context(), ns, key)
	if err != nil {
		r.logger.Warn("router: cache read %s/%s: %v", ns, key, err)
	}
	if entry == nil {
		// Nothing stale to serve: behave like network-first.
		r.networkFirst(w, req, category)
		return
	}

	// The request context dies when this handler returns; the background
	// refresh gets its own.
	revalidate := req.Clone(context.Background())
	go func() {
		resp, err := r.fetch(revalidate)
		if err != nil {
			r.logger.Debug("router: revalidation %s failed: %v", revalidate.URL.Path, err)
			return
		}
		defer func() { _ = resp.Body.Close() }()
		if !classify.ResponseCacheable(resp.StatusCode, resp.Header, resp.ContentLength) {
			return
		}
		body, err := readCacheableBody(resp)
		if err != nil {
			return
		}
		if err := r.store.Put(revalidate.Context(), ns, key, resp.Header.Get("Content-Type"), body); err != nil {
			r.logger.Warn("router: revalidation store %s/%s: %v", ns, key, err)
		}
	}()

	serveEntry(w, entry)
}

// fetch forwards the request to the upstream origin.
func (r *Router) fetch(req *http.Request) (*http.Response, error) {
	url := r.cfg.Upstream + req.URL.Path
	if req.URL.RawQuery != "" {
		url += "?" + req.URL.RawQuery
	}

	upstream, err := http.NewRequestWithContext(req.Context(), req.Method, url, req.Body)
	if err != nil {
		return nil, err
	}
	for name, values := range req.Header {
		// Hop-by-hop headers stay behind.
		if strings.EqualFold(name, "Connection") {
			continue
		}
		upstream.Header[name] = values
	}
	return r.client.Do(upstream)
}

// storeAndRelay relays the upstream response to the caller, storing the
// body first when the response passes the cacheability checks.
func (r *Router) storeAndRelay(w http.ResponseWriter, req *http.Request, resp *http.Response, ns, key string) {
	if !classify.ResponseCacheable(resp.StatusCode, resp.Header, resp.ContentLength) {
		relayResponse(w, resp)
		return
	}

	body, err := readCacheableBody(resp)
	if err != nil {
		r.logger.Warn("router: reading response body for %s: %v", key, err)
		writeSyntheticUnavailable(w)
		return
	}

	if err := r.store.Put(req.Context(), ns, key, resp.Header.Get("Content-Type"), body); err != nil {
		// A failed store never fails the request.
		r.logger.Warn("router: storing %s/%s: %v", ns, key, err)
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// readCacheableBody reads the response body up to the cacheability
// ceiling. A body that turns out larger than declared is rejected.
func readCacheableBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, classify.MaxCacheableBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > classify.MaxCacheableBodyBytes {
		return nil, fmt.Errorf("response body exceeds cacheable ceiling")
	}
	return body, nil
}

func serveEntry(w http.ResponseWriter, e *cache.Entry) {
	if e.ContentType != "" {
		w.Header().Set("Content-Type", e.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(e.Payload)
}

func relayResponse(w http.ResponseWriter, resp *http.Response) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// writeSyntheticUnavailable writes the offline 503 response returned when
// neither the network nor the cache can satisfy a request.
func writeSyntheticUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"error":"service unavailable","offline":true}`))
}
