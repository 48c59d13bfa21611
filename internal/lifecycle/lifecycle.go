// Package lifecycle owns cache generations: install-time pre-population of
// the application shell, activation-time purge of stale generations, and
// the version-mismatch purge of sensitive data after a deploy.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"mailkeep/internal/cache"
	"mailkeep/internal/logging"
	"mailkeep/internal/queue"
)

// versionMarkerKey is the metadata key holding the cache version the
// store was last used with.
const versionMarkerKey = "cache_version"

// sensitiveSubstrings identify namespaces purged on logout and on a
// version mismatch. The shell namespace never matches.
var sensitiveSubstrings = []string{"email", "api", "user", "auth"}

// NamespacePrefix returns the namespace prefix for a cache version,
// e.g. "mailkeep-v3-".
func NamespacePrefix(version string) string {
	return "mailkeep-" + version + "-"
}

// Fetcher retrieves one resource from the upstream origin.
type Fetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, string, error)
}

// Manifest is the fixed list of shell assets pre-populated at install.
type Manifest struct {
	Assets []string `json:"assets"`
}

// Manager applies lifecycle transitions to the cache and queue stores.
type Manager struct {
	cache        *cache.Store
	meta         *queue.Store
	fetcher      Fetcher
	version      string
	manifestPath string
	logger       *logging.Logger
}

// New creates a lifecycle manager for the given cache version.
func New(cacheStore *cache.Store, metaStore *queue.Store, fetcher Fetcher, version, manifestPath string) *Manager {
	return &Manager{
		cache:        cacheStore,
		meta:         metaStore,
		fetcher:      fetcher,
		version:      version,
		manifestPath: manifestPath,
		logger:       logging.GetLogger(),
	}
}

// ShellNamespace returns the shell namespace for the current version.
func (m *Manager) ShellNamespace() string {
	return NamespacePrefix(m.version) + "shell"
}

// LoadManifest reads and parses the shell manifest file.
func (m *Manager) LoadManifest() (*Manifest, error) {
	data, err := os.ReadFile(m.manifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading shell manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing shell manifest: %w", err)
	}
	if len(manifest.Assets) == 0 {
		return nil, fmt.Errorf("shell manifest lists no assets")
	}
	return &manifest, nil
}

// Install pre-populates the shell namespace from the manifest. The shell
// set is all-or-nothing: every asset is fetched before anything is
// stored, and any fetch failure fails the installation.
func (m *Manager) Install(ctx context.Context) error {
	manifest, err := m.LoadManifest()
	if err != nil {
		return err
	}

	type fetched struct {
		path        string
		contentType string
		body        []byte
	}
	assets := make([]fetched, 0, len(manifest.Assets))
	for _, path := range manifest.Assets {
		body, contentType, err := m.fetcher.Fetch(ctx, path)
		if err != nil {
			return fmt.Errorf("installing shell: fetching %s: %w", path, err)
		}
		assets = append(assets, fetched{path: path, contentType: contentType, body: body})
	}

	ns := m.ShellNamespace()
	for _, a := range assets {
		if err := m.cache.Put(ctx, ns, a.path, a.contentType, a.body); err != nil {
			return fmt.Errorf("installing shell: storing %s: %w", a.path, err)
		}
	}

	m.logger.Info("lifecycle: installed %d shell assets into %s", len(assets), ns)
	return m.meta.SetMeta(ctx, versionMarkerKey, m.version)
}

// Activate deletes every namespace that does not belong to the current
// cache version, then the new generation serves all instances
// immediately.
func (m *Manager) Activate(ctx context.Context) error {
	namespaces, err := m.cache.Namespaces(ctx)
	if err != nil {
		return err
	}

	prefix := NamespacePrefix(m.version)
	for _, ns := range namespaces {
		if strings.HasPrefix(ns, prefix) {
			continue
		}
		if err := m.cache.PurgeNamespace(ctx, ns); err != nil {
			m.logger.Warn("lifecycle: purging stale namespace %s: %v", ns, err)
			continue
		}
		m.logger.Info("lifecycle: purged stale namespace %s", ns)
	}
	return nil
}

// CheckVersion compares the stored version marker against the running
// version. On mismatch, sensitive namespaces and the action queue are
// purged before the new marker is persisted; stale payloads from an old
// deploy must not survive. The shell namespace is spared.
func (m *Manager) CheckVersion(ctx context.Context) error {
	stored, err := m.meta.GetMeta(ctx, versionMarkerKey)
	if err != nil {
		return err
	}
	if stored == m.version {
		return nil
	}

	if stored != "" {
		m.logger.Info("lifecycle: version changed %s -> %s, purging sensitive data", stored, m.version)
		purged, err := m.cache.PurgeMatching(ctx, sensitiveSubstrings...)
		if err != nil {
			return err
		}
		if err := m.meta.Clear(ctx); err != nil {
			return err
		}
		m.logger.Info("lifecycle: purged %d namespaces and the action queue", len(purged))
	}

	return m.meta.SetMeta(ctx, versionMarkerKey, m.version)
}

// Startup drives the install and activate sequence for the running
// version. A store with no version marker gets a fresh install; a version
// change purges sensitive data, drops every stale generation, and installs
// the new shell; a matching marker refreshes the shell best-effort.
func (m *Manager) Startup(ctx context.Context) error {
	stored, err := m.meta.GetMeta(ctx, versionMarkerKey)
	if err != nil {
		return err
	}

	switch {
	case stored == "":
		return m.Install(ctx)

	case stored != m.version:
		if err := m.CheckVersion(ctx); err != nil {
			return err
		}
		if err := m.Activate(ctx); err != nil {
			return err
		}
		return m.Install(ctx)

	default:
		m.RefreshShell(ctx)
		return nil
	}
}

// PurgeOnLogout removes every sensitive namespace plus the action queue,
// leaving the shell intact so the app still loads offline.
func (m *Manager) PurgeOnLogout(ctx context.Context) error {
	if _, err := m.cache.PurgeMatching(ctx, sensitiveSubstrings...); err != nil {
		return err
	}
	return m.meta.Clear(ctx)
}

// RefreshShell re-populates the shell namespace best-effort: individual
// asset failures are logged and skipped. Used when the manifest file
// changes while running.
func (m *Manager) RefreshShell(ctx context.Context) {
	manifest, err := m.LoadManifest()
	if err != nil {
		m.logger.Warn("lifecycle: refresh skipped: %v", err)
		return
	}

	ns := m.ShellNamespace()
	stored := 0
	for _, path := range manifest.Assets {
		body, contentType, err := m.fetcher.Fetch(ctx, path)
		if err != nil {
			m.logger.Warn("lifecycle: refresh fetch %s: %v", path, err)
			continue
		}
		if err := m.cache.Put(ctx, ns, path, contentType, body); err != nil {
			m.logger.Warn("lifecycle: refresh store %s: %v", path, err)
			continue
		}
		stored++
	}
	m.logger.Info("lifecycle: refreshed %d/%d shell assets", stored, len(manifest.Assets))
}
