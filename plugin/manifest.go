package plugin

import (
	"sort"
	"sync"
	"time"
)

// DefaultManifestTTL bounds how long a cached manifest is served before
// the registry re-introspects the plugin.
const DefaultManifestTTL = 60 * time.Second

// ToolManifest is the public view of one tool.
type ToolManifest struct {
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
}

// Manifest is the public view of a plugin: everything a client needs to
// discover and call its tools. ID always equals the registration name.
type Manifest struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Version      string                  `json:"version"`
	Description  string                  `json:"description"`
	Capabilities []string                `json:"capabilities"`
	Tools        map[string]ToolManifest `json:"tools"`
}

// BuildManifest introspects a plugin into its manifest.
func BuildManifest(p Plugin) Manifest {
	tools := p.Tools()
	tm := make(map[string]ToolManifest, len(tools))
	for name, spec := range tools {
		tm[name] = ToolManifest{
			Description:  spec.Description,
			InputSchema:  spec.InputSchema,
			OutputSchema: spec.OutputSchema,
		}
	}

	caps := append([]string(nil), p.Capabilities()...)
	sort.Strings(caps)

	return Manifest{
		ID:           p.Name(),
		Name:         p.Name(),
		Version:      p.Version(),
		Description:  p.Description(),
		Capabilities: caps,
		Tools:        tm,
	}
}

type manifestEntry struct {
	manifest  Manifest
	expiresAt time.Time
}

// ManifestCache is a TTL cache of plugin manifests keyed by plugin id.
// Entries are immutable snapshots; expiry is the only eviction.
type ManifestCache struct {
	mu      sync.RWMutex
	entries map[string]manifestEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewManifestCache creates a manifest cache. ttl <= 0 uses
// DefaultManifestTTL.
func NewManifestCache(ttl time.Duration) *ManifestCache {
	if ttl <= 0 {
		ttl = DefaultManifestTTL
	}
	return &ManifestCache{
		entries: make(map[string]manifestEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached manifest for id if present and unexpired.
func (c *ManifestCache) Get(id string) (Manifest, bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return Manifest{}, false
	}
	return entry.manifest, true
}

// Set stores a manifest with a fresh expiry.
func (c *ManifestCache) Set(id string, m Manifest) {
	c.mu.Lock()
	c.entries[id] = manifestEntry{manifest: m, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops the cached manifest for id, if any.
func (c *ManifestCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}
