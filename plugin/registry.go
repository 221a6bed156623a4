package plugin

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/jsonsafe"
	"github.com/forgesyte/forgesyte/logger"
)

// registration pairs a validated plugin with its bound tools.
// Immutable after construction; the registry swaps whole registrations.
type registration struct {
	plugin Plugin
	tools  map[string]boundTool
}

// Registry holds all validated plugins for the process lifetime.
// Read-mostly after startup; Reload swaps a registration atomically
// under the write lock.
type Registry struct {
	mu          sync.RWMutex
	regs        map[string]*registration
	hostVersion string
	manifests   *ManifestCache
}

// NewRegistry creates a registry gated on the given host version.
// manifestTTL bounds how long cached manifests are served; zero uses
// DefaultManifestTTL.
func NewRegistry(hostVersion string, manifestTTL time.Duration) *Registry {
	return &Registry{
		regs:        make(map[string]*registration),
		hostVersion: hostVersion,
		manifests:   NewManifestCache(manifestTTL),
	}
}

// Register validates p against the plugin contract and registers it.
// Duplicate names and any contract violation reject the plugin whole
// with an INVALID_PLUGIN error.
func (r *Registry) Register(p Plugin) error {
	tools, err := bindPlugin(r.hostVersion, p)
	if err != nil {
		return err
	}
	name := p.Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[name]; exists {
		return contractViolation(name, "name", "plugin name already registered")
	}
	r.regs[name] = &registration{plugin: p, tools: tools}
	r.manifests.Invalidate(name)
	return nil
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	reg, ok := r.regs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Tag(errors.KindPluginNotFound, "plugin not found: %s", name)
	}
	return reg.plugin, nil
}

// Tool returns the descriptor of a registered plugin tool.
func (r *Registry) Tool(pluginName, toolName string) (ToolSpec, error) {
	bt, err := r.bound(pluginName, toolName)
	if err != nil {
		return ToolSpec{}, err
	}
	return bt.spec, nil
}

// ToolNames returns the plugin's declared tool names in sorted order.
func (r *Registry) ToolNames(pluginName string) ([]string, error) {
	r.mu.RLock()
	reg, ok := r.regs[pluginName]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Tag(errors.KindPluginNotFound, "plugin not found: %s", pluginName)
	}
	names := make([]string, 0, len(reg.tools))
	for name := range reg.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// FirstTool returns the lexicographically first declared tool of a
// plugin. Used by the realtime legacy path when a frame omits the tool
// name; callers log the fallback.
func (r *Registry) FirstTool(pluginName string) (string, error) {
	names, err := r.ToolNames(pluginName)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", errors.Tag(errors.KindToolNotFound, "plugin %s declares no tools", pluginName)
	}
	return names[0], nil
}

// Invoke runs a plugin tool: validates the input against the tool's
// input schema, calls the handler, and sanitizes the result. Every tool
// return in the system crosses this boundary.
func (r *Registry) Invoke(ctx context.Context, pluginName, toolName string, input map[string]any) (map[string]any, error) {
	bt, err := r.bound(pluginName, toolName)
	if err != nil {
		return nil, err
	}
	if err := bt.validateInput(input); err != nil {
		return nil, err
	}

	out, err := bt.fn(ctx, input)
	if err != nil {
		return nil, err
	}

	safe, err := jsonsafe.Sanitize(out)
	if err != nil {
		return nil, errors.Wrapf(err, "tool %s.%s returned non-JSON-safe output", pluginName, toolName)
	}
	if safe == nil {
		return map[string]any{}, nil
	}
	m, ok := safe.(map[string]any)
	if !ok {
		return nil, errors.Tag(errors.KindJSONUnsafe, "tool %s.%s returned %T, want object", pluginName, toolName, safe)
	}
	return m, nil
}

func (r *Registry) bound(pluginName, toolName string) (boundTool, error) {
	r.mu.RLock()
	reg, ok := r.regs[pluginName]
	r.mu.RUnlock()
	if !ok {
		return boundTool{}, errors.Tag(errors.KindPluginNotFound, "plugin not found: %s", pluginName)
	}
	bt, ok := reg.tools[toolName]
	if !ok {
		return boundTool{}, errors.Tag(errors.KindToolNotFound, "plugin %s has no tool %s", pluginName, toolName)
	}
	return bt, nil
}

// Summary is the list() view of one registered plugin.
type Summary struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Tools   []string `json:"tools"`
	Health  string   `json:"health"`
}

// List returns summaries of all registered plugins, sorted by name.
// Plugins implementing HealthChecker are probed with ctx.
func (r *Registry) List(ctx context.Context) []Summary {
	r.mu.RLock()
	regs := make(map[string]*registration, len(r.regs))
	for name, reg := range r.regs {
		regs[name] = reg
	}
	r.mu.RUnlock()

	names := make([]string, 0, len(regs))
	for name := range regs {
		names = append(names, name)
	}
	sort.Strings(names)

	summaries := make([]Summary, 0, len(names))
	for _, name := range names {
		reg := regs[name]
		tools := make([]string, 0, len(reg.tools))
		for tool := range reg.tools {
			tools = append(tools, tool)
		}
		sort.Strings(tools)

		health := "ok"
		if hc, ok := reg.plugin.(HealthChecker); ok {
			if err := hc.Health(ctx); err != nil {
				health = err.Error()
			}
		}
		summaries = append(summaries, Summary{
			ID:      name,
			Name:    name,
			Version: reg.plugin.Version(),
			Tools:   tools,
			Health:  health,
		})
	}
	return summaries
}

// Manifest returns the cached manifest for a plugin id, rebuilding it
// on cache miss.
func (r *Registry) Manifest(id string) (Manifest, error) {
	if m, ok := r.manifests.Get(id); ok {
		return m, nil
	}

	r.mu.RLock()
	reg, ok := r.regs[id]
	r.mu.RUnlock()
	if !ok {
		return Manifest{}, errors.Tag(errors.KindPluginNotFound, "plugin not found: %s", id)
	}

	m := BuildManifest(reg.plugin)
	r.manifests.Set(id, m)
	return m, nil
}

// LoadResult reports the outcome of LoadAll: successfully registered
// plugins and per-plugin failures. One plugin's failure never aborts
// the rest of the load.
type LoadResult struct {
	Loaded map[string]Plugin
	Errors map[string]error
}

// LoadAll constructs and registers every plugin in the factory table.
// Factories run in sorted name order for deterministic logs.
func (r *Registry) LoadAll(factories map[string]Factory, services Services) *LoadResult {
	result := &LoadResult{
		Loaded: make(map[string]Plugin),
		Errors: make(map[string]error),
	}

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, err := factories[name](services)
		if err != nil {
			result.Errors[name] = errors.Wrapf(err, "plugin factory %s failed", name)
			logger.Warnw("Plugin failed to load",
				logger.FieldPlugin, name,
				logger.FieldError, err,
			)
			continue
		}
		if err := r.Register(p); err != nil {
			result.Errors[name] = err
			logger.Warnw("Plugin rejected at registration",
				logger.FieldPlugin, name,
				logger.FieldError, err,
			)
			continue
		}
		result.Loaded[name] = p
		logger.Infow("Plugin registered",
			logger.FieldPlugin, p.Name(),
			"version", p.Version(),
			logger.FieldCount, len(p.Tools()),
		)
	}
	return result
}

// Reload builds and fully validates a replacement for a registered
// plugin, then swaps it in atomically. On any failure the current
// registration is left untouched.
func (r *Registry) Reload(name string, factory Factory, services Services) error {
	r.mu.RLock()
	_, exists := r.regs[name]
	r.mu.RUnlock()
	if !exists {
		return errors.Tag(errors.KindPluginNotFound, "plugin not found: %s", name)
	}

	replacement, err := factory(services)
	if err != nil {
		return errors.Wrapf(err, "plugin factory %s failed during reload", name)
	}
	if replacement.Name() != name {
		return contractViolation(name, "name",
			"reload produced plugin named "+replacement.Name())
	}
	tools, err := bindPlugin(r.hostVersion, replacement)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.regs[name] = &registration{plugin: replacement, tools: tools}
	r.mu.Unlock()
	r.manifests.Invalidate(name)

	logger.Infow("Plugin reloaded", logger.FieldPlugin, name)
	return nil
}

// Names returns the registered plugin ids in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.regs))
	for name := range r.regs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// RequireNonEmpty is the startup gate: a host with zero registered
// plugins cannot serve any request and must refuse to start.
func (r *Registry) RequireNonEmpty() error {
	if r.Len() == 0 {
		return errors.Tag(errors.KindInvalidPlugin, "no plugins registered")
	}
	return nil
}
