package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sipeed/misskeybot/pkg/logger"
)

// Candidate is one concrete handler exposed by a source.
type Candidate struct {
	TypeName string
	New      func() (Plugin, error)
}

// Source is one entry of the registration table.
type Source struct {
	Name       string
	Candidates []Candidate
}

// Single is shorthand for a source with exactly one handler.
func Single(name, typeName string, newFn func() (Plugin, error)) Source {
	return Source{Name: name, Candidates: []Candidate{{TypeName: typeName, New: newFn}}}
}

// Settings supplies per-plugin configuration. *config.Config implements it.
type Settings interface {
	PluginEnabled(name string) (enabled, set bool)
	PluginPriority(name string) (priority int, set bool)
}

// Descriptor is the registry's view of one loaded plugin.
type Descriptor struct {
	// Handle is the plugin's stable index in the registry.
	Handle       int    `json:"handle"`
	Name         string `json:"name"`
	TypeName     string `json:"type"`
	Priority     int    `json:"priority"`
	Capabilities []Hook `json:"capabilities"`
	Enabled      bool   `json:"enabled"`
	Description  string `json:"description"`
}

// Has reports whether the plugin implements hook.
func (d Descriptor) Has(h Hook) bool { return hasHook(d.Capabilities, h) }

type entry struct {
	desc   Descriptor
	plugin Plugin
	pctx   *Context
	// started is set once the plugin has been through startup. Only started
	// plugins are notified at shutdown.
	started bool
}

// Bound is one chain element: a plugin with its descriptor snapshot and
// per-plugin context.
type Bound struct {
	Descriptor Descriptor
	Plugin     Plugin
	Context    *Context
}

// Registry owns loaded plugins. Handles index entries; order holds the
// handles sorted by priority.
type Registry struct {
	// lifecycle serializes Startup, Enable and Shutdown so a plugin's
	// OnStartup never runs twice concurrently.
	lifecycle sync.Mutex
	// live is set by Startup; after it, Enable starts plugins itself.
	live bool

	mu       sync.RWMutex
	entries  []*entry
	byName   map[string]*entry
	order    []int
	settings Settings
	services Services
}

// NewRegistry creates an empty registry. settings may be nil.
func NewRegistry(settings Settings, svc Services) *Registry {
	return &Registry{
		byName:   make(map[string]*entry),
		settings: settings,
		services: svc,
	}
}

// Load resolves, constructs and validates each source. A failing source is
// skipped and reported in errs; it never stops the others. The returned
// descriptors are every loaded plugin in dispatch order.
func (r *Registry) Load(ctx context.Context, sources []Source) (loaded []Descriptor, errs []error) {
	for _, src := range sources {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := r.loadOne(src); err != nil {
			logger.ErrorCF("plugin", "Failed to load plugin", map[string]interface{}{
				"source": src.Name,
				"error":  err.Error(),
			})
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	r.sortLocked()
	r.mu.Unlock()

	loaded = r.Descriptors()
	logger.InfoCF("plugin", "Plugins loaded", map[string]interface{}{
		"loaded": len(loaded),
		"failed": len(errs),
	})
	return loaded, errs
}

func (r *Registry) loadOne(src Source) error {
	cand, err := resolve(src)
	if err != nil {
		return err
	}

	p, err := construct(cand)
	if err != nil {
		return &LoadError{Source: src.Name, Reason: "construction failed", Err: err}
	}
	if p == nil {
		return &LoadError{Source: src.Name, Reason: "constructor returned nil"}
	}
	if p.Name() != src.Name {
		return &LoadError{Source: src.Name, Reason: fmt.Sprintf("plugin reports name %q", p.Name())}
	}

	hooks := implemented(p)
	if decl, ok := p.(CapabilityDeclarer); ok {
		declared := decl.Capabilities()
		for _, h := range declared {
			if !hasHook(hooks, h) {
				return &LoadError{Source: src.Name, Reason: fmt.Sprintf("declares %s but does not implement it", h)}
			}
		}
		hooks = declared
	}

	priority := p.DefaultPriority()
	enabled := true
	if r.settings != nil {
		if v, ok := r.settings.PluginPriority(src.Name); ok {
			priority = v
		}
		if v, ok := r.settings.PluginEnabled(src.Name); ok {
			enabled = v
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byName[src.Name]; dup {
		return &LoadError{Source: src.Name, Reason: "duplicate plugin name"}
	}
	e := &entry{
		desc: Descriptor{
			Handle:       len(r.entries),
			Name:         src.Name,
			TypeName:     cand.TypeName,
			Priority:     priority,
			Capabilities: hooks,
			Enabled:      enabled,
			Description:  p.Description(),
		},
		plugin: p,
	}
	e.pctx = NewContext(src.Name, r.services, r)
	r.entries = append(r.entries, e)
	r.byName[src.Name] = e
	r.order = append(r.order, e.desc.Handle)

	logger.InfoCF("plugin", "Registered plugin", map[string]interface{}{
		"name":     src.Name,
		"priority": priority,
		"enabled":  enabled,
	})
	return nil
}

// resolve picks one candidate from src.
func resolve(src Source) (Candidate, error) {
	switch len(src.Candidates) {
	case 0:
		return Candidate{}, &AmbiguousPluginError{Source: src.Name}
	case 1:
		return src.Candidates[0], nil
	}

	want := normalize(src.Name)
	var matches []Candidate
	names := make([]string, 0, len(src.Candidates))
	for _, c := range src.Candidates {
		names = append(names, c.TypeName)
		tn := normalize(c.TypeName)
		if tn == want || tn == want+"plugin" {
			matches = append(matches, c)
		}
	}
	if len(matches) != 1 {
		return Candidate{}, &AmbiguousPluginError{Source: src.Name, Candidates: names}
	}
	return matches[0], nil
}

func normalize(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer("_", "", "-", "").Replace(s)
}

func construct(c Candidate) (p Plugin, err error) {
	if c.New == nil {
		return nil, errors.New("no constructor")
	}
	defer func() {
		if rec := recover(); rec != nil {
			p, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	return c.New()
}

// sortLocked orders handles by priority, keeping registration order for ties.
func (r *Registry) sortLocked() {
	sort.SliceStable(r.order, func(i, j int) bool {
		return r.entries[r.order[i]].desc.Priority < r.entries[r.order[j]].desc.Priority
	})
}

// Descriptors returns every loaded plugin in dispatch order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, h := range r.order {
		out = append(out, r.entries[h].desc)
	}
	return out
}

// Lookup returns the descriptor of plugin name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Chain returns the enabled plugins implementing hook, in dispatch order.
// The slice is a snapshot; later Enable/Disable calls do not affect it.
func (r *Registry) Chain(hook Hook) []Bound {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Bound
	for _, h := range r.order {
		e := r.entries[h]
		if !e.desc.Enabled || !e.desc.Has(hook) {
			continue
		}
		out = append(out, Bound{Descriptor: e.desc, Plugin: e.plugin, Context: e.pctx})
	}
	return out
}

// Enable turns plugin name on. Once Startup has run, a plugin that was never
// started gets its OnStartup first; if that fails the plugin stays disabled
// and the error is returned.
func (r *Registry) Enable(ctx context.Context, name string) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.RLock()
	e, ok := r.byName[name]
	var b Bound
	needsStart := false
	if ok {
		b = Bound{Descriptor: e.desc, Plugin: e.plugin, Context: e.pctx}
		needsStart = r.live && !e.started
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin %s: not loaded", name)
	}

	if needsStart {
		if err := r.start(ctx, b); err != nil {
			return fmt.Errorf("plugin %s startup: %w", name, err)
		}
	}
	return r.setEnabled(name, true)
}

// Disable turns plugin name off. Walks already in progress are unaffected.
func (r *Registry) Disable(name string) error { return r.setEnabled(name, false) }

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("plugin %s: not loaded", name)
	}
	e.desc.Enabled = enabled
	logger.InfoCF("plugin", "Plugin state changed", map[string]interface{}{
		"name":    name,
		"enabled": enabled,
	})
	return nil
}

// start runs b's OnStartup, if it has one, and marks it started on success.
func (r *Registry) start(ctx context.Context, b Bound) error {
	if hook, ok := b.Plugin.(StartupHook); ok {
		if err := safeCall(func() error { return hook.OnStartup(ctx, b.Context) }); err != nil {
			return err
		}
	}
	r.mu.Lock()
	if e, ok := r.byName[b.Descriptor.Name]; ok {
		e.started = true
	}
	r.mu.Unlock()
	return nil
}

// Startup starts every enabled plugin once. A plugin whose startup fails or
// panics is disabled; the others are unaffected. The returned error joins
// the individual failures. Plugins enabled later are started by Enable.
func (r *Registry) Startup(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	r.live = true
	var chain []Bound
	for _, h := range r.order {
		e := r.entries[h]
		if e.desc.Enabled && !e.started {
			chain = append(chain, Bound{Descriptor: e.desc, Plugin: e.plugin, Context: e.pctx})
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, b := range chain {
		err := r.start(ctx, b)
		if err == nil {
			continue
		}
		logger.ErrorCF("plugin", "Plugin startup failed, disabling", map[string]interface{}{
			"name":  b.Descriptor.Name,
			"error": err.Error(),
		})
		// b came from this registry, so the name is always loaded.
		_ = r.setEnabled(b.Descriptor.Name, false)
		errs = append(errs, fmt.Errorf("plugin %s startup: %w", b.Descriptor.Name, err))
	}
	return errors.Join(errs...)
}

// Shutdown notifies every started plugin once, in reverse dispatch order.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	r.live = false
	var chain []Bound
	for i := len(r.order) - 1; i >= 0; i-- {
		e := r.entries[r.order[i]]
		if !e.started {
			continue
		}
		e.started = false
		if e.desc.Has(HookShutdown) {
			chain = append(chain, Bound{Descriptor: e.desc, Plugin: e.plugin, Context: e.pctx})
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, b := range chain {
		hook := b.Plugin.(ShutdownHook)
		if err := safeCall(func() error { return hook.OnShutdown(ctx, b.Context) }); err != nil {
			logger.WarnCF("plugin", "Plugin shutdown failed", map[string]interface{}{
				"name":  b.Descriptor.Name,
				"error": err.Error(),
			})
			errs = append(errs, fmt.Errorf("plugin %s shutdown: %w", b.Descriptor.Name, err))
		}
	}
	return errors.Join(errs...)
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
