// Package registry manages plugin lifecycle: registration, dependency
// resolution, initialization, event wiring and shutdown of floorsight plugins.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/HerbHall/floorsight/pkg/plugin"
	"go.uber.org/zap"
)

var _ plugin.PluginResolver = (*Registry)(nil)

// Registry manages the lifecycle of all registered plugins.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]plugin.Plugin
	infos    map[string]plugin.PluginInfo
	order    []string // dependency order after Validate
	disabled map[string]string // name -> reason
	unsubs   []func()
	logger   *zap.Logger
}

// New creates a new plugin registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		plugins:  make(map[string]plugin.Plugin),
		infos:    make(map[string]plugin.PluginInfo),
		disabled: make(map[string]string),
		logger:   logger,
	}
}

// Register adds a plugin. Must be called before Validate.
func (r *Registry) Register(p plugin.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := p.Info()
	if info.Name == "" {
		return fmt.Errorf("plugin has empty name")
	}
	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("plugin %q already registered", info.Name)
	}

	r.plugins[info.Name] = p
	r.infos[info.Name] = info
	r.logger.Debug("plugin registered",
		zap.String("name", info.Name),
		zap.String("version", info.Version),
		zap.Int("api_version", info.APIVersion),
	)
	return nil
}

// Disable marks a plugin as switched off by configuration. Disabling a
// required plugin is an error.
func (r *Registry) Disable(name, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.infos[name]
	if !ok {
		return fmt.Errorf("plugin %q not registered", name)
	}
	if info.Required {
		return fmt.Errorf("plugin %q is required and cannot be disabled", name)
	}
	r.disabled[name] = reason
	return nil
}

// Validate checks API versions and dependencies, cascades disablement to
// dependents of disabled plugins, and computes the start order.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.sortedNames() {
		if err := r.checkAPIVersion(r.infos[name]); err != nil {
			if err := r.disableLocked(name, err.Error()); err != nil {
				return err
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for _, name := range r.sortedNames() {
			if _, off := r.disabled[name]; off {
				continue
			}
			for _, dep := range r.infos[name].Dependencies {
				reason := ""
				if _, ok := r.plugins[dep]; !ok {
					reason = fmt.Sprintf("dependency %q is not registered", dep)
				} else if _, off := r.disabled[dep]; off {
					reason = fmt.Sprintf("dependency %q is disabled", dep)
				}
				if reason == "" {
					continue
				}
				if err := r.disableLocked(name, reason); err != nil {
					return err
				}
				changed = true
				break
			}
		}
	}

	order, err := r.topologicalSort()
	if err != nil {
		return err
	}
	r.order = order

	r.logger.Info("plugin dependency resolution complete",
		zap.Strings("start_order", r.order),
		zap.Int("disabled", len(r.disabled)),
	)
	return nil
}

func (r *Registry) disableLocked(name, reason string) error {
	if r.infos[name].Required {
		return fmt.Errorf("required plugin %q cannot start: %s", name, reason)
	}
	r.logger.Warn("disabling plugin", zap.String("name", name), zap.String("reason", reason))
	r.disabled[name] = reason
	return nil
}

// InitAll initializes active plugins in dependency order. Optional plugins
// that fail Init or ValidateConfig are disabled; required ones abort startup.
func (r *Registry) InitAll(ctx context.Context, depsFn func(name string) plugin.Dependencies) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		p := r.plugins[name]
		r.logger.Info("initializing plugin", zap.String("name", name))

		err := p.Init(ctx, depsFn(name))
		if err == nil {
			if v, ok := p.(plugin.Validator); ok {
				err = v.ValidateConfig()
			}
		}
		if err != nil {
			if err := r.disableLocked(name, err.Error()); err != nil {
				return err
			}
		}
	}
	return nil
}

// WireSubscriptions subscribes every active EventSubscriber to the bus.
// The subscriptions are removed by StopAll.
func (r *Registry) WireSubscriptions(bus plugin.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		es, ok := r.plugins[name].(plugin.EventSubscriber)
		if !ok {
			continue
		}
		for _, sub := range es.Subscriptions() {
			r.unsubs = append(r.unsubs, bus.Subscribe(sub.Topic, sub.Handler))
			r.logger.Debug("plugin subscribed",
				zap.String("name", name), zap.String("topic", sub.Topic))
		}
	}
}

// StartAll starts initialized plugins in dependency order.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		r.logger.Info("starting plugin", zap.String("name", name))
		if err := r.plugins[name].Start(ctx); err != nil {
			if err := r.disableLocked(name, err.Error()); err != nil {
				return err
			}
		}
	}
	return nil
}

// StopAll removes event subscriptions and stops active plugins in reverse
// dependency order.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range slices.Backward(r.order) {
		if _, off := r.disabled[name]; off {
			continue
		}
		r.logger.Info("stopping plugin", zap.String("name", name))
		if err := r.plugins[name].Stop(ctx); err != nil {
			r.logger.Error("failed to stop plugin", zap.String("name", name), zap.Error(err))
		}
	}
}

// Resolve returns an active plugin by name.
func (r *Registry) Resolve(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if _, off := r.disabled[name]; !ok || off {
		return nil, false
	}
	return p, true
}

// ResolveByRole returns all active plugins that declare the given role.
func (r *Registry) ResolveByRole(role string) []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []plugin.Plugin
	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		if slices.Contains(r.infos[name].Roles, role) {
			result = append(result, r.plugins[name])
		}
	}
	return result
}

// AllRoutes returns HTTP routes from active plugins implementing HTTPProvider,
// keyed by plugin name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string][]plugin.Route)
	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		if hp, ok := r.plugins[name].(plugin.HTTPProvider); ok {
			if pr := hp.Routes(); len(pr) > 0 {
				routes[name] = pr
			}
		}
	}
	return routes
}

// Health collects health reports. Disabled plugins report "disabled" with
// the reason; plugins without a HealthChecker report "healthy".
func (r *Registry) Health(ctx context.Context) map[string]plugin.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]plugin.HealthStatus, len(r.plugins))
	for name, p := range r.plugins {
		if reason, off := r.disabled[name]; off {
			out[name] = plugin.HealthStatus{Status: "disabled", Message: reason}
			continue
		}
		if hc, ok := p.(plugin.HealthChecker); ok {
			out[name] = hc.Health(ctx)
			continue
		}
		out[name] = plugin.HealthStatus{Status: "healthy"}
	}
	return out
}

// IsDisabled reports whether a plugin has been disabled.
func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, off := r.disabled[name]
	return off
}

func (r *Registry) checkAPIVersion(info plugin.PluginInfo) error {
	if info.APIVersion < plugin.APIVersionMin || info.APIVersion > plugin.APIVersionCurrent {
		return fmt.Errorf("plugin %q targets Plugin API v%d, server supports v%d..v%d",
			info.Name, info.APIVersion, plugin.APIVersionMin, plugin.APIVersionCurrent)
	}
	return nil
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// topologicalSort orders active plugins with Kahn's algorithm, breaking
// ties by name so start order is stable across runs.
func (r *Registry) topologicalSort() ([]string, error) {
	inDegree := make(map[string]int)
	dependents := make(map[string][]string)
	for _, name := range r.sortedNames() {
		if _, off := r.disabled[name]; off {
			continue
		}
		inDegree[name] += 0
		for _, dep := range r.infos[name].Dependencies {
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, d := range inDegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	slices.Sort(ready)

	order := make([]string, 0, len(inDegree))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dependent := range dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
				slices.Sort(ready)
			}
		}
	}

	if len(order) != len(inDegree) {
		var cycled []string
		for name, d := range inDegree {
			if d > 0 {
				cycled = append(cycled, name)
			}
		}
		slices.Sort(cycled)
		return nil, fmt.Errorf("dependency cycle detected among plugins: %v", cycled)
	}
	return order, nil
}

// All returns the registered plugins, in dependency order once validated.
// Disabled plugins are included; use IsDisabled to filter them.
func (r *Registry) All() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.order
	if len(names) == 0 {
		names = r.sortedNames()
	}
	out := make([]plugin.Plugin, 0, len(r.plugins))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		out = append(out, r.plugins[name])
		seen[name] = true
	}
	for _, name := range r.sortedNames() {
		if !seen[name] {
			out = append(out, r.plugins[name])
		}
	}
	return out
}
