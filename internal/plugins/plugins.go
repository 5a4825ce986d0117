// Package plugins hosts in-process tool providers. A plugin bundles a few
// related tools behind one name and can optionally react to webhook trigger
// events delivered through the HTTP surface.
package plugins

import (
	"context"
	"fmt"
	"sort"

	"cortex/internal/logging"
	"cortex/internal/tools"
)

// TriggerEvent is an external event forwarded to a plugin.
type TriggerEvent struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Plugin is an in-process tool provider. Execute is only called with tool
// names the plugin listed.
type Plugin interface {
	Name() string
	Tools() []tools.Definition
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// Triggerable is implemented by plugins that accept webhook events.
type Triggerable interface {
	OnTrigger(ctx context.Context, event TriggerEvent) error
}

// Set is the loaded plugin collection, keyed by plugin name.
type Set struct {
	logger logging.Logger
	order  []string
	byName map[string]Plugin
}

// NewSet returns an empty plugin set.
func NewSet(logger logging.Logger) *Set {
	return &Set{
		logger: logging.OrNop(logger),
		byName: make(map[string]Plugin),
	}
}

// Add registers a plugin. Names must be unique.
func (s *Set) Add(p Plugin) error {
	if p == nil {
		return fmt.Errorf("plugins: nil plugin")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugins: plugin has no name")
	}
	if _, exists := s.byName[name]; exists {
		return fmt.Errorf("plugins: duplicate plugin %q", name)
	}
	s.byName[name] = p
	s.order = append(s.order, name)
	s.logger.Info("Plugin loaded: %s (%d tools)", name, len(p.Tools()))
	return nil
}

// Get returns the named plugin.
func (s *Set) Get(name string) (Plugin, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// All returns the plugins in load order.
func (s *Set) All() []Plugin {
	out := make([]Plugin, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

// Names returns the loaded plugin names, sorted.
func (s *Set) Names() []string {
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

// Trigger forwards an event to the named plugin's OnTrigger.
func (s *Set) Trigger(ctx context.Context, name string, event TriggerEvent) error {
	p, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("plugins: no plugin named %q", name)
	}
	t, ok := p.(Triggerable)
	if !ok {
		return fmt.Errorf("plugins: plugin %q does not accept triggers", name)
	}
	return t.OnTrigger(ctx, event)
}
