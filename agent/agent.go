// Package agent holds the immutable agent definitions a workflow binds its
// tasks to, and the Registry that freezes them before execution begins.
//
// A Definition is configuration, not behavior: which model the agent speaks
// to, which tools it may invoke, and the generation knobs that shape its
// output. Definitions are validated and copied at registration time and never
// mutated afterwards; a frozen registry serves reads without locking.
package agent

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Definition describes one agent: identity, objective, model binding and the
// tools it is permitted to use. Immutable once registered.
type Definition struct {
	// Name is the unique identity tasks reference.
	Name string `json:"name"`

	// Role is the objective / role description injected as the system prompt.
	Role string `json:"role"`

	// Model is the identifier resolved through the model Dispatcher.
	Model string `json:"model"`

	// FallbackModel, when set, is tried once after the primary model's
	// retries are exhausted on a transient failure.
	FallbackModel string `json:"fallback_model,omitempty"`

	// PermittedTools is the ordered set of tool names this agent may invoke.
	// A tool call outside this set is rejected before any execution.
	PermittedTools []string `json:"permitted_tools,omitempty"`

	// Generation knobs. Nil / zero means provider defaults.
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int64    `json:"max_tokens,omitempty"`

	// Config carries free-form provider or deployment specific settings.
	Config map[string]any `json:"config,omitempty"`
}

// Validate checks the structural requirements of a definition.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("agent name must not be empty")
	}
	if d.Model == "" {
		return fmt.Errorf("agent %s: model must not be empty", d.Name)
	}
	return nil
}

// Permits reports whether the agent may invoke the named tool.
func (d Definition) Permits(tool string) bool {
	for _, t := range d.PermittedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// clone deep-copies the mutable parts so callers cannot alter a registered definition.
func (d Definition) clone() Definition {
	nd := d
	if d.PermittedTools != nil {
		nd.PermittedTools = append([]string(nil), d.PermittedTools...)
	}
	if d.Config != nil {
		nd.Config = make(map[string]any, len(d.Config))
		for k, v := range d.Config {
			nd.Config[k] = v
		}
	}
	return nd
}

// Registry stores agent definitions by name. Registration is exclusive: a
// duplicate name is an error, never a silent overwrite. Freeze() seals the
// registry before execution; afterwards reads are lock-free and registration
// fails.
type Registry struct {
	mu     sync.RWMutex
	frozen atomic.Bool
	agents map[string]Definition
}

// NewRegistry creates an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Definition)}
}

// Register validates and stores a definition. Fails on duplicate names and
// after the registry has been frozen.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if r.frozen.Load() {
		return fmt.Errorf("registry is frozen; cannot register agent %s", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[def.Name]; exists {
		return fmt.Errorf("agent %s already registered", def.Name)
	}
	r.agents[def.Name] = def.clone()

	return nil
}

// Get retrieves a copy of a definition by name. Once frozen the lookup takes
// no lock.
func (r *Registry) Get(name string) (Definition, bool) {
	if r.frozen.Load() {
		def, ok := r.agents[name]
		return def.clone(), ok
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	return def.clone(), ok
}

// Names returns the registered agent names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// Freeze seals the registry. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

// Frozen reports whether the registry has been sealed.
func (r *Registry) Frozen() bool { return r.frozen.Load() }
