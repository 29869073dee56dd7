// Package providers merges the two provider worlds: remote providers hosted
// by plugin packages on the bus, and built-in ("default") providers compiled
// into this process. Built-ins register themselves with the global registry
// from init() functions, which allows private builds to override the stock
// set at compile time through import ordering.
package providers

import (
	"fmt"
	"sort"
	"sync"

	"smartspacer/internal/bus"
	"smartspacer/internal/clock"
	"smartspacer/internal/settings"
	"smartspacer/internal/smartspace"

	"go.uber.org/zap"
)

// Priority constants for built-in registration. Higher priority wins when
// two built-ins claim the same authority.
const (
	PriorityDefault  = 0
	PriorityOverride = 100
)

// Builtin is the core interface every built-in provider implements.
type Builtin interface {
	// Authority returns the provider's unique authority string.
	Authority() string

	// Kind returns which provider contract this built-in fulfils.
	Kind() bus.ProviderKind

	// Config returns the provider's declared configuration.
	Config() smartspace.ProviderConfig
}

// TargetSource is implemented by built-in target providers.
type TargetSource interface {
	Builtin
	Targets() ([]smartspace.TargetPayload, error)
}

// ActionSource is implemented by built-in complication providers.
type ActionSource interface {
	Builtin
	Actions() ([]smartspace.ActionPayload, error)
}

// RequirementSource is implemented by built-in requirement providers. Bind
// establishes a live evaluation; the returned function tears it down.
type RequirementSource interface {
	Builtin
	Bind(requirementID string, handler func(bool)) (unbind func(), err error)
}

// Callable is an optional interface for built-ins that handle provider
// method calls (dismiss, click). Built-ins without it ignore calls.
type Callable interface {
	Call(method string, args map[string]any) error
}

// Context provides dependencies to built-in factories.
type Context struct {
	// Logger is a structured logger; built-ins should use
	// Logger.Named(name) for namespacing.
	Logger *zap.Logger

	// Clock drives time-based built-ins and keeps them testable.
	Clock clock.Clock

	// Settings exposes user configuration (location for the sun
	// requirement, for example).
	Settings *settings.Store

	// NotifyChange publishes a content-change notification for the
	// given authority, re-querying the built-in.
	NotifyChange func(authority string)
}

// Factory creates a built-in provider instance.
type Factory func(ctx *Context) (Builtin, error)

// Info describes one registered built-in.
type Info struct {
	Name        string
	Description string
	Priority    int
	Factory     Factory
}

// Registry holds built-in registrations.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builtins: make(map[string]Info)}
}

// Register adds a built-in. When the name is already taken the higher
// priority wins; equal priority prefers the later registration.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("builtin name cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("builtin %s: factory cannot be nil", info.Name)
	}

	if existing, exists := r.builtins[info.Name]; exists && info.Priority < existing.Priority {
		return nil
	}
	r.builtins[info.Name] = info
	return nil
}

// List returns all registrations sorted by name for stable instantiation
// order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.builtins))
	for _, info := range r.builtins {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// CreateAll instantiates every registered built-in.
func (r *Registry) CreateAll(ctx *Context) ([]Builtin, error) {
	var result []Builtin
	for _, info := range r.List() {
		builtin, err := info.Factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create builtin %s: %w", info.Name, err)
		}
		result = append(result, builtin)
	}
	return result, nil
}

// Clear removes all registrations. Useful for tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins = make(map[string]Info)
}

var globalRegistry = NewRegistry()

// Register adds a built-in to the global registry, typically from init().
func Register(info Info) error {
	return globalRegistry.Register(info)
}

// Global returns the global registry.
func Global() *Registry {
	return globalRegistry
}
