package gateway

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/ocx/agentkernel/internal/lifecycle"
)

// ProviderAdapter is the interface any LLM/tool provider integration
// must implement to serve agent_task requests. Implement this to add
// a new provider without touching kernel source.
type ProviderAdapter interface {
	// Name returns the adapter's unique identifier.
	Name() string
	// Models returns the model names this adapter serves.
	Models() []string
	// Priority determines resolution order when more than one adapter
	// can serve a preferred model (lower is tried first).
	Priority() int
	// CanHandle reports whether this adapter serves preferredModel.
	CanHandle(preferredModel string) bool
	// Invoke runs task against the provider and returns its result.
	Invoke(ctx context.Context, agentID string, task lifecycle.Task) (lifecycle.Result, error)
}

// ProviderInfo describes a registered adapter for status/listing APIs.
type ProviderInfo struct {
	Name     string   `json:"name"`
	Models   []string `json:"models"`
	Priority int      `json:"priority"`
}

// ProviderRegistry resolves a manifest's preferred model to a
// ProviderAdapter and builds a lifecycle.Handler bound to it. Grounded
// on the teacher's plugin Registry (pkg/plugins/registry.go):
// priority-sorted registration and first-match resolution are kept,
// generalized from payload-sniffing AI-protocol parsers to
// preferred-model provider adapters.
type ProviderRegistry struct {
	mu       sync.RWMutex
	adapters []ProviderAdapter
	byName   map[string]ProviderAdapter
	logger   *log.Logger
}

// NewProviderRegistry constructs an empty ProviderRegistry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		adapters: make([]ProviderAdapter, 0),
		byName:   make(map[string]ProviderAdapter),
		logger:   log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

// Register adds adapter, re-sorting by priority (lower runs first).
func (r *ProviderRegistry) Register(adapter ProviderAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[adapter.Name()]; exists {
		return fmt.Errorf("provider adapter %q already registered", adapter.Name())
	}
	r.adapters = append(r.adapters, adapter)
	r.byName[adapter.Name()] = adapter
	sort.Slice(r.adapters, func(i, j int) bool {
		return r.adapters[i].Priority() < r.adapters[j].Priority()
	})
	r.logger.Printf("registered provider adapter %s (models=%v, priority=%d)", adapter.Name(), adapter.Models(), adapter.Priority())
	return nil
}

// Unregister removes adapter by name.
func (r *ProviderRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
	filtered := r.adapters[:0]
	for _, a := range r.adapters {
		if a.Name() != name {
			filtered = append(filtered, a)
		}
	}
	r.adapters = filtered
}

// Resolve returns the first (priority order) registered adapter that
// can serve preferredModel.
func (r *ProviderRegistry) Resolve(preferredModel string) (ProviderAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.CanHandle(preferredModel) {
			return a, true
		}
	}
	return nil, false
}

// Get returns a specific adapter by name.
func (r *ProviderRegistry) Get(name string) (ProviderAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// List returns info about every registered adapter.
func (r *ProviderRegistry) List() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderInfo, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, ProviderInfo{Name: a.Name(), Models: a.Models(), Priority: a.Priority()})
	}
	return out
}

// Count returns the number of registered adapters.
func (r *ProviderRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// BuildHandler returns a lifecycle.Handler that resolves preferredModel
// on every call and invokes the matching adapter, so a single Spawn
// call can bind an agent's task handler without the lifecycle package
// needing to know anything about providers.
func (r *ProviderRegistry) BuildHandler(preferredModel string) lifecycle.Handler {
	return func(ctx context.Context, agentID string, task lifecycle.Task) (lifecycle.Result, error) {
		adapter, ok := r.Resolve(preferredModel)
		if !ok {
			return lifecycle.Result{}, fmt.Errorf("no provider adapter registered for model %q", preferredModel)
		}
		return adapter.Invoke(ctx, agentID, task)
	}
}
