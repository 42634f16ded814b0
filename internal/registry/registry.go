package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/event"
	"github.com/pondworks/heron/internal/workflow"
)

// Registry holds the registered workflow definitions and the index from
// event type to subscribed workflows. Re-registering a name atomically
// replaces the previous definition.
type Registry struct {
	logger *zap.Logger

	// OnUnregister, when set, is called (outside the lock) after a workflow
	// is removed. The runtime uses it to drop the workflow's pending
	// activations from the queue. Set it before registrations begin.
	OnUnregister func(name string)

	mu     sync.RWMutex
	byName map[string]*workflow.Definition
	byType map[string][]string // event type -> workflow names, registration order
}

// NewRegistry creates an empty workflow registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		byName: make(map[string]*workflow.Definition),
		byType: make(map[string][]string),
	}
}

// Register adds or replaces a workflow definition.
func (r *Registry) Register(def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid workflow definition: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		r.removeFromIndexLocked(def.Name)
		r.logger.Info("Replacing workflow registration", zap.String("workflow", def.Name))
	}

	r.byName[def.Name] = def
	for _, et := range def.Trigger.EventTypes {
		r.byType[et] = append(r.byType[et], def.Name)
	}

	r.logger.Info("Workflow registered",
		zap.String("workflow", def.Name),
		zap.Strings("event_types", def.Trigger.EventTypes),
		zap.Int("priority", int(def.Trigger.Priority)),
	)
	return nil
}

// Unregister removes a workflow and notifies OnUnregister so its pending
// activations can be dropped. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	if _, exists := r.byName[name]; !exists {
		r.mu.Unlock()
		return
	}
	r.removeFromIndexLocked(name)
	delete(r.byName, name)
	r.mu.Unlock()

	if r.OnUnregister != nil {
		r.OnUnregister(name)
	}
	r.logger.Info("Workflow unregistered", zap.String("workflow", name))
}

func (r *Registry) removeFromIndexLocked(name string) {
	for et, names := range r.byType {
		filtered := names[:0]
		for _, n := range names {
			if n != name {
				filtered = append(filtered, n)
			}
		}
		if len(filtered) == 0 {
			delete(r.byType, et)
		} else {
			r.byType[et] = filtered
		}
	}
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (*workflow.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	return def, ok
}

// List returns all registered definitions sorted by name.
func (r *Registry) List() []*workflow.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*workflow.Definition, 0, len(r.byName))
	for _, def := range r.byName {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subscribed returns, in registration order, the definitions whose triggers
// subscribe to the event type. Predicates are not evaluated here.
func (r *Registry) Subscribed(eventType string) []*workflow.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.byType[eventType]
	out := make([]*workflow.Definition, 0, len(names))
	for _, n := range names {
		if def, ok := r.byName[n]; ok {
			out = append(out, def)
		}
	}
	return out
}

// Len returns the number of registered workflows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Resolver matches events against the registry and produces the activation
// list the queue consumes.
type Resolver struct {
	registry *Registry
	logger   *zap.Logger
}

// NewResolver creates a resolver over the registry.
func NewResolver(registry *Registry, logger *zap.Logger) *Resolver {
	return &Resolver{registry: registry, logger: logger}
}

// Activation pairs a matched workflow with the event that woke it.
type Activation struct {
	Workflow *workflow.Definition
	Event    event.Event
}

// Resolve returns the activations for ev: subscribed workflows whose
// predicate accepts the event, most urgent first (lowest priority value)
// with registration order breaking ties. A panicking predicate is logged and
// treated as a non-match; resolution of the other workflows is unaffected.
func (r *Resolver) Resolve(ev event.Event) []Activation {
	defs := r.registry.Subscribed(ev.Type)

	matched := make([]Activation, 0, len(defs))
	for _, def := range defs {
		if r.matches(def, ev) {
			matched = append(matched, Activation{Workflow: def, Event: ev})
		}
	}

	// Stable: equal priorities keep registration order.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Workflow.Trigger.Priority < matched[j].Workflow.Trigger.Priority
	})
	return matched
}

func (r *Resolver) matches(def *workflow.Definition, ev event.Event) (ok bool) {
	if def.Trigger.Predicate == nil {
		return true
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("Workflow predicate panicked, treating as non-match",
				zap.String("workflow", def.Name),
				zap.String("event_type", ev.Type),
				zap.Any("panic", rec),
			)
			ok = false
		}
	}()
	return def.Trigger.Predicate(ev)
}
