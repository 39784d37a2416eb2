// Package listener tracks the observers of scope lifecycle events. Observers
// register either globally or for a single scope.
package listener

import (
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/isoreg/internal/model"
)

// Kind distinguishes lifecycle events.
type Kind string

// Event kinds.
const (
	KindUpdate  Kind = "update"
	KindDestroy Kind = "destroy"
)

// Event describes a change to the loading context of a scope.
type Event struct {
	Kind       Kind          `json:"kind"`
	Scope      model.ScopeID `json:"scope"`
	Generation uint64        `json:"generation,omitempty"`
	At         time.Time     `json:"at"`
}

// Listener observes update and destroy events.
//
// Listeners are compared by identity for removal, so implementations should
// be pointer types.
type Listener interface {
	OnUpdate(Event)
	OnDestroy(Event)
}

// Funcs adapts a pair of functions to Listener. Either field may be nil.
type Funcs struct {
	Update  func(Event)
	Destroy func(Event)
}

// OnUpdate calls f.Update.
func (f *Funcs) OnUpdate(e Event) {
	if f.Update != nil {
		f.Update(e)
	}
}

// OnDestroy calls f.Destroy.
func (f *Funcs) OnDestroy(e Event) {
	if f.Destroy != nil {
		f.Destroy(e)
	}
}

// Registry holds global and per-scope listeners. It is safe for concurrent use.
//
// Events are delivered to the listeners registered at the moment the event
// is raised; registrations made during delivery take effect for the next event.
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	global []Listener
	scoped map[model.ScopeID][]Listener
}

// NewRegistry creates an empty listener registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		logger: logger,
		scoped: make(map[model.ScopeID][]Listener),
	}
}

// Add registers a listener for every scope. Adding the same listener twice is
// a no-op.
func (r *Registry) Add(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if indexOf(r.global, l) < 0 {
		r.global = append(r.global, l)
	}
}

// AddScoped registers a listener for one scope.
func (r *Registry) AddScoped(scope model.ScopeID, l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if indexOf(r.scoped[scope], l) < 0 {
		r.scoped[scope] = append(r.scoped[scope], l)
	}
}

// Remove unregisters a global listener.
func (r *Registry) Remove(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = without(r.global, l)
}

// RemoveScoped unregisters a listener from one scope.
func (r *Registry) RemoveScoped(scope model.ScopeID, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rest := without(r.scoped[scope], l)
	if len(rest) == 0 {
		delete(r.scoped, scope)
		return
	}
	r.scoped[scope] = rest
}

// Count returns how many listeners an event for scope reaches.
func (r *Registry) Count(scope model.ScopeID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.global) + len(r.scoped[scope])
}

// NotifyUpdate delivers an update event.
func (r *Registry) NotifyUpdate(scope model.ScopeID, generation uint64) {
	r.Notify(Event{Kind: KindUpdate, Scope: scope, Generation: generation, At: time.Now().UTC()})
}

// NotifyDestroy delivers a destroy event.
func (r *Registry) NotifyDestroy(scope model.ScopeID) {
	r.Notify(Event{Kind: KindDestroy, Scope: scope, At: time.Now().UTC()})
}

// Notify delivers e to the global listeners and then to those registered for
// e.Scope. A panicking listener is logged and skipped.
func (r *Registry) Notify(e Event) {
	r.mu.RLock()
	targets := make([]Listener, 0, len(r.global)+len(r.scoped[e.Scope]))
	targets = append(targets, r.global...)
	targets = append(targets, r.scoped[e.Scope]...)
	r.mu.RUnlock()

	for _, l := range targets {
		r.deliver(l, e)
	}
}

func (r *Registry) deliver(l Listener, e Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("listener panicked", "scope", e.Scope.String(), "kind", string(e.Kind), "panic", p)
		}
	}()
	switch e.Kind {
	case KindUpdate:
		l.OnUpdate(e)
	case KindDestroy:
		l.OnDestroy(e)
	}
}

func indexOf(ls []Listener, l Listener) int {
	for i, x := range ls {
		if x == l {
			return i
		}
	}
	return -1
}

func without(ls []Listener, l Listener) []Listener {
	i := indexOf(ls, l)
	if i < 0 {
		return ls
	}
	out := make([]Listener, 0, len(ls)-1)
	out = append(out, ls[:i]...)
	return append(out, ls[i+1:]...)
}
