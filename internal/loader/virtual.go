package loader

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/seantiz/isoreg/internal/model"
)

// Notifier receives the lifecycle events of Virtual contexts.
type Notifier interface {
	NotifyUpdate(scope model.ScopeID, generation uint64)
	NotifyDestroy(scope model.ScopeID)
}

type nopNotifier struct{}

func (nopNotifier) NotifyUpdate(model.ScopeID, uint64) {}
func (nopNotifier) NotifyDestroy(model.ScopeID)        {}

// Virtual is the stable handle for a scope. Its identity never changes while
// the scope is registered; only the active Concrete behind it is swapped.
//
// Reads load the active pointer without locking. Writers serialize on mu so
// Replace and Destroy never interleave.
type Virtual struct {
	scope    model.ScopeID
	parent   *Virtual
	notifier Notifier

	// active is nil once the context is destroyed.
	active atomic.Pointer[Concrete]

	mu        sync.Mutex
	destroyed bool
}

// NewVirtual wraps initial in a stable handle. parent is nil for the top of a
// hierarchy; n may be nil.
func NewVirtual(scope model.ScopeID, parent *Virtual, initial *Concrete, n Notifier) *Virtual {
	if n == nil {
		n = nopNotifier{}
	}
	v := &Virtual{
		scope:    scope,
		parent:   parent,
		notifier: n,
	}
	v.active.Store(initial)
	return v
}

// Scope returns the scope this handle stands for.
func (v *Virtual) Scope() model.ScopeID { return v.scope }

// Parent returns the parent handle, or nil at the top of the hierarchy.
func (v *Virtual) Parent() *Virtual { return v.parent }

// Active returns the Concrete currently serving lookups, or nil after Destroy.
func (v *Virtual) Active() *Concrete { return v.active.Load() }

// Generation returns the generation of the active Concrete, or 0 after Destroy.
func (v *Virtual) Generation() uint64 {
	if c := v.active.Load(); c != nil {
		return c.Generation()
	}
	return 0
}

// Destroyed reports whether Destroy has been called.
func (v *Virtual) Destroyed() bool { return v.active.Load() == nil }

// Resolve delegates to the active Concrete.
func (v *Virtual) Resolve(name string) (Symbol, error) {
	c := v.active.Load()
	if c == nil {
		return Symbol{}, v.destroyedErr(name)
	}
	return c.Resolve(name)
}

// ListResources delegates to the active Concrete.
func (v *Virtual) ListResources() []string {
	c := v.active.Load()
	if c == nil {
		return nil
	}
	return c.ListResources()
}

// GetResource delegates to the active Concrete. When that Concrete is
// replaced and destroyed before the read completes, the read is retried on
// its successor, so callers see either the old or the new snapshot.
func (v *Virtual) GetResource(name string) ([]byte, error) {
	for {
		c := v.active.Load()
		if c == nil {
			return nil, v.destroyedErr(name)
		}
		data, err := c.GetResource(name)
		if err != nil && errors.Is(err, ErrContextDestroyed) && c.Destroyed() && v.active.Load() != c {
			continue
		}
		return data, err
	}
}

// Replace publishes next as the active Concrete and returns the previous one,
// which the caller owns and must destroy. Listeners are notified once the swap
// is visible. On a destroyed handle next is destroyed and ErrContextDestroyed
// is returned.
func (v *Virtual) Replace(next *Concrete) (*Concrete, error) {
	if next == nil {
		return nil, fmt.Errorf("replace %s: %w", v.scope, ErrNilContext)
	}
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		_ = next.Destroy()
		return nil, fmt.Errorf("replace %s: %w", v.scope, ErrContextDestroyed)
	}
	prev := v.active.Swap(next)
	v.mu.Unlock()

	v.notifier.NotifyUpdate(v.scope, next.Generation())
	return prev, nil
}

// Destroy detaches and destroys the active Concrete and fires the destroy
// notification. Only the first call has any effect.
func (v *Virtual) Destroy() error {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return nil
	}
	v.destroyed = true
	prev := v.active.Swap(nil)
	v.mu.Unlock()

	var err error
	if prev != nil {
		err = prev.Destroy()
	}
	v.notifier.NotifyDestroy(v.scope)
	return err
}

func (v *Virtual) destroyedErr(name string) error {
	return fmt.Errorf("resolve %q in %s: %w", name, v.scope, ErrContextDestroyed)
}
