package loader

import (
	"errors"
	"fmt"

	"github.com/seantiz/isoreg/internal/model"
)

var (
	// ErrSymbolNotFound is the expected outcome of a lookup that no level of
	// the delegation chain can satisfy.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrContextDestroyed is returned by contexts that have been torn down.
	// It also matches ErrSymbolNotFound so delegating children treat a
	// destroyed parent as an empty one.
	ErrContextDestroyed error = &destroyedError{}

	// ErrNilContext is returned when a nil Concrete is offered to a Virtual.
	ErrNilContext = errors.New("nil concrete context")

	// ErrMaterialization matches every MaterializationError.
	ErrMaterialization = errors.New("resource materialization failed")
)

type destroyedError struct{}

func (*destroyedError) Error() string { return "loading context destroyed" }

func (*destroyedError) Is(target error) bool { return target == ErrSymbolNotFound }

// Loader is the capability set every level of a delegation chain exposes.
type Loader interface {
	// Resolve returns the descriptor of the named resource.
	Resolve(name string) (Symbol, error)

	// ListResources returns the names visible through this loader, parent
	// names first.
	ListResources() []string

	// GetResource returns the content of the named resource.
	GetResource(name string) ([]byte, error)
}

// Symbol describes a resolved resource and the context generation that owns it.
type Symbol struct {
	Name       string        `json:"name"`
	Scope      model.ScopeID `json:"scope"`
	Generation uint64        `json:"generation"`
	Path       string        `json:"path,omitempty"`
	Size       int           `json:"size"`
	Digest     string        `json:"digest"`
}

// MaterializationError reports a resource that could not be written while
// building a Concrete context.
type MaterializationError struct {
	Scope    model.ScopeID
	Resource string
	Err      error
}

// Error returns the error message including the offending resource, if known.
func (e *MaterializationError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("materialize %s: %v", e.Scope, e.Err)
	}
	return fmt.Sprintf("materialize %s: resource %q: %v", e.Scope, e.Resource, e.Err)
}

// Unwrap returns the underlying error.
func (e *MaterializationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrMaterialization.
func (e *MaterializationError) Is(target error) bool {
	return target == ErrMaterialization
}

func notFound(name string, scope model.ScopeID) error {
	return fmt.Errorf("%w: %q in %s", ErrSymbolNotFound, name, scope)
}
