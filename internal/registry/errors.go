package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/isoreg/internal/model"
)

var (
	// ErrConfiguration matches every ConfigurationError.
	ErrConfiguration = errors.New("configuration error")

	// ErrHierarchyInUse matches every HierarchyInUseError.
	ErrHierarchyInUse = errors.New("scope has registered children")

	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("registry stopped")
)

// ConfigurationError reports a parent chain that cannot be built. The
// registry is left unchanged when it is returned.
type ConfigurationError struct {
	// Scope is the scope whose parent could not be resolved.
	Scope model.ScopeID
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for scope %s: %v", e.Scope, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// HierarchyInUseError is returned by Remove when other scopes still delegate
// to the scope being removed.
type HierarchyInUseError struct {
	Scope    model.ScopeID
	Children []model.ScopeID
}

func (e *HierarchyInUseError) Error() string {
	names := make([]string, len(e.Children))
	for i, c := range e.Children {
		names[i] = c.String()
	}
	return fmt.Sprintf("scope %s is parent of %s", e.Scope, strings.Join(names, ", "))
}

func (e *HierarchyInUseError) Is(target error) bool { return target == ErrHierarchyInUse }
