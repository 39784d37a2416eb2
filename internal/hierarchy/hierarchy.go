// Package hierarchy decides which scope a scope delegates to. The registry
// consults a ParentResolver when it first creates a scope's loading context.
package hierarchy

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/isoreg/internal/model"
)

var (
	// ErrUnknownScopeType is returned for scope types the resolver has no rule for.
	ErrUnknownScopeType = errors.New("unknown scope type")

	// ErrNoParent is returned when a resolver cannot name a parent for a scope.
	ErrNoParent = errors.New("no parent for scope")
)

// ParentResolver maps a scope to its parent scope, or to model.Root for the
// top of a hierarchy. It must never return an invalid scope for a non-root
// scope; callers treat that as a configuration error.
type ParentResolver interface {
	ParentOf(ctx context.Context, scope model.ScopeID) (model.ScopeID, error)
}

// TenantLookup returns the tenant that owns a deployed process.
type TenantLookup interface {
	TenantOf(ctx context.Context, processID int64) (int64, error)
}

// GlobalScope is the single global scope every tenant delegates to.
var GlobalScope = model.NewScopeID(model.ScopeGlobal, 0)

// Default implements the engine hierarchy: global under the host root,
// tenants under global, processes under their owning tenant.
type Default struct {
	tenants TenantLookup
}

// NewDefault returns the default resolver. tenants is required to resolve
// process scopes.
func NewDefault(tenants TenantLookup) *Default {
	return &Default{tenants: tenants}
}

// ParentOf implements ParentResolver.
func (d *Default) ParentOf(ctx context.Context, scope model.ScopeID) (model.ScopeID, error) {
	switch scope.Type {
	case model.ScopeGlobal:
		return model.Root, nil
	case model.ScopeTenant:
		return GlobalScope, nil
	case model.ScopeProcess:
		if d.tenants == nil {
			return model.ScopeID{}, fmt.Errorf("%w: %s: no tenant lookup configured", ErrNoParent, scope)
		}
		tenantID, err := d.tenants.TenantOf(ctx, scope.ID)
		if err != nil {
			return model.ScopeID{}, fmt.Errorf("%w: %s: %w", ErrNoParent, scope, err)
		}
		return model.NewScopeID(model.ScopeTenant, tenantID), nil
	default:
		return model.ScopeID{}, fmt.Errorf("%w: %q", ErrUnknownScopeType, scope.Type)
	}
}

// Static resolves parents from a fixed map. Scopes missing from the map are
// reported with ErrNoParent.
type Static map[model.ScopeID]model.ScopeID

// ParentOf implements ParentResolver.
func (s Static) ParentOf(_ context.Context, scope model.ScopeID) (model.ScopeID, error) {
	p, ok := s[scope]
	if !ok {
		return model.ScopeID{}, fmt.Errorf("%w: %s", ErrNoParent, scope)
	}
	return p, nil
}

// TenantOf reports the tenant a scope belongs to. Tenant scopes belong to
// themselves and processes to their owner; other scopes are not tenant-scoped.
func TenantOf(ctx context.Context, tenants TenantLookup, scope model.ScopeID) (int64, bool, error) {
	switch scope.Type {
	case model.ScopeTenant:
		return scope.ID, true, nil
	case model.ScopeProcess:
		if tenants == nil {
			return 0, false, fmt.Errorf("%w: %s: no tenant lookup configured", ErrNoParent, scope)
		}
		id, err := tenants.TenantOf(ctx, scope.ID)
		if err != nil {
			return 0, false, err
		}
		return id, true, nil
	default:
		return 0, false, nil
	}
}
