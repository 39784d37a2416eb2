package store

import (
	"context"
	"errors"

	"github.com/seantiz/isoreg/internal/model"
)

// ErrNotFound is returned when no resources or process owner are recorded.
var ErrNotFound = errors.New("not found")

// ScopeSummary describes the stored resource set of one scope.
type ScopeSummary struct {
	Scope     model.ScopeID `json:"scope"`
	Count     int           `json:"count"`
	Bytes     int64         `json:"bytes"`
	UpdatedAt string        `json:"updated_at"`
}

// Store defines persistence of deployed resource sets and process ownership.
type Store interface {
	Fetch(ctx context.Context, scopeType string, scopeID int64) (model.ResourceSet, error)
	PutResources(ctx context.Context, scope model.ScopeID, set model.ResourceSet) error
	DeleteResources(ctx context.Context, scope model.ScopeID) error
	ListResourceScopes(ctx context.Context) ([]ScopeSummary, error)
	RegisterProcess(ctx context.Context, processID, tenantID int64) error
	TenantOf(ctx context.Context, processID int64) (int64, error)
	Close() error
}
