// Package tenant carries the tenant identity of the current unit of work.
package tenant

import "context"

type ctxKey struct{}

// WithID returns a context bound to tenant id.
func WithID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the tenant bound to ctx, if any.
func FromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ctxKey{}).(int64)
	return id, ok
}
