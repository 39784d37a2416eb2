// Package refresh defers scope refreshes to the commit of the transaction
// that requested them. On commit the refresh is broadcast to the other nodes
// and applied locally in the background.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/isoreg/internal/cluster"
	"github.com/seantiz/isoreg/internal/engine"
	"github.com/seantiz/isoreg/internal/hierarchy"
	"github.com/seantiz/isoreg/internal/model"
	"github.com/seantiz/isoreg/internal/tenant"
	"github.com/seantiz/isoreg/internal/txn"
)

// Refresher reloads a scope's resources into its loading context.
type Refresher interface {
	Refresh(ctx context.Context, scope model.ScopeID) error
}

// TenantBinder establishes the tenant identity for the work done under ctx.
type TenantBinder interface {
	BindTenant(ctx context.Context, tenantID int64) context.Context
}

// ContextBinder binds tenants through tenant.WithID.
type ContextBinder struct{}

// BindTenant implements TenantBinder.
func (ContextBinder) BindTenant(ctx context.Context, tenantID int64) context.Context {
	return tenant.WithID(ctx, tenantID)
}

// Options configures a Synchronizer.
type Options struct {
	Refresher   Refresher
	Broadcaster cluster.Broadcaster
	Executor    *engine.Executor
	Tenants     hierarchy.TenantLookup
	Binder      TenantBinder
	NodeID      string
	Logger      *slog.Logger
}

// Synchronizer coalesces refresh requests per transaction.
type Synchronizer struct {
	refresher   Refresher
	broadcaster cluster.Broadcaster
	executor    *engine.Executor
	tenants     hierarchy.TenantLookup
	binder      TenantBinder
	nodeID      string
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]*synchronization
}

// synchronization collects the scopes requested within one transaction.
type synchronization struct {
	txID   string
	scopes []model.ScopeID
	seen   map[model.ScopeID]bool
}

func (s *synchronization) add(ids []model.ScopeID) {
	for _, id := range ids {
		if !s.seen[id] {
			s.seen[id] = true
			s.scopes = append(s.scopes, id)
		}
	}
}

// New creates a Synchronizer. Refresher and Executor are required.
func New(opts Options) *Synchronizer {
	s := &Synchronizer{
		refresher:   opts.Refresher,
		broadcaster: opts.Broadcaster,
		executor:    opts.Executor,
		tenants:     opts.Tenants,
		binder:      opts.Binder,
		nodeID:      opts.NodeID,
		logger:      opts.Logger,
		pending:     make(map[string]*synchronization),
	}
	if s.broadcaster == nil {
		s.broadcaster = cluster.Nop{}
	}
	if s.binder == nil {
		s.binder = ContextBinder{}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// RequestRefresh schedules ids for refresh once the transaction in ctx
// commits. Repeated requests within one transaction merge into a single
// deduplicated set.
func (s *Synchronizer) RequestRefresh(ctx context.Context, ids ...model.ScopeID) error {
	tx, ok := txn.FromContext(ctx)
	if !ok {
		return txn.ErrNoTransaction
	}
	for _, id := range ids {
		if !id.Valid() {
			return fmt.Errorf("request refresh: %w: %q", model.ErrInvalidScope, id.String())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sy, ok := s.pending[tx.ID()]
	if !ok {
		sy = &synchronization{txID: tx.ID(), seen: make(map[model.ScopeID]bool)}
		if err := tx.RegisterSynchronization(func(o txn.Outcome) { s.afterCompletion(sy, o) }); err != nil {
			return fmt.Errorf("request refresh: %w", err)
		}
		s.pending[tx.ID()] = sy
	}
	sy.add(ids)
	return nil
}

// Pending returns the number of transactions with a registered synchronization.
func (s *Synchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// afterCompletion unregisters sy and, on commit, dispatches its scopes.
func (s *Synchronizer) afterCompletion(sy *synchronization, outcome txn.Outcome) {
	s.mu.Lock()
	delete(s.pending, sy.txID)
	scopes := append([]model.ScopeID(nil), sy.scopes...)
	s.mu.Unlock()

	if outcome != txn.Committed {
		s.logger.Debug("refresh discarded", "tx", sy.txID, "outcome", string(outcome), "scopes", len(scopes))
		return
	}
	if len(scopes) == 0 {
		return
	}

	cmd := cluster.NewRefreshCommand(s.nodeID, scopes)
	s.checkScheduled(s.scheduleApply(cmd), cmd)
	s.checkScheduled(s.executor.Submit(engine.Task{
		Name: "refresh-broadcast",
		Run: func(ctx context.Context) error {
			s.broadcast(ctx, cmd)
			return nil
		},
	}), cmd)
}

// ApplyRemote applies a command received from another node. Commands that
// originated here are ignored.
func (s *Synchronizer) ApplyRemote(cmd cluster.RefreshCommand) {
	if cmd.Origin == s.nodeID {
		s.logger.Debug("ignoring own refresh command", "command_id", cmd.ID)
		return
	}
	s.logger.Info("applying remote refresh", "command_id", cmd.ID, "origin", cmd.Origin, "scopes", len(cmd.Scopes))
	s.checkScheduled(s.scheduleApply(cmd), cmd)
}

// checkScheduled reports a task the executor refused. Such a refresh never
// runs on this node, so the scopes are named for the operator.
func (s *Synchronizer) checkScheduled(f *engine.Future, cmd cluster.RefreshCommand) {
	select {
	case <-f.Done():
	default:
		return
	}
	if err := f.Wait(); errors.Is(err, engine.ErrClosed) {
		names := make([]string, len(cmd.Scopes))
		for i, scope := range cmd.Scopes {
			names[i] = scope.String()
		}
		s.logger.Error("refresh dropped: executor closed", "command_id", cmd.ID, "scopes", names, "error", err)
	}
}

// Wait blocks until all scheduled work has finished.
func (s *Synchronizer) Wait() {
	s.executor.Wait()
}

func (s *Synchronizer) scheduleApply(cmd cluster.RefreshCommand) *engine.Future {
	return s.executor.Submit(engine.Task{
		Name: "refresh-apply",
		Run: func(ctx context.Context) error {
			s.applyLocal(ctx, cmd.Scopes)
			return nil
		},
	})
}

// applyLocal refreshes each scope in its own context. A failed scope is
// logged and the rest still run.
func (s *Synchronizer) applyLocal(base context.Context, scopes []model.ScopeID) {
	for _, scope := range scopes {
		ctx, cancel := context.WithCancel(base)

		tenantID, scoped, err := hierarchy.TenantOf(ctx, s.tenants, scope)
		if err != nil {
			s.logger.Warn("tenant lookup failed; refreshing without tenant", "scope", scope.String(), "error", err)
		} else if scoped {
			ctx = s.binder.BindTenant(ctx, tenantID)
		}

		if err := s.refresher.Refresh(ctx, scope); err != nil {
			s.logger.Error("local refresh failed", "scope", scope.String(), "error", err)
		}
		cancel()
	}
}

func (s *Synchronizer) broadcast(ctx context.Context, cmd cluster.RefreshCommand) {
	results := s.broadcaster.ExecuteOnOthersAndWait(ctx, cmd, s.nodeID)
	failed := 0
	for node, r := range results {
		if r.Err != nil {
			failed++
			s.logger.Warn("peer refresh failed", "peer", node, "command_id", cmd.ID, "error", r.Err)
		}
	}
	s.logger.Info("refresh broadcast", "command_id", cmd.ID, "scopes", len(cmd.Scopes), "peers", len(results), "failed", failed)
}
