// Package txn is the in-process transaction boundary host. Work that must only
// take effect when a transaction commits registers a synchronization callback
// that runs once the outcome is known.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/isoreg/internal/model"
)

// Outcome is the final state of a transaction as seen by synchronizations.
type Outcome string

// Transaction outcomes.
const (
	Committed     Outcome = "COMMITTED"
	RolledBack    Outcome = "ROLLEDBACK"
	RollbackOnly  Outcome = "ROLLBACKONLY"
	NoTransaction Outcome = "NO_TRANSACTION"
)

var (
	// ErrNoTransaction is returned when no transaction is active in the context.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrCompleted is returned when operating on a finished transaction.
	ErrCompleted = errors.New("transaction already completed")
)

// Transaction is the view of a transaction given to participants.
type Transaction interface {
	ID() string
	// RegisterSynchronization arranges for fn to be called exactly once with
	// the outcome after the transaction completes.
	RegisterSynchronization(fn func(Outcome)) error
}

type ctxKey struct{}

// FromContext returns the transaction bound to ctx.
func FromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(ctxKey{}).(*Tx)
	if !ok || tx == nil {
		return nil, false
	}
	return tx, true
}

// Manager begins transactions.
type Manager struct {
	logger *slog.Logger
}

// NewManager creates a transaction manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Begin starts a transaction and returns a context carrying it.
func (m *Manager) Begin(ctx context.Context) (context.Context, *Tx) {
	tx := &Tx{id: model.NewID(), logger: m.logger}
	return context.WithValue(ctx, ctxKey{}, tx), tx
}

// Run executes fn inside a new transaction, committing when fn returns nil and
// rolling back otherwise.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx, tx := m.Begin(ctx)

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				tx.Rollback()
				panic(p)
			}
		}()
		return fn(txCtx)
	}()
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Tx is a transaction owned by a Manager.
type Tx struct {
	id     string
	logger *slog.Logger

	mu           sync.Mutex
	syncs        []func(Outcome)
	rollbackOnly bool
	done         bool
}

// ID returns the transaction identifier.
func (t *Tx) ID() string { return t.id }

// RegisterSynchronization implements Transaction.
func (t *Tx) RegisterSynchronization(fn func(Outcome)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("register synchronization on %s: %w", t.id, ErrCompleted)
	}
	t.syncs = append(t.syncs, fn)
	return nil
}

// SetRollbackOnly marks the transaction so that Commit rolls back.
func (t *Tx) SetRollbackOnly() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbackOnly = true
}

// Commit completes the transaction. A transaction marked rollback-only
// completes with RollbackOnly and Commit returns an error.
func (t *Tx) Commit() error {
	t.mu.Lock()
	rollbackOnly := t.rollbackOnly
	t.mu.Unlock()

	if rollbackOnly {
		if err := t.complete(RollbackOnly); err != nil {
			return err
		}
		return fmt.Errorf("commit %s: marked rollback-only", t.id)
	}
	return t.complete(Committed)
}

// Rollback completes the transaction without committing. Rolling back a
// completed transaction is a no-op.
func (t *Tx) Rollback() {
	_ = t.complete(RolledBack)
}

// complete runs the registered synchronizations once, in registration order.
func (t *Tx) complete(outcome Outcome) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return fmt.Errorf("complete %s: %w", t.id, ErrCompleted)
	}
	t.done = true
	syncs := t.syncs
	t.syncs = nil
	t.mu.Unlock()

	for _, fn := range syncs {
		t.runSync(fn, outcome)
	}
	return nil
}

func (t *Tx) runSync(fn func(Outcome), outcome Outcome) {
	defer func() {
		if p := recover(); p != nil && t.logger != nil {
			t.logger.Error("transaction synchronization panicked", "tx", t.id, "outcome", string(outcome), "panic", p)
		}
	}()
	fn(outcome)
}
