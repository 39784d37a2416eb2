package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/isoreg/internal/model"

	_ "modernc.org/sqlite"
)

const createResourcesTable = `
CREATE TABLE IF NOT EXISTS resources (
    scope_type  TEXT NOT NULL,
    scope_id    INTEGER NOT NULL,
    seq         INTEGER NOT NULL,
    name        TEXT NOT NULL,
    content     BLOB NOT NULL,
    updated_at  DATETIME NOT NULL,
    PRIMARY KEY (scope_type, scope_id, seq)
)`

// resourceScopesTable records that a scope has a deployed set, even an empty one.
const createResourceScopesTable = `
CREATE TABLE IF NOT EXISTS resource_scopes (
    scope_type  TEXT NOT NULL,
    scope_id    INTEGER NOT NULL,
    updated_at  DATETIME NOT NULL,
    PRIMARY KEY (scope_type, scope_id)
)`

const createProcessTenantsTable = `
CREATE TABLE IF NOT EXISTS process_tenants (
    process_id  INTEGER PRIMARY KEY,
    tenant_id   INTEGER NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createResourcesTable, createResourceScopesTable, createProcessTenantsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Fetch returns the resource set of a scope in deployment order. It returns
// ErrNotFound when nothing was ever deployed for the scope.
func (s *SQLiteStore) Fetch(ctx context.Context, scopeType string, scopeID int64) (model.ResourceSet, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM resource_scopes WHERE scope_type = ? AND scope_id = ?",
		scopeType, scopeID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup scope: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT name, content FROM resources
		WHERE scope_type = ? AND scope_id = ? ORDER BY seq`, scopeType, scopeID,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch resources: %w", err)
	}
	defer rows.Close()

	set := model.ResourceSet{}
	for rows.Next() {
		var e model.ResourceEntry
		if err := rows.Scan(&e.Name, &e.Content); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		set = append(set, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return set, nil
}

// PutResources replaces the resource set of a scope atomically.
func (s *SQLiteStore) PutResources(ctx context.Context, scope model.ScopeID, set model.ResourceSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM resources WHERE scope_type = ? AND scope_id = ?", scope.Type, scope.ID,
	); err != nil {
		return fmt.Errorf("clear resources: %w", err)
	}

	now := time.Now().UTC()
	for i, e := range set {
		content := e.Content
		if content == nil {
			content = []byte{}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO resources (scope_type, scope_id, seq, name, content, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			scope.Type, scope.ID, i, e.Name, content, now,
		); err != nil {
			return fmt.Errorf("insert resource %q: %w", e.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resource_scopes (scope_type, scope_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (scope_type, scope_id) DO UPDATE SET updated_at = excluded.updated_at`,
		scope.Type, scope.ID, now,
	); err != nil {
		return fmt.Errorf("record scope: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resources: %w", err)
	}
	return nil
}

// DeleteResources removes the resource set of a scope. It returns ErrNotFound
// when nothing was deployed.
func (s *SQLiteStore) DeleteResources(ctx context.Context, scope model.ScopeID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"DELETE FROM resource_scopes WHERE scope_type = ? AND scope_id = ?", scope.Type, scope.ID,
	)
	if err != nil {
		return fmt.Errorf("delete scope: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM resources WHERE scope_type = ? AND scope_id = ?", scope.Type, scope.ID,
	); err != nil {
		return fmt.Errorf("delete resources: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// ListResourceScopes summarizes every scope with a deployed set, ordered by
// type then id.
func (s *SQLiteStore) ListResourceScopes(ctx context.Context) ([]ScopeSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rs.scope_type, rs.scope_id, rs.updated_at,
			COUNT(r.seq), COALESCE(SUM(LENGTH(r.content)), 0)
		FROM resource_scopes rs
		LEFT JOIN resources r ON r.scope_type = rs.scope_type AND r.scope_id = rs.scope_id
		GROUP BY rs.scope_type, rs.scope_id, rs.updated_at
		ORDER BY rs.scope_type, rs.scope_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var out []ScopeSummary
	for rows.Next() {
		var sum ScopeSummary
		if err := rows.Scan(&sum.Scope.Type, &sum.Scope.ID, &sum.UpdatedAt, &sum.Count, &sum.Bytes); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scopes: %w", err)
	}
	return out, nil
}

// RegisterProcess records the tenant owning a process.
func (s *SQLiteStore) RegisterProcess(ctx context.Context, processID, tenantID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_tenants (process_id, tenant_id) VALUES (?, ?)
		ON CONFLICT (process_id) DO UPDATE SET tenant_id = excluded.tenant_id`,
		processID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("register process: %w", err)
	}
	return nil
}

// TenantOf returns the tenant owning a process.
func (s *SQLiteStore) TenantOf(ctx context.Context, processID int64) (int64, error) {
	var tenantID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT tenant_id FROM process_tenants WHERE process_id = ?", processID,
	).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("process %d: %w", processID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get process tenant: %w", err)
	}
	return tenantID, nil
}
