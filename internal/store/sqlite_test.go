package store

import (
	"context"
	"errors"
	"testing"

	"github.com/seantiz/isoreg/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestSet() model.ResourceSet {
	return model.ResourceSet{
		{Name: "Main.bin", Content: []byte("main")},
		{Name: "lib/dao.bin", Content: []byte("dao")},
		{Name: "empty.bin", Content: nil},
	}
}

func TestPutAndFetchResources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := model.NewScopeID(model.ScopeProcess, 42)

	if err := s.PutResources(ctx, scope, makeTestSet()); err != nil {
		t.Fatalf("PutResources: %v", err)
	}

	got, err := s.Fetch(ctx, scope.Type, scope.ID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Fetch returned %d entries, want 3", len(got))
	}
	want := makeTestSet()
	for i := range want {
		if got[i].Name != want[i].Name {
			t.Errorf("entry %d name = %q, want %q", i, got[i].Name, want[i].Name)
		}
		if string(got[i].Content) != string(want[i].Content) {
			t.Errorf("entry %d content = %q, want %q", i, got[i].Content, want[i].Content)
		}
	}
}

func TestFetchNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Fetch(context.Background(), model.ScopeTenant, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch error = %v, want ErrNotFound", err)
	}
}

func TestFetchEmptyDeployedSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := model.NewScopeID(model.ScopeTenant, 1)

	if err := s.PutResources(ctx, scope, nil); err != nil {
		t.Fatalf("PutResources: %v", err)
	}
	got, err := s.Fetch(ctx, scope.Type, scope.ID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Fetch returned %d entries, want 0", len(got))
	}
}

func TestPutResourcesReplacesSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := model.NewScopeID(model.ScopeProcess, 1)

	if err := s.PutResources(ctx, scope, makeTestSet()); err != nil {
		t.Fatal(err)
	}
	next := model.ResourceSet{{Name: "v2.bin", Content: []byte("2")}}
	if err := s.PutResources(ctx, scope, next); err != nil {
		t.Fatal(err)
	}

	got, err := s.Fetch(ctx, scope.Type, scope.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "v2.bin" {
		t.Errorf("Fetch after replace = %+v", got)
	}
}

func TestScopesAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := model.NewScopeID(model.ScopeProcess, 1)
	b := model.NewScopeID(model.ScopeTenant, 1)

	if err := s.PutResources(ctx, a, makeTestSet()); err != nil {
		t.Fatal(err)
	}
	if err := s.PutResources(ctx, b, model.ResourceSet{{Name: "t.bin", Content: []byte("t")}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Fetch(ctx, b.Type, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "t.bin" {
		t.Errorf("Fetch(b) = %+v", got)
	}
}

func TestDeleteResources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := model.NewScopeID(model.ScopeProcess, 9)

	if err := s.DeleteResources(ctx, scope); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteResources on empty store error = %v, want ErrNotFound", err)
	}

	if err := s.PutResources(ctx, scope, makeTestSet()); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteResources(ctx, scope); err != nil {
		t.Fatalf("DeleteResources: %v", err)
	}
	if _, err := s.Fetch(ctx, scope.Type, scope.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch after delete error = %v, want ErrNotFound", err)
	}
}

func TestListResourceScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutResources(ctx, model.NewScopeID(model.ScopeTenant, 2), model.ResourceSet{{Name: "a", Content: []byte("1234")}}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutResources(ctx, model.NewScopeID(model.ScopeProcess, 1), makeTestSet()); err != nil {
		t.Fatal(err)
	}
	if err := s.PutResources(ctx, model.NewScopeID(model.ScopeGlobal, 0), nil); err != nil {
		t.Fatal(err)
	}

	scopes, err := s.ListResourceScopes(ctx)
	if err != nil {
		t.Fatalf("ListResourceScopes: %v", err)
	}
	if len(scopes) != 3 {
		t.Fatalf("got %d scopes, want 3", len(scopes))
	}

	wantOrder := []string{"global:0", "process:1", "tenant:2"}
	for i, w := range wantOrder {
		if scopes[i].Scope.String() != w {
			t.Errorf("scope[%d] = %s, want %s", i, scopes[i].Scope, w)
		}
	}
	if scopes[0].Count != 0 || scopes[0].Bytes != 0 {
		t.Errorf("empty scope summary = %+v", scopes[0])
	}
	if scopes[1].Count != 3 || scopes[1].Bytes != 7 {
		t.Errorf("process summary = %+v", scopes[1])
	}
	if scopes[2].Count != 1 || scopes[2].Bytes != 4 {
		t.Errorf("tenant summary = %+v", scopes[2])
	}
	if scopes[0].UpdatedAt == "" {
		t.Error("UpdatedAt is empty")
	}
}

func TestRegisterProcessAndTenantOf(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.TenantOf(ctx, 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("TenantOf unknown error = %v, want ErrNotFound", err)
	}

	if err := s.RegisterProcess(ctx, 5, 1); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}
	if err := s.RegisterProcess(ctx, 5, 2); err != nil {
		t.Fatalf("RegisterProcess update: %v", err)
	}

	got, err := s.TenantOf(ctx, 5)
	if err != nil {
		t.Fatalf("TenantOf: %v", err)
	}
	if got != 2 {
		t.Errorf("TenantOf = %d, want 2", got)
	}
}
