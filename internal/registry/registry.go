// Package registry owns the loading contexts of every registered scope. It
// builds parent chains on demand, swaps snapshots on refresh and tears
// hierarchies down children first.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/isoreg/internal/hierarchy"
	"github.com/seantiz/isoreg/internal/listener"
	"github.com/seantiz/isoreg/internal/loader"
	"github.com/seantiz/isoreg/internal/model"
	"github.com/seantiz/isoreg/internal/store"
)

// ResourceProvider returns the resource set deployed for a scope. It may
// return store.ErrNotFound, which the registry treats as an empty set.
type ResourceProvider interface {
	Fetch(ctx context.Context, scopeType string, scopeID int64) (model.ResourceSet, error)
}

// Options configures a Service.
type Options struct {
	Resolver  hierarchy.ParentResolver
	Provider  ResourceProvider
	Listeners *listener.Registry
	Host      *loader.Host
	TempRoot  string
	Logger    *slog.Logger
}

// ScopeInfo describes one registered scope.
type ScopeInfo struct {
	Scope      model.ScopeID `json:"scope"`
	Parent     model.ScopeID `json:"parent"`
	Generation uint64        `json:"generation"`
	Resources  int           `json:"resources"`
}

// instanceDir matches the per-process directories created by Init and
// captures the owning process id.
var instanceDir = regexp.MustCompile(`^pid-([0-9]+)-[0-9]+$`)

// Service is the isolation-context registry.
//
// Lookups of registered scopes go through contexts without locking. Creation,
// removal and stop serialize on mu, which also guards parents.
type Service struct {
	resolver  hierarchy.ParentResolver
	provider  ResourceProvider
	listeners *listener.Registry
	host      *loader.Host
	tempRoot  string
	logger    *slog.Logger

	// dir receives the context directories. Init points it at a private
	// subdirectory of tempRoot.
	dir string

	contexts sync.Map // model.ScopeID -> *loader.Virtual

	mu      sync.Mutex
	parents map[model.ScopeID]model.ScopeID
	stopped atomic.Bool
}

// New creates a registry. Resolver and TempRoot are required.
func New(opts Options) *Service {
	s := &Service{
		resolver:  opts.Resolver,
		provider:  opts.Provider,
		listeners: opts.Listeners,
		host:      opts.Host,
		tempRoot:  opts.TempRoot,
		dir:       opts.TempRoot,
		logger:    opts.Logger,
		parents:   make(map[model.ScopeID]model.ScopeID),
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.listeners == nil {
		s.listeners = listener.NewRegistry(s.logger)
	}
	if s.host == nil {
		s.host = loader.NewHost(nil)
	}
	return s
}

// Init creates a private directory for this process below the temporary
// root and removes the directories of processes that are no longer running.
// Directories owned by live processes are left alone, so several nodes may
// share one root. Init must be called before the service is used.
func (s *Service) Init(_ context.Context) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if s.dir != s.tempRoot {
		return nil
	}
	if err := os.MkdirAll(s.tempRoot, 0o755); err != nil {
		return fmt.Errorf("create temp root: %w", err)
	}
	entries, err := os.ReadDir(s.tempRoot)
	if err != nil {
		return fmt.Errorf("read temp root: %w", err)
	}
	purged := 0
	for _, e := range entries {
		m := instanceDir.FindStringSubmatch(e.Name())
		if !e.IsDir() || m == nil {
			continue
		}
		pid, err := strconv.Atoi(m[1])
		if err == nil && processAlive(pid) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.tempRoot, e.Name())); err != nil {
			return fmt.Errorf("purge stale contexts %s: %w", e.Name(), err)
		}
		purged++
	}

	dir, err := os.MkdirTemp(s.tempRoot, fmt.Sprintf("pid-%d-", os.Getpid()))
	if err != nil {
		return fmt.Errorf("create context dir: %w", err)
	}
	s.dir = dir
	s.logger.Info("registry initialized", "dir", s.dir, "purged", purged)
	return nil
}

// Dir returns the directory that receives the context directories.
func (s *Service) Dir() string { return s.dir }

// AddListener registers a listener for every scope.
func (s *Service) AddListener(l listener.Listener) { s.listeners.Add(l) }

// AddScopedListener registers a listener for one scope.
func (s *Service) AddScopedListener(scope model.ScopeID, l listener.Listener) {
	s.listeners.AddScoped(scope, l)
}

// RemoveListener unregisters a global listener.
func (s *Service) RemoveListener(l listener.Listener) { s.listeners.Remove(l) }

// RemoveScopedListener unregisters a scoped listener.
func (s *Service) RemoveScopedListener(scope model.ScopeID, l listener.Listener) {
	s.listeners.RemoveScoped(scope, l)
}

// Get returns the registered context for scope without creating it.
func (s *Service) Get(scope model.ScopeID) (*loader.Virtual, bool) {
	v, ok := s.contexts.Load(scope)
	if !ok {
		return nil, false
	}
	return v.(*loader.Virtual), true
}

// GetOrCreate returns the context of scope, building it and any missing
// ancestors on first use. Repeated calls return the same *loader.Virtual.
func (s *Service) GetOrCreate(ctx context.Context, scope model.ScopeID) (*loader.Virtual, error) {
	if v, ok := s.Get(scope); ok {
		return v, nil
	}
	_, v, err := s.create(ctx, scope, nil)
	return v, err
}

// Refresh fetches the current resource set of scope and applies it.
func (s *Service) Refresh(ctx context.Context, scope model.ScopeID) error {
	set, err := s.fetch(ctx, scope)
	if err != nil {
		observeOp(opRefresh, err)
		return err
	}
	return s.RefreshNow(ctx, scope, set)
}

// RefreshNow builds a context from set and swaps it into the scope's handle.
// An unregistered scope is created with set. On error the previous snapshot
// keeps serving.
func (s *Service) RefreshNow(ctx context.Context, scope model.ScopeID, set model.ResourceSet) error {
	err := s.refreshNow(ctx, scope, set)
	observeOp(opRefresh, err)
	if err != nil {
		s.logger.Warn("refresh failed", "scope", scope.String(), "error", err)
	}
	return err
}

func (s *Service) refreshNow(ctx context.Context, scope model.ScopeID, set model.ResourceSet) error {
	if s.stopped.Load() {
		return ErrStopped
	}

	v, ok := s.Get(scope)
	if !ok {
		created, existing, err := s.create(ctx, scope, &set)
		if err != nil {
			return err
		}
		if created {
			return nil
		}
		v = existing
	}

	start := time.Now()
	next, err := loader.NewConcrete(scope, set, s.dir, s.parentLoader(v))
	observeMaterialize(start)
	if err != nil {
		return err
	}

	prev, err := v.Replace(next)
	if err != nil {
		return err
	}
	if prev != nil {
		if err := prev.Destroy(); err != nil {
			s.logger.Warn("destroy replaced context", "scope", scope.String(), "generation", prev.Generation(), "error", err)
		}
	}

	s.logger.Info("scope refreshed", "scope", scope.String(), "generation", next.Generation(), "resources", len(set))
	return nil
}

// Remove destroys the context of scope. It fails with a *HierarchyInUseError
// while other scopes delegate to it. Removing an unregistered scope is a no-op.
func (s *Service) Remove(_ context.Context, scope model.ScopeID) error {
	s.mu.Lock()
	v, ok := s.Get(scope)
	if !ok {
		s.mu.Unlock()
		return nil
	}

	var children []model.ScopeID
	for child, parent := range s.parents {
		if parent == scope {
			children = append(children, child)
		}
	}
	if len(children) > 0 {
		s.mu.Unlock()
		sortScopes(children)
		err := &HierarchyInUseError{Scope: scope, Children: children}
		observeOp(opRemove, err)
		return err
	}

	s.contexts.Delete(scope)
	delete(s.parents, scope)
	registeredScopes.Set(float64(len(s.parents)))
	s.mu.Unlock()

	err := v.Destroy()
	observeOp(opRemove, err)
	s.logger.Info("scope removed", "scope", scope.String())
	return err
}

// Stop destroys every registered context, children strictly before their
// parents. Afterwards the service refuses to create or refresh scopes.
func (s *Service) Stop(_ context.Context) error {
	s.mu.Lock()
	if s.stopped.Swap(true) {
		s.mu.Unlock()
		return nil
	}

	depth := make(map[model.ScopeID]int, len(s.parents))
	order := make([]model.ScopeID, 0, len(s.parents))
	for scope := range s.parents {
		depth[scope] = s.depthLocked(scope)
		order = append(order, scope)
	}
	sort.Slice(order, func(i, j int) bool {
		if depth[order[i]] != depth[order[j]] {
			return depth[order[i]] > depth[order[j]]
		}
		return order[i].String() < order[j].String()
	})

	handles := make([]*loader.Virtual, 0, len(order))
	for _, scope := range order {
		v, _ := s.Get(scope)
		handles = append(handles, v)
		s.contexts.Delete(scope)
		delete(s.parents, scope)
	}
	registeredScopes.Set(0)
	s.mu.Unlock()

	var errs []error
	for _, v := range handles {
		if err := v.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy %s: %w", v.Scope(), err))
		}
	}
	if s.dir != s.tempRoot && len(errs) == 0 {
		if err := os.RemoveAll(s.dir); err != nil {
			errs = append(errs, fmt.Errorf("remove context dir: %w", err))
		}
	}
	s.logger.Info("registry stopped", "scopes", len(handles))
	return errors.Join(errs...)
}

// Scopes returns a snapshot of the registered scopes ordered by name.
func (s *Service) Scopes() []ScopeInfo {
	s.mu.Lock()
	infos := make([]ScopeInfo, 0, len(s.parents))
	for scope, parent := range s.parents {
		infos = append(infos, ScopeInfo{Scope: scope, Parent: parent})
	}
	s.mu.Unlock()

	for i := range infos {
		if v, ok := s.Get(infos[i].Scope); ok {
			infos[i].Generation = v.Generation()
			if c := v.Active(); c != nil {
				infos[i].Resources = c.Len()
			}
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Scope.String() < infos[j].Scope.String()
	})
	return infos
}

// link is one step of a parent chain being planned.
type link struct {
	scope  model.ScopeID
	parent model.ScopeID
}

// built is a context constructed but not yet registered.
type built struct {
	link
	concrete *loader.Concrete
	virtual  *loader.Virtual
}

// create registers scope and its missing ancestors. When leaf is non-nil it
// is used as the resource set of scope instead of asking the provider.
// created is false when another caller registered scope first.
func (s *Service) create(ctx context.Context, scope model.ScopeID, leaf *model.ResourceSet) (created bool, v *loader.Virtual, err error) {
	defer func() {
		if created || err != nil {
			observeOp(opCreate, err)
		}
	}()

	if !scope.Valid() {
		return false, nil, &ConfigurationError{Scope: scope, Err: fmt.Errorf("%w: %q", model.ErrInvalidScope, scope.String())}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return false, nil, ErrStopped
	}
	if existing, ok := s.Get(scope); ok {
		return false, existing, nil
	}

	chain, err := s.planLocked(ctx, scope)
	if err != nil {
		return false, nil, err
	}

	// Build top-down so every child can delegate to its parent's handle.
	pending := make(map[model.ScopeID]*loader.Virtual, len(chain))
	done := make([]built, 0, len(chain))
	rollback := func() {
		for _, b := range done {
			_ = b.concrete.Destroy()
		}
	}

	for i := len(chain) - 1; i >= 0; i-- {
		l := chain[i]

		var set model.ResourceSet
		if l.scope == scope && leaf != nil {
			set = *leaf
		} else {
			set, err = s.fetch(ctx, l.scope)
			if err != nil {
				rollback()
				return false, nil, err
			}
		}

		var parentHandle *loader.Virtual
		var parent loader.Loader = s.host
		if !l.parent.IsRoot() {
			parentHandle = pending[l.parent]
			if parentHandle == nil {
				parentHandle, _ = s.Get(l.parent)
			}
			parent = parentHandle
		}

		start := time.Now()
		c, err := loader.NewConcrete(l.scope, set, s.dir, parent)
		observeMaterialize(start)
		if err != nil {
			rollback()
			return false, nil, err
		}

		handle := loader.NewVirtual(l.scope, parentHandle, c, s.listeners)
		pending[l.scope] = handle
		done = append(done, built{link: l, concrete: c, virtual: handle})
	}

	for _, b := range done {
		s.parents[b.scope] = b.parent
		s.contexts.Store(b.scope, b.virtual)
		s.logger.Info("scope created", "scope", b.scope.String(), "parent", b.parent.String(), "generation", b.concrete.Generation())
	}
	registeredScopes.Set(float64(len(s.parents)))

	return true, pending[scope], nil
}

// planLocked walks up from scope until it reaches a registered scope or the
// host root, returning the unregistered links child first. Nothing is built
// until the whole chain is known to be valid.
func (s *Service) planLocked(ctx context.Context, scope model.ScopeID) ([]link, error) {
	var chain []link
	seen := map[model.ScopeID]bool{scope: true}

	for cur := scope; ; {
		parent, err := s.resolver.ParentOf(ctx, cur)
		if err != nil {
			return nil, &ConfigurationError{Scope: cur, Err: err}
		}
		if parent.IsRoot() {
			return append(chain, link{scope: cur, parent: parent}), nil
		}
		if !parent.Valid() {
			return nil, &ConfigurationError{Scope: cur, Err: fmt.Errorf("resolver returned invalid parent %q", parent.String())}
		}
		if seen[parent] {
			return nil, &ConfigurationError{Scope: cur, Err: fmt.Errorf("parent cycle through %s", parent)}
		}
		seen[parent] = true
		chain = append(chain, link{scope: cur, parent: parent})

		if _, ok := s.parents[parent]; ok {
			return chain, nil
		}
		cur = parent
	}
}

// depthLocked returns the number of registered ancestors of scope.
func (s *Service) depthLocked(scope model.ScopeID) int {
	d := 0
	for p, ok := s.parents[scope]; ok && !p.IsRoot(); p, ok = s.parents[p] {
		d++
	}
	return d
}

// parentLoader returns what a new snapshot of v delegates to.
func (s *Service) parentLoader(v *loader.Virtual) loader.Loader {
	if p := v.Parent(); p != nil {
		return p
	}
	return s.host
}

func (s *Service) fetch(ctx context.Context, scope model.ScopeID) (model.ResourceSet, error) {
	if s.provider == nil {
		return nil, nil
	}
	set, err := s.provider.Fetch(ctx, scope.Type, scope.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch resources for %s: %w", scope, err)
	}
	return set, nil
}

func sortScopes(scopes []model.ScopeID) {
	sort.Slice(scopes, func(i, j int) bool {
		return scopes[i].String() < scopes[j].String()
	})
}
