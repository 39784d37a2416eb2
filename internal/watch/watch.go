// Package watch deploys resource sets from a directory tree laid out as
// <root>/<scope type>/<scope id>/. Changes are debounced, persisted and turned
// into refresh requests.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/seantiz/isoreg/internal/model"
	"github.com/seantiz/isoreg/internal/store"
	"github.com/seantiz/isoreg/internal/txn"
)

// DefaultDebounce is the quiet period after the last change to a scope
// directory before it is deployed.
const DefaultDebounce = 250 * time.Millisecond

// Store persists deployed resource sets.
type Store interface {
	PutResources(ctx context.Context, scope model.ScopeID, set model.ResourceSet) error
	DeleteResources(ctx context.Context, scope model.ScopeID) error
}

// Requester schedules refreshes for the transaction in ctx.
type Requester interface {
	RequestRefresh(ctx context.Context, ids ...model.ScopeID) error
}

// Watcher mirrors a deploy directory into the store.
type Watcher struct {
	root      string
	store     Store
	requester Requester
	txm       *txn.Manager
	logger    *slog.Logger

	// Debounce may be changed before Start.
	Debounce time.Duration

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	pending map[model.ScopeID]bool
}

// New creates a watcher for root.
func New(root string, st Store, requester Requester, txm *txn.Manager, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		root:      filepath.Clean(root),
		store:     st,
		requester: requester,
		txm:       txm,
		logger:    logger,
		Debounce:  DefaultDebounce,
		watcher:   fw,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		pending:   make(map[model.ScopeID]bool),
	}, nil
}

// Start deploys every scope directory already present and begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("create deploy dir: %w", err)
	}
	if _, err := w.watchRecursive(w.root); err != nil {
		return err
	}

	for _, scope := range w.scanScopes() {
		w.deploy(ctx, scope)
	}

	go w.loop(ctx)
	w.logger.Info("deploy watcher started", "dir", w.root)
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.watcher.Close()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(0)
	<-timer.C

	for {
		select {
		case <-w.stopCh:
			timer.Stop()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			changed := false
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					// Content may have landed before the new directory was watched.
					found, _ := w.watchRecursive(event.Name)
					for _, s := range found {
						w.markPending(s)
						changed = true
					}
				}
			}
			if scope, ok := w.scopeOf(event.Name); ok {
				w.markPending(scope)
				changed = true
			}
			if changed {
				timer.Reset(w.Debounce)
			}

		case <-timer.C:
			w.mu.Lock()
			scopes := make([]model.ScopeID, 0, len(w.pending))
			for s := range w.pending {
				scopes = append(scopes, s)
			}
			w.pending = make(map[model.ScopeID]bool)
			w.mu.Unlock()

			for _, s := range scopes {
				w.deploy(ctx, s)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("deploy watcher error", "error", err)
		}
	}
}

func (w *Watcher) markPending(scope model.ScopeID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[scope] = true
}

// deploy persists the current content of a scope directory and requests a
// refresh once the persisting transaction commits.
func (w *Watcher) deploy(ctx context.Context, scope model.ScopeID) {
	dir := w.scopeDir(scope)

	err := w.txm.Run(ctx, func(ctx context.Context) error {
		set, err := readDir(dir)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if err := w.store.DeleteResources(ctx, scope); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		case err != nil:
			return err
		default:
			if err := w.store.PutResources(ctx, scope, set); err != nil {
				return err
			}
		}
		return w.requester.RequestRefresh(ctx, scope)
	})
	if err != nil {
		w.logger.Error("deploy from directory failed", "scope", scope.String(), "dir", dir, "error", err)
		return
	}
	w.logger.Info("deployed from directory", "scope", scope.String(), "dir", dir)
}

// scopeOf maps a path below root to the scope directory containing it.
func (w *Watcher) scopeOf(p string) (model.ScopeID, bool) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return model.ScopeID{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return model.ScopeID{}, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return model.ScopeID{}, false
	}
	scope := model.NewScopeID(parts[0], id)
	if !scope.Valid() {
		return model.ScopeID{}, false
	}
	return scope, true
}

func (w *Watcher) scopeDir(scope model.ScopeID) string {
	return filepath.Join(w.root, scope.Type, strconv.FormatInt(scope.ID, 10))
}

// scanScopes lists the scope directories currently under root.
func (w *Watcher) scanScopes() []model.ScopeID {
	var scopes []model.ScopeID
	types, _ := os.ReadDir(w.root)
	for _, t := range types {
		if !t.IsDir() {
			continue
		}
		ids, _ := os.ReadDir(filepath.Join(w.root, t.Name()))
		for _, id := range ids {
			if !id.IsDir() {
				continue
			}
			if scope, ok := w.scopeOf(filepath.Join(w.root, t.Name(), id.Name())); ok {
				scopes = append(scopes, scope)
			}
		}
	}
	return scopes
}

// watchRecursive adds dir and its subdirectories to the watch list and
// returns the scopes they belong to.
func (w *Watcher) watchRecursive(dir string) ([]model.ScopeID, error) {
	seen := make(map[model.ScopeID]bool)
	var scopes []model.ScopeID
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		if scope, ok := w.scopeOf(p); ok && !seen[scope] {
			seen[scope] = true
			scopes = append(scopes, scope)
		}
		return nil
	})
	return scopes, err
}

// readDir loads every regular file below dir, in lexical order, with names
// relative to dir.
func readDir(dir string) (model.ResourceSet, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	var set model.ResourceSet
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		set = append(set, model.ResourceEntry{Name: filepath.ToSlash(rel), Content: content})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	return set, nil
}
