package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/seantiz/isoreg/internal/model"
)

// generations numbers every Concrete built by this process. It names the
// private directories so an outgoing and an incoming context of the same
// scope never share one.
var generations atomic.Uint64

// Concrete resolves resources from one immutable snapshot materialized into a
// private directory, after first asking its parent.
type Concrete struct {
	scope      model.ScopeID
	generation uint64
	dir        string
	parent     Loader

	// symbols is built once at construction and never mutated, so lookups
	// keep working on a captured Concrete after it has been replaced.
	symbols map[string]Symbol
	names   []string

	// mu is held shared while a resource file is read and exclusively while
	// the directory is removed, so Destroy waits for in-flight reads.
	mu        sync.RWMutex
	destroyed atomic.Bool
}

// NewConcrete materializes set into a fresh subdirectory of root and returns a
// context delegating to parent. parent may be nil for a detached context.
//
// Construction is all-or-nothing: when any entry fails to materialize, the
// partially written directory is removed and a *MaterializationError is
// returned.
func NewConcrete(scope model.ScopeID, set model.ResourceSet, root string, parent Loader) (*Concrete, error) {
	gen := generations.Add(1)

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &MaterializationError{Scope: scope, Err: fmt.Errorf("create root: %w", err)}
	}

	prefix := fmt.Sprintf("%s-%d-g%d-", scope.Type, scope.ID, gen)
	dir, err := os.MkdirTemp(root, prefix)
	if err != nil {
		return nil, &MaterializationError{Scope: scope, Err: fmt.Errorf("create context dir: %w", err)}
	}

	c := &Concrete{
		scope:      scope,
		generation: gen,
		dir:        dir,
		parent:     parent,
		symbols:    make(map[string]Symbol, len(set)),
		names:      make([]string, 0, len(set)),
	}

	for _, e := range set {
		if err := c.materialize(e); err != nil {
			_ = os.RemoveAll(dir)
			return nil, &MaterializationError{Scope: scope, Resource: e.Name, Err: err}
		}
	}

	return c, nil
}

// materialize writes one entry below c.dir and indexes it.
func (c *Concrete) materialize(e model.ResourceEntry) error {
	name := normalizeName(e.Name)
	if err := validateName(e.Name, name); err != nil {
		return err
	}
	if _, dup := c.symbols[name]; dup {
		return errors.New("duplicate resource name")
	}

	target := filepath.Join(c.dir, filepath.FromSlash(name))
	if err := validatePath(c.dir, target); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(target, e.Content, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	sum := sha256.Sum256(e.Content)
	c.symbols[name] = Symbol{
		Name:       name,
		Scope:      c.scope,
		Generation: c.generation,
		Path:       target,
		Size:       len(e.Content),
		Digest:     hex.EncodeToString(sum[:]),
	}
	c.names = append(c.names, name)
	return nil
}

// Scope returns the scope this context was built for.
func (c *Concrete) Scope() model.ScopeID { return c.scope }

// Generation returns the process-wide build number of this context.
func (c *Concrete) Generation() uint64 { return c.generation }

// Dir returns the private directory holding the materialized resources.
func (c *Concrete) Dir() string { return c.dir }

// Len returns the number of resources materialized by this context.
func (c *Concrete) Len() int { return len(c.names) }

// Destroyed reports whether Destroy has completed.
func (c *Concrete) Destroyed() bool { return c.destroyed.Load() }

// Resolve asks the parent first and falls back to the local snapshot.
func (c *Concrete) Resolve(name string) (Symbol, error) {
	if c.parent != nil {
		sym, err := c.parent.Resolve(name)
		if err == nil {
			return sym, nil
		}
		if !errors.Is(err, ErrSymbolNotFound) {
			return Symbol{}, err
		}
	}
	if sym, ok := c.symbols[normalizeName(name)]; ok {
		return sym, nil
	}
	return Symbol{}, notFound(name, c.scope)
}

// ListResources returns the parent's names followed by local names the parent
// does not shadow.
func (c *Concrete) ListResources() []string {
	var inherited []string
	if c.parent != nil {
		inherited = c.parent.ListResources()
	}
	seen := make(map[string]bool, len(inherited))
	out := make([]string, 0, len(inherited)+len(c.names))
	for _, n := range inherited {
		seen[n] = true
		out = append(out, n)
	}
	for _, n := range c.names {
		if !seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// GetResource returns the content of the named resource, parent first.
func (c *Concrete) GetResource(name string) ([]byte, error) {
	if c.parent != nil {
		data, err := c.parent.GetResource(name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrSymbolNotFound) {
			return nil, err
		}
	}
	sym, ok := c.symbols[normalizeName(name)]
	if !ok {
		return nil, notFound(name, c.scope)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.destroyed.Load() {
		return nil, fmt.Errorf("read %q from %s generation %d: %w", name, c.scope, c.generation, ErrContextDestroyed)
	}
	data, err := os.ReadFile(sym.Path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", name, err)
	}
	return data, nil
}

// Destroy removes the private directory once reads already in progress have
// finished. It is idempotent and safe for concurrent use; the directory is
// gone when the first successful call returns.
func (c *Concrete) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed.Load() {
		return nil
	}
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("remove context dir %s: %w", c.dir, err)
	}
	c.destroyed.Store(true)
	return nil
}

// normalizeName maps a resource name to its canonical slash-separated form.
func normalizeName(name string) string {
	if name == "" {
		return ""
	}
	return path.Clean(strings.ReplaceAll(name, "\\", "/"))
}

// CheckNames reports the first entry of set that NewConcrete would refuse to
// materialize because of its name.
func CheckNames(scope model.ScopeID, set model.ResourceSet) error {
	seen := make(map[string]bool, len(set))
	for _, e := range set {
		name := normalizeName(e.Name)
		if err := validateName(e.Name, name); err != nil {
			return &MaterializationError{Scope: scope, Resource: e.Name, Err: err}
		}
		if seen[name] {
			return &MaterializationError{Scope: scope, Resource: e.Name, Err: errors.New("duplicate resource name")}
		}
		seen[name] = true
	}
	return nil
}

// validateName rejects names that cannot be materialized below a directory.
func validateName(raw, clean string) error {
	switch {
	case strings.TrimSpace(raw) == "":
		return errors.New("empty resource name")
	case strings.ContainsRune(raw, 0):
		return errors.New("resource name contains NUL")
	case path.IsAbs(clean) || filepath.IsAbs(raw):
		return errors.New("absolute resource name")
	case clean == "." || clean == ".." || strings.HasPrefix(clean, "../"):
		return errors.New("resource name escapes context directory")
	}
	return nil
}

// validatePath checks that target stays inside baseDir.
func validatePath(baseDir, target string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve target: %w", err)
	}
	if !strings.HasPrefix(absTarget, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes context directory", target)
	}
	return nil
}
