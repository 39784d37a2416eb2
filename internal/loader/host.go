package loader

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/seantiz/isoreg/internal/model"
)

// Host is the root of every delegation chain. It serves a fixed set of
// built-in resources shared by all scopes.
type Host struct {
	symbols map[string]Symbol
	content map[string][]byte
	names   []string
}

// NewHost returns a root loader serving the given built-ins. Later entries
// with a duplicate name are ignored.
func NewHost(builtins model.ResourceSet) *Host {
	h := &Host{
		symbols: make(map[string]Symbol, len(builtins)),
		content: make(map[string][]byte, len(builtins)),
	}
	for _, e := range builtins {
		name := normalizeName(e.Name)
		if _, dup := h.symbols[name]; dup || name == "" {
			continue
		}
		sum := sha256.Sum256(e.Content)
		h.symbols[name] = Symbol{
			Name:   name,
			Scope:  model.Root,
			Size:   len(e.Content),
			Digest: hex.EncodeToString(sum[:]),
		}
		h.content[name] = append([]byte(nil), e.Content...)
		h.names = append(h.names, name)
	}
	return h
}

// Resolve returns the built-in with the given name.
func (h *Host) Resolve(name string) (Symbol, error) {
	if sym, ok := h.symbols[normalizeName(name)]; ok {
		return sym, nil
	}
	return Symbol{}, notFound(name, model.Root)
}

// ListResources returns the built-in names in registration order.
func (h *Host) ListResources() []string {
	return append([]string(nil), h.names...)
}

// GetResource returns a copy of the built-in content.
func (h *Host) GetResource(name string) ([]byte, error) {
	data, ok := h.content[normalizeName(name)]
	if !ok {
		return nil, notFound(name, model.Root)
	}
	return append([]byte(nil), data...), nil
}
