package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Scope type constants.
const (
	ScopeGlobal  = "global"
	ScopeTenant  = "tenant"
	ScopeProcess = "process"

	scopeRoot = "root"
)

// ErrInvalidScope is returned when a scope identifier cannot be parsed.
var ErrInvalidScope = errors.New("invalid scope identifier")

// ScopeID identifies an isolation domain. It is comparable and used as a map key.
type ScopeID struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// Root is the sentinel parent of the top-most scope of a hierarchy.
var Root = ScopeID{Type: scopeRoot}

// NewScopeID returns the scope identifier for the given type and id.
func NewScopeID(scopeType string, id int64) ScopeID {
	return ScopeID{Type: scopeType, ID: id}
}

// IsRoot reports whether s is the root sentinel.
func (s ScopeID) IsRoot() bool {
	return s == Root
}

// Valid reports whether s names a real scope (non-empty type, not the root sentinel).
func (s ScopeID) Valid() bool {
	return s.Type != "" && !s.IsRoot() && !strings.ContainsAny(s.Type, ":/")
}

// String renders the scope as "type:id".
func (s ScopeID) String() string {
	if s.IsRoot() {
		return scopeRoot
	}
	return s.Type + ":" + strconv.FormatInt(s.ID, 10)
}

// ParseScopeID parses the "type:id" form produced by String.
func ParseScopeID(s string) (ScopeID, error) {
	typ, rawID, ok := strings.Cut(s, ":")
	if !ok || typ == "" {
		return ScopeID{}, fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return ScopeID{}, fmt.Errorf("%w: %q: %v", ErrInvalidScope, s, err)
	}
	scope := ScopeID{Type: typ, ID: id}
	if !scope.Valid() {
		return ScopeID{}, fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
	return scope, nil
}
