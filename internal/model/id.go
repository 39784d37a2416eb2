package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID generates a ULID string used for broadcast commands and node identities.
func NewID() string {
	return ulid.Make().String()
}

// NewNodeID returns a short, lowercase node identity for hosts that were not
// given one explicitly.
func NewNodeID() string {
	return "node-" + strings.ToLower(NewID()[16:])
}
