// Package cluster distributes refresh commands to the other nodes of a
// deployment. Delivery is best-effort: failures are reported per node and
// never abort the caller.
package cluster

import (
	"context"

	"github.com/seantiz/isoreg/internal/model"
)

// RefreshPath is the endpoint on which nodes accept refresh commands.
const RefreshPath = "/v1/cluster/refresh"

// RefreshCommand asks a node to refresh the listed scopes.
type RefreshCommand struct {
	ID     string          `json:"id"`
	Origin string          `json:"origin"`
	Scopes []model.ScopeID `json:"scopes"`
}

// NewRefreshCommand builds a command originating from node.
func NewRefreshCommand(origin string, scopes []model.ScopeID) RefreshCommand {
	return RefreshCommand{
		ID:     model.NewID(),
		Origin: origin,
		Scopes: append([]model.ScopeID(nil), scopes...),
	}
}

// Result is the outcome of delivering a command to one node.
type Result struct {
	NodeID string `json:"node_id"`
	Err    error  `json:"-"`
}

// OK reports whether the node acknowledged the command.
func (r Result) OK() bool { return r.Err == nil }

// Broadcaster delivers commands to every node except excludeNode and waits for
// their acknowledgements, bounded by its own timeout policy.
type Broadcaster interface {
	ExecuteOnOthersAndWait(ctx context.Context, cmd RefreshCommand, excludeNode string) map[string]Result
}

// Nop is a Broadcaster for single-node deployments.
type Nop struct{}

// ExecuteOnOthersAndWait implements Broadcaster.
func (Nop) ExecuteOnOthersAndWait(context.Context, RefreshCommand, string) map[string]Result {
	return map[string]Result{}
}
