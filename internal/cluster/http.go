package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentDeliveries bounds the number of in-flight peer requests.
const maxConcurrentDeliveries = 8

// Peer is a node reachable over HTTP.
type Peer struct {
	ID  string
	URL string
}

// HTTPBroadcaster posts refresh commands to peers as JSON.
type HTTPBroadcaster struct {
	peers   []Peer
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewHTTPBroadcaster creates a broadcaster for peers. timeout bounds the wait
// for all acknowledgements of one broadcast.
func NewHTTPBroadcaster(peers []Peer, timeout time.Duration, logger *slog.Logger) *HTTPBroadcaster {
	return &HTTPBroadcaster{
		peers:   append([]Peer(nil), peers...),
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

// ExecuteOnOthersAndWait implements Broadcaster.
func (b *HTTPBroadcaster) ExecuteOnOthersAndWait(ctx context.Context, cmd RefreshCommand, excludeNode string) map[string]Result {
	body, err := json.Marshal(cmd)
	results := make(map[string]Result, len(b.peers))
	if err != nil {
		for _, p := range b.peers {
			if p.ID != excludeNode {
				results[p.ID] = Result{NodeID: p.ID, Err: fmt.Errorf("encode command: %w", err)}
			}
		}
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(maxConcurrentDeliveries)

	for _, p := range b.peers {
		if p.ID == excludeNode {
			continue
		}
		g.Go(func() error {
			start := time.Now()
			err := b.deliver(ctx, p, body)
			observeDelivery(err, time.Since(start))
			if err != nil {
				b.logger.Warn("cluster: peer did not acknowledge refresh",
					"peer", p.ID, "command_id", cmd.ID, "error", err)
			}

			mu.Lock()
			results[p.ID] = Result{NodeID: p.ID, Err: err}
			mu.Unlock()
			// Peer failures never cancel deliveries to the other peers.
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// deliver posts the encoded command to one peer.
func (b *HTTPBroadcaster) deliver(ctx context.Context, p Peer, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL+RefreshPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("post command: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer responded %s", resp.Status)
	}
	return nil
}
