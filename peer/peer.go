// Package peer manages a node's outbound connections to other nodes
// and fans record synchronization out across them.
package peer

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/record"
	"github.com/docmesh/ds/rpc"
)

// Pool holds one authenticated client per peer URL,
// created on first use.
type Pool struct {
	self   *ds.Identity
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

// NewPool produces a Pool acting as self toward every peer.
func NewPool(self *ds.Identity, logger zerolog.Logger) *Pool {
	return &Pool{
		self:    self,
		logger:  logger.With().Str("component", "peer").Logger(),
		clients: make(map[string]*rpc.Client),
	}
}

// client returns the pool's client for url, making one if needed.
func (p *Pool) client(url string) *rpc.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[url]; ok {
		return c
	}
	c := rpc.NewClient(url, p.self)
	p.clients[url] = c
	return c
}

// SyncFrom reconciles records with one peer.
// A session that fails with an expired token is retried once
// after re-authenticating.
func (p *Pool) SyncFrom(ctx context.Context, m *record.Manager, url string, records []ds.Ref) error {
	c := p.client(url)
	err := c.Sync(ctx, m, records)
	if ds.IsKind(err, ds.KindUnauthenticated) {
		if err = c.Authenticate(ctx); err != nil {
			return err
		}
		err = c.Sync(ctx, m, records)
	}
	return err
}

// Result is the outcome of syncing with one peer.
type Result struct {
	Peer string
	Err  error
}

// SyncAll reconciles records with every peer concurrently.
// One slow or failing peer does not block the others;
// each peer's outcome is reported separately.
func (p *Pool) SyncAll(ctx context.Context, m *record.Manager, urls []string, records []ds.Ref) []Result {
	results := make([]Result, len(urls))

	var g errgroup.Group
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			err := p.SyncFrom(ctx, m, url, records)
			results[i] = Result{Peer: url, Err: err}
			if err != nil {
				p.logger.Warn().Err(err).Str("peer", url).Msg("sync failed")
			} else {
				p.logger.Debug().Str("peer", url).Int("records", len(records)).Msg("sync complete")
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
