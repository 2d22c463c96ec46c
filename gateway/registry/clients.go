package registry

import (
	"context"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/hashicorp/go-multierror"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/rpc"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/common/utils/hashmap"
)

// ClientPool caches one RPC client per agent, dialed lazily on first use.
// When an agent's address changes (revival on a new host) the stale client
// is closed and a fresh one dialed; when an agent is lost, Invalidate drops
// its client so in-flight calls fail fast instead of retrying into the void.
type ClientPool struct {
	sourceId string
	opts     *configuration.CommonOptions

	clients *hashmap.CornelkMap[string, *rpc.Client]

	// dialLocks serializes dialing per agent so concurrent callers do not
	// race to create duplicate sockets.
	dialLocks *hashmap.CornelkMap[string, *sync.Mutex]

	log logger.Logger
}

func NewClientPool(sourceId string, opts *configuration.CommonOptions) *ClientPool {
	pool := &ClientPool{
		sourceId:  sourceId,
		opts:      opts,
		clients:   hashmap.NewCornelkMap[string, *rpc.Client](32),
		dialLocks: hashmap.NewCornelkMap[string, *sync.Mutex](32),
	}
	config.InitLogger(&pool.log, pool)
	return pool
}

func (p *ClientPool) String() string {
	return "ClientPool"
}

// Get returns the cached client for the agent, dialing one when absent or
// when the agent moved to a new address.
func (p *ClientPool) Get(ctx context.Context, agentId types.AgentId, addr string) (*rpc.Client, error) {
	lock, _ := p.dialLocks.LoadOrStore(string(agentId), &sync.Mutex{})
	lock.Lock()
	defer lock.Unlock()

	if client, ok := p.clients.Load(string(agentId)); ok {
		if client.Addr() == addr {
			return client, nil
		}

		p.log.Warn("Agent \"%s\" moved from %s to %s. Redialing.", agentId, client.Addr(), addr)
		p.clients.Delete(string(agentId))
		_ = client.Close()
	}

	client, err := rpc.NewClient(ctx, p.sourceId, addr, p.opts)
	if err != nil {
		return nil, err
	}

	p.clients.Store(string(agentId), client)
	return client, nil
}

// Invalidate closes and drops the agent's cached client, failing its pending
// calls. Safe to call for agents that were never dialed.
func (p *ClientPool) Invalidate(agentId types.AgentId) {
	client, ok := p.clients.LoadAndDelete(string(agentId))
	if !ok {
		return
	}
	if err := client.Close(); err != nil {
		p.log.Warn("Error closing the client of agent \"%s\": %v", agentId, err)
	}
}

// Close tears down every cached client.
func (p *ClientPool) Close() error {
	var result error

	p.clients.Range(func(agentId string, client *rpc.Client) bool {
		if err := client.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		p.clients.Delete(agentId)
		return true
	})

	return result
}
