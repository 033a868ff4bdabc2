package agentregistry

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

type cacheEntry struct {
	agent     *Agent
	expiresAt time.Time
}

// Fetcher is the read-only subset of AgentRegistry the cache depends
// on. *AgentRegistry satisfies it through its embedded
// AgentRegistryCaller.
type Fetcher interface {
	GetAgent(opts *bind.CallOpts, agentId *big.Int) (*Agent, error)
}

// Cache wraps an AgentRegistry with a short-lived read cache, so the
// hot request path doesn't issue an eth_call for every delivered
// request when the same agent is looked up repeatedly in a short
// window.
type Cache struct {
	registry Fetcher

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

// NewCache wraps registry with a cache holding entries for ttl.
func NewCache(registry Fetcher, ttl time.Duration) *Cache {
	return &Cache{
		registry: registry,
		entries:  make(map[string]*cacheEntry),
		ttl:      ttl,
	}
}

// GetAgent returns the agent info for agentID, serving from cache when
// a fresh entry exists.
func (c *Cache) GetAgent(ctx context.Context, agentID *big.Int) (*Agent, error) {
	key := agentID.String()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.agent, nil
	}

	agent, err := c.registry.GetAgent(&bind.CallOpts{Context: ctx}, agentID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{agent: agent, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return agent, nil
}

// Invalidate drops any cached entry for agentID, forcing the next
// GetAgent call to hit the contract.
func (c *Cache) Invalidate(agentID *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, agentID.String())
}
