package agentregistry

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"gotest.tools/v3/assert"
)

type fakeFetcher struct {
	calls int32
}

func (f *fakeFetcher) GetAgent(opts *bind.CallOpts, agentId *big.Int) (*Agent, error) {
	atomic.AddInt32(&f.calls, 1)
	return &Agent{AgentId: agentId, MetadataUri: "ipfs://agent"}, nil
}

func TestCacheServesFreshEntryWithoutRefetching(t *testing.T) {
	f := &fakeFetcher{}
	c := NewCache(f, time.Minute)

	agent1, err := c.GetAgent(context.Background(), big.NewInt(1))
	assert.NilError(t, err)
	assert.Equal(t, agent1.AgentId.String(), "1")

	_, err = c.GetAgent(context.Background(), big.NewInt(1))
	assert.NilError(t, err)

	assert.Equal(t, f.calls, int32(1))
}

func TestCacheRefetchesAfterExpiry(t *testing.T) {
	f := &fakeFetcher{}
	c := NewCache(f, time.Millisecond)

	_, err := c.GetAgent(context.Background(), big.NewInt(1))
	assert.NilError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = c.GetAgent(context.Background(), big.NewInt(1))
	assert.NilError(t, err)

	assert.Equal(t, f.calls, int32(2))
}

func TestInvalidateForcesRefetch(t *testing.T) {
	f := &fakeFetcher{}
	c := NewCache(f, time.Minute)

	_, err := c.GetAgent(context.Background(), big.NewInt(1))
	assert.NilError(t, err)

	c.Invalidate(big.NewInt(1))

	_, err = c.GetAgent(context.Background(), big.NewInt(1))
	assert.NilError(t, err)

	assert.Equal(t, f.calls, int32(2))
}

func TestCacheTracksEntriesIndependentlyPerAgent(t *testing.T) {
	f := &fakeFetcher{}
	c := NewCache(f, time.Minute)

	_, err := c.GetAgent(context.Background(), big.NewInt(1))
	assert.NilError(t, err)
	_, err = c.GetAgent(context.Background(), big.NewInt(2))
	assert.NilError(t, err)

	assert.Equal(t, f.calls, int32(2))
}
