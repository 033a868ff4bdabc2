package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestSubmitRunsJobsConcurrently(t *testing.T) {
	p := New(4, 100, nil)
	defer p.Stop()

	var count int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		ok := p.Submit(func(ctx context.Context) {
			defer wg.Done()
			atomic.AddInt32(&count, 1)
		})
		assert.Assert(t, ok)
	}
	wg.Wait()

	assert.Equal(t, count, int32(20))
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	running := make(chan struct{})
	var dropped int32
	p := New(1, 1, func() { atomic.AddInt32(&dropped, 1) })
	defer func() {
		close(block)
		p.Stop()
	}()

	// Occupy the single worker, and wait until it has actually dequeued
	// the job so the queue slot is known to be free.
	assert.Assert(t, p.Submit(func(ctx context.Context) {
		close(running)
		<-block
	}))
	<-running

	// Fill the one-slot queue.
	assert.Assert(t, p.Submit(func(ctx context.Context) {}))

	// This one has nowhere to go.
	ok := p.Submit(func(ctx context.Context) {})
	assert.Equal(t, ok, false)
	assert.Equal(t, dropped, int32(1))
}

func TestStopCancelsContextPassedToJobs(t *testing.T) {
	p := New(1, 1, nil)

	done := make(chan struct{})
	p.Submit(func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	time.Sleep(10 * time.Millisecond)
	p.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job context was never cancelled by Stop")
	}
}

func TestZeroOrNegativeConfigClampedToOne(t *testing.T) {
	p := New(0, 0, nil)
	defer p.Stop()
	assert.Assert(t, p.Submit(func(ctx context.Context) {}))
}
