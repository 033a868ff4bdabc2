package dedupcache

import (
	"fmt"
	"testing"

	"gotest.tools/v3/assert"
)

func TestSeenOrAddDedup(t *testing.T) {
	c := New(10)

	assert.Equal(t, c.SeenOrAdd("tx1-5"), false)
	assert.Equal(t, c.SeenOrAdd("tx1-5"), true)
	assert.Equal(t, c.SeenOrAdd("tx2-6"), false)
	assert.Equal(t, c.Len(), 2)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(3)

	for i := 0; i < 3; i++ {
		assert.Equal(t, c.SeenOrAdd(fmt.Sprintf("key-%d", i)), false)
	}

	// Touch key-0 so it becomes most recently used.
	assert.Equal(t, c.SeenOrAdd("key-0"), true)

	// Inserting a 4th key evicts key-1 (the least recently used).
	assert.Equal(t, c.SeenOrAdd("key-3"), false)

	assert.Equal(t, c.SeenOrAdd("key-1"), false, "key-1 should have been evicted")
	assert.Equal(t, c.SeenOrAdd("key-0"), true, "key-0 should still be present")
}

func TestNonPositiveCapacityClampedToOne(t *testing.T) {
	c := New(0)
	assert.Equal(t, c.SeenOrAdd("a"), false)
	assert.Equal(t, c.Len(), 1)
}
