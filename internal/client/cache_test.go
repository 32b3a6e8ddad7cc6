package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBoundedCacheGetPut(t *testing.T) {
	t.Parallel()

	c := newBoundedCache[string, int](2)
	c.put("a", 1, time.Minute)
	v, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestBoundedCacheExpires(t *testing.T) {
	t.Parallel()

	c := newBoundedCache[string, int](2)
	c.put("a", 1, -time.Second)
	_, ok := c.get("a")
	assert.False(t, ok, "entry past its TTL must not be returned")
}

func TestBoundedCacheEvictsOldestOverCapacity(t *testing.T) {
	t.Parallel()

	c := newBoundedCache[string, int](2)
	c.put("a", 1, time.Minute)
	c.put("b", 2, time.Minute)
	c.put("c", 3, time.Minute)

	_, ok := c.get("a")
	assert.False(t, ok, "oldest entry should have been evicted once capacity was exceeded")
	_, ok = c.get("b")
	assert.True(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
}

func TestBoundedCacheGetRefreshesRecency(t *testing.T) {
	t.Parallel()

	c := newBoundedCache[string, int](2)
	c.put("a", 1, time.Minute)
	c.put("b", 2, time.Minute)
	c.get("a") // touch a, making b the least recently used
	c.put("c", 3, time.Minute)

	_, ok := c.get("b")
	assert.False(t, ok, "b should have been evicted as least recently used")
	_, ok = c.get("a")
	assert.True(t, ok)
}

func TestBoundedCacheClear(t *testing.T) {
	t.Parallel()

	c := newBoundedCache[string, int](2)
	c.put("a", 1, time.Minute)
	c.clear()

	_, ok := c.get("a")
	assert.False(t, ok)
}

func TestBoundedCacheLenTracksEntriesAndEviction(t *testing.T) {
	t.Parallel()

	c := newBoundedCache[string, int](2)
	assert.Equal(t, 0, c.len())

	c.put("a", 1, time.Minute)
	assert.Equal(t, 1, c.len())

	c.put("b", 2, time.Minute)
	c.put("c", 3, time.Minute)
	assert.Equal(t, 2, c.len(), "capacity of 2 must evict down to 2 entries")

	c.clear()
	assert.Equal(t, 0, c.len())
}
