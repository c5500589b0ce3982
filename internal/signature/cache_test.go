package signature

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDisk struct {
	mu sync.Mutex
	m  map[string]string
}

func newFakeDisk() *fakeDisk { return &fakeDisk{m: make(map[string]string)} }

func (f *fakeDisk) Store(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = value
}

func (f *fakeDisk) Retrieve(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[key]
	return v, ok
}

func TestPutGetWithinTTL(t *testing.T) {
	c := NewCache(nil)
	c.Put("sess", "thinking text", "sig-1")

	got, ok := c.Get("sess", "thinking text")
	require.True(t, ok)
	assert.Equal(t, "sig-1", got)

	_, ok = c.Get("sess", "different text")
	assert.False(t, ok)
	_, ok = c.Get("other", "thinking text")
	assert.False(t, ok)
}

func TestExpiryAfterTTL(t *testing.T) {
	c := NewCache(nil)
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("sess", "text", "sig-1")

	c.now = func() time.Time { return base.Add(c.ttl + time.Second) }
	_, ok := c.Get("sess", "text")
	assert.False(t, ok)
}

func TestHashTextIs64Bits(t *testing.T) {
	h := HashText("anything")
	assert.Len(t, h, 16)
	assert.Equal(t, h, HashText("anything"))
	assert.NotEqual(t, h, HashText("anything else"))
}

func TestEvictionDropsOldestQuartile(t *testing.T) {
	c := NewCache(nil)
	base := time.Now()
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	for i := 0; i < c.perSession; i++ {
		c.Put("sess", fmt.Sprintf("text-%d", i), fmt.Sprintf("sig-%d", i))
	}
	require.Equal(t, c.perSession, c.SessionLen("sess"))

	// Next insert is over cap; nothing is expired, so the oldest 25% go.
	c.Put("sess", "overflow", "sig-overflow")
	expected := c.perSession - c.perSession/4 + 1
	assert.Equal(t, expected, c.SessionLen("sess"))

	// The very oldest entry is gone, the newest survive.
	_, ok := c.Get("sess", "text-0")
	assert.False(t, ok)
	got, ok := c.Get("sess", fmt.Sprintf("text-%d", c.perSession-1))
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("sig-%d", c.perSession-1), got)
}

func TestEvictionPurgesExpiredFirst(t *testing.T) {
	c := NewCache(nil)
	base := time.Now()
	now := base
	c.now = func() time.Time { return now }

	// Half the pool is stale.
	for i := 0; i < c.perSession/2; i++ {
		c.Put("sess", fmt.Sprintf("old-%d", i), "sig")
	}
	now = base.Add(c.ttl + time.Minute)
	for i := 0; i < c.perSession/2; i++ {
		c.Put("sess", fmt.Sprintf("new-%d", i), "sig")
	}
	require.Equal(t, c.perSession, c.SessionLen("sess"))

	c.Put("sess", "overflow", "sig")

	// Expired entries were enough; no fresh entry was dropped.
	for i := 0; i < c.perSession/2; i++ {
		_, ok := c.Get("sess", fmt.Sprintf("new-%d", i))
		assert.True(t, ok, "fresh entry %d should survive", i)
	}
	_, ok := c.Get("sess", "old-0")
	assert.False(t, ok)
}

func TestDiskFallbackPromotesToRAM(t *testing.T) {
	disk := newFakeDisk()
	c := NewCache(disk)

	c.Put("sess", "text", "sig-1")
	assert.Len(t, disk.m, 1)

	// Simulate RAM loss (restart); disk still has it.
	c.ClearSession("sess")
	got, ok := c.Get("sess", "text")
	require.True(t, ok)
	assert.Equal(t, "sig-1", got)

	// Promoted: present in RAM now.
	assert.Equal(t, 1, c.SessionLen("sess"))
}

func TestClearSessionDoesNotTouchDisk(t *testing.T) {
	disk := newFakeDisk()
	c := NewCache(disk)
	c.Put("sess", "text", "sig-1")

	c.ClearSession("sess")
	assert.Len(t, disk.m, 1)
}
