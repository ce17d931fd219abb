package arp

import (
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testMAC(n byte) net.HardwareAddr {
	return net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, n}
}

func testIP(n byte) netip.Addr {
	return netip.AddrFrom4([4]byte{192, 0, 2, n})
}

func newTestCache(clock *fakeClock, size int) *Cache {
	return NewCache(CacheConfig{Size: size, Timeout: 60 * time.Second, Now: clock.Now})
}

func TestDefaultCacheConfig(t *testing.T) {
	cfg := DefaultCacheConfig()
	assert.Equal(t, 8, cfg.Size)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
}

func TestNewCache(t *testing.T) {
	c := NewCache(CacheConfig{})

	assert.Equal(t, 8, c.Capacity())
	assert.Equal(t, 60*time.Second, c.Timeout())
	assert.Equal(t, 0, c.Len())
	for _, e := range c.Entries() {
		assert.Equal(t, StateInvalid, e.State)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "valid", StateValid.String())
	assert.Equal(t, "invalid", StateInvalid.String())
}

func TestCacheRoundTrip(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 8)

	ip := netip.MustParseAddr("192.0.2.1")
	mac := net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	c.Update(ip, mac, StateValid)

	got, ok := c.Resolve(ip)
	require.True(t, ok)
	assert.Equal(t, mac, got)

	_, ok = c.Resolve(testIP(99))
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 8)

	ip := netip.MustParseAddr("192.0.2.1")
	c.Update(ip, testMAC(1), StateValid)

	t.Run("resolve does not sweep", func(t *testing.T) {
		clock.Advance(61 * time.Second)
		_, ok := c.Resolve(ip)
		assert.True(t, ok, "expiry is only applied by Update")
	})

	t.Run("update sweeps expired entries", func(t *testing.T) {
		c.Update(testIP(2), testMAC(2), StateValid)

		_, ok := c.Resolve(ip)
		assert.False(t, ok)
		_, ok = c.Resolve(testIP(2))
		assert.True(t, ok)
	})
}

func TestCacheExpiryBoundary(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 8)

	c.Update(testIP(1), testMAC(1), StateValid)

	// Exactly at the deadline the entry is still valid.
	clock.Advance(60 * time.Second)
	c.Update(testIP(2), testMAC(2), StateValid)
	_, ok := c.Resolve(testIP(1))
	assert.True(t, ok)

	clock.Advance(time.Nanosecond)
	c.Update(testIP(3), testMAC(3), StateValid)
	_, ok = c.Resolve(testIP(1))
	assert.False(t, ok)
}

func TestCacheSweepKeepsAddresses(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 2)

	c.Update(testIP(1), testMAC(1), StateValid)
	clock.Advance(2 * time.Minute)
	c.Update(testIP(2), testMAC(2), StateValid)

	entries := c.Entries()
	require.Len(t, entries, 2)
	// Slot 0 expired and was reused by the second update.
	assert.Equal(t, testIP(2), entries[0].IP)
	assert.Equal(t, StateValid, entries[0].State)
	assert.Equal(t, StateInvalid, entries[1].State)
}

func TestCacheRefreshInPlace(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 4)

	c.Update(testIP(1), testMAC(1), StateValid)
	c.Update(testIP(2), testMAC(2), StateValid)
	clock.Advance(10 * time.Second)
	slot := c.Update(testIP(1), testMAC(9), StateValid)

	assert.Equal(t, 0, slot)
	assert.Equal(t, 2, c.Len(), "one valid entry per address")

	mac, ok := c.Resolve(testIP(1))
	require.True(t, ok)
	assert.Equal(t, testMAC(9), mac)
	assert.Equal(t, clock.Now().Add(60*time.Second), c.Entries()[0].ExpiresAt)
}

func TestCacheBounded(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 4)

	for i := byte(1); i <= 4; i++ {
		c.Update(testIP(i), testMAC(i), StateValid)
		clock.Advance(time.Second)
	}
	require.Equal(t, 4, c.Len())

	// Refresh .1 so .2 becomes the entry closest to expiry.
	c.Update(testIP(1), testMAC(1), StateValid)
	clock.Advance(time.Second)

	slot := c.Update(testIP(5), testMAC(5), StateValid)

	assert.Equal(t, 1, slot, "entry nearest expiry is replaced")
	assert.Equal(t, 4, c.Capacity())
	assert.Equal(t, 4, c.Len())
	_, ok := c.Resolve(testIP(2))
	assert.False(t, ok)
	for _, i := range []byte{1, 3, 4, 5} {
		_, ok := c.Resolve(testIP(i))
		assert.True(t, ok, "192.0.2.%d should still resolve", i)
	}
}

func TestCacheEvictionTieBreak(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 3)

	for i := byte(1); i <= 3; i++ {
		c.Update(testIP(i), testMAC(i), StateValid)
	}

	slot := c.Update(testIP(4), testMAC(4), StateValid)
	assert.Equal(t, 0, slot, "lowest index wins on equal deadlines")
}

func TestCacheManyInsertsNeverGrow(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 8)

	for i := 0; i < 100; i++ {
		ip := netip.AddrFrom4([4]byte{10, 0, byte(i / 256), byte(i)})
		c.Update(ip, testMAC(byte(i)), StateValid)
		clock.Advance(100 * time.Millisecond)

		assert.Equal(t, 8, c.Capacity())
		assert.LessOrEqual(t, c.Len(), 8)
	}

	seen := map[netip.Addr]int{}
	for _, e := range c.Entries() {
		if e.State == StateValid {
			seen[e.IP]++
		}
	}
	for ip, n := range seen {
		assert.Equal(t, 1, n, fmt.Sprintf("duplicate valid entry for %s", ip))
	}
}

func TestCacheInvalidate(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 4)

	c.Update(testIP(1), testMAC(1), StateValid)
	c.Update(testIP(2), testMAC(2), StateValid)
	c.Invalidate()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Resolve(testIP(1))
	assert.False(t, ok)
}

func TestCacheEntriesAreCopies(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock, 2)

	mac := testMAC(1)
	c.Update(testIP(1), mac, StateValid)
	mac[5] = 0xFF

	entries := c.Entries()
	entries[0].MAC[0] = 0x00

	got, _ := c.Resolve(testIP(1))
	assert.Equal(t, testMAC(1), got)
}
