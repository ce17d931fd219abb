// Package arp resolves IPv4 addresses to Ethernet hardware addresses using a
// fixed-size cache and a bounded queue of sends awaiting resolution.
package arp

import (
	"net"
	"net/netip"
	"time"
)

// State is the lifecycle state of a cache entry.
type State uint8

const (
	StateInvalid State = iota
	StateValid
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	default:
		return "invalid"
	}
}

// Entry represents one slot of the ARP cache.
type Entry struct {
	IP        netip.Addr       // Protocol address
	MAC       net.HardwareAddr // Hardware address
	State     State            // Invalid entries are free for reuse
	ExpiresAt time.Time        // Deadline after which a valid entry is swept
}

// CacheConfig contains configuration for the ARP cache.
type CacheConfig struct {
	Size    int              // Number of slots
	Timeout time.Duration    // Lifetime of an entry from its last update
	Now     func() time.Time // Clock, time.Now when nil
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Size:    8,
		Timeout: 60 * time.Second,
	}
}

// Cache is a fixed-size table mapping IPv4 addresses to hardware addresses.
// At most one valid entry exists per address. Expiry is lazy: stale entries
// are only invalidated by the sweep at the start of Update.
//
// Cache does no locking of its own; the owning stack serializes access.
type Cache struct {
	entries []Entry
	timeout time.Duration
	now     func() time.Time
}

// NewCache creates a new ARP cache.
func NewCache(cfg CacheConfig) *Cache {
	defaults := DefaultCacheConfig()
	if cfg.Size <= 0 {
		cfg.Size = defaults.Size
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Cache{
		entries: make([]Entry, cfg.Size),
		timeout: cfg.Timeout,
		now:     cfg.Now,
	}
}

// Resolve returns the hardware address of the valid entry for ip.
// It does not check the expiry deadline and never mutates the table.
func (c *Cache) Resolve(ip netip.Addr) (net.HardwareAddr, bool) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.State == StateValid && e.IP == ip {
			return e.MAC, true
		}
	}
	return nil, false
}

// Update inserts or refreshes the entry for ip and returns the slot used.
//
// Valid entries whose deadline has passed are invalidated first. A valid
// entry already holding ip is then overwritten in place; otherwise the
// first invalid slot is used, and when every slot is valid the entry closest
// to expiry (lowest index on ties) is evicted.
func (c *Cache) Update(ip netip.Addr, mac net.HardwareAddr, state State) int {
	now := c.now()
	c.sweep(now)

	slot := c.find(ip)
	if slot < 0 {
		slot = c.firstInvalid()
	}
	if slot < 0 {
		slot = c.soonestExpiry()
	}

	hw := make(net.HardwareAddr, len(mac))
	copy(hw, mac)
	c.entries[slot] = Entry{
		IP:        ip,
		MAC:       hw,
		State:     state,
		ExpiresAt: now.Add(c.timeout),
	}
	return slot
}

// Invalidate marks every entry invalid.
func (c *Cache) Invalidate() {
	for i := range c.entries {
		c.entries[i].State = StateInvalid
	}
}

// Entries returns a copy of every slot, invalid ones included.
func (c *Cache) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = e
		out[i].MAC = append(net.HardwareAddr(nil), e.MAC...)
	}
	return out
}

// Len returns the number of valid entries.
func (c *Cache) Len() int {
	n := 0
	for _, e := range c.entries {
		if e.State == StateValid {
			n++
		}
	}
	return n
}

// Capacity returns the number of slots.
func (c *Cache) Capacity() int {
	return len(c.entries)
}

// Timeout returns the entry lifetime.
func (c *Cache) Timeout() time.Duration {
	return c.timeout
}

func (c *Cache) sweep(now time.Time) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.State == StateValid && now.After(e.ExpiresAt) {
			e.State = StateInvalid
		}
	}
}

func (c *Cache) find(ip netip.Addr) int {
	for i, e := range c.entries {
		if e.State == StateValid && e.IP == ip {
			return i
		}
	}
	return -1
}

func (c *Cache) firstInvalid() int {
	for i, e := range c.entries {
		if e.State == StateInvalid {
			return i
		}
	}
	return -1
}

func (c *Cache) soonestExpiry() int {
	victim := 0
	for i := 1; i < len(c.entries); i++ {
		if c.entries[i].ExpiresAt.Before(c.entries[victim].ExpiresAt) {
			victim = i
		}
	}
	return victim
}
