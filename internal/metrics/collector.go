package metrics

import (
	"runtime"
	"sync"
	"time"
)

// DefaultCollectionInterval is used when the collector is given no interval.
const DefaultCollectionInterval = 15 * time.Second

// StateSource exposes the table occupancy sampled by the collector.
type StateSource interface {
	CacheLen() int
	PendingLen() int
}

// Collector collects and updates metrics periodically.
type Collector struct {
	metrics   *Metrics
	source    StateSource
	interval  time.Duration
	startTime time.Time
	ticker    *time.Ticker
	done      chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewCollector creates a new metrics collector.
func NewCollector(metrics *Metrics, source StateSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultCollectionInterval
	}
	return &Collector{
		metrics:   metrics,
		source:    source,
		interval:  interval,
		startTime: time.Now(),
	}
}

// Start starts the metrics collector.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.done = make(chan struct{})
	c.ticker = time.NewTicker(c.interval)

	go c.collectLoop(c.done, c.ticker)
}

// Stop stops the metrics collector.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	close(c.done)
	c.ticker.Stop()
	c.running = false
}

// collectLoop periodically collects metrics.
func (c *Collector) collectLoop(done <-chan struct{}, ticker *time.Ticker) {
	// Initial collection
	c.collect()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// collect performs a single metrics collection.
func (c *Collector) collect() {
	c.metrics.Uptime.Set(time.Since(c.startTime).Seconds())
	c.metrics.GoRoutines.Set(float64(runtime.NumGoroutine()))

	if c.source != nil {
		c.metrics.ARPCacheEntries.Set(float64(c.source.CacheLen()))
		c.metrics.ARPPendingSlots.Set(float64(c.source.PendingLen()))
	}
}
