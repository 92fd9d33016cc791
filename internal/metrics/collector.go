package metrics

import (
	"context"
	"time"
)

// Collector periodically samples component state into gauges.
type Collector struct {
	collect []func()
}

// NewCollector creates a collector that runs each fn on every collection.
func NewCollector(fns ...func()) *Collector {
	return &Collector{collect: fns}
}

// Collect runs one collection.
func (c *Collector) Collect() {
	for _, fn := range c.collect {
		fn()
	}
}

// Run collects every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
