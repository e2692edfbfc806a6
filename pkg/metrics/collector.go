package metrics

import (
	"time"
)

// SampleFunc reports the current backlog per stage (files waiting in
// extract, packages waiting in load, and so on).
type SampleFunc func() map[string]float64

// Collector periodically samples stage backlogs into gauges
type Collector struct {
	sample SampleFunc
	stopCh chan struct{}
}

// NewCollector creates a new backlog collector
func NewCollector(sample SampleFunc) *Collector {
	return &Collector{
		sample: sample,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.sample == nil {
		return
	}
	for stage, count := range c.sample() {
		PendingFiles.WithLabelValues(stage).Set(count)
	}
}
