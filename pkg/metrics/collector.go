package metrics

import (
	"time"

	"github.com/cuemby/raidcfg/pkg/types"
)

// DefaultCollectInterval is how often gauges are refreshed from the source
const DefaultCollectInterval = 15 * time.Second

// Source is the view of the database the collector samples
type Source interface {
	TableCounts() map[types.TableType]int
	State() types.DatabaseState
	ServiceModeReason() types.ServiceModeReason
	Generation() uint64
}

// JournalSource reports replication backlog
type JournalSource interface {
	Pending() uint64
}

// Collector collects gauges from the database
type Collector struct {
	source   Source
	journal  JournalSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. journal may be nil.
func NewCollector(src Source, journal JournalSource) *Collector {
	return &Collector{
		source:   src,
		journal:  journal,
		interval: DefaultCollectInterval,
		stopCh:   make(chan struct{}),
	}
}

// SetInterval changes the collection period; call before Start
func (c *Collector) SetInterval(d time.Duration) {
	if d > 0 {
		c.interval = d
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
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

// Collect samples the source once
func (c *Collector) Collect() {
	c.collectTableMetrics()
	c.collectStateMetrics()
	c.collectJournalMetrics()
}

func (c *Collector) collectTableMetrics() {
	counts := c.source.TableCounts()
	for _, t := range types.LockOrder {
		TableEntries.WithLabelValues(t.String()).Set(float64(counts[t]))
	}
}

func (c *Collector) collectStateMetrics() {
	UpdateDatabaseHealth(c.source.State(), c.source.ServiceModeReason())
	Generation.Set(float64(c.source.Generation()))
}

func (c *Collector) collectJournalMetrics() {
	if c.journal == nil {
		return
	}
	PeerJournalLag.Set(float64(c.journal.Pending()))
}
