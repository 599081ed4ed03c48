package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/agentmesh/relay/pkg/outbox"
)

// ConnectionCounter reports the live connection count. Implemented by the
// subscription manager.
type ConnectionCounter interface {
	ActiveConnections() int
}

// Collector periodically samples gauge sources that are cheaper to poll than
// to instrument inline.
type Collector struct {
	conns  ConnectionCounter
	db     *sql.DB
	stopCh chan struct{}
}

// NewCollector creates a gauge collector.
func NewCollector(conns ConnectionCounter, db *sql.DB) *Collector {
	return &Collector{conns: conns, db: db, stopCh: make(chan struct{})}
}

// Start begins sampling.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop stops sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ActiveConnections.Set(float64(c.conns.ActiveConnections()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pending, failed, err := outbox.Depths(ctx, c.db)
	if err != nil {
		slog.Warn("Outbox depth sample failed", "error", err)
		return
	}
	OutboxPending.Set(float64(pending))
	OutboxFailed.Set(float64(failed))
}
