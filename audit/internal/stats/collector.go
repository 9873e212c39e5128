package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
)

// Collector accumulates per-application counters and flushes them to Redis
// periodically. Safe for concurrent use.
type Collector struct {
	client        *Client
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	batches map[string]*Batch // application -> batch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector starts a collector flushing every flushInterval.
func NewCollector(client *Client, flushInterval time.Duration, logger *slog.Logger) *Collector {
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Collector{
		client:        client,
		flushInterval: flushInterval,
		logger:        logging.OrDefault(logger),
		batches:       make(map[string]*Batch),
		ctx:           ctx,
		cancel:        cancel,
	}

	c.wg.Add(1)
	go c.flushLoop()

	return c
}

// Record accumulates one processed event. It never touches Redis.
func (c *Collector) Record(_ context.Context, e *models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch(e.ApplicationName).Add(e.EventType.String(), e.Username, e.Timestamp)
	return nil
}

// RecordFailure accumulates one event that failed with reason.
func (c *Collector) RecordFailure(_ context.Context, e *models.Event, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch(e.ApplicationName).AddFailure(reason)
	return nil
}

// batch returns the pending batch for app. Caller holds c.mu.
func (c *Collector) batch(app string) *Batch {
	if app == "" {
		app = "unknown"
	}
	b, ok := c.batches[app]
	if !ok {
		b = NewBatch(app)
		c.batches[app] = b
	}
	return b
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			// final flush on shutdown
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	batches := c.batches
	c.batches = make(map[string]*Batch)
	c.mu.Unlock()

	if len(batches) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flushed := 0
	var total int64
	for _, batch := range batches {
		if err := c.client.FlushBatch(ctx, batch); err != nil {
			c.logger.Error("failed to flush audit stats batch",
				logging.Application(batch.Application),
				slog.Int64("event_count", batch.EventCount),
				logging.Error(err))
			// merge back for the next flush
			c.mu.Lock()
			if existing, ok := c.batches[batch.Application]; ok {
				existing.Merge(batch)
			} else {
				c.batches[batch.Application] = batch
			}
			c.mu.Unlock()
			continue
		}
		flushed++
		total += batch.EventCount
	}

	if flushed > 0 {
		c.logger.Debug("flushed audit stats",
			slog.Int("applications", flushed),
			slog.Int64("total_events", total))
	}
}

// FlushNow forces an immediate flush.
func (c *Collector) FlushNow() {
	c.flush()
}

// Stop stops the collector after a final flush.
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Pending returns the not yet flushed event counts per application.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.batches))
	for app, batch := range c.batches {
		out[app] = batch.EventCount
	}
	return out
}

// Client returns the Redis client used for reads.
func (c *Collector) Client() *Client { return c.client }
