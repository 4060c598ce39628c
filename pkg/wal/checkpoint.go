package wal

import (
	"time"

	"github.com/leiko57/SikioDB/internal/logger"
	"github.com/leiko57/SikioDB/internal/metrics"
)

// DefaultCheckpointInterval is how often the background Checkpointer runs,
// carried over from the teacher's wal.Checkpointer.
const DefaultCheckpointInterval = 10 * time.Minute

// Checkpointer periodically flushes engine state and truncates WAL segments
// that have fallen fully behind the durable watermark. It is a purely
// efficiency-motivated supplement (§3 SUPPLEMENTED FEATURES): the mandatory
// per-commit checkpoint of §4.E step 5 already keeps the database
// recoverable without it.
type Checkpointer struct {
	wal      *WAL
	interval time.Duration
	flushFn  func() (durableLSN uint64, err error)
	stopCh   chan struct{}
	doneCh   chan struct{}

	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewCheckpointer builds a Checkpointer. flushFn should call Engine.Flush()
// and return the resulting durable LSN.
func NewCheckpointer(w *WAL, flushFn func() (uint64, error)) *Checkpointer {
	return &Checkpointer{
		wal:      w,
		interval: DefaultCheckpointInterval,
		flushFn:  flushFn,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetObservability wires a Logger and Metrics into Checkpoint. Nil-safe.
func (c *Checkpointer) SetObservability(log *logger.Logger, m *metrics.Metrics) {
	c.log = log
	c.metrics = m
}

// SetInterval overrides the checkpoint interval; call before Start.
func (c *Checkpointer) SetInterval(d time.Duration) { c.interval = d }

// Start launches the background checkpoint loop.
func (c *Checkpointer) Start() { go c.run() }

// Stop signals the loop to exit and waits for it to do so.
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = c.Checkpoint()
		case <-c.stopCh:
			return
		}
	}
}

// Checkpoint flushes engine state and truncates any WAL segment fully
// covered by the resulting durable LSN.
func (c *Checkpointer) Checkpoint() error {
	start := time.Now()
	durableLSN, err := c.flushFn()
	if err == nil {
		err = c.wal.TruncateBefore(durableLSN)
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordCheckpoint(status)
	}
	if c.log != nil {
		c.log.LogWalOperation("checkpoint", time.Since(start), err)
	}
	return err
}
