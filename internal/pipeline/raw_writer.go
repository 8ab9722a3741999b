package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"presencetrack/internal/logger"
	"presencetrack/pkg/models"
)

// RawWriter writes raw input payloads for replay.
type RawWriter interface {
	WriteRawPayloads(payloads []models.RawPayload) error
	Close() error
}

// RawCapture buffers raw payloads from a source and writes them in batches.
// Observe never blocks the source; payloads are dropped when the buffer is full.
type RawCapture struct {
	writer        RawWriter
	ch            chan models.RawPayload
	batchSize     int
	flushInterval time.Duration
	dropped       atomic.Int64
}

// NewRawCapture creates a capture stage around w.
func NewRawCapture(w RawWriter, batchSize int, flushInterval time.Duration) *RawCapture {
	if batchSize <= 0 {
		batchSize = 200
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &RawCapture{
		writer:        w,
		ch:            make(chan models.RawPayload, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// Observe queues a copy of payload. It has the source.RawObserver signature.
func (c *RawCapture) Observe(payload []byte, receivedAt time.Time) {
	p := models.RawPayload{ReceivedAt: receivedAt, Payload: append([]byte(nil), payload...)}
	select {
	case c.ch <- p:
	default:
		if n := c.dropped.Add(1); n == 1 || n%1000 == 0 {
			logger.Warnf("Raw capture buffer full, dropped %d payloads", n)
		}
	}
}

// Dropped returns how many payloads were discarded because the buffer was full.
func (c *RawCapture) Dropped() int64 {
	return c.dropped.Load()
}

// Run writes queued payloads until ctx is done, then flushes what is buffered.
func (c *RawCapture) Run(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	var batch []models.RawPayload
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.writer.WriteRawPayloads(batch); err != nil {
			logger.Errorf("Failed to write raw payloads: %v", err)
		}
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case p := <-c.ch:
					batch = append(batch, p)
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case p := <-c.ch:
			batch = append(batch, p)
			if len(batch) >= c.batchSize {
				flush()
			}
		}
	}
}

// Close closes the underlying writer.
func (c *RawCapture) Close() error {
	return c.writer.Close()
}
