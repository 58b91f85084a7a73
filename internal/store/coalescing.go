package store

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/pairlink/internal/logging"
)

// Coalescing buffers writes in memory and persists them to the backend in
// one batch after a flush delay. Reads see buffered writes immediately.
type Coalescing struct {
	backend KV
	delay   time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]Change
	order   []string
	timer   *time.Timer
	closed  bool
	lastErr error
}

// NewCoalescing wraps backend. A delay of zero writes through immediately.
func NewCoalescing(backend KV, delay time.Duration, logger *slog.Logger) *Coalescing {
	return &Coalescing{
		backend: backend,
		delay:   delay,
		logger:  logging.OrNop(logger).With(logging.KeyComponent, "store"),
		pending: make(map[string]Change),
	}
}

// Get returns the buffered value for key, falling back to the backend.
func (c *Coalescing) Get(key string) ([]byte, error) {
	c.mu.Lock()
	if ch, ok := c.pending[key]; ok {
		c.mu.Unlock()
		if ch.Delete {
			return nil, ErrNotFound
		}
		return cloneBytes(ch.Value), nil
	}
	c.mu.Unlock()
	return c.backend.Get(key)
}

// Set buffers a write.
func (c *Coalescing) Set(key string, value []byte) error {
	return c.record(Change{Key: key, Value: cloneBytes(value)})
}

// Delete buffers a delete. Missing keys are not reported.
func (c *Coalescing) Delete(key string) error {
	return c.record(Change{Key: key, Delete: true})
}

func (c *Coalescing) record(ch Change) error {
	if c.delay <= 0 {
		return c.writeThrough(ch)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.writeThroughLocked(ch)
	}
	if _, ok := c.pending[ch.Key]; !ok {
		c.order = append(c.order, ch.Key)
	}
	c.pending[ch.Key] = ch
	c.armLocked()
	return nil
}

// armLocked schedules a flush after the delay unless one is scheduled.
func (c *Coalescing) armLocked() {
	if c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(c.delay, func() {
		if err := c.Flush(); err != nil {
			c.logger.Warn("deferred store flush failed, retrying",
				logging.KeyDelay, c.delay,
				logging.KeyCount, c.Pending(),
				logging.KeyError, err)
		}
	})
}

func (c *Coalescing) writeThrough(ch Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeThroughLocked(ch)
}

func (c *Coalescing) writeThroughLocked(ch Change) error {
	if ch.Delete {
		err := c.backend.Delete(ch.Key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return c.backend.Set(ch.Key, ch.Value)
}

// Flush persists all buffered writes now. On failure the writes stay
// buffered and another flush is scheduled after the delay.
func (c *Coalescing) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.order) == 0 {
		return nil
	}

	changes := make([]Change, 0, len(c.order))
	for _, k := range c.order {
		changes = append(changes, c.pending[k])
	}

	if err := applyChanges(c.backend, changes); err != nil {
		c.lastErr = err
		if c.delay > 0 {
			c.armLocked()
		}
		return err
	}

	c.pending = make(map[string]Change)
	c.order = nil
	c.lastErr = nil
	return nil
}

// Pending returns the number of buffered keys.
func (c *Coalescing) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Close flushes and switches to write-through.
func (c *Coalescing) Close() error {
	err := c.Flush()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func applyChanges(kv KV, changes []Change) error {
	if bw, ok := kv.(BatchWriter); ok {
		return bw.WriteBatch(changes)
	}
	for _, ch := range changes {
		if ch.Delete {
			if err := kv.Delete(ch.Key); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			continue
		}
		if err := kv.Set(ch.Key, ch.Value); err != nil {
			return err
		}
	}
	return nil
}
