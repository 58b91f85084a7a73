// Package updates fans out host-pushed messages to registered handlers.
package updates

import (
	"log/slog"
	"sync"

	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/metrics"
	"github.com/postalsys/pairlink/internal/protocol"
	"github.com/postalsys/pairlink/internal/recovery"
)

// Handler receives one pushed message.
type Handler func(p protocol.Payload)

// Config contains configuration for a Dispatcher.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Dispatcher delivers every uncorrelated inbound payload to each handler.
// Each handler has its own goroutine and queue, so a slow or failing
// handler does not hold up the others, and each handler sees messages in
// arrival order.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[uint64]*subscription
	nextID   uint64
	closed   bool
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	return &Dispatcher{
		logger:   logging.OrNop(cfg.Logger).With(logging.KeyComponent, "updates"),
		metrics:  cfg.Metrics,
		handlers: make(map[uint64]*subscription),
	}
}

// AddHandler registers fn and returns a function that removes it. Messages
// already queued for fn are discarded on removal. The returned function is
// safe to call more than once.
func (d *Dispatcher) AddHandler(fn Handler) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return func() {}
	}

	d.nextID++
	sub := newSubscription(d.nextID, fn)
	d.handlers[sub.id] = sub
	go d.run(sub)

	return func() {
		d.mu.Lock()
		delete(d.handlers, sub.id)
		d.mu.Unlock()
		sub.stop()
	}
}

// Dispatch queues p for every handler.
func (d *Dispatcher) Dispatch(p protocol.Payload) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, sub := range d.handlers {
		sub.push(p)
	}
	d.metrics.RecordUpdateDispatched()
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Close removes every handler and discards the messages still queued for
// them. A handler call already running is not waited for. Later AddHandler
// calls are no-ops.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	subs := d.handlers
	d.handlers = make(map[uint64]*subscription)
	d.closed = true
	d.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (d *Dispatcher) run(sub *subscription) {
	defer recovery.RecoverWithLog(d.logger, "updates.run")

	for {
		p, ok := sub.pop()
		if !ok {
			return
		}
		err := recovery.Call(d.logger, "updates.handler", func() error {
			sub.fn(p)
			return nil
		})
		if err != nil {
			d.metrics.RecordHandlerFailure()
			d.logger.Warn("update handler failed",
				"handler", sub.id,
				logging.KeyType, p.Type(),
				logging.KeyError, err)
		}
	}
}

// subscription is one handler with its unbounded FIFO queue.
type subscription struct {
	id uint64
	fn Handler

	mu      sync.Mutex
	queue   []protocol.Payload
	wake    chan struct{}
	stopped bool
	once    sync.Once
}

func newSubscription(id uint64, fn Handler) *subscription {
	return &subscription{id: id, fn: fn, wake: make(chan struct{}, 1)}
}

func (s *subscription) push(p protocol.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, p)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pop blocks until a message is queued or the subscription stops.
func (s *subscription) pop() (protocol.Payload, bool) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil, false
		}
		if len(s.queue) > 0 {
			p := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return p, true
		}
		s.mu.Unlock()

		<-s.wake
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stopped = true
		s.queue = nil
		close(s.wake)
	})
}
