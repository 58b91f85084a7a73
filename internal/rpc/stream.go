package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/protocol"
	"github.com/postalsys/pairlink/internal/recovery"
)

// ChunkFunc receives the payloads of a stream in sequence order.
type ChunkFunc func(payload json.RawMessage)

type pendingStream struct {
	id      string
	onChunk ChunkFunc
	start   time.Time
	idle    *time.Timer
	ceiling *time.Timer
	done    chan error

	mu       sync.Mutex
	reorder  *reorderBuffer
	finished bool

	// delivered is set once the final batch has been handed to onChunk.
	delivered bool
}

// StreamCall sends a tunneled request whose answer arrives as sequenced
// chunk batches. onChunk is called for every payload, in sequence order,
// from the receive goroutine. StreamCall returns nil once the final batch
// and everything before it have been delivered.
//
// The stream fails after StreamIdleTimeout without a batch or after
// StreamMaxDuration in total.
func (c *Correlator) StreamCall(ctx context.Context, method, endpoint string, body json.RawMessage, onChunk ChunkFunc) error {
	id := uuid.NewString()
	ps := &pendingStream{
		id:      id,
		onChunk: onChunk,
		start:   time.Now(),
		done:    make(chan error, 1),
		reorder: newReorderBuffer(c.cfg.MaxBufferedChunks),
	}

	idle, ceiling := c.cfg.StreamIdleTimeout, c.cfg.StreamMaxDuration
	c.mu.Lock()
	c.streams[id] = ps
	ps.idle = time.AfterFunc(idle, func() {
		c.finishStream(id, &TimeoutError{RequestID: id, Kind: KindStream, After: idle})
	})
	ps.ceiling = time.AfterFunc(ceiling, func() {
		c.finishStream(id, &TimeoutError{RequestID: id, Kind: KindStream, After: ceiling})
	})
	c.mu.Unlock()
	c.metrics.RecordCallStarted()

	c.logger.Debug("stream started",
		logging.KeyRequestID, id,
		logging.KeyMethod, method,
		logging.KeyPath, endpoint)

	req := &protocol.HTTPRequest{RequestID: id, Method: method, Endpoint: endpoint, Body: body}
	if err := c.cfg.Sender.Send(ctx, req); err != nil {
		c.finishStream(id, err)
	}

	select {
	case err := <-ps.done:
		return err
	case <-ctx.Done():
		c.finishStream(id, ctx.Err())
		return <-ps.done
	}
}

func (c *Correlator) handleChunk(ch *protocol.StreamChunk) {
	id := ch.RequestID

	c.mu.Lock()
	ps := c.streams[id]
	c.mu.Unlock()
	if ps == nil {
		c.logger.Debug("dropping chunk for unknown stream",
			logging.KeyRequestID, id,
			logging.KeySequence, ch.Sequence)
		return
	}

	if ch.Error != "" {
		c.finishStream(id, &RemoteError{RequestID: id, Message: ch.Error})
		return
	}

	ps.mu.Lock()
	if ps.finished {
		ps.mu.Unlock()
		return
	}
	ps.idle.Reset(c.cfg.StreamIdleTimeout)

	ready, buffered, err := ps.reorder.feed(ch)
	if err != nil {
		ps.mu.Unlock()
		c.finishStream(id, err)
		return
	}
	if buffered {
		c.metrics.RecordChunkBuffered()
		c.logger.Debug("buffering out-of-order chunk",
			logging.KeyRequestID, id,
			logging.KeySequence, ch.Sequence)
	}

	final := false
	for _, batch := range ready {
		c.metrics.RecordChunkDelivered()
		for _, payload := range batch.Chunks {
			c.deliver(ps, payload)
		}
		if batch.IsFinal {
			final = true
			break
		}
	}

	if !final {
		ps.mu.Unlock()
		return
	}

	ps.idle.Stop()
	ps.ceiling.Stop()
	ps.finished = true
	ps.delivered = true
	removed := c.removeStream(id, ps)
	ps.mu.Unlock()
	if removed {
		c.completeStream(ps, nil)
	}
}

func (c *Correlator) deliver(ps *pendingStream, payload json.RawMessage) {
	err := recovery.Call(c.logger, "rpc.onChunk", func() error {
		ps.onChunk(payload)
		return nil
	})
	if err != nil {
		c.metrics.RecordHandlerFailure()
	}
}

// finishStream removes the stream and completes it with err. A delivery in
// progress finishes first; nothing is delivered afterwards. A stream whose
// final batch was delivered in the meantime completes successfully.
func (c *Correlator) finishStream(id string, err error) {
	c.mu.Lock()
	ps, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	ps.mu.Lock()
	ps.finished = true
	if ps.delivered {
		err = nil
	}
	ps.mu.Unlock()

	c.completeStream(ps, err)
}

func (c *Correlator) removeStream(id string, ps *pendingStream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[id] != ps {
		return false
	}
	delete(c.streams, id)
	return true
}

func (c *Correlator) completeStream(ps *pendingStream, err error) {
	ps.idle.Stop()
	ps.ceiling.Stop()
	c.metrics.RecordCallFinished(KindStream, outcome(err), time.Since(ps.start).Seconds())
	if err != nil {
		c.logger.Debug("stream failed",
			logging.KeyRequestID, ps.id,
			logging.KeyError, err)
	}
	ps.done <- err
}

// reorderBuffer releases stream batches in sequence order, starting at 0.
type reorderBuffer struct {
	next    int
	pending map[int]*protocol.StreamChunk
	limit   int
}

func newReorderBuffer(limit int) *reorderBuffer {
	return &reorderBuffer{
		pending: make(map[int]*protocol.StreamChunk),
		limit:   limit,
	}
}

// feed takes one batch and returns every batch that is now deliverable.
// buffered is set when the batch arrived ahead of sequence. Duplicates and
// already delivered sequences are ignored.
func (b *reorderBuffer) feed(ch *protocol.StreamChunk) (ready []*protocol.StreamChunk, buffered bool, err error) {
	if ch.Sequence < b.next {
		return nil, false, nil
	}
	if ch.Sequence > b.next {
		if _, dup := b.pending[ch.Sequence]; dup {
			return nil, false, nil
		}
		if len(b.pending) >= b.limit {
			return nil, false, ErrStreamOverflow
		}
		b.pending[ch.Sequence] = ch
		return nil, true, nil
	}

	ready = append(ready, ch)
	b.next++
	for {
		nx, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		ready = append(ready, nx)
		b.next++
	}
	return ready, false, nil
}
