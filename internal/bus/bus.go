// Package bus decouples channels from the agent runtime with two bounded
// queues. Inbound delivery is FIFO within a session and fair across
// sessions: a session never has more than one message dispatched at a time.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultCapacity bounds each queue before publishers block.
	DefaultCapacity = 1000

	// DefaultDedupeWindow coalesces outbound publishes that share an
	// idempotency key.
	DefaultDedupeWindow = 5 * time.Minute
)

// MessageBus is the in-process message broker between channels and engine.
type MessageBus struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	capacity int
	pending  map[string][]InboundMessage // session id → FIFO backlog
	ready    []string                    // sessions with backlog and no dispatch in flight
	inFlight map[string]bool             // sessions currently dispatched
	total    int                         // messages across all backlogs
	closed   bool

	outbound chan OutboundMessage

	intercept func(InboundMessage) bool

	dedupeWindow time.Duration
	seenKeys     map[string]time.Time
	dedupedCount int
}

// New creates a bus with the given queue capacity and outbound dedupe window.
// Zero values select the defaults.
func New(capacity int, dedupeWindow time.Duration) *MessageBus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if dedupeWindow <= 0 {
		dedupeWindow = DefaultDedupeWindow
	}
	b := &MessageBus{
		capacity:     capacity,
		pending:      make(map[string][]InboundMessage),
		inFlight:     make(map[string]bool),
		outbound:     make(chan OutboundMessage, capacity),
		dedupeWindow: dedupeWindow,
		seenKeys:     make(map[string]time.Time),
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// Intercept registers a hook that sees every inbound publish before it
// is queued. Returning true consumes the message outright: it never
// enters the session backlog. Control commands use this to reach the
// engine while a run for the same session is still in flight.
func (b *MessageBus) Intercept(fn func(InboundMessage) bool) {
	b.mu.Lock()
	b.intercept = fn
	b.mu.Unlock()
}

// PublishInbound enqueues a channel message. Non-blocking until the bus
// reaches capacity; beyond that the calling channel blocks, which is the
// backpressure signal for pollers to slow down.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	if msg.ReceivedAt == 0 {
		msg.ReceivedAt = time.Now().UnixMilli()
	}

	b.mu.Lock()
	hook := b.intercept
	b.mu.Unlock()
	if hook != nil && hook(msg) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.total >= b.capacity && !b.closed {
		slog.Warn("bus.inbound.backpressure", "depth", b.total, "session", msg.SessionID)
		b.notFull.Wait()
	}
	if b.closed {
		return
	}

	backlog := b.pending[msg.SessionID]
	b.pending[msg.SessionID] = append(backlog, msg)
	b.total++

	// A session joins the ready list only when nothing for it is in flight
	// and it was not already queued for dispatch.
	if len(backlog) == 0 && !b.inFlight[msg.SessionID] {
		b.ready = append(b.ready, msg.SessionID)
		b.notEmpty.Signal()
	}
}

// TakeInbound blocks until a message is available or ctx is done.
// The caller must call Done(sessionID) once the dispatch completes, which
// releases the next queued message for that session.
func (b *MessageBus) TakeInbound(ctx context.Context) (InboundMessage, bool) {
	// Wake the cond wait when the context ends.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.notEmpty.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.ready) == 0 {
		if ctx.Err() != nil || b.closed {
			return InboundMessage{}, false
		}
		b.notEmpty.Wait()
	}

	sid := b.ready[0]
	b.ready = b.ready[1:]

	backlog := b.pending[sid]
	msg := backlog[0]
	if len(backlog) == 1 {
		delete(b.pending, sid)
	} else {
		b.pending[sid] = backlog[1:]
	}
	b.total--
	b.inFlight[sid] = true
	b.notFull.Broadcast()

	return msg, true
}

// Done marks the in-flight dispatch for a session as finished. If more
// messages are queued for it, the session re-enters the ready rotation.
func (b *MessageBus) Done(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inFlight, sessionID)
	if len(b.pending[sessionID]) > 0 {
		b.ready = append(b.ready, sessionID)
		b.notEmpty.Signal()
	}
}

// PublishOutbound enqueues a message for channel delivery. Repeated
// publishes with the same idempotency key inside the dedupe window are
// coalesced into a single delivery. Blocks when the queue is full.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	if msg.Kind == "" {
		msg.Kind = KindText
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}

	if msg.IdempotencyKey != "" {
		b.mu.Lock()
		now := time.Now()
		if seen, ok := b.seenKeys[msg.IdempotencyKey]; ok && now.Sub(seen) < b.dedupeWindow {
			b.dedupedCount++
			b.mu.Unlock()
			slog.Debug("bus.outbound.deduped", "key", msg.IdempotencyKey, "session", msg.SessionID)
			return
		}
		b.seenKeys[msg.IdempotencyKey] = now
		b.pruneSeenLocked(now)
		b.mu.Unlock()
	}

	b.outbound <- msg
}

// TakeOutbound blocks until an outbound message is available or ctx is done.
func (b *MessageBus) TakeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg, ok := <-b.outbound:
		return msg, ok
	}
}

// Stats returns a snapshot of queue depths for health reporting.
func (b *MessageBus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		InboundDepth:   b.total,
		OutboundDepth:  len(b.outbound),
		InFlight:       len(b.inFlight),
		DedupedSends:   b.dedupedCount,
		TrackedPending: len(b.pending),
	}
}

// Close releases blocked publishers and consumers.
func (b *MessageBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
	b.mu.Unlock()
}

func (b *MessageBus) pruneSeenLocked(now time.Time) {
	if len(b.seenKeys) < 4096 {
		return
	}
	for k, t := range b.seenKeys {
		if now.Sub(t) >= b.dedupeWindow {
			delete(b.seenKeys, k)
		}
	}
}
