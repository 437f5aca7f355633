package channels

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/errs"
)

const (
	// Breaker opens when consecutive failures exceed this.
	breakerFailureThreshold = 5
	breakerCooldown         = 30 * time.Second

	maxSendAttempts   = 5
	perAttemptTimeout = 30 * time.Second
	retryBaseDelay    = time.Second
	retryMaxDelay     = 30 * time.Second

	dedupeWindow = 5 * time.Minute

	// Token-bucket send pacing per instance.
	sendRatePerSecond = 1.0
	sendBurst         = 5
)

// BreakerState is the circuit breaker's position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker cuts off sends to a failing destination. It opens after
// too many consecutive failures, allows a single probe once the cooldown
// passes, and closes again on a successful probe.
type CircuitBreaker struct {
	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{state: BreakerClosed, now: time.Now}
}

// Allow reports whether a send may proceed right now.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= breakerCooldown {
			b.state = BreakerHalfOpen
			b.probing = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure streak.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failed send. A failed half-open probe reopens
// immediately; in closed state the breaker opens once the streak passes
// the threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false

	if b.state == BreakerHalfOpen || b.failures > breakerFailureThreshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// State returns the current position.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure streak.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// CooldownRemaining is how long until an open breaker will probe.
func (b *CircuitBreaker) CooldownRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return 0
	}
	remaining := breakerCooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Counters are the per-instance delivery statistics.
type Counters struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Retried int64 `json:"retried"`
	Blocked int64 `json:"blocked"` // rejected by an open circuit
	Deduped int64 `json:"deduped"`
}

// Dispatcher is the outbound delivery pipeline for one instance:
// idempotency cache, circuit check, paced send with per-attempt timeout,
// retry with backoff and jitter, classification, counters.
type Dispatcher struct {
	ch       Channel
	breaker  *CircuitBreaker
	limiter  *rate.Limiter
	fallback string // channel to re-publish to when the circuit is open
	bus      *bus.MessageBus

	mu          sync.Mutex
	seen        map[string]time.Time
	counters    Counters
	lastLatency time.Duration
	lastError   string
}

func NewDispatcher(ch Channel, fallback string, b *bus.MessageBus) *Dispatcher {
	return &Dispatcher{
		ch:       ch,
		breaker:  NewCircuitBreaker(),
		limiter:  rate.NewLimiter(rate.Limit(sendRatePerSecond), sendBurst),
		fallback: fallback,
		bus:      b,
		seen:     make(map[string]time.Time),
	}
}

// Deliver runs one message through the pipeline. Failures after the
// final retry are counted and logged; the message is dropped.
func (d *Dispatcher) Deliver(ctx context.Context, msg bus.OutboundMessage) {
	if d.isDuplicate(msg.IdempotencyKey) {
		d.bump(func(c *Counters) { c.Deduped++ })
		return
	}

	if !d.breaker.Allow() {
		d.bump(func(c *Counters) { c.Blocked++ })
		slog.Warn("channels.outbound.failed",
			"channel", d.ch.Name(),
			"account", d.ch.Account(),
			"code", errs.ChannelUnavailable,
			"fallback", d.fallback,
			"cooldown_remaining", d.breaker.CooldownRemaining().Round(time.Second),
		)
		d.republishToFallback(msg)
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	delay := retryBaseDelay
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		start := time.Now()
		err := d.sendOnce(ctx, msg)
		latency := time.Since(start)

		if err == nil {
			d.breaker.RecordSuccess()
			d.bump(func(c *Counters) { c.Sent++ })
			d.setLatency(latency)
			return
		}

		d.breaker.RecordFailure()
		d.setError(err)
		slog.Warn("channels.send.failed",
			"channel", d.ch.Name(),
			"account", d.ch.Account(),
			"attempt", attempt,
			"kind", errs.KindOf(err),
			"error", err,
		)

		if attempt == maxSendAttempts || !d.breaker.Allow() {
			break
		}
		d.bump(func(c *Counters) { c.Retried++ })

		// Exponential backoff with jitter.
		jittered := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	d.bump(func(c *Counters) { c.Failed++ })
	slog.Error("channels.send.dropped",
		"channel", d.ch.Name(),
		"account", d.ch.Account(),
		"session", msg.SessionID,
	)
}

func (d *Dispatcher) sendOnce(ctx context.Context, msg bus.OutboundMessage) error {
	attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()
	return d.ch.Send(attemptCtx, msg)
}

// republishToFallback reroutes an open-circuit rejection to the
// configured fallback channel, keyed so the bus dedupes any duplicate
// reroutes of the same message.
func (d *Dispatcher) republishToFallback(msg bus.OutboundMessage) {
	if d.fallback == "" || d.bus == nil {
		return
	}
	slog.Info("channels.outbound.fallback",
		"from", d.ch.Name(),
		"to", d.fallback,
		"session", msg.SessionID,
	)
	msg.Reply.Channel = d.fallback
	msg.IdempotencyKey = msg.IdempotencyKey + ":fallback:" + d.fallback
	d.bus.PublishOutbound(msg)
}

func (d *Dispatcher) isDuplicate(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for k, at := range d.seen {
		if now.Sub(at) > dedupeWindow {
			delete(d.seen, k)
		}
	}
	if _, dup := d.seen[key]; dup {
		return true
	}
	d.seen[key] = now
	return false
}

func (d *Dispatcher) bump(fn func(*Counters)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.counters)
}

func (d *Dispatcher) setLatency(latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastLatency = latency
}

func (d *Dispatcher) setError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastError = err.Error()
}

// Stats returns a counters snapshot.
func (d *Dispatcher) Stats() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters
}
