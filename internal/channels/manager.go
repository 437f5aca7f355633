package channels

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/sessions"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = time.Minute

	// A connection that survived this long resets the backoff.
	stableRunThreshold = time.Minute

	// outboundQueueSize bounds each instance's delivery queue.
	outboundQueueSize = 128
)

// instance is one supervised (channel, account) pair with its own
// delivery queue, so a slow destination never stalls the others.
type instance struct {
	ch    Channel
	disp  *Dispatcher
	queue chan bus.OutboundMessage
}

// Manager owns channel instance lifecycle and routes outbound messages
// from the bus to the right instance.
type Manager struct {
	bus *bus.MessageBus

	mu        sync.RWMutex
	instances map[string]*instance // "channel:account"

	wg sync.WaitGroup
}

func NewManager(b *bus.MessageBus) *Manager {
	return &Manager{bus: b, instances: make(map[string]*instance)}
}

func instanceKey(channel, account string) string {
	if account == "" {
		account = "default"
	}
	return channel + ":" + account
}

// Register adds a channel instance. fallback names the channel that
// receives re-published messages when this instance's circuit is open.
func (m *Manager) Register(ch Channel, fallback string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[instanceKey(ch.Name(), ch.Account())] = &instance{
		ch:    ch,
		disp:  NewDispatcher(ch, fallback, m.bus),
		queue: make(chan bus.OutboundMessage, outboundQueueSize),
	}
}

// Start launches supervision for every instance plus the outbound
// dispatch loop, then returns. Stop by cancelling ctx; Wait blocks
// until everything winds down.
func (m *Manager) Start(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, inst := range m.instances {
		m.wg.Add(2)
		go func(key string, inst *instance) {
			defer m.wg.Done()
			m.supervise(ctx, key, inst.ch)
		}(key, inst)
		go func(inst *instance) {
			defer m.wg.Done()
			m.deliverLoop(ctx, inst)
		}(inst)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatchOutbound(ctx)
	}()

	if len(m.instances) == 0 {
		slog.Warn("channels.none_enabled")
	}
}

// Wait blocks until supervision and dispatch have stopped.
func (m *Manager) Wait() { m.wg.Wait() }

// supervise keeps an instance connected: run, and on failure reconnect
// with exponential backoff. Only ctx cancellation ends supervision.
func (m *Manager) supervise(ctx context.Context, key string, ch Channel) {
	delay := reconnectBaseDelay
	for {
		started := time.Now()
		slog.Info("channels.instance.starting", "instance", key)
		err := ch.Run(ctx)

		if ctx.Err() != nil {
			slog.Info("channels.instance.stopped", "instance", key)
			return
		}
		if time.Since(started) > stableRunThreshold {
			delay = reconnectBaseDelay
		}

		jittered := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		slog.Warn("channels.instance.reconnecting",
			"instance", key,
			"error", err,
			"retry_in", jittered.Round(time.Millisecond),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// dispatchOutbound consumes the outbound queue and routes each message
// to its instance's delivery queue. Messages for internal sessions
// (cli, ws, subagent) have no channel destination and are dropped here.
// Routing never blocks on delivery: ordering is FIFO per instance and
// independent across instances.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("channels.dispatcher.started")
	for {
		msg, ok := m.bus.TakeOutbound(ctx)
		if !ok {
			slog.Info("channels.dispatcher.stopped")
			return
		}

		if msg.Reply.Channel == "" || sessions.IsInternal(msg.SessionID) {
			slog.Debug("channels.outbound.no_destination", "session", msg.SessionID)
			continue
		}

		m.mu.RLock()
		inst, exists := m.instances[instanceKey(msg.Reply.Channel, msg.Reply.Account)]
		m.mu.RUnlock()
		if !exists {
			slog.Warn("channels.outbound.unknown_instance",
				"channel", msg.Reply.Channel,
				"account", msg.Reply.Account,
			)
			continue
		}

		select {
		case inst.queue <- msg:
		default:
			slog.Warn("channels.outbound.queue_full",
				"channel", msg.Reply.Channel,
				"account", msg.Reply.Account,
				"session", msg.SessionID,
			)
		}
	}
}

// deliverLoop drains one instance's queue through its pipeline.
func (m *Manager) deliverLoop(ctx context.Context, inst *instance) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inst.queue:
			inst.disp.Deliver(ctx, msg)
		}
	}
}

// Health reports per-instance health. Global health is the worst level.
func (m *Manager) Health() (HealthLevel, map[string]HealthReport) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	global := HealthOK
	reports := make(map[string]HealthReport, len(m.instances))
	for key, inst := range m.instances {
		r := inst.disp.Health()
		reports[key] = r
		global = worse(global, r.Level)
	}
	return global, reports
}

// Dispatcher exposes an instance's pipeline, for tests and status.
func (m *Manager) Dispatcher(channel, account string) (*Dispatcher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[instanceKey(channel, account)]
	if !ok {
		return nil, false
	}
	return inst.disp, true
}
