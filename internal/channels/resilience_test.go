package channels

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/errs"
)

type fakeChannel struct {
	name    string
	account string

	mu       sync.Mutex
	failures int // sends to fail before succeeding
	sent     []bus.OutboundMessage
	runs     int
	runErr   error
}

func (f *fakeChannel) Name() string    { return f.name }
func (f *fakeChannel) Account() string { return f.account }

func (f *fakeChannel) Run(ctx context.Context) error {
	f.mu.Lock()
	f.runs++
	err := f.runErr
	f.runErr = nil // fail only the first run
	f.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("send failed")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func outMsg(key string) bus.OutboundMessage {
	return bus.OutboundMessage{
		SessionID:      "telegram:42",
		Reply:          bus.ReplyHandle{Channel: "telegram", Account: "default", ChatID: "42"},
		Text:           "hi",
		Kind:           bus.KindText,
		IdempotencyKey: key,
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker()

	for i := 0; i < breakerFailureThreshold; i++ {
		b.RecordFailure()
	}
	if b.State() != BreakerClosed {
		t.Fatalf("breaker opened at %d failures, threshold is exceed-only", breakerFailureThreshold)
	}

	b.RecordFailure() // 6th consecutive failure
	if b.State() != BreakerOpen {
		t.Fatal("breaker not open after exceeding threshold")
	}
	if b.Allow() {
		t.Error("open breaker allowed a send inside cooldown")
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b := NewCircuitBreaker()
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	for i := 0; i <= breakerFailureThreshold; i++ {
		b.RecordFailure()
	}
	if b.Allow() {
		t.Fatal("allowed before cooldown")
	}

	clock = clock.Add(breakerCooldown)
	if !b.Allow() {
		t.Fatal("probe not allowed after cooldown")
	}
	if b.State() != BreakerHalfOpen {
		t.Errorf("state = %s, want half_open", b.State())
	}
	if b.Allow() {
		t.Error("second concurrent probe allowed")
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed || b.Failures() != 0 {
		t.Errorf("successful probe did not close breaker: %s/%d", b.State(), b.Failures())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewCircuitBreaker()
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	for i := 0; i <= breakerFailureThreshold; i++ {
		b.RecordFailure()
	}
	clock = clock.Add(breakerCooldown)
	if !b.Allow() {
		t.Fatal("probe not allowed")
	}

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Errorf("state after failed probe = %s, want open", b.State())
	}
	if b.CooldownRemaining() != breakerCooldown {
		t.Errorf("cooldown not restarted: %s", b.CooldownRemaining())
	}
}

func TestDeliverSuccessAndDedupe(t *testing.T) {
	ch := &fakeChannel{name: "telegram", account: "default"}
	d := NewDispatcher(ch, "", nil)
	ctx := context.Background()

	d.Deliver(ctx, outMsg("key-1"))
	d.Deliver(ctx, outMsg("key-1")) // duplicate within window
	d.Deliver(ctx, outMsg("key-2"))

	if ch.sentCount() != 2 {
		t.Errorf("sent = %d, want 2", ch.sentCount())
	}
	stats := d.Stats()
	if stats.Sent != 2 || stats.Deduped != 1 {
		t.Errorf("counters = %+v", stats)
	}
}

func TestDeliverBlockedWhenCircuitOpen(t *testing.T) {
	ch := &fakeChannel{name: "telegram", account: "default"}
	d := NewDispatcher(ch, "", nil)

	for i := 0; i <= breakerFailureThreshold; i++ {
		d.breaker.RecordFailure()
	}

	d.Deliver(context.Background(), outMsg("key-1"))

	if ch.sentCount() != 0 {
		t.Error("blocked delivery still reached the channel")
	}
	if stats := d.Stats(); stats.Blocked != 1 {
		t.Errorf("counters = %+v", stats)
	}
}

func TestDeliverOpenCircuitLogsFailureCode(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	ch := &fakeChannel{name: "telegram", account: "default"}
	d := NewDispatcher(ch, "discord", nil)
	for i := 0; i <= breakerFailureThreshold; i++ {
		d.breaker.RecordFailure()
	}

	d.Deliver(context.Background(), outMsg("key-1"))

	out := buf.String()
	if !strings.Contains(out, "channels.outbound.failed") {
		t.Fatalf("open-circuit rejection not logged as delivery failure:\n%s", out)
	}
	if !strings.Contains(out, "code="+string(errs.ChannelUnavailable)) {
		t.Errorf("no machine-readable code in log:\n%s", out)
	}
	if !strings.Contains(out, "fallback=discord") {
		t.Errorf("no fallback destination in log:\n%s", out)
	}
}

func TestDeliverOpenCircuitRepublishesToFallback(t *testing.T) {
	b := bus.New(10, time.Minute)
	defer b.Close()

	ch := &fakeChannel{name: "telegram", account: "default"}
	d := NewDispatcher(ch, "discord", b)
	for i := 0; i <= breakerFailureThreshold; i++ {
		d.breaker.RecordFailure()
	}

	d.Deliver(context.Background(), outMsg("key-1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.TakeOutbound(ctx)
	if !ok {
		t.Fatal("no fallback message published")
	}
	if msg.Reply.Channel != "discord" || msg.Text != "hi" {
		t.Errorf("fallback msg = %+v", msg)
	}
}

func TestHealthGrading(t *testing.T) {
	ch := &fakeChannel{name: "telegram", account: "default"}
	d := NewDispatcher(ch, "", nil)

	if h := d.Health(); h.Level != HealthOK {
		t.Errorf("fresh dispatcher level = %s", h.Level)
	}

	// Slow sends warn, very slow sends error.
	d.setLatency(6 * time.Second)
	if h := d.Health(); h.Checks["send_latency"] != HealthWarning {
		t.Errorf("latency 6s = %s, want warning", h.Checks["send_latency"])
	}
	d.setLatency(16 * time.Second)
	h := d.Health()
	if h.Checks["send_latency"] != HealthError || h.Level != HealthError {
		t.Errorf("latency 16s = %+v", h)
	}

	// Failure streak thresholds.
	d2 := NewDispatcher(ch, "", nil)
	for i := 0; i < 4; i++ {
		d2.breaker.RecordFailure()
	}
	if h := d2.Health(); h.Checks["failure_streak"] != HealthWarning {
		t.Errorf("4 failures = %s, want warning", h.Checks["failure_streak"])
	}
	for i := 0; i < 2; i++ {
		d2.breaker.RecordFailure()
	}
	if h := d2.Health(); h.Checks["failure_streak"] != HealthError {
		t.Errorf("6 failures = %s, want error", h.Checks["failure_streak"])
	}
}
