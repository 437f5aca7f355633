package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/sessions"
)

const tickInterval = time.Second

// Runner executes one agent turn for a session and returns the reply
// text. Implemented by the agent engine.
type Runner interface {
	Run(ctx context.Context, sessionID, text string) (string, error)
}

// Scheduler polls the job table once per second and fires due jobs.
// A job that is still running when it comes due again is skipped and
// recomputed forward, never run concurrently with itself.
type Scheduler struct {
	store  *Store
	runner Runner
	bus    *bus.MessageBus
	loc    *time.Location

	mu      sync.Mutex
	running map[int64]bool

	wg sync.WaitGroup
}

func NewScheduler(store *Store, runner Runner, b *bus.MessageBus, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:   store,
		runner:  runner,
		bus:     b,
		loc:     loc,
		running: make(map[int64]bool),
	}
}

// Start runs the tick loop until ctx is done, then waits for in-flight
// job runs to finish.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	slog.Info("cron.scheduler.started")
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("cron.scheduler.stopped")
			return
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	due, err := s.store.Due(now)
	if err != nil {
		slog.Error("cron.tick.query_failed", "error", err)
		return
	}

	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			// Previous run still in flight. Push the fire time forward
			// so the next tick does not retry immediately.
			s.recompute(job, now)
			slog.Warn("cron.fire.skipped_overlap", "job_id", job.ID)
			continue
		}

		s.wg.Add(1)
		go func(job *Job) {
			defer s.wg.Done()
			defer s.release(job.ID)
			s.fire(ctx, job, now)
		}(job)
	}
}

func (s *Scheduler) fire(ctx context.Context, job *Job, now time.Time) {
	slog.Info("cron.fire", "job_id", job.ID, "session", job.SessionID, "expression", job.Expression)
	if err := s.store.MarkFired(job.ID, now); err != nil {
		slog.Warn("cron.fire.mark_failed", "job_id", job.ID, "error", err)
	}

	reply, err := s.runner.Run(ctx, job.SessionID, job.Prompt)
	if err != nil {
		// The job survives a failed fire; it comes around again.
		slog.Error("cron.fire.failed", "job_id", job.ID, "error", err)
		s.recomputeAfterFailure(job, now)
		return
	}

	if reply != "" && !sessions.IsInternal(job.SessionID) {
		s.bus.PublishOutbound(bus.OutboundMessage{
			SessionID: job.SessionID,
			Reply: bus.ReplyHandle{
				Channel:  sessions.Channel(job.SessionID),
				ChatID:   sessions.Chat(job.SessionID),
				ThreadID: sessions.Thread(job.SessionID),
			},
			Text:           reply,
			Kind:           bus.KindText,
			Priority:       bus.PriorityNormal,
			IdempotencyKey: uuid.NewString(),
		})
	}

	sched, err := ParseExpression(job.Expression, job.CreatedAt)
	if err != nil {
		slog.Error("cron.job.expression_corrupt", "job_id", job.ID, "error", err)
		return
	}
	if sched.OneShot() {
		if err := s.store.Remove(job.ID); err != nil {
			slog.Warn("cron.oneshot.remove_failed", "job_id", job.ID, "error", err)
		}
		return
	}
	s.recompute(job, now)
}

// recompute advances next_fire_at past now for recurring jobs.
func (s *Scheduler) recompute(job *Job, now time.Time) {
	sched, err := ParseExpression(job.Expression, job.CreatedAt)
	if err != nil || sched.OneShot() {
		return
	}
	next, err := sched.Next(now, s.loc)
	if err != nil {
		slog.Warn("cron.recompute.failed", "job_id", job.ID, "error", err)
		return
	}
	if err := s.store.SetNextFire(job.ID, next); err != nil {
		slog.Warn("cron.recompute.persist_failed", "job_id", job.ID, "error", err)
	}
}

// recomputeAfterFailure keeps failed jobs alive. Recurring jobs advance
// on schedule; one-shots retry a minute later instead of every tick.
func (s *Scheduler) recomputeAfterFailure(job *Job, now time.Time) {
	sched, err := ParseExpression(job.Expression, job.CreatedAt)
	if err != nil {
		return
	}
	if sched.OneShot() {
		if err := s.store.SetNextFire(job.ID, now.Add(time.Minute)); err != nil {
			slog.Warn("cron.retry.persist_failed", "job_id", job.ID, "error", err)
		}
		return
	}
	s.recompute(job, now)
}

func (s *Scheduler) tryAcquire(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *Scheduler) release(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}
