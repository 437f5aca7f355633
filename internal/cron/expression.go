// Package cron persists scheduled jobs and fires them through the agent
// engine. Three expression forms are accepted: "every N" (interval in
// seconds), "at <RFC3339>" (one-shot), and standard 5-field cron.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/clawlite/clawlite/internal/errs"
)

// ScheduleKind is the expression form.
type ScheduleKind string

const (
	KindEvery ScheduleKind = "every"
	KindAt    ScheduleKind = "at"
	KindCron  ScheduleKind = "cron"
)

// Schedule is a parsed expression.
type Schedule struct {
	Kind     ScheduleKind
	Interval time.Duration // every
	At       time.Time     // at
	Spec     string        // 5-field cron
}

// OneShot reports whether the job fires once and is then removed.
func (s *Schedule) OneShot() bool { return s.Kind == KindAt }

// ParseExpression validates an expression string. "at" timestamps must
// lie in the future relative to now.
func ParseExpression(expr string, now time.Time) (*Schedule, error) {
	expr = strings.TrimSpace(expr)

	if rest, ok := strings.CutPrefix(expr, "every "); ok {
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || n <= 0 {
			return nil, errs.New(errs.CronExpressionInvalid, "every wants a positive integer of seconds, got %q", rest)
		}
		return &Schedule{Kind: KindEvery, Interval: time.Duration(n) * time.Second}, nil
	}

	if rest, ok := strings.CutPrefix(expr, "at "); ok {
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(rest))
		if err != nil {
			return nil, errs.Wrap(errs.CronExpressionInvalid, err, "at wants an RFC3339 timestamp")
		}
		if !at.After(now) {
			return nil, errs.New(errs.CronExpressionInvalid, "at timestamp %s is in the past", rest)
		}
		return &Schedule{Kind: KindAt, At: at}, nil
	}

	if !gronx.New().IsValid(expr) {
		return nil, errs.New(errs.CronExpressionInvalid, "not a valid expression: %q", expr)
	}
	return &Schedule{Kind: KindCron, Spec: expr}, nil
}

// Next computes the next fire time strictly after the given instant.
// 5-field specs are evaluated in loc; the result is returned in UTC.
func (s *Schedule) Next(after time.Time, loc *time.Location) (time.Time, error) {
	switch s.Kind {
	case KindEvery:
		return after.Add(s.Interval).UTC(), nil
	case KindAt:
		if s.At.After(after) {
			return s.At.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("one-shot at %s already passed", s.At.Format(time.RFC3339))
	case KindCron:
		next, err := gronx.NextTickAfter(s.Spec, after.In(loc), false)
		if err != nil {
			return time.Time{}, err
		}
		return next.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
}
