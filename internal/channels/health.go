package channels

import "time"

// HealthLevel grades one check or a whole instance.
type HealthLevel string

const (
	HealthOK      HealthLevel = "ok"
	HealthWarning HealthLevel = "warning"
	HealthError   HealthLevel = "error"
)

// worse returns the more severe of two levels.
func worse(a, b HealthLevel) HealthLevel {
	rank := map[HealthLevel]int{HealthOK: 0, HealthWarning: 1, HealthError: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// HealthReport grades one instance. Level is the worst of the checks.
type HealthReport struct {
	Level  HealthLevel            `json:"level"`
	Checks map[string]HealthLevel `json:"checks"`
	State  BreakerState           `json:"circuit_state"`
	Stats  Counters               `json:"counters"`
}

// Health thresholds per check.
const (
	latencyWarn = 5 * time.Second
	latencyErr  = 15 * time.Second

	failuresWarn = 3
	failuresErr  = 5

	blockedWarn = 1
	blockedErr  = 5

	cooldownWarn = 5 * time.Second
	cooldownErr  = 15 * time.Second
)

func grade(warn, err bool) HealthLevel {
	switch {
	case err:
		return HealthError
	case warn:
		return HealthWarning
	default:
		return HealthOK
	}
}

// Health grades the dispatcher on send latency, failure streak, blocked
// sends, and remaining circuit cooldown.
func (d *Dispatcher) Health() HealthReport {
	d.mu.Lock()
	latency := d.lastLatency
	counters := d.counters
	d.mu.Unlock()

	failures := d.breaker.Failures()
	cooldown := d.breaker.CooldownRemaining()

	checks := map[string]HealthLevel{
		"send_latency":       grade(latency > latencyWarn, latency > latencyErr),
		"failure_streak":     grade(failures > failuresWarn, failures > failuresErr),
		"blocked_sends":      grade(counters.Blocked > blockedWarn, counters.Blocked > blockedErr),
		"cooldown_remaining": grade(cooldown > cooldownWarn, cooldown > cooldownErr),
	}

	level := HealthOK
	for _, l := range checks {
		level = worse(level, l)
	}
	return HealthReport{Level: level, Checks: checks, State: d.breaker.State(), Stats: counters}
}
