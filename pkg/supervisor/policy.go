package supervisor

import (
	"time"
)

// Failure reasons recorded when restart limits are exhausted.
const (
	ReasonRapidRestartLimit    = "rapid-restart-limit"
	ReasonLifetimeRestartLimit = "lifetime-restart-limit"
)

// Limits bound the restart policy.
type Limits struct {
	MaxRapid    int           // death ordinal at which a death within RapidWindow of the last restart is permanent failure
	RapidWindow time.Duration // window for the rapid limit
	MaxLifetime int           // death ordinal at which any death is permanent failure
	BackoffCap  time.Duration // ceiling for exponential backoff
}

// DefaultLimits returns the stock restart limits.
func DefaultLimits() Limits {
	return Limits{
		MaxRapid:    5,
		RapidWindow: 5 * time.Minute,
		MaxLifetime: 20,
		BackoffCap:  60 * time.Second,
	}
}

// Decision is the outcome of one restart-policy evaluation.
type Decision struct {
	Restart bool
	Backoff time.Duration
	Reason  string
}

// ShouldRestart evaluates the restart policy for a component that has
// just died. count and lastRestartMS come from the persisted restart
// record (zero values when no record exists), so this death is number
// count+1: limits and backoff are both judged against that ordinal.
// The Nth death is denied once N reaches a limit (the fifth death in
// the rapid window schedules no fifth spawn), and an allowed Nth
// respawn waits 2^N seconds, capped.
func ShouldRestart(count int, lastRestartMS int64, now time.Time, l Limits) Decision {
	deaths := count + 1
	if deaths >= l.MaxRapid {
		if lastRestartMS == 0 || now.UnixMilli()-lastRestartMS < l.RapidWindow.Milliseconds() {
			return Decision{Reason: ReasonRapidRestartLimit}
		}
	}
	if deaths >= l.MaxLifetime {
		return Decision{Reason: ReasonLifetimeRestartLimit}
	}

	backoff := l.BackoffCap
	if deaths < 30 {
		if d := time.Duration(1<<uint(deaths)) * time.Second; d < backoff {
			backoff = d
		}
	}
	return Decision{Restart: true, Backoff: backoff}
}
