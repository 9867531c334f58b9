// Package retry implements the command-bus retry policy: a pure function
// from attempt number to backoff duration, independent of any I/O so it can
// be unit tested without a database.
package retry

import "time"

// Policy decides whether a failed command attempt should be retried and, if
// so, how long to wait before the command becomes visible again.
type Policy struct {
	MaxAttempts int
	// Schedule holds the backoff, in seconds, for attempt N at index N-1.
	// When attempts exceed len(Schedule), the last entry repeats.
	Schedule []int
}

// DefaultPolicy is the default retry schedule: 3 attempts with backoffs of
// 10s, 60s, 300s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Schedule:    []int{10, 60, 300},
	}
}

// ShouldRetry reports whether a command at the given attempt count (the
// count AFTER the failing attempt was recorded) is still eligible for
// another try.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// BackoffFor returns the number of seconds to wait before attempt-th retry
// becomes visible again. attempt is 1-indexed (the first retry is attempt 1).
func (p Policy) BackoffFor(attempt int) int {
	if len(p.Schedule) == 0 {
		return 30
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Schedule) {
		idx = len(p.Schedule) - 1
	}
	return p.Schedule[idx]
}

// BackoffDuration is BackoffFor as a time.Duration, the form the worker's
// set_vt call actually needs.
func (p Policy) BackoffDuration(attempt int) time.Duration {
	return time.Duration(p.BackoffFor(attempt)) * time.Second
}

// IsTerminal reports whether attempts has exhausted the policy, meaning the
// worker should route the command to the troubleshooting queue instead of
// retrying again.
func (p Policy) IsTerminal(attempts int) bool {
	return !p.ShouldRetry(attempts)
}
