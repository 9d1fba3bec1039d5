// Package reconnect holds the connection lifecycle states and the
// backoff policy deciding whether a dropped channel is re-dialed.
package reconnect

import "time"

// State is the lifecycle of the live channel for one room session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting

	// Suspended means the attempt budget is exhausted. The fallback
	// poller becomes the sole source of truth; only a new explicit
	// join leaves this state.
	Suspended
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

const (
	DefaultBase        = 3 * time.Second
	DefaultMaxAttempts = 5
)

// Policy is the bounded linear backoff governing retries: attempt n
// (1-indexed) waits Base*n. It holds no timers so it tests clock-free;
// the session loop owns scheduling.
type Policy struct {
	base        time.Duration
	maxAttempts int
	attempt     int
}

func NewPolicy(base time.Duration, maxAttempts int) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Policy{base: base, maxAttempts: maxAttempts}
}

// Next is called after a failure. It returns the delay before the next
// attempt, or ok=false once the budget is exhausted.
func (p *Policy) Next() (delay time.Duration, ok bool) {
	if p.attempt >= p.maxAttempts {
		return 0, false
	}
	p.attempt++
	return p.base * time.Duration(p.attempt), true
}

// Attempt returns how many retries have been handed out.
func (p *Policy) Attempt() int { return p.attempt }

// Reset clears the counter after a successful connect.
func (p *Policy) Reset() { p.attempt = 0 }
