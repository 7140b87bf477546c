package reconnect

import (
	"sync"
	"time"
)

// State is the observable reconnection progress.
type State struct {
	Attempt   uint
	LastError error
	NextDelay time.Duration
	GaveUp    bool
}

// Tracker counts consecutive failures and consults the policy for each one.
type Tracker struct {
	mu     sync.Mutex
	policy Policy
	state  State
}

// NewTracker wraps policy; a nil policy uses the exponential defaults.
func NewTracker(policy Policy) *Tracker {
	if policy == nil {
		policy = NewExponential(0, 0, DefaultJitter, 0, false)
	}
	return &Tracker{policy: policy}
}

// Fail records a failed attempt and returns the delay before the next one.
// retry is false when the policy gives up.
func (t *Tracker) Fail(err error) (delay time.Duration, retry bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Attempt++
	t.state.LastError = err
	delay, retry = t.policy.NextDelay(t.state.Attempt, err)
	t.state.NextDelay = delay
	t.state.GaveUp = !retry
	return delay, retry
}

// Reset clears the failure count after a successful poll or an explicit reconnect.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.state = State{}
	t.mu.Unlock()
}

// State returns a copy of the current progress.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Policy returns the wrapped policy.
func (t *Tracker) Policy() Policy {
	return t.policy
}
