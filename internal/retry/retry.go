// Package retry models retry-with-backoff as an explicit state machine so
// the policy can be tested without any network I/O.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// State is the position of a Machine in its lifecycle.
type State int

const (
	// Attempting means an attempt is in progress.
	Attempting State = iota
	// Waiting means the last attempt failed and another one is allowed
	// after the backoff delay.
	Waiting
	// Succeeded is terminal.
	Succeeded
	// Exhausted is terminal: the attempts ran out or the failure was not
	// retryable.
	Exhausted
)

func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case Waiting:
		return "waiting"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Policy configures a Machine.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the fraction of each delay that is randomised, in [0, 1].
	Jitter float64
}

// DefaultPolicy is used when a zero Policy is supplied.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	Jitter:      0.2,
}

// Delay returns the backoff before attempt n+1, where n is the number of
// attempts made so far (n >= 1), without jitter.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Machine tracks the attempts of a single operation.
type Machine struct {
	policy   Policy
	state    State
	attempts int
	rand     func() float64
}

// New starts a machine for one operation. A Policy with MaxAttempts < 1 is
// treated as a single attempt.
func New(p Policy) *Machine {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return &Machine{policy: p, state: Waiting, rand: rand.Float64}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Attempts returns how many attempts have begun.
func (m *Machine) Attempts() int { return m.attempts }

// Begin starts the next attempt. It returns false once the machine is in a
// terminal state.
func (m *Machine) Begin() bool {
	if m.state != Waiting {
		return false
	}
	m.attempts++
	m.state = Attempting
	return true
}

// Succeed records a successful attempt.
func (m *Machine) Succeed() {
	m.state = Succeeded
}

// Fail records a failed attempt. When another attempt is allowed it returns
// the delay to wait and true; otherwise the machine is Exhausted.
func (m *Machine) Fail(retryable bool) (time.Duration, bool) {
	if !retryable || m.attempts >= m.policy.MaxAttempts {
		m.state = Exhausted
		return 0, false
	}
	m.state = Waiting
	d := m.policy.Delay(m.attempts)
	if m.policy.Jitter > 0 {
		spread := float64(d) * m.policy.Jitter
		d = time.Duration(float64(d) - spread + 2*spread*m.rand())
	}
	return d, true
}

// Do runs op until it succeeds, fails with an error isRetryable rejects, or
// the policy's attempts run out. It returns the number of attempts made and
// the last error.
func Do(ctx context.Context, p Policy, isRetryable func(error) bool, op func(ctx context.Context, attempt int) error) (int, error) {
	m := New(p)
	var err error
	for m.Begin() {
		err = op(ctx, m.Attempts())
		if err == nil {
			m.Succeed()
			return m.Attempts(), nil
		}
		if ctx.Err() != nil {
			return m.Attempts(), err
		}
		delay, ok := m.Fail(isRetryable(err))
		if !ok {
			break
		}
		if err := Sleep(ctx, delay); err != nil {
			return m.Attempts(), err
		}
	}
	return m.Attempts(), err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
