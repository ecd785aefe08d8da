// Package breaker implements a CLOSED/OPEN/HALF_OPEN circuit breaker that
// wraps a single fallible operation with a bounded timeout.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrOpen is returned immediately by Execute while the breaker is OPEN.
var ErrOpen = errors.New("breaker: circuit open")

// ErrTimeout is the failure recorded (and, if the caller doesn't check
// ctx itself, returned) when the wrapped operation exceeds Timeout.
var ErrTimeout = errors.New("breaker: operation timed out")

// State is one of CLOSED, OPEN, HALF_OPEN.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Options configures a Breaker. Zero values fall back to the documented
// defaults in New.
type Options struct {
	// FailureThreshold is the number of consecutive CLOSED-state failures
	// (including timeouts) that trips the breaker to OPEN. Default 5.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive HALF_OPEN successes
	// required to close the breaker. Default 2.
	SuccessThreshold int
	// Timeout bounds each wrapped call. Default 10s.
	Timeout time.Duration
	// ResetTimeout is how long the breaker stays OPEN before moving to
	// HALF_OPEN, where calls are admitted again. Default 60s.
	ResetTimeout time.Duration
	// Name identifies this breaker instance in log lines.
	Name string
	// Logger receives state-transition events. Nil disables logging.
	Logger *zerolog.Logger
}

// Breaker wraps a single fallible operation returning V. One Breaker
// instance guards one logical dependency; distinct dependencies must use
// distinct instances.
type Breaker[V any] struct {
	mu sync.Mutex

	state     State
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	resetTimeout     time.Duration

	name   string
	logger *zerolog.Logger
}

// New constructs a Breaker in the CLOSED state.
func New[V any](opt Options) *Breaker[V] {
	b := &Breaker[V]{
		state:            Closed,
		failureThreshold: opt.FailureThreshold,
		successThreshold: opt.SuccessThreshold,
		timeout:          opt.Timeout,
		resetTimeout:     opt.ResetTimeout,
		name:             opt.Name,
		logger:           opt.Logger,
	}
	if b.failureThreshold <= 0 {
		b.failureThreshold = 5
	}
	if b.successThreshold <= 0 {
		b.successThreshold = 2
	}
	if b.timeout <= 0 {
		b.timeout = 10 * time.Second
	}
	if b.resetTimeout <= 0 {
		b.resetTimeout = 60 * time.Second
	}
	return b
}

// State returns the breaker's current state. The HALF_OPEN transition due
// to an elapsed ResetTimeout is only observable once a caller goes through
// Execute, matching the lazy-transition semantics of spec.md §4.4.
func (b *Breaker[V]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to CLOSED with zero counters, regardless of its
// current state. Idempotent.
func (b *Breaker[V]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(Closed)
	b.failures = 0
	b.successes = 0
}

// Execute runs fn under the breaker's policy. If the breaker is OPEN and
// ResetTimeout has not elapsed since it opened, fn is never called and
// ErrOpen is returned. Otherwise fn runs with a Timeout deadline attached
// to ctx; the wrapped timer is guaranteed to be stopped before Execute
// returns on every path (success, error, ctx cancellation), so no timer
// ever outlives a completed call.
func (b *Breaker[V]) Execute(ctx context.Context, fn func(ctx context.Context) (V, error)) (V, error) {
	if !b.canTry() {
		var zero V
		return zero, ErrOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type result struct {
		v   V
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			b.recordFailure()
			return r.v, r.err
		}
		b.recordSuccess()
		return r.v, nil
	case <-callCtx.Done():
		// The timer (or caller cancellation) fired first. This is a failure
		// event even if fn later completes; fn's eventual result, if any,
		// is discarded by letting `done` be garbage collected unread.
		b.recordFailure()
		var zero V
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, ErrTimeout
	}
}

// canTry reports whether a call may proceed right now, performing the
// OPEN -> HALF_OPEN transition if ResetTimeout has elapsed.
func (b *Breaker[V]) canTry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.resetTimeout {
			b.transitionLocked(HalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker[V]) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.transitionLocked(Closed)
			b.failures = 0
			b.successes = 0
		}
	case Closed:
		b.failures = 0
	}
}

func (b *Breaker[V]) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.transitionLocked(Open)
		b.successes = 0
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.transitionLocked(Open)
		}
	}
}

// transitionLocked must be called with b.mu held.
func (b *Breaker[V]) transitionLocked(to State) {
	if to == b.state {
		return
	}
	from := b.state
	b.state = to
	if to == Open {
		b.openedAt = time.Now()
	}
	if b.logger != nil {
		b.logger.Warn().
			Str("breaker", b.name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state transition")
	}
}
