package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Reopen defaults.
const (
	// DefaultAttempts is the number of reopen attempts before giving up.
	DefaultAttempts = 3

	// DefaultAttemptTimeout bounds a single open.
	DefaultAttemptTimeout = 5 * time.Second

	// DefaultFirstDelay is the wait before the first attempt.
	DefaultFirstDelay = 250 * time.Millisecond

	// DefaultMaxDelay caps the wait before any attempt.
	DefaultMaxDelay = 4 * time.Second

	// DefaultJitter is the largest random stretch of a wait, as a fraction
	// of it.
	DefaultJitter = 0.25
)

// ErrAttemptsExhausted is returned when every reopen attempt failed. It
// wraps the error of the last attempt.
var ErrAttemptsExhausted = errors.New("reopen attempts exhausted")

// State is the state of a Reopener.
type State uint8

const (
	// StateIdle - no reopen in progress.
	StateIdle State = iota

	// StateWaiting - waiting before the next attempt.
	StateWaiting

	// StateOpening - an open attempt is in progress.
	StateOpening

	// StateOpen - the last run succeeded.
	StateOpen

	// StateExhausted - the last run gave up.
	StateExhausted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWaiting:
		return "WAITING"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateExhausted:
		return "EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// OpenFunc opens a channel.
type OpenFunc func(ctx context.Context) error

// Config configures a Reopener.
type Config struct {
	// Attempts is the maximum number of open attempts (default 3).
	Attempts int

	// AttemptTimeout bounds each attempt (default 5s).
	AttemptTimeout time.Duration

	// FirstDelay is the wait before the first attempt (default 250ms).
	// Each later attempt waits twice as long as the one before.
	FirstDelay time.Duration

	// MaxDelay caps the wait before an attempt (default 4s).
	MaxDelay time.Duration

	// Jitter stretches each wait by up to this fraction of it. Zero waits
	// exactly.
	Jitter float64

	// Retryable decides whether a failed attempt may be retried. Nil
	// retries every error.
	Retryable func(error) bool
}

// Reopener retries opening a channel with bounded attempts, doubling the
// wait between them.
type Reopener struct {
	cfg Config

	mu    sync.Mutex
	state State

	onStateChange func(oldState, newState State)
	onAttempt     func(attempt int, delay time.Duration)
}

// NewReopener creates a reopener.
func NewReopener(cfg Config) *Reopener {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.FirstDelay <= 0 {
		cfg.FirstDelay = DefaultFirstDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	cfg.MaxDelay = max(cfg.MaxDelay, cfg.FirstDelay)
	cfg.Jitter = max(cfg.Jitter, 0)
	return &Reopener{cfg: cfg}
}

// Attempts returns the configured maximum number of attempts.
func (r *Reopener) Attempts() int {
	return r.cfg.Attempts
}

// State returns the reopener state.
func (r *Reopener) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnStateChange sets a callback for state changes.
func (r *Reopener) OnStateChange(fn func(oldState, newState State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
}

// OnAttempt sets a callback invoked before each attempt's delay.
func (r *Reopener) OnAttempt(fn func(attempt int, delay time.Duration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAttempt = fn
}

// Wait returns the unjittered wait before the given attempt, counting
// from 1.
func (r *Reopener) Wait(attempt int) time.Duration {
	wait := r.cfg.FirstDelay
	for i := 1; i < attempt && wait < r.cfg.MaxDelay; i++ {
		wait *= 2
	}
	return min(wait, r.cfg.MaxDelay)
}

func (r *Reopener) delay(attempt int) time.Duration {
	wait := r.Wait(attempt)
	if r.cfg.Jitter <= 0 {
		return wait
	}
	return wait + time.Duration(float64(wait)*r.cfg.Jitter*rand.Float64())
}

func (r *Reopener) setState(s State) {
	r.mu.Lock()
	old := r.state
	r.state = s
	fn := r.onStateChange
	r.mu.Unlock()

	if fn != nil && old != s {
		fn(old, s)
	}
}

// Run calls open until it succeeds, the attempts are used up, a failure is
// not retryable, or ctx is done. It blocks; callers that must stay
// responsive run it in a goroutine.
func (r *Reopener) Run(ctx context.Context, open OpenFunc) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		delay := r.delay(attempt)

		r.mu.Lock()
		onAttempt := r.onAttempt
		r.mu.Unlock()
		if onAttempt != nil {
			onAttempt(attempt, delay)
		}

		r.setState(StateWaiting)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.setState(StateIdle)
			return ctx.Err()
		case <-timer.C:
		}

		r.setState(StateOpening)
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		err := open(attemptCtx)
		cancel()

		if err == nil {
			r.setState(StateOpen)
			return nil
		}
		if ctx.Err() != nil {
			r.setState(StateIdle)
			return ctx.Err()
		}
		lastErr = err
		if r.cfg.Retryable != nil && !r.cfg.Retryable(err) {
			break
		}
	}

	r.setState(StateExhausted)
	return fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr)
}
