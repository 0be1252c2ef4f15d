// Package reconnect schedules reconnect attempts after the stream is lost.
package reconnect

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meszmate/orekh/internal/metrics"
)

// ErrExhausted is reported once the maximum number of attempts failed.
var ErrExhausted = errors.New("reconnect: attempts exhausted")

// Config bounds the backoff.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Scheduler runs f after d. The returned stop function cancels it and
// reports whether it was still pending.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

// AfterFunc schedules with the runtime timer.
func AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithScheduler replaces the timer, for deterministic tests.
func WithScheduler(s Scheduler) Option {
	return func(sv *Supervisor) { sv.schedule = s }
}

// OnGiveUp registers a callback run once attempts are exhausted.
func OnGiveUp(f func(error)) Option {
	return func(sv *Supervisor) { sv.giveUp = f }
}

// Supervisor drives a bounded linear backoff: attempt n waits
// min(n*BaseDelay, MaxDelay). At most one attempt is pending at a time.
type Supervisor struct {
	cfg      Config
	dial     func()
	schedule Scheduler
	giveUp   func(error)
	logger   *zap.Logger

	mu       sync.Mutex
	attempts int
	stop     func() bool
	// gen invalidates timers that fired after being superseded.
	gen     uint64
	stopped bool
}

// New creates a supervisor that calls dial when an attempt is due.
func New(cfg Config, dial func(), logger *zap.Logger, opts ...Option) *Supervisor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		cfg:      cfg,
		dial:     dial,
		schedule: AfterFunc,
		giveUp:   func(error) {},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Delay returns the wait before the given attempt (1-based).
func (s *Supervisor) Delay(attempt int) time.Duration {
	d := time.Duration(attempt) * s.cfg.BaseDelay
	if d > s.cfg.MaxDelay || d <= 0 {
		return s.cfg.MaxDelay
	}
	return d
}

// Lost records that the stream went away or an attempt failed and
// schedules the next attempt. It reports whether an attempt is pending
// afterwards. Calling it while an attempt is pending does nothing.
func (s *Supervisor) Lost() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if s.stop != nil {
		s.mu.Unlock()
		return true
	}
	if s.attempts >= s.cfg.MaxAttempts {
		attempts := s.attempts
		s.stopped = true
		s.mu.Unlock()

		s.logger.Error("giving up reconnecting", zap.Int("attempt", attempts))
		s.giveUp(ErrExhausted)
		return false
	}

	s.attempts++
	attempt := s.attempts
	delay := s.Delay(attempt)
	s.gen++
	gen := s.gen
	s.stop = s.schedule(delay, func() { s.fire(gen) })
	s.mu.Unlock()

	metrics.RecordReconnectAttempt()
	s.logger.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	return true
}

func (s *Supervisor) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stop = nil
	s.mu.Unlock()

	s.dial()
}

// Online resets the attempt counter after a successful connect.
func (s *Supervisor) Online() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.attempts = 0
}

// Reset clears all state, as on a manual connect.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.attempts = 0
	s.stopped = false
}

// Stop cancels any pending attempt and ignores further losses until Reset.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.stopped = true
}

// Attempts returns the number of attempts since the last success.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Pending reports whether an attempt is scheduled.
func (s *Supervisor) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *Supervisor) cancelLocked() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.gen++
}
