// Package connwatch schedules reconnect attempts with exponential
// backoff after a connection is lost unexpectedly.
//
// The schedule is delay(n) = InitialDelay × Multiplier^(n−1), capped at
// MaxDelay, for attempts n = 1..MaxRetries. A Scheduler keeps at most
// one attempt timer outstanding: scheduling a new attempt, cancelling,
// or resetting always disarms the previous timer first, and a timer
// that fires after it was disarmed does nothing.
package connwatch

import (
	"log/slog"
	"sync"
	"time"
)

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first attempt (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each attempt (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of attempts made before giving up (default: 5).
	MaxRetries int
}

// DefaultBackoffConfig returns the reconnect schedule 1s, 2s, 4s, 8s,
// 16s with five attempts and a 30s ceiling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   5,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (c BackoffConfig) withDefaults() BackoffConfig {
	defaults := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaults.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaults.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	return c
}

// Delay returns the wait before the given 1-based attempt. Attempts
// below 1 are treated as 1.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := c.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.Multiplier)
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return delay
}

// Scheduler tracks consecutive reconnect attempts and owns the single
// outstanding attempt timer.
type Scheduler struct {
	config BackoffConfig
	logger *slog.Logger

	mu      sync.Mutex
	attempt int
	timer   *time.Timer
	// gen invalidates timers that fired concurrently with a disarm.
	gen uint64
}

// NewScheduler creates a scheduler. Zero-value config fields are
// replaced with defaults.
func NewScheduler(cfg BackoffConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config: cfg.withDefaults(),
		logger: logger,
	}
}

// Config returns the effective backoff configuration.
func (s *Scheduler) Config() BackoffConfig {
	return s.config
}

// Next arms a timer for the next attempt, replacing any pending one,
// and returns the attempt number and delay. When MaxRetries attempts
// have already been made it arms nothing and returns ok == false.
//
// fn runs on its own goroutine when the timer fires, receiving the
// attempt number.
func (s *Scheduler) Next(fn func(attempt int)) (attempt int, delay time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked()
	if s.attempt >= s.config.MaxRetries {
		return s.attempt, 0, false
	}

	s.attempt++
	attempt = s.attempt
	delay = s.config.Delay(attempt)
	gen := s.gen

	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		fn(attempt)
	})

	s.logger.Debug("reconnect attempt scheduled",
		"attempt", attempt,
		"max_retries", s.config.MaxRetries,
		"delay", delay.String(),
	)
	return attempt, delay, true
}

// Cancel disarms the pending timer, if any, keeping the attempt count.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
}

// Reset disarms the pending timer and zeroes the attempt count. Called
// after every successful connection.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
	s.attempt = 0
}

// Attempt returns the number of attempts scheduled since the last Reset.
func (s *Scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Pending reports whether an attempt timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Exhausted reports whether MaxRetries attempts have been made.
func (s *Scheduler) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt >= s.config.MaxRetries
}

// disarmLocked stops the pending timer. Caller must hold s.mu.
func (s *Scheduler) disarmLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
