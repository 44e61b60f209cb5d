// Package supervisor decides whether an error is retried, and when.
package supervisor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/kiaanvoice/internal/logging"
	"github.com/rbright/kiaanvoice/internal/voiceerr"
)

// DefaultMaxDelay caps the backoff curve when no cap is configured.
const DefaultMaxDelay = 8 * time.Second

type Action string

const (
	// ActionRetry schedules a recover transition after Delay.
	ActionRetry Action = "retry"
	// ActionGiveUp reports a recoverable error terminally; the budget is spent.
	ActionGiveUp Action = "give_up"
	// ActionPermanent reports a non-recoverable error without retrying.
	ActionPermanent Action = "permanent"
)

// Decision is the supervisor's verdict for one error.
type Decision struct {
	Action Action
	// Attempt is the zero-based retry index for ActionRetry.
	Attempt int
	Delay   time.Duration
	// Attempts is the number of retries already spent.
	Attempts int
}

// Policy parameterizes the backoff curve and the retry budget.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Supervisor owns the retry counter.
type Supervisor struct {
	logger *slog.Logger
	policy Policy

	mu      sync.Mutex
	retries int
}

// New builds a supervisor with a zero retry counter.
func New(logger *slog.Logger, policy Policy) *Supervisor {
	return &Supervisor{
		logger: logging.Component(logger, "supervisor"),
		policy: policy.normalized(),
	}
}

// Backoff returns min(base*2^attempt, maxDelay).
func (s *Supervisor) Backoff(attempt int) time.Duration {
	return backoffDelay(s.policy.BaseDelay, s.policy.MaxDelay, attempt)
}

func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= limit/2 {
			return limit
		}
		delay *= 2
	}
	if delay > limit {
		return limit
	}
	return delay
}

// OnError decides what to do about err and, for a retry, spends one unit of
// the budget.
func (s *Supervisor) OnError(err *voiceerr.Error) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil && !err.IsRecoverable() {
		s.logger.Warn("permanent error; not retrying", "kind", err.Kind, "error", err.Message)
		return Decision{Action: ActionPermanent, Attempts: s.retries}
	}

	if s.retries >= s.policy.MaxRetries {
		s.logger.Warn("retry budget exhausted",
			"attempts", s.retries,
			"max_retries", s.policy.MaxRetries,
		)
		return Decision{Action: ActionGiveUp, Attempts: s.retries}
	}

	attempt := s.retries
	delay := s.Backoff(attempt)
	s.retries++
	s.logger.Info("scheduling recovery",
		"attempt", attempt,
		"delay_ms", delay.Milliseconds(),
	)
	return Decision{Action: ActionRetry, Attempt: attempt, Delay: delay, Attempts: s.retries}
}

// OnReady clears the retry counter after a successful ready.
func (s *Supervisor) OnReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retries > 0 {
		s.logger.Info("recovered", "attempts", s.retries)
	}
	s.retries = 0
}

// Reset clears the retry counter on a caller reset.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = 0
}

// Retries returns the current retry counter.
func (s *Supervisor) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Policy returns the normalized policy in effect.
func (s *Supervisor) Policy() Policy {
	return s.policy
}
