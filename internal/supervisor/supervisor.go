// Package supervisor runs capture sessions and decides what happens after
// one ends: restart, retry with backoff, or give up on the backend.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/grabber"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// ErrBackendDisabled is returned when a session failed in a way retrying
// cannot fix. The backend's gate is closed.
var ErrBackendDisabled = errors.New("capture backend disabled")

// ErrMaxRetries is returned once the retry budget is spent.
var ErrMaxRetries = errors.New("max retries exceeded")

// Action is what the supervisor does after a session ends.
type Action int

const (
	// Stop ends supervision without error.
	Stop Action = iota
	// Restart starts a new session straight away.
	Restart
	// Retry starts a new session after a backoff delay.
	Retry
	// Disable closes the backend's gate and ends supervision.
	Disable
)

func (a Action) String() string {
	switch a {
	case Restart:
		return "restart"
	case Retry:
		return "retry"
	case Disable:
		return "disable"
	default:
		return "stop"
	}
}

// Classify maps a session result to an action.
func Classify(err error) Action {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Stop
	case errors.Is(err, grabber.ErrReinitialize):
		return Restart
	case errors.Is(err, capture.ErrDeviceUnavailable),
		errors.Is(err, capture.ErrCapabilityUnsupported),
		errors.Is(err, grabber.ErrConfigRejected):
		return Disable
	default:
		// timeouts, i/o errors and allocation failures
		return Retry
	}
}

// Policy bounds retries.
type Policy struct {
	MaxRetries    int           `json:"max_retries"`
	RetryDelay    time.Duration `json:"retry_delay"`
	MaxRetryDelay time.Duration `json:"max_retry_delay"`
}

// DefaultPolicy retries five times from one second up to thirty.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    5,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Backoff returns the delay before retry attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.RetryDelay
	for i := 1; i < attempt && delay < p.MaxRetryDelay; i++ {
		delay *= 2
	}
	if p.MaxRetryDelay > 0 && delay > p.MaxRetryDelay {
		delay = p.MaxRetryDelay
	}
	return delay
}

// Event reports a supervision step.
type Event struct {
	Time    time.Time         `json:"time"`
	Backend string            `json:"backend"`
	Action  string            `json:"action"`
	Attempt int               `json:"attempt,omitempty"`
	Delay   time.Duration     `json:"delay,omitempty"`
	Error   string            `json:"error,omitempty"`
	Stats   capture.LoopStats `json:"stats"`
}

// Supervisor runs one backend until it stops for good.
type Supervisor struct {
	backend grabber.Backend
	policy  Policy

	mu       sync.Mutex
	handlers []func(Event)
	retries  int
	sessions int

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error

	log *zerolog.Logger
}

// New creates a supervisor for backend.
func New(backend grabber.Backend, policy Policy) *Supervisor {
	return &Supervisor{
		backend: backend,
		policy:  policy,
		sleep:   sleepCtx,
		log:     logger.WithComponent("supervisor"),
	}
}

// OnEvent registers a handler called after every session.
func (s *Supervisor) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// Sessions returns how many sessions have been started.
func (s *Supervisor) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Run supervises sessions of at most maxFrames frames each (0 for no
// limit). It returns nil when a session completes or ctx ends.
func (s *Supervisor) Run(ctx context.Context, maxFrames int) error {
	name := s.backend.Name()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()

		stats, err := s.backend.Run(ctx, maxFrames)
		action := Classify(err)
		ev := Event{Time: time.Now(), Backend: name, Action: action.String(), Stats: stats}
		if err != nil {
			ev.Error = err.Error()
		}

		// A session that delivered frames was healthy; start counting again.
		if stats.Forwarded > 0 || stats.Discarded > 0 {
			s.retries = 0
		}

		switch action {
		case Stop:
			s.emit(ev)
			s.log.Info().Str("backend", name).Uint64("forwarded", stats.Forwarded).Msg("Capture stopped")
			return nil

		case Restart:
			s.emit(ev)
			s.log.Info().Str("backend", name).Msg("Restarting capture session")

		case Disable:
			s.emit(ev)
			s.backend.SetEnabled(false)
			s.log.Error().Err(err).Str("backend", name).Msg("Disabling capture backend")
			return fmt.Errorf("%w: %s: %w", ErrBackendDisabled, name, err)

		case Retry:
			s.retries++
			ev.Attempt = s.retries
			if s.retries > s.policy.MaxRetries {
				s.emit(ev)
				s.log.Error().Err(err).Str("backend", name).Int("max_retries", s.policy.MaxRetries).Msg("Giving up on capture backend")
				return fmt.Errorf("%w (%d attempts): %w", ErrMaxRetries, s.policy.MaxRetries, err)
			}
			ev.Delay = s.policy.Backoff(s.retries)
			s.emit(ev)
			s.log.Warn().
				Err(err).
				Str("backend", name).
				Int("attempt", s.retries).
				Int("max_retries", s.policy.MaxRetries).
				Dur("delay", ev.Delay).
				Msg("Retrying capture session")
			if err := s.sleep(ctx, ev.Delay); err != nil {
				return nil
			}
		}
	}
}

func (s *Supervisor) emit(ev Event) {
	s.mu.Lock()
	handlers := append([]func(Event){}, s.handlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
