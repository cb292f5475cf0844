/*
Package reconnect drives the recovery of a dropped connection. A Scheduler waits out an
exponentially growing delay and then runs the connect step, over and over, until the step
succeeds, the scheduler is stopped, or the policy runs out of attempts.
*/
package reconnect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"commxr.com/rtclient/logger"
	"github.com/benbjohnson/clock"
	backoff "github.com/cenkalti/backoff/v4"
	"gopkg.in/tomb.v2"
)

type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("gave up reconnecting after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("gave up reconnecting after %d attempts: %s", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// NotifyFunc is called right before the scheduler starts waiting out the delay of an attempt
type NotifyFunc func(ctx context.Context, attempt int, delay time.Duration)

// ConnectFunc performs one attempt. A nil return means the connection is established and
// owned by the caller. The context is cancelled when the scheduler is stopped or when the
// attempt outlives the grace window.
type ConnectFunc func(ctx context.Context, attempt int) error

type Scheduler struct {
	tmb    tomb.Tomb
	logger *logger.Logger
	clock  clock.Clock

	policy  Policy
	notify  NotifyFunc
	connect ConnectFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

func New(logger *logger.Logger, clock clock.Clock, policy Policy, notify NotifyFunc, connect ConnectFunc) *Scheduler {
	return &Scheduler{
		logger:  logger,
		clock:   clock,
		policy:  policy,
		notify:  notify,
		connect: connect,
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true

	s.tmb.Go(s.run)
}

// Stop cancels the pending delay or attempt. When Stop returns no further attempt will run
// and no callback is executing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if started {
		s.tmb.Kill(nil)
		s.tmb.Wait()
	}
}

// Done is closed once a started scheduler has finished for any reason
func (s *Scheduler) Done() <-chan struct{} {
	return s.tmb.Dead()
}

// Err is an *ExhaustedError if the scheduler ran out of attempts, otherwise nil
func (s *Scheduler) Err() error {
	select {
	case <-s.tmb.Dead():
		return s.tmb.Err()
	default:
		return nil
	}
}

func (s *Scheduler) run() error {
	ctx := s.tmb.Context(nil)
	schedule := s.policy.backOff()

	var lastErr error
	for attempt := 1; ; attempt++ {
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			s.logger.Errorf("Giving up after %d reconnect attempts", attempt-1)
			return &ExhaustedError{Attempts: attempt - 1, LastErr: lastErr}
		}

		// the timer exists before anyone hears about the attempt
		timer := s.clock.Timer(delay)
		s.notify(ctx, attempt, delay)
		s.logger.Infof("Reconnect attempt %d in %s", attempt, delay)

		select {
		case <-s.tmb.Dying():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := s.attempt(ctx, attempt); err != nil {
			lastErr = err
			if !s.tmb.Alive() {
				return nil
			}
			s.logger.Infof("Reconnect attempt %d failed: %s", attempt, err)
		} else {
			s.logger.Infof("Reconnect attempt %d succeeded", attempt)
			return nil
		}
	}
}

func (s *Scheduler) attempt(ctx context.Context, attempt int) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var grace <-chan time.Time
	if s.policy.GraceWindow > 0 {
		timer := s.clock.Timer(s.policy.GraceWindow)
		defer timer.Stop()
		grace = timer.C
	}

	result := make(chan error, 1)
	s.tmb.Go(func() error {
		result <- s.connect(attemptCtx, attempt)
		return nil
	})

	select {
	case err := <-result:
		return err
	case <-grace:
		cancel()
		if err := <-result; err != nil {
			return fmt.Errorf("no connection within %s: %w", s.policy.GraceWindow, err)
		}
		// the attempt finished just as the window closed
		return nil
	}
}
