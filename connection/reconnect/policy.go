package reconnect

import (
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 32 * time.Second
	DefaultMaxAttempts = 5
	DefaultGraceWindow = 5 * time.Second
)

type Policy struct {
	// Delay before the first attempt, doubled for every attempt after that
	BaseDelay time.Duration

	// Ceiling for any single delay
	MaxDelay time.Duration

	// Number of attempts before giving up, zero disables reconnecting entirely
	MaxAttempts int

	// How long a single attempt may take to produce a connection before it is abandoned,
	// zero means attempts are never cut short
	GraceWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
		GraceWindow: DefaultGraceWindow,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.BaseDelay <= 0:
		return fmt.Errorf("reconnect base delay must be positive, got %s", p.BaseDelay)
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("reconnect max delay %s is shorter than the base delay %s", p.MaxDelay, p.BaseDelay)
	case p.MaxAttempts < 0:
		return fmt.Errorf("reconnect max attempts cannot be negative, got %d", p.MaxAttempts)
	case p.GraceWindow < 0:
		return fmt.Errorf("reconnect grace window cannot be negative, got %s", p.GraceWindow)
	}
	return nil
}

// Delay is the wait before the given 1-indexed attempt: min(base * 2^(attempt-1), max)
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		// doubling past the ceiling, or past what a Duration can hold, stays at the ceiling
		if delay >= p.MaxDelay || delay > p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}

	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// backOff produces the same sequence as Delay, ending with backoff.Stop after MaxAttempts
func (p Policy) backOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithMaxRetries(exp, uint64(p.MaxAttempts))
}
