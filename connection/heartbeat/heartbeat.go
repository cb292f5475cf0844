/*
Package heartbeat keeps a connection honest. While running, the monitor sends a liveness probe
on every interval tick and signals a timeout once a probe has gone unanswered for longer than
the configured timeout. It never touches the connection itself; the owner watches TimedOut and
decides what to do.
*/
package heartbeat

import (
	"fmt"
	"sync"
	"time"

	"commxr.com/rtclient/logger"
	"github.com/benbjohnson/clock"
	"gopkg.in/tomb.v2"
)

type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no heartbeat response within %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return nil }

// Record is a snapshot of the probe bookkeeping
type Record struct {
	LastProbeSentAt  time.Time
	AwaitingResponse bool
}

type Monitor struct {
	tmb    tomb.Tomb
	logger *logger.Logger
	clock  clock.Clock

	interval  time.Duration
	timeout   time.Duration
	sendProbe func() error

	timedOut chan struct{}

	// guards lifecycle and record
	mu      sync.Mutex
	started bool
	stopped bool
	record  Record

	// when the oldest unanswered probe went out
	awaitingSince time.Time
}

func New(logger *logger.Logger, clock clock.Clock, interval time.Duration, timeout time.Duration, sendProbe func() error) *Monitor {
	return &Monitor{
		logger:    logger,
		clock:     clock,
		interval:  interval,
		timeout:   timeout,
		sendProbe: sendProbe,
		timedOut:  make(chan struct{}),
	}
}

// Start begins the probe cycle. The ticker exists by the time Start returns so that the first
// tick is exactly one interval away.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.stopped {
		return
	}
	m.started = true
	m.record = Record{}

	ticker := m.clock.Ticker(m.interval)
	m.tmb.Go(func() error {
		defer ticker.Stop()
		return m.run(ticker)
	})
}

// Stop cancels the probe cycle. Once Stop returns no further probe is sent and TimedOut will
// not close if it has not already.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	if started {
		m.tmb.Kill(nil)
		m.tmb.Wait()
	}
}

// Ack records the response to the outstanding probe
func (m *Monitor) Ack() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record.AwaitingResponse {
		m.logger.Tracef("Heartbeat answered after %s", m.clock.Since(m.record.LastProbeSentAt))
	}
	m.record.AwaitingResponse = false
}

// TimedOut is closed once when a probe goes unanswered past the timeout
func (m *Monitor) TimedOut() <-chan struct{} {
	return m.timedOut
}

func (m *Monitor) Record() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

func (m *Monitor) Err() error {
	select {
	case <-m.timedOut:
		return &TimeoutError{Timeout: m.timeout}
	default:
		return nil
	}
}

func (m *Monitor) run(ticker *clock.Ticker) error {
	for {
		select {
		case <-m.tmb.Dying():
			return nil
		case <-ticker.C:
			if !m.tmb.Alive() {
				return nil
			}

			if m.expired() {
				m.logger.Errorf("Heartbeat timed out, no response for %s", m.timeout)
				close(m.timedOut)
				return nil
			}

			m.probe()
		}
	}
}

func (m *Monitor) expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.record.AwaitingResponse && m.clock.Since(m.awaitingSince) >= m.timeout
}

// the record is updated before sending so a fast response can't be overwritten
func (m *Monitor) probe() {
	m.mu.Lock()
	now := m.clock.Now()
	if !m.record.AwaitingResponse {
		m.awaitingSince = now
	}
	m.record.AwaitingResponse = true
	m.record.LastProbeSentAt = now
	m.mu.Unlock()

	if err := m.sendProbe(); err != nil {
		m.logger.Errorf("failed to send heartbeat probe: %s", err)
	}
}
