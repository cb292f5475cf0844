package realtimeconnection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"commxr.com/rtclient/connection"
	"commxr.com/rtclient/connection/heartbeat"
	"commxr.com/rtclient/connection/message"
	"commxr.com/rtclient/connection/reconnect"
	"commxr.com/rtclient/connection/transporter"
)

var (
	errDisconnected = errors.New("disconnect requested")
	errNewSession   = errors.New("a new session was started")
	errStale        = errors.New("connection is no longer wanted")
	errShutdown     = errors.New("connection manager is shutting down")
)

type connectRequest struct {
	session Session
	reply   chan error
}

type disconnectRequest struct {
	reply chan struct{}
}

// the outcome of the dial started by Connect
type dialResult struct {
	epoch     uint64
	transport transporter.Transporter
	err       error
}

// a reconnect attempt produced an open transport and asks to have it adopted
type adoptRequest struct {
	scheduler *reconnect.Scheduler
	transport transporter.Transporter
	reply     chan bool
}

type transportClosed struct {
	gen uint64
	err error
}

type reconnectWaiting struct {
	scheduler *reconnect.Scheduler
	attempt   int
	delay     time.Duration
}

// post hands an event to the loop, giving up if ctx ends or the connection is closing. A nil
// ctx only gives up on close.
func (c *RealtimeConnection) post(ctx context.Context, event interface{}) bool {
	var cancelled <-chan struct{}
	if ctx != nil {
		cancelled = ctx.Done()
	}

	select {
	case c.events <- event:
		return true
	case <-cancelled:
		return false
	case <-c.tmb.Dying():
		return false
	}
}

func (c *RealtimeConnection) run() error {
	c.logger.Infof("Connection has started")
	defer c.logger.Infof("Connection has stopped")

	for {
		// nil channels are never selected, so these only fire while there is something to watch
		var timedOut <-chan struct{}
		if c.monitor != nil {
			timedOut = c.monitor.TimedOut()
		}
		var schedulerDone <-chan struct{}
		if c.scheduler != nil {
			schedulerDone = c.scheduler.Done()
		}

		select {
		case <-c.tmb.Dying():
			c.teardown(errShutdown)
			c.setState(connection.State{Kind: connection.Disconnected})
			return nil
		case event := <-c.events:
			c.handle(event)
		case <-timedOut:
			c.stats.ObserveHeartbeatTimeout()
			c.startReconnect(c.monitor.Err())
		case <-schedulerDone:
			err := c.scheduler.Err()
			c.scheduler = nil
			if err != nil {
				c.fail(err.Error())
			}
		}
	}
}

func (c *RealtimeConnection) handle(event interface{}) {
	switch ev := event.(type) {
	case connectRequest:
		c.handleConnect(ev)
	case disconnectRequest:
		c.epoch++
		c.teardown(errDisconnected)
		c.setState(connection.State{Kind: connection.Disconnected})
		close(ev.reply)
	case dialResult:
		c.handleDialResult(ev)
	case adoptRequest:
		c.handleAdopt(ev)
	case transportClosed:
		c.handleTransportClosed(ev)
	case reconnectWaiting:
		if ev.scheduler != c.scheduler || c.state.Kind != connection.Reconnecting {
			return
		}
		c.attempts = ev.attempt
		c.setState(connection.State{Kind: connection.Reconnecting, Attempt: ev.attempt, NextDelay: ev.delay})
	default:
		c.logger.Errorf("Unhandled connection event: %T", event)
	}
}

func (c *RealtimeConnection) handleConnect(ev connectRequest) {
	switch c.state.Kind {
	case connection.Connecting, connection.Connected:
		c.logger.Infof("Ignoring connect for session %s while %s", ev.session, c.state.Kind)
		ev.reply <- connection.ErrAlreadyConnected
		return
	}

	c.epoch++
	c.teardown(errNewSession)

	c.session = ev.session
	c.setState(connection.State{Kind: connection.Connecting})
	c.logger.Infof("Connecting session %s", ev.session)

	ctx, cancel := context.WithCancel(c.tmb.Context(nil))
	c.cancelDial = cancel

	epoch, session := c.epoch, c.session
	c.tmb.Go(func() error {
		t, err := c.dial(ctx, session)
		if !c.post(ctx, dialResult{epoch: epoch, transport: t, err: err}) && t != nil {
			t.Close(errStale)
		}
		return nil
	})

	ev.reply <- nil
}

func (c *RealtimeConnection) handleDialResult(ev dialResult) {
	if ev.epoch != c.epoch || c.state.Kind != connection.Connecting {
		if ev.transport != nil {
			ev.transport.Close(errStale)
		}
		return
	}
	c.cancelPendingDial()

	if ev.err != nil {
		c.logger.Errorf("Failed to open connection: %s", ev.err)
		c.startReconnect(ev.err)
		return
	}

	c.adopt(ev.transport)
}

func (c *RealtimeConnection) handleAdopt(ev adoptRequest) {
	if ev.scheduler != c.scheduler || c.state.Kind != connection.Reconnecting {
		ev.reply <- false
		ev.transport.Close(errStale)
		return
	}

	// the attempt only returns once it has its answer, so stopping here can't deadlock
	ev.reply <- true
	c.stopScheduler()
	c.adopt(ev.transport)
}

func (c *RealtimeConnection) handleTransportClosed(ev transportClosed) {
	if ev.gen != c.gen || c.transport == nil {
		return
	}

	cause := ev.err
	if cause == nil {
		cause = errors.New("connection closed")
	}

	var closedErr *transporter.ClosedError
	if errors.As(cause, &closedErr) && c.config.isFatal(closedErr.Code) {
		c.logger.Errorf("Server ended the session: %s", cause)
		c.fail(cause.Error())
		return
	}

	c.startReconnect(cause)
}

// adopt makes t the live transport and starts watching it
func (c *RealtimeConnection) adopt(t transporter.Transporter) {
	c.gen++
	gen := c.gen

	c.transport = t
	c.attempts = 0
	c.monitor = heartbeat.New(
		c.logger.GetComponentLogger("Heartbeat"),
		c.clock,
		c.config.HeartbeatInterval,
		c.config.HeartbeatTimeout,
		func() error { return c.sendOn(t, message.Ping{}) },
	)

	c.setState(connection.State{Kind: connection.Connected})
	c.logger.Infof("Connected session %s", c.session)

	c.monitor.Start()
	c.tmb.Go(func() error {
		c.watch(gen, t)
		return nil
	})
}

// watch moves inbound frames onto the dispatcher in arrival order and reports when the
// transport is gone. It only runs for an adopted transport, so every frame it reads was
// received on a live connection and is delivered even if that connection drops meanwhile.
func (c *RealtimeConnection) watch(gen uint64, t transporter.Transporter) {
	for raw := range t.Inbound() {
		c.stats.ObserveInbound(len(raw))

		msg, ok := c.decode(raw)
		if !ok {
			continue
		}

		if _, ok := msg.(message.Pong); ok {
			c.ack(gen)
		}

		c.dispatcher.Dispatch(func() {
			c.deliver(msg)
		})
	}

	select {
	case <-t.Done():
	case <-c.tmb.Dying():
		return
	}

	c.post(nil, transportClosed{gen: gen, err: t.Err()})
}

func (c *RealtimeConnection) decode(raw []byte) (message.Message, bool) {
	msg, err := message.Decode(raw)
	if err != nil {
		c.stats.ObserveDropped()

		var unknown *message.UnknownTypeError
		if errors.As(err, &unknown) {
			c.logger.Warnf("Ignoring message: %s", err)
		} else {
			c.logger.Errorf("Dropping message: %s", err)
		}
		return nil, false
	}
	return msg, true
}

// a late PONG from a replaced transport says nothing about the current one
func (c *RealtimeConnection) ack(gen uint64) {
	current := c.snapshot()
	if current.gen == gen && current.monitor != nil {
		current.monitor.Ack()
	}
}

// deliver runs on the dispatcher
func (c *RealtimeConnection) deliver(msg message.Message) {
	if serverErr, ok := msg.(message.ServerError); ok {
		c.logger.Errorf("Server reported an error: %s", serverErr.Message)
	}

	c.forEachObserver(func(o connection.Observer) {
		o.OnMessage(msg)
	})
}

func (c *RealtimeConnection) dial(ctx context.Context, session Session) (transporter.Transporter, error) {
	connUrl, err := RealtimeURL(c.config.BaseURL, session.Id, session.Token)
	if err != nil {
		return nil, err
	}

	t := c.newTransport()
	if err := t.Dial(connUrl, http.Header{}, ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// startReconnect drops whatever is live and hands over to a new scheduler, or fails outright
// when reconnecting is disabled
func (c *RealtimeConnection) startReconnect(cause error) {
	c.teardown(cause)

	policy := c.config.Reconnect
	if policy.MaxAttempts == 0 {
		c.fail(fmt.Sprintf("connection lost and reconnecting is disabled: %s", cause))
		return
	}

	c.logger.Infof("Lost connection, reconnecting: %s", cause)
	c.stats.ObserveReconnectSequence()

	c.attempts = 1
	c.setState(connection.State{Kind: connection.Reconnecting, Attempt: 1, NextDelay: policy.Delay(1)})

	session := c.session
	var scheduler *reconnect.Scheduler
	scheduler = reconnect.New(
		c.logger.GetComponentLogger("Reconnect"),
		c.clock,
		policy,
		func(ctx context.Context, attempt int, delay time.Duration) {
			c.post(ctx, reconnectWaiting{scheduler: scheduler, attempt: attempt, delay: delay})
		},
		func(ctx context.Context, attempt int) error {
			return c.reattach(ctx, scheduler, session)
		},
	)

	c.scheduler = scheduler
	scheduler.Start()
}

// reattach is one reconnect attempt, it runs on the scheduler's goroutine
func (c *RealtimeConnection) reattach(ctx context.Context, scheduler *reconnect.Scheduler, session Session) error {
	t, err := c.dial(ctx, session)
	if err != nil {
		return err
	}

	reply := make(chan bool, 1)
	if !c.post(ctx, adoptRequest{scheduler: scheduler, transport: t, reply: reply}) {
		t.Close(errStale)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errShutdown
	}

	if !<-reply {
		return errStale
	}
	return nil
}

func (c *RealtimeConnection) fail(reason string) {
	c.teardown(errors.New(reason))
	c.setState(connection.State{Kind: connection.Failed, Reason: reason})
}

// teardown stops everything tied to the current connection. Every step waits, so nothing
// started here fires once it returns.
func (c *RealtimeConnection) teardown(reason error) {
	c.cancelPendingDial()
	c.stopScheduler()
	c.stopMonitor()
	c.closeTransport(reason)
	c.attempts = 0
}

// a probe that can't be written means the transport is broken, closing it lets the watcher
// report the loss instead of waiting out the heartbeat timeout
func (c *RealtimeConnection) probe(t transporter.Transporter) error {
	err := c.sendOn(t, message.Ping{})
	if err != nil {
		go t.Close(err)
	}
	return err
}

func (c *RealtimeConnection) cancelPendingDial() {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
}

func (c *RealtimeConnection) stopScheduler() {
	if c.scheduler != nil {
		c.scheduler.Stop()
		c.scheduler = nil
	}
}

func (c *RealtimeConnection) stopMonitor() {
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}
}

func (c *RealtimeConnection) closeTransport(reason error) {
	if c.transport != nil {
		c.transport.Close(reason)
		c.transport = nil
	}
}

// setState publishes the snapshot and, if the state actually changed, queues the notification
func (c *RealtimeConnection) setState(next connection.State) {
	previous := c.state
	c.state = next
	c.publish()

	if previous == next {
		return
	}

	change := connection.StateChange{
		Previous: previous,
		Current:  next,
		At:       c.clock.Now(),
	}
	c.logger.Infof("Connection state %s -> %s", previous, next)

	c.dispatcher.Dispatch(func() {
		c.forEachObserver(func(o connection.Observer) {
			o.OnStateChange(change)
		})
	})
}
