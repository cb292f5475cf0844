/*
This package covers the realtime session connection. It plays the role of our connection
manager: it owns the one live transport, runs the connection state machine, keeps the
connection honest with heartbeats and recovers it with backoff when it drops.

Layers of the connection architecture:
1. Transporter
2. Message codec
3. Connection Manager <- this is us

Every state transition happens on a single event loop goroutine. Observers are notified, in
transition order, from the dispatcher goroutine and never from the goroutine that read the
bytes off the wire.
*/
package realtimeconnection

import (
	"fmt"
	"sync"

	"commxr.com/rtclient/connection"
	"commxr.com/rtclient/connection/dispatcher"
	"commxr.com/rtclient/connection/heartbeat"
	"commxr.com/rtclient/connection/message"
	"commxr.com/rtclient/connection/reconnect"
	"commxr.com/rtclient/connection/transporter"
	"commxr.com/rtclient/connection/transporter/websocket"
	"commxr.com/rtclient/logger"
	"commxr.com/rtclient/telemetry/connectionstats"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"
)

// Session identifies one logical realtime session. The token is opaque and may be empty.
type Session struct {
	Id    string
	Token string
}

// hides the token from logs
func (s Session) String() string {
	return s.Id
}

type subscription struct {
	id       string
	observer connection.Observer
}

// what Send and the getters are allowed to see, replaced wholesale by the event loop
type snapshot struct {
	state     connection.State
	session   Session
	transport transporter.Transporter
	monitor   *heartbeat.Monitor
	gen       uint64
	attempts  int
}

type RealtimeConnection struct {
	tmb    tomb.Tomb
	logger *logger.Logger
	clock  clock.Clock
	config Config

	newTransport transporter.Factory
	dispatcher   *dispatcher.Dispatcher
	stats        *connectionstats.Stats
	limiter      *rate.Limiter

	// Requests into the event loop
	events chan interface{}

	// Owned by the event loop goroutine
	state      connection.State
	session    Session
	epoch      uint64 // bumped by every Connect and Disconnect
	gen        uint64 // bumped by every adopted transport
	attempts   int
	transport  transporter.Transporter
	monitor    *heartbeat.Monitor
	scheduler  *reconnect.Scheduler
	cancelDial func()

	liveMu sync.RWMutex
	live   snapshot

	// Only touched from dispatcher tasks
	observers []subscription

	closeOnce sync.Once
}

var _ connection.Connection = (*RealtimeConnection)(nil)

func New(logger *logger.Logger, config Config, options ...Option) (*RealtimeConnection, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid realtime connection config: %w", err)
	}

	c := &RealtimeConnection{
		logger: logger,
		clock:  clock.New(),
		config: config,
		events: make(chan interface{}),
		state:  connection.State{Kind: connection.Disconnected},
	}

	for _, option := range options {
		option(c)
	}

	if c.newTransport == nil {
		wsLogger := logger.GetComponentLogger("Websocket")
		c.newTransport = func() transporter.Transporter {
			return websocket.New(wsLogger, config.HandshakeTimeout, config.WriteTimeout)
		}
	}

	if c.stats == nil {
		c.stats = connectionstats.New(c.clock, c.tmb.Dead())
	}

	if config.AnalysisRatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.AnalysisRatePerSecond), config.AnalysisBurst)
	}

	c.dispatcher = dispatcher.New(logger.GetComponentLogger("Dispatcher"))
	c.publish()

	c.tmb.Go(c.run)

	return c, nil
}

// Connect starts a new session and returns without waiting for the connection to open;
// progress is reported through state changes. It does nothing and returns
// ErrAlreadyConnected while a connection is being opened or is open.
func (c *RealtimeConnection) Connect(sessionId string, token string) error {
	if sessionId == "" {
		return fmt.Errorf("cannot connect without a session id")
	}

	reply := make(chan error, 1)
	if !c.post(nil, connectRequest{session: Session{Id: sessionId, Token: token}, reply: reply}) {
		return connection.ErrClosed
	}

	select {
	case err := <-reply:
		return err
	case <-c.tmb.Dead():
		return connection.ErrClosed
	}
}

// Disconnect closes the transport and cancels every heartbeat and reconnect timer before it
// returns. It is safe to call repeatedly, from any state and from inside an observer.
func (c *RealtimeConnection) Disconnect() {
	reply := make(chan struct{})
	if !c.post(nil, disconnectRequest{reply: reply}) {
		return
	}

	select {
	case <-reply:
	case <-c.tmb.Dead():
	}
}

// Close disconnects and permanently shuts the connection down. Notifications already queued
// are still delivered; wait on Done for them to finish.
func (c *RealtimeConnection) Close() error {
	err := connection.ErrClosed
	c.closeOnce.Do(func() {
		err = nil

		c.Disconnect()
		c.tmb.Kill(nil)
		c.tmb.Wait()

		c.dispatcher.Close()
	})
	return err
}

// Done is closed once the connection has been closed and every notification delivered
func (c *RealtimeConnection) Done() <-chan struct{} {
	return c.dispatcher.Done()
}

// Send hands an outbound message to the transport. It fails with ErrNotConnected unless the
// connection is Connected and never waits on the event loop.
func (c *RealtimeConnection) Send(msg message.Message) error {
	if !c.tmb.Alive() {
		return connection.ErrClosed
	}

	if !msg.MessageType().IsOutbound() {
		return fmt.Errorf("%s messages cannot be sent by a client", msg.MessageType())
	}

	current := c.snapshot()
	if current.state.Kind != connection.Connected || current.transport == nil {
		c.logger.Debugf("Not sending %s message while %s", msg.MessageType(), current.state.Kind)
		return connection.ErrNotConnected
	}

	if request, ok := msg.(message.AnalysisRequest); ok {
		if err := request.Validate(); err != nil {
			return err
		}
		if c.limiter != nil && !c.limiter.Allow() {
			return connection.ErrRateLimited
		}
	}

	if err := c.sendOn(current.transport, msg); err != nil {
		// a failed write means the transport is broken, closing it lets the watcher report it
		go current.transport.Close(err)
		return err
	}
	return nil
}

// SendAnalysisRequest stamps the scores with the current session and time. Audio is optional.
func (c *RealtimeConnection) SendAnalysisRequest(scores message.EmotionScores, audio *message.Audio) error {
	request := message.AnalysisRequest{
		SessionId:     c.snapshot().session.Id,
		Timestamp:     c.clock.Now().UTC(),
		EmotionScores: scores.Copy(),
	}

	if audio != nil {
		data, format := audio.Data, audio.Format
		request.AudioData = &data
		request.AudioFormat = &format
	}

	return c.Send(request)
}

func (c *RealtimeConnection) SendReset() error {
	return c.Send(message.Reset{})
}

func (c *RealtimeConnection) SendErrorReport(report string) error {
	return c.Send(message.ErrorReport{Message: report})
}

func (c *RealtimeConnection) State() connection.State {
	return c.snapshot().state
}

func (c *RealtimeConnection) Session() Session {
	return c.snapshot().session
}

// ReconnectAttempts is the attempt currently being waited out or tried, zero unless Reconnecting
func (c *RealtimeConnection) ReconnectAttempts() int {
	return c.snapshot().attempts
}

func (c *RealtimeConnection) Stats() connectionstats.Digest {
	return c.stats.Digest()
}

// Subscribe registers an observer for every state change and inbound message that happens
// after the call
func (c *RealtimeConnection) Subscribe(observer connection.Observer) string {
	id := uuid.New().String()
	c.dispatcher.Dispatch(func() {
		c.observers = append(c.observers, subscription{id: id, observer: observer})
	})
	return id
}

func (c *RealtimeConnection) Unsubscribe(id string) {
	c.dispatcher.Dispatch(func() {
		for i, sub := range c.observers {
			if sub.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	})
}

func (c *RealtimeConnection) snapshot() snapshot {
	c.liveMu.RLock()
	defer c.liveMu.RUnlock()
	return c.live
}

func (c *RealtimeConnection) publish() {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()

	c.live = snapshot{
		state:     c.state,
		session:   c.session,
		transport: c.transport,
		monitor:   c.monitor,
		gen:       c.gen,
		attempts:  c.attempts,
	}
}

func (c *RealtimeConnection) sendOn(t transporter.Transporter, msg message.Message) error {
	raw, err := message.Encode(msg)
	if err != nil {
		return err
	}

	if err := t.Send(raw); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.MessageType(), err)
	}

	c.stats.ObserveOutbound(len(raw))
	c.logger.Tracef("Sent %s message", msg.MessageType())
	return nil
}

// each observer runs on its own so one that panics can't starve the rest
func (c *RealtimeConnection) forEachObserver(call func(connection.Observer)) {
	for _, sub := range c.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Errorf("Observer %s panicked: %v", sub.id, r)
				}
			}()
			call(sub.observer)
		}()
	}
}
