package realtimeconnection

import (
	"commxr.com/rtclient/connection/transporter"
	"commxr.com/rtclient/telemetry/connectionstats"
	"github.com/benbjohnson/clock"
)

type Option func(*RealtimeConnection)

// WithClock replaces the wall clock that drives heartbeats, reconnect delays and timestamps
func WithClock(clock clock.Clock) Option {
	return func(c *RealtimeConnection) {
		c.clock = clock
	}
}

// WithTransportFactory replaces the websocket transport, a fresh transport is built per dial
func WithTransportFactory(factory transporter.Factory) Option {
	return func(c *RealtimeConnection) {
		c.newTransport = factory
	}
}

// WithStats shares a stats collector, e.g. across connections of one process
func WithStats(stats *connectionstats.Stats) Option {
	return func(c *RealtimeConnection) {
		c.stats = stats
	}
}
