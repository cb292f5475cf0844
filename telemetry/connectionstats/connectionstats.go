package connectionstats

import (
	"sync/atomic"

	"commxr.com/rtclient/telemetry/throughput"
	"github.com/benbjohnson/clock"
)

type Digest struct {
	InboundMessages  throughput.Window `json:"inboundMessages"`
	OutboundMessages throughput.Window `json:"outboundMessages"`
	InboundBytes     throughput.Window `json:"inboundBytes"`
	OutboundBytes    throughput.Window `json:"outboundBytes"`

	ReconnectSequences int64 `json:"reconnectSequences"`
	HeartbeatTimeouts  int64 `json:"heartbeatTimeouts"`
	DroppedMessages    int64 `json:"droppedMessages"`
}

type Stats struct {
	inboundMessages  *throughput.Throughput
	outboundMessages *throughput.Throughput
	inboundBytes     *throughput.Throughput
	outboundBytes    *throughput.Throughput

	reconnectSequences atomic.Int64
	heartbeatTimeouts  atomic.Int64
	droppedMessages    atomic.Int64
}

func New(clock clock.Clock, done <-chan struct{}) *Stats {
	return &Stats{
		inboundMessages:  throughput.New("messages", clock, done),
		outboundMessages: throughput.New("messages", clock, done),
		inboundBytes:     throughput.New("bytes", clock, done),
		outboundBytes:    throughput.New("bytes", clock, done),
	}
}

// Observe a frame received from the server
func (s *Stats) ObserveInbound(bytes int) {
	s.inboundMessages.Observe(1)
	s.inboundBytes.Observe(bytes)
}

// Observe a frame handed to the transport
func (s *Stats) ObserveOutbound(bytes int) {
	s.outboundMessages.Observe(1)
	s.outboundBytes.Observe(bytes)
}

func (s *Stats) ObserveReconnectSequence() {
	s.reconnectSequences.Add(1)
}

func (s *Stats) ObserveHeartbeatTimeout() {
	s.heartbeatTimeouts.Add(1)
}

// Observe an inbound frame that was unknown or malformed
func (s *Stats) ObserveDropped() {
	s.droppedMessages.Add(1)
}

// this resets the throughput windows, the counters keep their totals
func (s *Stats) ResetThroughputWindow() {
	s.inboundMessages.Reset()
	s.outboundMessages.Reset()
	s.inboundBytes.Reset()
	s.outboundBytes.Reset()
}

func (s *Stats) Digest() Digest {
	return Digest{
		InboundMessages:    s.inboundMessages.Snapshot(),
		OutboundMessages:   s.outboundMessages.Snapshot(),
		InboundBytes:       s.inboundBytes.Snapshot(),
		OutboundBytes:      s.outboundBytes.Snapshot(),
		ReconnectSequences: s.reconnectSequences.Load(),
		HeartbeatTimeouts:  s.heartbeatTimeouts.Load(),
		DroppedMessages:    s.droppedMessages.Load(),
	}
}
