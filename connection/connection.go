/*
Package connection defines the contract of a persistent realtime session connection. The
layers underneath live in sub-packages: the transporter moves raw bytes, the message package
encodes and decodes the typed protocol, the heartbeat and reconnect packages own the liveness
and recovery timers, and realtimeconnection ties all of them into one state machine.
*/
package connection

import (
	"errors"
	"fmt"
	"time"

	"commxr.com/rtclient/connection/message"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("connection is already connecting or connected")
	ErrClosed           = errors.New("connection has been closed")
	ErrRateLimited      = errors.New("analysis request rate limit exceeded")
)

type Connection interface {
	Connect(sessionId string, token string) error
	Disconnect()
	Send(msg message.Message) error
	State() State
	Subscribe(observer Observer) (id string)
	Unsubscribe(id string)
	Close() error
}

type StateKind int

const (
	Disconnected StateKind = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// State is a value snapshot of the connection state. Attempt and NextDelay are only set while
// Reconnecting and Reason is only set when Failed.
type State struct {
	Kind      StateKind
	Attempt   int
	NextDelay time.Duration
	Reason    string
}

func (s State) String() string {
	switch s.Kind {
	case Reconnecting:
		return fmt.Sprintf("Reconnecting{attempt: %d, nextDelay: %s}", s.Attempt, s.NextDelay)
	case Failed:
		return fmt.Sprintf("Failed{reason: %s}", s.Reason)
	default:
		return s.Kind.String()
	}
}

type StateChange struct {
	Previous State
	Current  State
	At       time.Time
}

// Observer callbacks are always invoked from the connection's single dispatch goroutine, in
// the order the events occurred. A panicking observer does not affect the others.
type Observer interface {
	OnStateChange(change StateChange)
	OnMessage(msg message.Message)
}

// ObserverFuncs lets callers subscribe with plain functions, either of which may be nil
type ObserverFuncs struct {
	StateChange func(change StateChange)
	Message     func(msg message.Message)
}

func (o ObserverFuncs) OnStateChange(change StateChange) {
	if o.StateChange != nil {
		o.StateChange(change)
	}
}

func (o ObserverFuncs) OnMessage(msg message.Message) {
	if o.Message != nil {
		o.Message(msg)
	}
}
