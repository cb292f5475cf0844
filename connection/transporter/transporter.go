package transporter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// A Transporter moves raw frames over one underlying connection. It is dialed at most once;
// reconnecting means building a new one. Once dialed, Inbound is closed when the receive side
// stops, after which Done closes and Err reports why. Closing a transport that never dialed
// successfully does nothing.
type Transporter interface {
	Done() <-chan struct{}
	Err() error
	Inbound() <-chan []byte
	Dial(connUrl *url.URL, headers http.Header, ctx context.Context) (err error)
	Send(message []byte) error
	Close(reason error)
}

// Factory builds a fresh, undialed transport
type Factory func() Transporter

// ClosedError is returned when the remote end closes the connection with a close frame
type ClosedError struct {
	Code int
	Text string
}

func (e *ClosedError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("connection closed by server with code %d", e.Code)
	}
	return fmt.Sprintf("connection closed by server with code %d: %s", e.Code, e.Text)
}

func (e *ClosedError) Unwrap() error { return nil }
