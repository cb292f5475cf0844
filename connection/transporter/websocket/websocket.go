/*
The Websocket package establishes and ferries raw bytes across the underlying websocket
connection. In terms of the overall connection layer architecture, this package is
at the lowest layer, providing the raw bytes to the message codec for it to parse and
handle.
*/

package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"commxr.com/rtclient/connection/transporter"
	"commxr.com/rtclient/logger"
	gorilla "github.com/gorilla/websocket"
	"gopkg.in/tomb.v2"
)

const (
	inboundBufferSize = 200
	closeGracePeriod  = time.Second
)

type Websocket struct {
	tmb    tomb.Tomb
	logger *logger.Logger
	client *gorilla.Conn

	dialer       *gorilla.Dialer
	writeTimeout time.Duration

	// gorilla allows a single concurrent writer
	writeMu sync.Mutex

	// Received messages, closed when the receive loop exits
	inbound chan []byte
}

func New(logger *logger.Logger, handshakeTimeout time.Duration, writeTimeout time.Duration) transporter.Transporter {
	return &Websocket{
		logger: logger,
		dialer: &gorilla.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		writeTimeout: writeTimeout,
		inbound:      make(chan []byte, inboundBufferSize),
	}
}

// Close is a no-op on a websocket that was never successfully dialed
func (w *Websocket) Close(reason error) {
	if w.client == nil {
		w.logger.Debugf("Close was called on a websocket that never connected")
		return
	} else if !w.tmb.Alive() {
		w.logger.Debugf("Close was called while in a dying state")
		return
	}

	w.logger.Infof("Websocket connection closing because: %s", reason)

	// kill first so the receive loop knows the read error that follows is ours
	w.tmb.Kill(reason)

	closeFrame := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
	if err := w.client.WriteControl(gorilla.CloseMessage, closeFrame, time.Now().Add(closeGracePeriod)); err != nil {
		w.logger.Debugf("failed to send close frame: %s", err)
	}
	w.client.Close()

	w.tmb.Wait()
}

func (w *Websocket) Done() <-chan struct{} {
	return w.tmb.Dead()
}

func (w *Websocket) Err() error {
	return w.tmb.Err()
}

func (w *Websocket) Inbound() <-chan []byte {
	return w.inbound
}

func (w *Websocket) Send(message []byte) error {
	if w.client == nil {
		return fmt.Errorf("cannot send message because websocket is not connected")
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.writeTimeout > 0 {
		w.client.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	if err := w.client.WriteMessage(gorilla.TextMessage, message); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	return nil
}

func (w *Websocket) Dial(connUrl *url.URL, headers http.Header, ctx context.Context) (err error) {
	if w.client != nil {
		return fmt.Errorf("websocket has already been dialed")
	}

	// the query carries the session token so it stays out of the logs
	w.logger.Infof("Dialing websocket at %s://%s%s", connUrl.Scheme, connUrl.Host, connUrl.Path)

	// Try to connect websocket once
	client, resp, err := w.dialer.DialContext(ctx, connUrl.String(), headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("error dialing websocket, server responded %s: %w", resp.Status, err)
		}
		return fmt.Errorf("error dialing websocket: %w", err)
	}
	w.client = client

	w.tmb.Go(w.receive)

	return nil
}

func (w *Websocket) receive() error {
	defer close(w.inbound)
	defer w.logger.Infof("Websocket connection closed")
	w.logger.Infof("Websocket connection started")

	for {
		// Read incoming message
		if _, rawMessage, err := w.client.ReadMessage(); !w.tmb.Alive() {
			return nil
		} else if err != nil {
			var closeErr *gorilla.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Code == gorilla.CloseNormalClosure {
					w.logger.Info("Websocket connection closed normally")
				} else {
					w.logger.Infof("Websocket connection closed by server with code %d: %s", closeErr.Code, closeErr.Text)
				}
				return &transporter.ClosedError{Code: closeErr.Code, Text: closeErr.Text}
			}

			w.logger.Error(err)
			return err
		} else {
			select {
			case w.inbound <- rawMessage:
			case <-w.tmb.Dying():
				return nil
			}
		}
	}
}
