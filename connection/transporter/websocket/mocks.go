package websocket

import (
	"fmt"
	"net"
	"net/http"

	"commxr.com/rtclient/logger"
	gorilla "github.com/gorilla/websocket"
)

// MockWebsocketServer echoes every frame back and can close its connections with a code
type MockWebsocketServer struct {
	logger   *logger.Logger
	listener net.Listener

	Addr          string
	ReceivedBytes chan []byte

	// if set, the server closes every new connection with this code right after the upgrade
	CloseCode int
}

// Adapted from: https://golangdocs.com/golang-gorilla-websockets
func NewMockWebsocketServer(logger *logger.Logger) *MockWebsocketServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Errorf("failed to setup listener")
	}

	mockServer := &MockWebsocketServer{
		logger:        logger,
		listener:      listener,
		Addr:          fmt.Sprintf("ws://127.0.0.1:%d", listener.Addr().(*net.TCPAddr).Port),
		ReceivedBytes: make(chan []byte, 10),
	}

	go func() {
		http.Serve(mockServer.listener, mockServer)
	}()

	return mockServer
}

func (m *MockWebsocketServer) Shutdown() {
	m.listener.Close()
}

func (m *MockWebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := gorilla.Upgrader{}

	// Upgrade our raw HTTP connection to a websocket based one
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Errorf("Error during connection upgradation: %s", err)
		return
	}
	defer conn.Close()

	if m.CloseCode != 0 {
		conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(m.CloseCode, "going away"))
		return
	}

	// The event loop
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			m.logger.Debugf("Error during message reading: %s", err)
			break
		}

		m.ReceivedBytes <- message

		err = conn.WriteMessage(messageType, message)
		if err != nil {
			m.logger.Errorf("Error during message writing: %s", err)
			break
		}
	}
}
