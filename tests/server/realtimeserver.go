package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"commxr.com/rtclient/logger"
	"github.com/gorilla/websocket"
)

// RealtimeServer speaks the server side of the realtime protocol well enough to test against:
// it answers every client frame the way the real server does and can be told to go quiet,
// drop connections, or refuse sessions with a close code.
type RealtimeServer struct {
	logger *logger.Logger
	server *httptest.Server

	// ws:// url of the server root
	Url string

	// every frame a client sent, in arrival order
	Received chan []byte

	mu          sync.Mutex
	conns       map[*liveConn]struct{}
	silent      bool
	rejectCode  int
	connections int
	queries     []url.Values
}

type liveConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (l *liveConn) write(messageType int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return l.conn.WriteMessage(messageType, data)
}

func NewRealtimeServer(logger *logger.Logger) *RealtimeServer {
	r := &RealtimeServer{
		logger:   logger,
		Received: make(chan []byte, 100),
		conns:    map[*liveConn]struct{}{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/realtime", r.serve)
	r.server = httptest.NewServer(mux)
	r.Url = "ws" + strings.TrimPrefix(r.server.URL, "http")

	return r
}

func (r *RealtimeServer) serve(writer http.ResponseWriter, request *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		r.logger.Errorf("failed to upgrade websocket: %s", err)
		return
	}
	live := &liveConn{conn: conn}
	defer conn.Close()

	r.mu.Lock()
	r.connections++
	r.queries = append(r.queries, request.URL.Query())
	rejectCode := r.rejectCode
	if rejectCode == 0 {
		r.conns[live] = struct{}{}
	}
	r.mu.Unlock()

	// the server accepts first and then closes when it doesn't like the session
	if rejectCode != 0 {
		live.write(websocket.CloseMessage, websocket.FormatCloseMessage(rejectCode, "session rejected"))
		return
	}

	defer func() {
		r.mu.Lock()
		delete(r.conns, live)
		r.mu.Unlock()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debugf("stopped reading from websocket connection: %s", err)
			return
		}

		select {
		case r.Received <- raw:
		default:
		}

		if r.isSilent() {
			continue
		}

		if reply := r.answer(raw); reply != nil {
			if err := live.write(websocket.TextMessage, reply); err != nil {
				r.logger.Errorf("failed to write to websocket connection: %s", err)
				return
			}
		}
	}
}

func (r *RealtimeServer) answer(raw []byte) []byte {
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return errorFrame("Invalid JSON", nil)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	var reply interface{}
	switch frame.Type {
	case "PING":
		reply = map[string]string{"type": "PONG", "timestamp": timestamp}
	case "RESET":
		reply = map[string]string{"type": "RESET_ACK", "timestamp": timestamp}
	case "ERROR_REPORT":
		reply = map[string]string{"type": "ERROR_ACK", "timestamp": timestamp}
	case "ANALYSIS_REQUEST":
		reply = map[string]interface{}{
			"type":      "ANALYSIS_RESPONSE",
			"timestamp": timestamp,
			"emotion": map[string]interface{}{
				"primary_emotion": "happiness",
				"intensity":       "medium",
				"description":     "The other person seems pleased",
			},
			"suggestions": []map[string]string{
				{"text": "Keep going", "tone": "warm", "intent": "encourage"},
			},
			"situation_analysis": "A friendly conversation",
			"processing_time_ms": 12,
		}
	default:
		detail := frame.Type
		return errorFrame("Unsupported message type", &detail)
	}

	data, _ := json.Marshal(reply)
	return data
}

func errorFrame(message string, detail *string) []byte {
	frame := map[string]interface{}{
		"type":      "ERROR",
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if detail != nil {
		frame["detail"] = *detail
	}

	data, _ := json.Marshal(frame)
	return data
}

func (r *RealtimeServer) isSilent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.silent
}

// SetSilent stops the server from answering anything, heartbeats included
func (r *RealtimeServer) SetSilent(silent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silent = silent
}

// RejectWith makes every new connection close right after the upgrade, zero accepts again
func (r *RealtimeServer) RejectWith(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectCode = code
}

// Connections counts every upgrade the server has accepted, rejected ones included
func (r *RealtimeServer) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections
}

// Queries returns the query parameters of every connection, in order
func (r *RealtimeServer) Queries() []url.Values {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]url.Values(nil), r.queries...)
}

// Push writes a raw frame to every open connection
func (r *RealtimeServer) Push(raw []byte) {
	for _, live := range r.live() {
		live.write(websocket.TextMessage, raw)
	}
}

// CloseWith closes every open connection with a close frame
func (r *RealtimeServer) CloseWith(code int, text string) {
	for _, live := range r.live() {
		live.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
		live.conn.Close()
	}
}

// ForceClose drops every open connection without a close frame
func (r *RealtimeServer) ForceClose() {
	for _, live := range r.live() {
		live.conn.Close()
	}
}

func (r *RealtimeServer) live() []*liveConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*liveConn, 0, len(r.conns))
	for live := range r.conns {
		conns = append(conns, live)
	}
	return conns
}

// Close stops listening before dropping connections so clients can't reconnect
func (r *RealtimeServer) Close() {
	r.server.Close()
	r.ForceClose()
}
