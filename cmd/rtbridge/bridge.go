package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"commxr.com/rtclient/connection"
	"commxr.com/rtclient/connection/message"
	"commxr.com/rtclient/logger"
	"github.com/google/uuid"
)

// the commands a bridge understands, one JSON object per line
const (
	commandAnalyze     = "analyze"
	commandReset       = "reset"
	commandErrorReport = "error_report"
	commandConnect     = "connect"
	commandDisconnect  = "disconnect"
)

// the subset of the realtime connection a bridge drives
type client interface {
	Connect(sessionId string, token string) error
	Disconnect()
	SendAnalysisRequest(scores message.EmotionScores, audio *message.Audio) error
	SendReset() error
	SendErrorReport(report string) error
}

type command struct {
	Id      string `json:"id,omitempty"`
	Command string `json:"command"`

	// analyze
	EmotionScores message.EmotionScores `json:"emotion_scores,omitempty"`
	AudioData     string                `json:"audio_data,omitempty"`
	AudioFormat   message.AudioFormat   `json:"audio_format,omitempty"`

	// error_report
	Message string `json:"message,omitempty"`

	// connect, both default to the session the bridge was started with
	SessionId string  `json:"session_id,omitempty"`
	Token     *string `json:"token,omitempty"`
}

// event is one line of output
type event struct {
	Event string    `json:"event"`
	At    time.Time `json:"at"`

	// command results
	Id      string `json:"id,omitempty"`
	Command string `json:"command,omitempty"`
	Error   string `json:"error,omitempty"`

	// state changes
	State       string `json:"state,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	NextDelayMs int64  `json:"next_delay_ms,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// inbound messages
	Type    message.Type    `json:"type,omitempty"`
	Payload message.Message `json:"payload,omitempty"`
}

// bridge turns lines of commands into calls on the client and reports everything the client
// observes as lines of events
type bridge struct {
	logger *logger.Logger
	client client

	sessionId string
	token     string

	outMu   sync.Mutex
	encoder *json.Encoder
}

var _ connection.Observer = (*bridge)(nil)

func newBridge(logger *logger.Logger, client client, sessionId string, token string, out io.Writer) *bridge {
	return &bridge{
		logger:    logger,
		client:    client,
		sessionId: sessionId,
		token:     token,
		encoder:   json.NewEncoder(out),
	}
}

func (b *bridge) OnStateChange(change connection.StateChange) {
	state := change.Current
	b.emit(event{
		Event:       "state",
		At:          change.At.UTC(),
		State:       state.Kind.String(),
		Attempt:     state.Attempt,
		NextDelayMs: state.NextDelay.Milliseconds(),
		Reason:      state.Reason,
	})
}

func (b *bridge) OnMessage(msg message.Message) {
	b.emit(event{
		Event:   "message",
		At:      time.Now().UTC(),
		Type:    msg.MessageType(),
		Payload: msg,
	})
}

func (b *bridge) emit(e event) {
	b.outMu.Lock()
	defer b.outMu.Unlock()

	if err := b.encoder.Encode(e); err != nil {
		b.logger.Errorf("Failed to write event: %s", err)
	}
}

// run handles commands until in runs dry or ctx is done
func (b *bridge) run(ctx context.Context, in io.Reader) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if len(line) > 0 {
				b.handle(line)
			}
		}
	}
}

func (b *bridge) handle(line []byte) {
	var cmd command
	if err := json.Unmarshal(line, &cmd); err != nil {
		b.emit(event{Event: "error", At: time.Now().UTC(), Error: fmt.Sprintf("malformed command: %s", err)})
		return
	}
	if cmd.Id == "" {
		cmd.Id = uuid.New().String()
	}

	result := event{Event: "ack", Id: cmd.Id, Command: cmd.Command}
	if err := b.execute(cmd); err != nil {
		b.logger.Infof("Command %s failed: %s", cmd.Command, err)
		result.Event = "error"
		result.Error = err.Error()
	}

	result.At = time.Now().UTC()
	b.emit(result)
}

func (b *bridge) execute(cmd command) error {
	switch cmd.Command {
	case commandAnalyze:
		var audio *message.Audio
		if cmd.AudioData != "" || cmd.AudioFormat != "" {
			audio = &message.Audio{Data: cmd.AudioData, Format: cmd.AudioFormat}
		}
		return b.client.SendAnalysisRequest(cmd.EmotionScores, audio)
	case commandReset:
		return b.client.SendReset()
	case commandErrorReport:
		return b.client.SendErrorReport(cmd.Message)
	case commandConnect:
		sessionId, token := b.sessionId, b.token
		if cmd.SessionId != "" {
			sessionId = cmd.SessionId
		}
		if cmd.Token != nil {
			token = *cmd.Token
		}
		return b.client.Connect(sessionId, token)
	case commandDisconnect:
		b.client.Disconnect()
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}
