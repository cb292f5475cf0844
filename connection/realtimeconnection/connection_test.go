package realtimeconnection

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"commxr.com/rtclient/connection"
	"commxr.com/rtclient/connection/message"
	"commxr.com/rtclient/connection/reconnect"
	"commxr.com/rtclient/connection/transporter"
	"commxr.com/rtclient/logger"
	"commxr.com/rtclient/tests/server"
)

func TestRealtimeConnection(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Realtime Connection Suite")
}

type recorder struct {
	mu       sync.Mutex
	changes  []connection.StateChange
	messages []message.Message
}

func (r *recorder) OnStateChange(change connection.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *recorder) OnMessage(msg message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) states() []connection.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := []connection.State{}
	for _, change := range r.changes {
		states = append(states, change.Current)
	}
	return states
}

func (r *recorder) kinds() []connection.StateKind {
	kinds := []connection.StateKind{}
	for _, state := range r.states() {
		kinds = append(kinds, state.Kind)
	}
	return kinds
}

func (r *recorder) count(kind connection.StateKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *recorder) received(messageType message.Type) []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	matching := []message.Message{}
	for _, msg := range r.messages {
		if msg.MessageType() == messageType {
			matching = append(matching, msg)
		}
	}
	return matching
}

func (r *recorder) resetTimestamps() []string {
	timestamps := []string{}
	for _, msg := range r.received(message.TypeResetAck) {
		timestamps = append(timestamps, msg.(message.ResetAck).Timestamp)
	}
	return timestamps
}

func validScores() message.EmotionScores {
	scores := message.EmotionScores{}
	for _, key := range message.EmotionKeys {
		scores[key] = 0.1
	}
	scores["happy"] = 0.9
	return scores
}

var _ = Describe("Realtime Connection", func() {
	logger := logger.MockLogger(GinkgoWriter)

	testConfig := func(baseURL string) Config {
		config := DefaultConfig()
		config.BaseURL = baseURL
		config.HeartbeatInterval = 50 * time.Millisecond
		config.HeartbeatTimeout = 120 * time.Millisecond
		config.Reconnect = reconnect.Policy{
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    80 * time.Millisecond,
			MaxAttempts: 3,
			GraceWindow: time.Second,
		}
		return config
	}

	var rtServer *server.RealtimeServer
	var conn *RealtimeConnection
	var observed *recorder

	connectionState := func() connection.StateKind {
		return conn.State().Kind
	}

	setup := func(config Config, options ...Option) {
		var err error
		conn, err = New(logger, config, options...)
		Expect(err).ToNot(HaveOccurred())

		observed = &recorder{}
		conn.Subscribe(observed)
	}

	AfterEach(func() {
		if conn != nil {
			conn.Close()
		}
		if rtServer != nil {
			rtServer.Close()
		}
		conn, rtServer = nil, nil
	})

	Context("Construction", func() {
		It("rejects an invalid config", func() {
			_, err := New(logger, DefaultConfig())
			Expect(err).To(HaveOccurred())
		})

		It("starts disconnected", func() {
			setup(testConfig("localhost:1"))
			Expect(conn.State()).To(Equal(connection.State{Kind: connection.Disconnected}))
			Expect(conn.ReconnectAttempts()).To(Equal(0))
		})
	})

	Context("Connecting", func() {
		BeforeEach(func() {
			rtServer = server.NewRealtimeServer(logger)
			setup(testConfig(rtServer.Url))
		})

		It("moves through Connecting to Connected", func() {
			Expect(conn.Connect("session-1", "token-1")).To(Succeed())

			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))
			Eventually(observed.kinds, time.Second).Should(Equal([]connection.StateKind{connection.Connecting, connection.Connected}))

			queries := rtServer.Queries()
			Expect(queries).To(HaveLen(1))
			Expect(queries[0].Get("session_id")).To(Equal("session-1"))
			Expect(queries[0].Get("token")).To(Equal("token-1"))
			Expect(conn.Session().Id).To(Equal("session-1"))
		})

		It("ignores a second connect while connected", func() {
			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))

			Expect(conn.Connect("session-2", "")).To(MatchError(connection.ErrAlreadyConnected))
			Consistently(rtServer.Connections, 200*time.Millisecond).Should(Equal(1))
			Expect(conn.Session().Id).To(Equal("session-1"))
		})

		It("refuses an empty session id", func() {
			Expect(conn.Connect("", "")).ToNot(Succeed())
			Expect(conn.State().Kind).To(Equal(connection.Disconnected))
		})

		It("keeps the connection alive with heartbeats", func() {
			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))

			Consistently(connectionState, 500*time.Millisecond).Should(Equal(connection.Connected))
			Expect(len(observed.received(message.TypePong))).To(BeNumerically(">", 1))
			Expect(conn.Stats().HeartbeatTimeouts).To(BeZero())
		})
	})

	Context("Sending", func() {
		BeforeEach(func() {
			rtServer = server.NewRealtimeServer(logger)
		})

		It("does not send while disconnected", func() {
			setup(testConfig(rtServer.Url))

			Expect(conn.SendReset()).To(MatchError(connection.ErrNotConnected))
			Consistently(rtServer.Received, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("delivers the server's answers to observers", func() {
			setup(testConfig(rtServer.Url))
			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))

			Expect(conn.SendReset()).To(Succeed())
			Expect(conn.SendErrorReport("camera unavailable")).To(Succeed())
			Expect(conn.SendAnalysisRequest(validScores(), nil)).To(Succeed())

			Eventually(func() int { return len(observed.received(message.TypeResetAck)) }, time.Second).Should(Equal(1))
			Eventually(func() int { return len(observed.received(message.TypeErrorAck)) }, time.Second).Should(Equal(1))
			Eventually(func() int { return len(observed.received(message.TypeAnalysisResponse)) }, time.Second).Should(Equal(1))

			response := observed.received(message.TypeAnalysisResponse)[0].(message.AnalysisResponse)
			Expect(response.Emotion.PrimaryEmotion).To(Equal("happiness"))
		})

		It("stamps analysis requests with the session", func() {
			setup(testConfig(rtServer.Url))
			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))

			audio := &message.Audio{Data: "UklGRg==", Format: message.Wav}
			Expect(conn.SendAnalysisRequest(validScores(), audio)).To(Succeed())

			var frame []byte
			Eventually(func() string {
				select {
				case frame = <-rtServer.Received:
				default:
				}
				return string(frame)
			}, time.Second).Should(ContainSubstring("ANALYSIS_REQUEST"))

			Expect(string(frame)).To(ContainSubstring(`"session_id":"session-1"`))
			Expect(string(frame)).To(ContainSubstring(`"audio_format":"wav"`))
		})

		It("rejects an invalid analysis request without sending it", func() {
			setup(testConfig(rtServer.Url))
			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))

			scores := validScores()
			delete(scores, "angry")

			var validationErr *message.ValidationError
			Expect(errors.As(conn.SendAnalysisRequest(scores, nil), &validationErr)).To(BeTrue())
		})

		It("refuses inbound message types", func() {
			setup(testConfig(rtServer.Url))
			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))

			Expect(conn.Send(message.Pong{})).ToNot(Succeed())
		})

		It("limits the analysis request rate", func() {
			config := testConfig(rtServer.Url)
			config.AnalysisRatePerSecond = 1
			config.AnalysisBurst = 1
			setup(config)

			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))

			Expect(conn.SendAnalysisRequest(validScores(), nil)).To(Succeed())
			Expect(conn.SendAnalysisRequest(validScores(), nil)).To(MatchError(connection.ErrRateLimited))

			// other messages are never limited
			Expect(conn.SendReset()).To(Succeed())
		})
	})

	Context("Receiving", func() {
		BeforeEach(func() {
			rtServer = server.NewRealtimeServer(logger)
			setup(testConfig(rtServer.Url))

			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))
		})

		It("ignores frames of unknown type", func() {
			rtServer.Push([]byte(`{"type":"SOMETHING_NEW","value":1}`))
			rtServer.Push([]byte(`not even json`))
			rtServer.Push([]byte(`{"type":"RESET_ACK","timestamp":"now"}`))

			Eventually(func() int { return len(observed.received(message.TypeResetAck)) }, time.Second).Should(Equal(1))
			Expect(conn.Stats().DroppedMessages).To(BeNumerically(">=", 2))
			Expect(conn.State().Kind).To(Equal(connection.Connected))
		})

		It("passes server errors through", func() {
			Expect(conn.Send(message.ErrorReport{Message: "x"})).To(Succeed())
			rtServer.Push([]byte(`{"type":"ERROR","message":"Unsupported message type","detail":"BOGUS","timestamp":"now"}`))

			Eventually(func() int { return len(observed.received(message.TypeError)) }, time.Second).Should(Equal(1))
			serverErr := observed.received(message.TypeError)[0].(message.ServerError)
			Expect(serverErr.Detail).ToNot(BeNil())
			Expect(*serverErr.Detail).To(Equal("BOGUS"))
		})

		It("keeps notifying the other observers when one panics", func() {
			conn.Subscribe(connection.ObserverFuncs{
				Message: func(msg message.Message) { panic("observer bug") },
			})
			second := &recorder{}
			conn.Subscribe(second)

			rtServer.Push([]byte(`{"type":"RESET_ACK","timestamp":"now"}`))
			Eventually(func() int { return len(second.received(message.TypeResetAck)) }, time.Second).Should(Equal(1))
		})

		It("stops notifying unsubscribed observers", func() {
			second := &recorder{}
			id := conn.Subscribe(second)
			conn.Unsubscribe(id)

			rtServer.Push([]byte(`{"type":"RESET_ACK","timestamp":"now"}`))
			Eventually(func() int { return len(observed.received(message.TypeResetAck)) }, time.Second).Should(Equal(1))
			Expect(second.received(message.TypeResetAck)).To(BeEmpty())
		})
	})

	Context("Delivering across a connection loss", func() {
		var release chan struct{}

		BeforeEach(func() {
			rtServer = server.NewRealtimeServer(logger)
			setup(testConfig(rtServer.Url))
			release = make(chan struct{})
		})

		AfterEach(func() {
			select {
			case <-release:
			default:
				close(release)
			}
		})

		It("delivers every frame received before the connection dropped", func() {
			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))

			expected := []string{}
			for i := 0; i < 5; i++ {
				timestamp := fmt.Sprintf("t%d", i)
				expected = append(expected, timestamp)
				rtServer.Push([]byte(fmt.Sprintf(`{"type":"RESET_ACK","timestamp":"%s"}`, timestamp)))
			}
			rtServer.ForceClose()

			Eventually(func() int { return observed.count(connection.Connected) }, time.Second).Should(Equal(2))
			Eventually(observed.resetTimestamps, time.Second).Should(Equal(expected))
			Expect(conn.Stats().DroppedMessages).To(BeZero())
		})

		It("keeps the backlog behind a slow observer", func() {
			var once sync.Once
			conn.Subscribe(connection.ObserverFuncs{
				StateChange: func(change connection.StateChange) {
					if change.Current.Kind == connection.Connected {
						once.Do(func() { <-release })
					}
				},
			})

			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(func() int { return observed.count(connection.Connected) }, time.Second).Should(Equal(1))

			rtServer.Push([]byte(`{"type":"ERROR","message":"Session expired","timestamp":"t0"}`))
			rtServer.Push([]byte(`{"type":"RESET_ACK","timestamp":"t1"}`))
			rtServer.Push([]byte(`{"type":"RESET_ACK","timestamp":"t2"}`))
			rtServer.ForceClose()

			Eventually(func() int64 { return conn.Stats().ReconnectSequences }, time.Second).Should(Equal(int64(1)))
			close(release)

			Eventually(func() int { return len(observed.received(message.TypeError)) }, time.Second).Should(Equal(1))
			Expect(observed.received(message.TypeError)[0].(message.ServerError).Message).To(Equal("Session expired"))
			Eventually(observed.resetTimestamps, time.Second).Should(Equal([]string{"t1", "t2"}))
			Expect(conn.Stats().DroppedMessages).To(BeZero())
		})
	})

	Context("Recovering", func() {
		BeforeEach(func() {
			rtServer = server.NewRealtimeServer(logger)
			setup(testConfig(rtServer.Url))

			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))
		})

		It("reconnects when the server goes quiet", func() {
			rtServer.SetSilent(true)
			Eventually(connectionState, time.Second).Should(Equal(connection.Reconnecting))

			rtServer.SetSilent(false)
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))

			Expect(conn.Stats().HeartbeatTimeouts).To(BeNumerically(">=", 1))
			Expect(conn.ReconnectAttempts()).To(Equal(0))
			Expect(rtServer.Connections()).To(BeNumerically(">=", 2))
		})

		It("reconnects when the connection drops", func() {
			rtServer.ForceClose()

			Eventually(func() int { return observed.count(connection.Connected) }, time.Second).Should(Equal(2))
			Expect(observed.states()).To(ContainElement(connection.State{Kind: connection.Reconnecting, Attempt: 1, NextDelay: 10 * time.Millisecond}))
			Expect(conn.Stats().ReconnectSequences).To(Equal(int64(1)))
			Expect(conn.ReconnectAttempts()).To(Equal(0))
		})

		It("reconnects after a close code that isn't fatal", func() {
			rtServer.CloseWith(1011, "internal error")
			Eventually(func() int { return observed.count(connection.Connected) }, time.Second).Should(Equal(2))
		})

		It("backs off and gives up once the attempts run out", func() {
			rtServer.Close()

			Eventually(connectionState, 2*time.Second).Should(Equal(connection.Failed))

			reconnecting := []connection.State{}
			for _, state := range observed.states() {
				if state.Kind == connection.Reconnecting {
					reconnecting = append(reconnecting, state)
				}
			}
			Expect(reconnecting).To(Equal([]connection.State{
				{Kind: connection.Reconnecting, Attempt: 1, NextDelay: 10 * time.Millisecond},
				{Kind: connection.Reconnecting, Attempt: 2, NextDelay: 20 * time.Millisecond},
				{Kind: connection.Reconnecting, Attempt: 3, NextDelay: 40 * time.Millisecond},
			}))
			Expect(conn.State().Reason).ToNot(BeEmpty())
			Expect(conn.ReconnectAttempts()).To(Equal(0))
			rtServer = nil
		})

		It("fails without reconnecting when the session is rejected", func() {
			rtServer.RejectWith(CloseSessionNotFound)
			rtServer.ForceClose()

			Eventually(connectionState, time.Second).Should(Equal(connection.Failed))
			Expect(conn.State().Reason).To(ContainSubstring("4004"))

			connections := rtServer.Connections()
			Consistently(rtServer.Connections, 200*time.Millisecond).Should(Equal(connections))
		})

		It("can connect again after failing", func() {
			rtServer.CloseWith(CloseInvalidToken, "invalid token")
			Eventually(connectionState, time.Second).Should(Equal(connection.Failed))

			Expect(conn.Connect("session-2", "better-token")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))
			Expect(conn.Session().Id).To(Equal("session-2"))
		})
	})

	Context("Disconnecting", func() {
		BeforeEach(func() {
			rtServer = server.NewRealtimeServer(logger)
			setup(testConfig(rtServer.Url))

			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))
		})

		It("is idempotent", func() {
			conn.Disconnect()
			conn.Disconnect()

			Expect(conn.State().Kind).To(Equal(connection.Disconnected))
			Eventually(observed.kinds, time.Second).Should(Equal([]connection.StateKind{
				connection.Connecting, connection.Connected, connection.Disconnected,
			}))
			Consistently(rtServer.Connections, 300*time.Millisecond).Should(Equal(1))
		})

		It("cancels a pending reconnect", func() {
			config := testConfig(rtServer.Url)
			config.Reconnect.BaseDelay = time.Second
			config.Reconnect.MaxDelay = time.Second
			conn.Close()
			setup(config)

			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))
			connections := rtServer.Connections()

			rtServer.ForceClose()
			Eventually(connectionState, time.Second).Should(Equal(connection.Reconnecting))

			conn.Disconnect()
			Expect(conn.State().Kind).To(Equal(connection.Disconnected))
			Consistently(rtServer.Connections, 1500*time.Millisecond).Should(Equal(connections))
			Expect(conn.ReconnectAttempts()).To(Equal(0))
		})

		It("can be called from inside an observer", func() {
			conn.Subscribe(connection.ObserverFuncs{
				Message: func(msg message.Message) {
					if msg.MessageType() == message.TypeResetAck {
						conn.Disconnect()
					}
				},
			})

			Expect(conn.SendReset()).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Disconnected))
		})
	})

	Context("Closing", func() {
		BeforeEach(func() {
			rtServer = server.NewRealtimeServer(logger)
			setup(testConfig(rtServer.Url))

			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))
		})

		It("shuts down for good", func() {
			Expect(conn.Close()).To(Succeed())
			Eventually(conn.Done(), time.Second).Should(BeClosed())

			Expect(conn.State().Kind).To(Equal(connection.Disconnected))
			Expect(observed.kinds()).To(Equal([]connection.StateKind{
				connection.Connecting, connection.Connected, connection.Disconnected,
			}))

			Expect(conn.Close()).To(MatchError(connection.ErrClosed))
			Expect(conn.Connect("session-1", "")).To(MatchError(connection.ErrClosed))
			Expect(conn.SendReset()).To(MatchError(connection.ErrClosed))
		})
	})

	Context("Transport failures", func() {
		newTransport := func(dialErr error, sendErr error) *transporter.MockTransporter {
			mockTransport := &transporter.MockTransporter{}
			inbound := make(chan []byte)
			done := make(chan struct{})
			var once sync.Once

			mockTransport.On("Dial", mock.Anything).Return(dialErr)
			mockTransport.On("Send", mock.Anything).Return(sendErr)
			mockTransport.On("Inbound").Return(inbound)
			mockTransport.On("Done").Return(done)
			mockTransport.On("Err").Return(errors.New("broken pipe"))
			mockTransport.On("Close").Run(func(mock.Arguments) {
				once.Do(func() {
					close(inbound)
					close(done)
				})
			}).Return()

			return mockTransport
		}

		It("never dials for a send while disconnected", func() {
			dialed := 0
			setup(testConfig("localhost:1"), WithTransportFactory(func() transporter.Transporter {
				dialed++
				return newTransport(nil, nil)
			}))

			Expect(conn.Send(message.Ping{})).To(MatchError(connection.ErrNotConnected))
			Expect(dialed).To(BeZero())
		})

		It("reconnects when a write fails", func() {
			first := newTransport(nil, errors.New("write: broken pipe"))

			var mu sync.Mutex
			built := 0
			setup(testConfig("localhost:1"), WithTransportFactory(func() transporter.Transporter {
				mu.Lock()
				defer mu.Unlock()

				built++
				if built == 1 {
					return first
				}
				return newTransport(errors.New("connection refused"), nil)
			}))

			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Connected))

			Expect(conn.SendReset()).ToNot(Succeed())
			Eventually(func() int { return observed.count(connection.Reconnecting) }, time.Second).Should(BeNumerically(">=", 1))
			first.AssertCalled(GinkgoT(), "Close")
		})

		It("reconnects as soon as a heartbeat can't be written", func() {
			first := newTransport(nil, errors.New("write: broken pipe"))

			var mu sync.Mutex
			built := 0
			setup(testConfig("localhost:1"), WithTransportFactory(func() transporter.Transporter {
				mu.Lock()
				defer mu.Unlock()

				built++
				if built == 1 {
					return first
				}
				return newTransport(errors.New("connection refused"), nil)
			}))

			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(func() int { return observed.count(connection.Reconnecting) }, time.Second).Should(BeNumerically(">=", 1))

			first.AssertCalled(GinkgoT(), "Close")
			Expect(conn.Stats().HeartbeatTimeouts).To(BeZero())
		})

		It("retries when the first dial fails", func() {
			setup(testConfig("localhost:1"), WithTransportFactory(func() transporter.Transporter {
				return newTransport(errors.New("connection refused"), nil)
			}))

			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Failed))
			Expect(observed.kinds()[0:2]).To(Equal([]connection.StateKind{connection.Connecting, connection.Reconnecting}))
		})

		It("fails at once when reconnecting is disabled", func() {
			config := testConfig("localhost:1")
			config.Reconnect.MaxAttempts = 0
			setup(config, WithTransportFactory(func() transporter.Transporter {
				return newTransport(errors.New("connection refused"), nil)
			}))

			Expect(conn.Connect("session-1", "")).To(Succeed())
			Eventually(connectionState, time.Second).Should(Equal(connection.Failed))
			Expect(observed.count(connection.Reconnecting)).To(BeZero())
		})
	})
})
