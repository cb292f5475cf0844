package realtimeconnection

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Realtime Connection Config", func() {
	Context("Normalizing the base url", func() {
		DescribeTable("maps to a websocket url",
			func(raw string, expected string) {
				u, err := NormalizeBaseURL(raw)
				Expect(err).ToNot(HaveOccurred())
				Expect(u.String()).To(Equal(expected))
			},
			Entry("bare host and port", "localhost:8000", "ws://localhost:8000"),
			Entry("ws", "ws://localhost:8000", "ws://localhost:8000"),
			Entry("wss", "wss://example.com", "wss://example.com"),
			Entry("http", "http://example.com", "ws://example.com"),
			Entry("https", "https://example.com/base", "wss://example.com/base"),
			Entry("surrounding whitespace", "  example.com  ", "ws://example.com"),
			Entry("query and fragment", "https://example.com/?x=1#top", "wss://example.com/"),
		)

		DescribeTable("rejects",
			func(raw string) {
				_, err := NormalizeBaseURL(raw)
				Expect(err).To(HaveOccurred())
			},
			Entry("an empty url", ""),
			Entry("an unsupported scheme", "ftp://example.com"),
			Entry("a missing host", "wss://"),
		)
	})

	Context("Building the realtime url", func() {
		It("appends the endpoint and always carries the token", func() {
			u, err := RealtimeURL("https://example.com", "abc", "")
			Expect(err).ToNot(HaveOccurred())

			Expect(u.Scheme).To(Equal("wss"))
			Expect(u.Path).To(Equal("/api/realtime"))
			Expect(u.Query().Get("session_id")).To(Equal("abc"))
			Expect(u.Query()).To(HaveKeyWithValue("token", []string{""}))
		})

		It("keeps a base path", func() {
			u, err := RealtimeURL("ws://localhost:8000/prefix/", "abc", "secret")
			Expect(err).ToNot(HaveOccurred())

			Expect(u.Path).To(Equal("/prefix/api/realtime"))
			Expect(u.Query().Get("token")).To(Equal("secret"))
		})

		It("escapes the query", func() {
			u, err := RealtimeURL("localhost:8000", "a b", "x&y=z")
			Expect(err).ToNot(HaveOccurred())

			Expect(u.RawQuery).To(Equal("session_id=a+b&token=x%26y%3Dz"))
		})
	})

	Context("Validation", func() {
		var config Config

		BeforeEach(func() {
			config = DefaultConfig()
			config.BaseURL = "localhost:8000"
		})

		It("accepts the defaults once a base url is set", func() {
			Expect(config.Validate()).To(Succeed())
			Expect(DefaultConfig().Validate()).ToNot(Succeed())
		})

		It("requires the heartbeat timeout to exceed the interval", func() {
			config.HeartbeatTimeout = config.HeartbeatInterval
			Expect(config.Validate()).ToNot(Succeed())
		})

		It("rejects a non-positive heartbeat interval", func() {
			config.HeartbeatInterval = 0
			Expect(config.Validate()).ToNot(Succeed())
		})

		It("requires a burst when rate limiting", func() {
			config.AnalysisRatePerSecond = 2
			config.AnalysisBurst = 0
			Expect(config.Validate()).ToNot(Succeed())
		})

		It("validates the reconnect policy", func() {
			config.Reconnect.MaxDelay = config.Reconnect.BaseDelay - time.Millisecond
			Expect(config.Validate()).ToNot(Succeed())
		})

		It("treats the session close codes as fatal", func() {
			Expect(config.isFatal(CloseInvalidToken)).To(BeTrue())
			Expect(config.isFatal(CloseNotSessionOwner)).To(BeTrue())
			Expect(config.isFatal(CloseSessionNotFound)).To(BeTrue())
			Expect(config.isFatal(1011)).To(BeFalse())
		})
	})
})
