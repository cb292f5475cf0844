package throughput

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestThroughput(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Throughput Suite")
}

var _ = Describe("Throughput", func() {
	var mockClock *clock.Mock
	var done chan struct{}
	var tp *Throughput

	// closes the current window and waits for it to show up
	closeWindow := func(windows int) {
		mockClock.Add(interval)
		Eventually(func() int { return len(tp.Snapshot().Data) }).Should(Equal(windows))
	}

	BeforeEach(func() {
		mockClock = clock.NewMock()
		done = make(chan struct{})
		tp = New("bytes", mockClock, done)
	})

	AfterEach(func() {
		close(done)
	})

	It("groups observations into one second windows", func() {
		tp.Observe(10)
		tp.Observe(5)
		closeWindow(1)

		tp.Observe(7)
		closeWindow(2)

		window := tp.Snapshot()
		Expect(window.Unit).To(Equal("bytes"))
		Expect(window.Data).To(Equal([]int{15, 7}))
		Expect(window.Total).To(Equal(22))
		Expect(window.Stop.Sub(window.Start)).To(Equal(2 * time.Second))
	})

	It("starts over on reset", func() {
		tp.Observe(3)
		closeWindow(1)

		tp.Reset()
		window := tp.Snapshot()
		Expect(window.Total).To(BeZero())
		Expect(window.Data).To(BeEmpty())
	})

	It("does not block once stopped", func() {
		close(done)
		done = make(chan struct{})

		tp.Observe(1)
		tp.Reset()
		Expect(tp.Snapshot().Total).To(BeZero())
	})
})
