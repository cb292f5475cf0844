package throughput

import (
	"time"

	"github.com/benbjohnson/clock"
)

const (
	interval time.Duration = time.Second

	// keep roughly the last five minutes of windows
	maxWindows = 300
)

// Window is a copy of the recorded throughput, one entry in Data per closed interval
type Window struct {
	Unit  string    `json:"unit"`
	Total int       `json:"total"`
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop"`
	Data  []int     `json:"data"`
}

type Throughput struct {
	unit  string
	clock clock.Clock
	done  <-chan struct{}

	workQueue    chan int
	resetChan    chan struct{}
	snapshotChan chan chan Window
}

// New starts counting until done is closed. All state lives in the counting goroutine.
func New(unit string, clock clock.Clock, done <-chan struct{}) *Throughput {
	t := Throughput{
		unit:         unit,
		clock:        clock,
		done:         done,
		workQueue:    make(chan int),
		resetChan:    make(chan struct{}),
		snapshotChan: make(chan chan Window),
	}

	ticker := clock.Ticker(interval)
	go t.count(ticker)

	return &t
}

func (t *Throughput) Observe(n int) {
	select {
	case t.workQueue <- n:
	case <-t.done:
	}
}

func (t *Throughput) Reset() {
	select {
	case t.resetChan <- struct{}{}:
	case <-t.done:
	}
}

// Snapshot returns the closed windows so far; after done it returns an empty window
func (t *Throughput) Snapshot() Window {
	reply := make(chan Window, 1)
	select {
	case t.snapshotChan <- reply:
		return <-reply
	case <-t.done:
		return Window{Unit: t.unit}
	}
}

func (t *Throughput) count(ticker *clock.Ticker) {
	defer ticker.Stop()

	current := 0
	window := Window{
		Unit:  t.unit,
		Start: t.clock.Now().UTC(),
		Stop:  t.clock.Now().UTC(),
	}

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			window.Stop = t.clock.Now().UTC()
			window.Total += current
			window.Data = append(window.Data, current)
			if len(window.Data) > maxWindows {
				window.Data = window.Data[len(window.Data)-maxWindows:]
			}

			// empty out our current window
			current = 0
		case n := <-t.workQueue:
			current += n
		case <-t.resetChan:
			current = 0
			window.Total = 0
			window.Start = t.clock.Now().UTC()
			window.Stop = window.Start
			window.Data = nil
		case reply := <-t.snapshotChan:
			snapshot := window
			snapshot.Data = append([]int(nil), window.Data...)
			reply <- snapshot
		}
	}
}
