/*
Package dispatcher hands work to a single consumer goroutine in the order it was submitted.
Submitting never blocks: tasks that arrive while an earlier one is still running are buffered
without bound, so a slow observer delays later notifications but never loses them or stalls
the goroutine that produced them.
*/
package dispatcher

import (
	"fmt"
	"sync"

	"commxr.com/rtclient/logger"
	"gopkg.in/tomb.v2"
)

type Dispatcher struct {
	tmb    tomb.Tomb
	logger *logger.Logger

	in  chan func()
	out chan func()

	closeOnce sync.Once
}

// New starts the dispatcher's goroutines, it runs until Close
func New(logger *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		logger: logger,
		in:     make(chan func()),
		out:    make(chan func()),
	}

	d.tmb.Go(func() error {
		d.tmb.Go(d.consume)
		return d.buffer()
	})

	return d
}

// Dispatch queues the task behind everything already submitted. Tasks submitted after Close are
// dropped.
func (d *Dispatcher) Dispatch(task func()) {
	select {
	case d.in <- task:
	case <-d.tmb.Dying():
		d.logger.Tracef("Dropping task submitted after close")
	}
}

// Close lets every task submitted so far run and then stops the dispatcher. It does not wait,
// so it is safe to call from inside a task; use Done to wait.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.Dispatch(func() {
			d.tmb.Kill(nil)
		})
	})
}

func (d *Dispatcher) Done() <-chan struct{} {
	return d.tmb.Dead()
}

// buffer moves tasks from in to out, holding any the consumer isn't ready for yet
func (d *Dispatcher) buffer() error {
	var queue []func()

	for {
		// a nil channel is never ready, so out is only offered when there is something to give
		var out chan func()
		var next func()
		if len(queue) > 0 {
			out = d.out
			next = queue[0]
		}

		select {
		case <-d.tmb.Dying():
			return nil
		case task := <-d.in:
			queue = append(queue, task)
		case out <- next:
			queue[0] = nil
			queue = queue[1:]
		}
	}
}

func (d *Dispatcher) consume() error {
	for {
		select {
		case <-d.tmb.Dying():
			return nil
		case task := <-d.out:
			d.run(task)
		}
	}
}

func (d *Dispatcher) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("recovered from panic in dispatched task: %s", fmt.Sprint(r))
		}
	}()

	task()
}
