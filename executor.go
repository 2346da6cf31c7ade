package omemo

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// serialExecutor runs queued tasks one at a time, in submission order, on
// a single goroutine. The Manager uses one to serialize outbound
// encryption so two messages never race to advance the same session's
// send chain.
type serialExecutor struct {
	mu      sync.Mutex
	tasks   chan func()
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

func newSerialExecutor() *serialExecutor {
	e := &serialExecutor{
		tasks: make(chan func(), 64),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *serialExecutor) loop() {
	defer close(e.done)
	for {
		select {
		case task := <-e.tasks:
			task()
		case <-e.stop:
			// Drain whatever was already queued before shutting down.
			for {
				select {
				case task := <-e.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// execute enqueues a task. Tasks submitted after shutdown are dropped.
func (e *serialExecutor) execute(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		logrus.WithField("function", "serialExecutor.execute").
			Warn("Task submitted after shutdown, dropping")
		return
	}
	e.tasks <- task
}

// shutdown stops the worker after draining queued tasks and waits for it
// to exit.
func (e *serialExecutor) shutdown() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stop)
	e.mu.Unlock()
	<-e.done
}
