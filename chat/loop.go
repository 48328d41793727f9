package chat

import (
	"context"
	"sync"
)

type loopTask struct {
	run func()
	// called instead of `run` when the loop stops with the task still queued
	abandon func()
}

func (self *loopTask) abandoned() {
	if self.abandon != nil {
		HandleError(self.abandon)
	}
}

// eventLoop runs tasks one at a time, in the order they are posted.
// Everything the session owns is touched only from inside a task.
type eventLoop struct {
	ctx   context.Context
	tasks chan *loopTask
	done  chan struct{}

	stateLock sync.RWMutex
	stopped   bool
}

func newEventLoop(ctx context.Context, queueSize int) *eventLoop {
	return &eventLoop{
		ctx:   ctx,
		tasks: make(chan *loopTask, queueSize),
		done:  make(chan struct{}),
	}
}

func (self *eventLoop) run() {
	defer close(self.done)
	defer self.drain()
	for {
		select {
		case <-self.ctx.Done():
			return
		case task := <-self.tasks:
			if self.ctx.Err() != nil {
				task.abandoned()
				return
			}
			HandleError(task.run)
		}
	}
}

// after `drain` no task can be queued, and every queued task was abandoned
func (self *eventLoop) drain() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.stopped = true
	}()
	for {
		select {
		case task := <-self.tasks:
			task.abandoned()
		default:
			return
		}
	}
}

// post blocks only while the queue is full. It must not be called from inside a task.
func (self *eventLoop) post(run func()) bool {
	return self.postOrAbandon(run, nil)
}

// postOrAbandon returns false when the loop is stopped. When it returns true,
// exactly one of `run` and `abandon` is eventually called on the loop goroutine.
func (self *eventLoop) postOrAbandon(run func(), abandon func()) bool {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	if self.stopped {
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.tasks <- &loopTask{run: run, abandon: abandon}:
		return true
	}
}

func (self *eventLoop) Done() <-chan struct{} {
	return self.done
}
