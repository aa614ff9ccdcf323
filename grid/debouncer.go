package grid

import (
	"sync"
	"time"
)

// Debouncer holds at most one pending action.
// Each `Debounce` restarts the timer, so only the action from the last call
// within a delay window runs. Actions run on the event loop.
//
// state machine:
// Idle -debounce-> Pending(timer)
// Pending -debounce-> Pending(new timer), the old action is cancelled
// Pending -delay elapses-> Idle, the action runs exactly once
type Debouncer struct {
	loop *EventLoop

	stateLock sync.Mutex
	timer     *time.Timer
	// incremented on every schedule and stop.
	// A timer that fired before it was cancelled carries a stale generation and is dropped on the loop.
	generation uint64
}

func NewDebouncer(loop *EventLoop) *Debouncer {
	return &Debouncer{
		loop: loop,
	}
}

func (self *Debouncer) Debounce(delay time.Duration, action func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.generation += 1
	generation := self.generation

	self.timer = time.AfterFunc(delay, func() {
		err := self.loop.Invoke(func() {
			if self.fire(generation) {
				action()
			}
		})
		if err != nil {
			tracef("[debounce]drop = %s\n", err)
		}
	})
}

// marks the debouncer idle if `generation` is still the pending one
func (self *Debouncer) fire(generation uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if generation != self.generation {
		return false
	}
	self.timer = nil
	return true
}

func (self *Debouncer) IsPending() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.timer != nil
}

// cancels the pending action, if any
func (self *Debouncer) Stop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.generation += 1
}
