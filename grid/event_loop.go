package grid

import (
	"context"
	"errors"
)

var ErrEventLoopClosed = errors.New("Event loop closed.")

const DefaultEventLoopBufferSize = 1024

// the owning goroutine of the row cache and the view.
// All cache state is touched only by functions running on the loop.
// Other goroutines (connection, timers) marshal work onto the loop with `Invoke`.
type EventLoop struct {
	ctx    context.Context
	cancel context.CancelFunc

	calls chan func()
}

func NewEventLoopWithDefaults(ctx context.Context) *EventLoop {
	return NewEventLoop(ctx, DefaultEventLoopBufferSize)
}

func NewEventLoop(ctx context.Context, bufferSize int) *EventLoop {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &EventLoop{
		ctx:    cancelCtx,
		cancel: cancel,
		calls:  make(chan func(), bufferSize),
	}
}

// runs until the loop is closed or the context is done
func (self *EventLoop) Run() {
	defer self.cancel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case call := <-self.calls:
			HandleError(call)
		}
	}
}

// posts `call` to run on the loop. This may block briefly when the loop is backed up,
// but it never waits for `call` to run.
func (self *EventLoop) Invoke(call func()) error {
	select {
	case <-self.ctx.Done():
		return ErrEventLoopClosed
	default:
	}
	select {
	case <-self.ctx.Done():
		return ErrEventLoopClosed
	case self.calls <- call:
		return nil
	}
}

// posts `call` to run on the loop and waits for it to finish.
// Must not be called from the loop itself.
func (self *EventLoop) Call(call func()) error {
	done := make(chan struct{})
	err := self.Invoke(func() {
		defer close(done)
		call()
	})
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		// the call may still have run
		select {
		case <-done:
			return nil
		default:
			return ErrEventLoopClosed
		}
	case <-done:
		return nil
	}
}

func (self *EventLoop) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *EventLoop) Close() {
	self.cancel()
}
