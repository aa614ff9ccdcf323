package grid

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestEventLoopOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewEventLoopWithDefaults(ctx)
	go loop.Run()
	defer loop.Close()

	n := 1000
	values := []int{}
	for i := range n {
		err := loop.Invoke(func() {
			values = append(values, i)
		})
		assert.Equal(t, err, nil)
	}

	var count int
	err := loop.Call(func() {
		count = len(values)
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, count, n)
	for i := range n {
		assert.Equal(t, values[i], i)
	}
}

func TestEventLoopRecoversPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewEventLoopWithDefaults(ctx)
	go loop.Run()
	defer loop.Close()

	loop.Invoke(func() {
		panic("test panic")
	})

	var ran atomic.Bool
	err := loop.Call(func() {
		ran.Store(true)
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ran.Load(), true)
}

func TestEventLoopClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewEventLoopWithDefaults(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run()
	}()

	loop.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}

	assert.Equal(t, loop.Invoke(func() {}), ErrEventLoopClosed)
	assert.Equal(t, loop.Call(func() {}), ErrEventLoopClosed)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	aId := callbacks.Add(func() int { return 1 })
	bId := callbacks.Add(func() int { return 2 })
	callbacks.Add(func() int { return 3 })
	assert.Equal(t, callbacks.Len(), 3)

	snapshot := callbacks.Get()

	callbacks.Remove(bId)
	assert.Equal(t, callbacks.Len(), 2)
	// removing again is a no-op
	callbacks.Remove(bId)
	assert.Equal(t, callbacks.Len(), 2)

	// a snapshot is not affected by later updates
	assert.Equal(t, len(snapshot), 3)
	assert.Equal(t, snapshot[1](), 2)

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{1, 3})

	callbacks.Remove(aId)
	values = []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{3})
}

func TestHandleError(t *testing.T) {
	var handled error
	r := HandleError(func() {
		panic("test error")
	}, func(err error) {
		handled = err
	})
	assert.NotEqual(t, r, nil)
	assert.NotEqual(t, handled, nil)
	assert.Equal(t, handled.Error(), "test error")

	r = HandleError(func() {})
	assert.Equal(t, r, nil)
}
