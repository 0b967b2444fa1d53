package dnx

import (
	"sync/atomic"
)

// Fence is a submission sequence number. Fences wrap, so they are only
// compared through the signed distance between them.
type Fence uint32

// After reports whether f was issued after o.
func (f Fence) After(o Fence) bool {
	return int32(f-o) > 0
}

// AfterEq reports whether f is o or was issued after it.
func (f Fence) AfterEq(o Fence) bool {
	return int32(f-o) >= 0
}

// Before reports whether f was issued before o.
func (f Fence) Before(o Fence) bool {
	return int32(f-o) < 0
}

// fenceRange is the half open range (from, to].
type fenceRange struct {
	from, to Fence
}

func (r *fenceRange) contains(f Fence) bool {
	return r != nil && f.After(r.from) && r.to.AfterEq(f)
}

// event wakes every goroutine waiting on it. Waiters grab the channel, check
// their condition and then block on the channel, so no notification between
// the check and the block is lost.
type event struct {
	ch atomic.Pointer[chan struct{}]
}

func newEvent() *event {
	e := &event{}
	ch := make(chan struct{})
	e.ch.Store(&ch)
	return e
}

func (e *event) wait() <-chan struct{} {
	return *e.ch.Load()
}

func (e *event) notify() {
	ch := make(chan struct{})
	close(*e.ch.Swap(&ch))
}
