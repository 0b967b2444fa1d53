package dnx

import (
	"runtime"
	"sync/atomic"
)

// spinLock is taken from the interrupt path, so holders must never block or
// sleep while holding it.
type spinLock struct {
	state atomic.Uint32
}

func (s *spinLock) Lock() {
	for i := 0; !s.state.CompareAndSwap(0, 1); i++ {
		if i&63 == 63 {
			runtime.Gosched()
		}
	}
}

func (s *spinLock) Unlock() {
	if s.state.Swap(0) == 0 {
		panic("dnx: unlock of unlocked spinLock")
	}
}
