package dnx

import (
	"context"
	"testing"
	"time"

	"github.com/dnxgpu/dnx/hw"
	"github.com/dnxgpu/dnx/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWait_InvalidFence(t *testing.T) {
	r := newTestRig(t, DeviceConfig{})
	r.submit(1)
	r.submit(2)

	assert.ErrorIs(t, r.d.Wait(context.Background(), 3, 0), ErrInvalidFence)
	assert.ErrorIs(t, r.d.Wait(context.Background(), 3, time.Second), ErrInvalidFence)
}

func TestWait_Poll(t *testing.T) {
	r := newTestRig(t, DeviceConfig{})

	// nothing submitted yet, fence 0 is trivially done
	assert.NoError(t, r.d.Wait(context.Background(), 0, 0))

	f, _ := r.submit(1)
	assert.ErrorIs(t, r.d.Wait(context.Background(), f, 0), ErrBusy)
	assert.ErrorIs(t, r.d.Wait(context.Background(), f, -time.Second), ErrBusy)

	r.run()
	assert.NoError(t, r.d.Wait(context.Background(), f, 0))
}

func TestWait_Blocks(t *testing.T) {
	r := newTestRig(t, DeviceConfig{})
	f, _ := r.submit(1)

	done := make(chan error, 1)
	go func() {
		done <- r.d.Wait(context.Background(), f, testWait)
	}()

	select {
	case err := <-done:
		t.Fatalf("wait returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	r.run()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("waiter was not woken")
	}
}

func TestWait_WakesAllWaiters(t *testing.T) {
	r := newTestRig(t, DeviceConfig{})
	f1, _ := r.submit(1)
	f2, _ := r.submit(2)

	done := make(chan error, 4)
	for _, f := range []Fence{f1, f1, f2, f2} {
		go func(f Fence) {
			done <- r.d.Wait(context.Background(), f, testWait)
		}(f)
	}

	r.run()
	for i := 0; i < 4; i++ {
		assert.NoError(t, <-done)
	}
}

func TestWait_Interrupted(t *testing.T) {
	r := newTestRig(t, DeviceConfig{})
	f, _ := r.submit(1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.d.Wait(ctx, f, testWait)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)

	// fence state is untouched
	assert.Equal(t, []Fence{f}, r.d.InFlight())
	assert.True(t, r.d.Status().Running)
}

func TestWait_TimeoutWithoutRecovery(t *testing.T) {
	r := newTestRig(t, DeviceConfig{})
	f, o := r.submit(1)

	assert.ErrorIs(t, r.d.Wait(context.Background(), f, 10*time.Millisecond), ErrTimedOut)
	assert.Empty(t, r.sim.Writes(hw.RegSoftReset))
	assert.Equal(t, []Fence{f}, r.d.InFlight())
	assert.Equal(t, int32(2), o.Refs())

	// the core can still finish late
	r.run()
	assert.NoError(t, r.d.Wait(context.Background(), f, 0))
}

func TestWait_TimeoutRecovers(t *testing.T) {
	r := newTestRig(t, DeviceConfig{Recover: true})
	f1, o1 := r.submit(1)
	f2, o2 := r.submit(2)

	// waiter on the later fence learns about the recovery
	other := make(chan error, 1)
	go func() {
		other <- r.d.Wait(context.Background(), f2, testWait)
	}()

	assert.ErrorIs(t, r.d.Wait(context.Background(), f1, 10*time.Millisecond), ErrTimedOut)
	assert.ErrorIs(t, <-other, ErrAbandoned)

	assert.Equal(t, []uint32{hw.SoftResetMagic}, r.sim.Writes(hw.RegSoftReset))
	st := r.d.Status()
	assert.False(t, st.Running)
	assert.Equal(t, f2, st.Completed)
	assert.Equal(t, f2, st.Retired)
	assert.Equal(t, Fence(0), st.AbandonedFrom)
	assert.Equal(t, f2, st.AbandonedTo)
	assert.Empty(t, r.d.InFlight())
	assert.Equal(t, int32(1), o1.Refs())
	assert.Equal(t, int32(1), o2.Refs())

	assert.ErrorIs(t, r.d.Wait(context.Background(), f1, 0), ErrAbandoned)
	assert.ErrorIs(t, r.d.Wait(context.Background(), f2, time.Second), ErrAbandoned)

	// the device keeps working after the recovery
	f3, o3 := r.submit(3)
	assert.Len(t, r.sim.Writes(hw.RegStreamAddr), 2)
	r.run()
	require.NoError(t, r.d.Wait(context.Background(), f3, 0))
	r.d.Flush()
	assert.Equal(t, f3, r.d.Retired())
	assert.Equal(t, int32(1), o3.Refs())
}

func TestWait_StaleSyncAfterRecovery(t *testing.T) {
	r := newTestRig(t, DeviceConfig{})
	f1, _ := r.submit(1)
	r.run()
	r.d.Flush()

	r.submit(2)
	f3, _ := r.submit(3)
	r.d.RecoverHangup()
	require.Equal(t, f3, r.d.Completed())

	// a sync latched before the reset reports an older fence
	r.sim.Write32(hw.RegSync0, uint32(f1))
	r.sim.Write32(hw.RegIRQTrigger, uint32(hw.IRQStreamSync))
	assert.True(t, r.d.HandleIRQ().Has(hw.IRQStreamSync))
	r.d.Flush()

	st := r.d.Status()
	assert.Equal(t, f3, st.Completed)
	assert.Equal(t, f3, st.Retired)
	assert.NoError(t, r.d.Wait(context.Background(), f1, 0))
	assert.ErrorIs(t, r.d.Wait(context.Background(), f3, 0), ErrAbandoned)
}

func TestWait_RecoverPolicyReload(t *testing.T) {
	r := newTestRig(t, DeviceConfig{})
	f, _ := r.submit(1)

	r.d.SetRecover(true)
	assert.ErrorIs(t, r.d.Wait(context.Background(), f, time.Millisecond), ErrTimedOut)
	assert.Len(t, r.sim.Writes(hw.RegSoftReset), 1)
}

func TestWait_Served(t *testing.T) {
	r := newTestRig(t, DeviceConfig{})
	ctx := r.serve()

	for i := uint32(1); i <= 10; i++ {
		start, jump, o := r.job(i)
		f, err := r.d.Submit(start, jump, []mem.Handle{o.Handle})
		require.NoError(t, err)
		require.NoError(t, r.d.Wait(ctx, f, testWait))
	}
	assert.Equal(t, uint32(10), r.sim.Read32(hw.RegSync1))
}
