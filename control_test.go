package dnx

import (
	"context"
	"testing"

	"github.com/dnxgpu/dnx/config"
	"github.com/dnxgpu/dnx/mem"
	"github.com/dnxgpu/dnx/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestControl(t *testing.T) (*Control, *config.C) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(testSimConfig))

	ctrl, err := Main(c, false, "test", l)
	require.NoError(t, err)
	require.NotNil(t, ctrl)
	return ctrl, c
}

func TestControl_StartStop(t *testing.T) {
	ctrl, _ := newTestControl(t)
	ctrl.Start()

	p := ctrl.Pool()
	var fences []Fence
	for i := uint32(1); i <= 3; i++ {
		o, err := p.Allocate(mem.PageSize, mem.ArenaVideo)
		require.NoError(t, err)
		start, jump := jobInto(o, i)

		f, err := ctrl.Device().Submit(start, jump, []mem.Handle{o.Handle})
		require.NoError(t, err)
		require.NoError(t, p.Close(o.Handle))
		fences = append(fences, f)
	}

	require.NoError(t, ctrl.Device().Wait(context.Background(), fences[2], testWait))
	assert.Equal(t, Fence(3), ctrl.Device().Completed())

	ctrl.Stop()
	assert.Equal(t, Fence(3), ctrl.Device().Retired())

	// every job and the ring went back to the pool
	for _, e := range p.Extents() {
		assert.False(t, e.Used, "extent at %v still in use", e.Addr)
	}
}

func TestControl_ReloadRecover(t *testing.T) {
	ctrl, c := newTestControl(t)
	defer ctrl.Stop()

	assert.False(t, ctrl.Device().recover.Load())

	require.NoError(t, c.ReloadConfigString(testSimConfig+"device: {recover: true}\n"))
	assert.True(t, ctrl.Device().recover.Load())

	require.NoError(t, c.ReloadConfigString(testSimConfig))
	assert.False(t, ctrl.Device().recover.Load())
}
