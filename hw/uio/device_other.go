//go:build !linux

package uio

import (
	"context"
	"errors"

	"github.com/dnxgpu/dnx/hw"
	"github.com/sirupsen/logrus"
)

// Device is unavailable outside of linux.
type Device struct {
	hw.FullBarrier
}

func Open(l *logrus.Logger, c Config) (*Device, error) {
	return nil, errors.New("uio devices are only supported on linux")
}

func (d *Device) Memory() *hw.Window              { return nil }
func (d *Device) Read32(r hw.Register) uint32     { return 0 }
func (d *Device) Write32(r hw.Register, v uint32) {}
func (d *Device) WaitIRQ(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (d *Device) Close() error { return nil }
