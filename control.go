package dnx

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dnxgpu/dnx/mem"
	"github.com/dnxgpu/dnx/sshd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Control struct {
	l          *logrus.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	dev        *Device
	pool       *mem.Pool
	backend    *backend
	ssh        *sshd.SSHServer
	sshStart   func()
	statsStart func()
	eg         *errgroup.Group
}

// Start runs the interrupt loop, the simulated core if there is one and the
// delayed services. This is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	if c.sshStart != nil {
		go c.sshStart()
	}
	if c.statsStart != nil {
		go c.statsStart()
	}

	eg, ctx := errgroup.WithContext(c.ctx)
	c.eg = eg

	eg.Go(func() error {
		return c.dev.ServeIRQ(ctx, c.backend.irq)
	})
	if c.backend.run != nil {
		eg.Go(func() error {
			return c.backend.run(ctx)
		})
	}

	v := c.dev.Version()
	c.l.WithField("backend", c.backend.name).
		WithField("hardware", v.Hardware).
		WithField("vcs", v.VCS).
		Info("dnx started")
}

// Stop signals the driver to shutdown, returns after the shutdown is complete
func (c *Control) Stop() {
	c.cancel()
	if c.eg != nil {
		if err := c.eg.Wait(); err != nil {
			c.l.WithError(err).Error("Interrupt loop failed")
		}
	}

	c.ssh.Stop()
	if err := c.dev.Close(); err != nil {
		c.l.WithError(err).Error("Close device failed")
	}
	if err := c.backend.close(); err != nil {
		c.l.WithError(err).Error("Close device backend failed")
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Device returns the running device.
func (c *Control) Device() *Device {
	return c.dev
}

// Pool returns the allocator for the device memory.
func (c *Control) Pool() *mem.Pool {
	return c.pool
}
