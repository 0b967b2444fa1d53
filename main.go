package dnx

import (
	"context"

	"github.com/dnxgpu/dnx/config"
	"github.com/dnxgpu/dnx/sshd"
	"github.com/dnxgpu/dnx/util"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

// Main builds the driver from c. Nothing runs until Control.Start is called.
// With configTest the configuration is validated and printed, the device is
// probed and released again and nil is returned.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	be, err := openBackend(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to open the device", err)
	}
	defer func() {
		if reterr != nil || configTest {
			if err := be.close(); err != nil {
				l.WithError(err).Error("Failed to close the device backend")
			}
		}
	}()

	pool, err := newPoolFromConfig(l, c, be.memory)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to set up device memory", err)
	}

	dev, err := NewDevice(l, NewDeviceConfig(c), be.regs, be.barrier, pool)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to initialize the device", err)
	}
	defer func() {
		if reterr != nil || configTest {
			dev.Close()
		}
	}()

	c.RegisterReloadCallback(func(c *config.C) {
		if c.HasChanged("device.recover") {
			enabled := c.GetBool("device.recover", false)
			dev.SetRecover(enabled)
			l.WithField("recover", enabled).Info("Hang recovery policy changed")
		}
	})

	ssh, err := sshd.NewSSHServer(l.WithField("subsystem", "sshd"), "dnx")
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Error while creating SSH server", err)
	}
	wireSSHReload(l, ssh, c)
	var sshStart func()
	if c.GetBool("sshd.enabled", false) {
		sshStart, err = configSSH(l, ssh, c)
		if err != nil {
			return nil, util.ContextualizeIfNeeded("Error while configuring the sshd", err)
		}
	}
	attachCommands(l, ssh, dev, pool, be.regs, buildVersion)

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		cancel()
		return nil, nil
	}

	c.CatchHUP(ctx)

	return &Control{
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		dev:        dev,
		pool:       pool,
		backend:    be,
		ssh:        ssh,
		sshStart:   sshStart,
		statsStart: statsStart,
	}, nil
}
