package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dnxgpu/dnx"
	"github.com/dnxgpu/dnx/config"
	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
)

var logger service.Logger

type program struct {
	configPath *string
	configTest *bool
	build      string
	control    *dnx.Control
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	logger.Info("dnx service starting.")

	l := logrus.New()
	HookLogger(l)

	c := config.NewC(l)
	if err := c.Load(*p.configPath); err != nil {
		return fmt.Errorf("failed to load config: %s", err)
	}

	ctrl, err := dnx.Main(c, *p.configTest, p.build, l)
	if err != nil {
		return err
	}
	if ctrl == nil {
		return nil
	}

	p.control = ctrl
	p.control.Start()
	return nil
}

func (p *program) Stop(s service.Service) error {
	logger.Info("dnx service stopping.")
	if p.control != nil {
		p.control.Stop()
	}
	return nil
}

func doService(configPath *string, configTest *bool, build string, serviceFlag *string) {
	if *configPath == "" {
		ex, err := os.Executable()
		if err != nil {
			panic(err)
		}
		*configPath = filepath.Dir(ex) + "/config.yaml"
	}

	svcConfig := &service.Config{
		Name:        "dnx",
		DisplayName: "dnx GPU driver",
		Description: "User space driver for the dnx stream controlled GPU",
		Arguments:   []string{"-service", "run", "-config", *configPath},
	}

	prg := &program{
		configPath: configPath,
		configTest: configTest,
		build:      build,
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	errs := make(chan error, 5)
	logger, err = s.Logger(errs)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		for {
			err := <-errs
			if err != nil {
				log.Print(err)
			}
		}
	}()

	switch *serviceFlag {
	case "run":
		err = s.Run()
		if err != nil {
			logger.Error(err)
		}
	default:
		err := service.Control(s, *serviceFlag)
		if err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			log.Fatal(err)
		}
		return
	}
}
