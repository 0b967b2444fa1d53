package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/dnxgpu/dnx"
	"github.com/dnxgpu/dnx/config"
	"github.com/dnxgpu/dnx/util"
	"github.com/sirupsen/logrus"
)

// Build is the reported version. Release builds set it with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// otherwise the module version from the build info is used.
var Build string

func buildVersion() string {
	if Build != "" {
		return Build
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		return strings.TrimPrefix(info.Main.Version, "v")
	}
	return "unknown"
}

func main() {
	os.Exit(run(flag.CommandLine, os.Args[1:]))
}

func run(fs *flag.FlagSet, args []string) int {
	configPath := fs.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := fs.Bool("test", false, "Test the config, probe the device and print the end result. Non zero exit indicates a faulty config")
	printVersion := fs.Bool("version", false, "Print version")
	printUsage := fs.Bool("help", false, "Print command line usage")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	switch {
	case *printVersion:
		fmt.Printf("Version: %s\n", buildVersion())
		return 0
	case *printUsage:
		fs.Usage()
		return 0
	case *configPath == "":
		fmt.Fprintln(os.Stderr, "-config flag must be set")
		fs.Usage()
		return 1
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if err := c.Load(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		return 1
	}

	ctrl, err := dnx.Main(c, *configTest, buildVersion(), l)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		return 1
	}
	if *configTest {
		return 0
	}

	ctrl.Start()
	notifyReady(l)
	ctrl.ShutdownBlock()
	return 0
}
