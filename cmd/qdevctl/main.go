package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/0xef53/kvmtest/internal/appconf"
	"github.com/0xef53/kvmtest/internal/helpers"
	"github.com/0xef53/kvmtest/internal/machinedesc"
	"github.com/0xef53/kvmtest/internal/probe"
	"github.com/0xef53/kvmtest/qdev"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	})

	app := cli.NewApp()

	app.Name = "qdevctl"
	app.Usage = "qemu device topology tool for functional tests"
	app.HideHelpCommand = true

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to the configuration file",
			EnvVars: []string{"QDEVCTL_CONFIG"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "print debug information",
			EnvVars: []string{"QDEVCTL_DEBUG", "DEBUG"},
		},
		&cli.StringFlag{
			Name:  "binary",
			Usage: "qemu binary to probe (overrides the configuration)",
		},
		&cli.BoolFlag{
			Name:  "offline",
			Usage: "use the capabilities from the machine description instead of probing",
		},
	}

	app.Before = func(c *cli.Context) error {
		if c.Bool("debug") {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}

	app.Commands = []*cli.Command{
		cmdProbe,
		cmdCmdline,
		cmdTopology,
		cmdHotplug,
		cmdUnplug,
	}

	if err := app.Run(os.Args); err != nil {
		exitWithError(err)
	}
}

var configDirs = []string{"/etc/kvmtest", "."}

func loadConfig(c *cli.Context) (*appconf.Config, error) {
	fname := c.String("config")

	if fname == "" {
		if _, p, err := helpers.LookForFile("qdevctl.ini", configDirs...); err == nil {
			fname = p
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	log.Debugf("Configuration file: %q", fname)

	cfg, err := appconf.NewConfig(fname)
	if err != nil {
		return nil, err
	}

	if v := c.String("binary"); v != "" {
		cfg.Qemu.Binary = v
	}

	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func probeCapabilities(ctx context.Context, cfg *appconf.Config) (*probe.Capabilities, error) {
	return probe.Cached(ctx, cfg.Qemu.Binary, probe.Options{
		Timeout: cfg.ProbeTimeout(),
		Logger:  log.WithField("component", "probe"),
	})
}

// loadDescription reads the machine description and applies the
// configured container defaults to the fields it leaves empty.
func loadDescription(c *cli.Context, cfg *appconf.Config) (*machinedesc.Description, error) {
	fname := c.String("file")
	if fname == "" {
		return nil, cli.Exit("machine description is required (--file)", 1)
	}

	desc, err := machinedesc.Load(fname)
	if err != nil {
		return nil, err
	}

	if desc.Machine == "" {
		desc.Machine = cfg.Container.MachineType
	}
	if cfg.Container.StrictMode {
		desc.Strict = true
	}
	if cfg.Container.InvalidMachineFallback {
		desc.InvalidMachineFallback = true
	}

	return desc, nil
}

func buildContainer(ctx context.Context, c *cli.Context, cfg *appconf.Config, desc *machinedesc.Description) (*qdev.Container, error) {
	var caps qdev.Capabilities

	if !c.Bool("offline") {
		v, err := probeCapabilities(ctx, cfg)
		if err != nil {
			return nil, err
		}
		caps = v
	}

	container, warnings, err := desc.Build(caps, log.WithField("component", "qdev"))
	if err != nil {
		return nil, err
	}

	for _, w := range warnings {
		log.Warn(w)
	}

	return container, nil
}
