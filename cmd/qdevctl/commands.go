package main

import (
	"encoding/json"
	"fmt"

	"github.com/0xef53/kvmtest/internal/hotplug"
	"github.com/0xef53/kvmtest/internal/monitor"
	"github.com/0xef53/kvmtest/qdev"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var descFlag = &cli.StringFlag{
	Name:    "file",
	Aliases: []string{"f"},
	Usage:   "machine description in YAML",
}

var cmdProbe = &cli.Command{
	Name:  "probe",
	Usage: "print the capabilities of the qemu binary",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		caps, err := probeCapabilities(ctx, cfg)
		if err != nil {
			return err
		}

		b, err := json.MarshalIndent(caps, "", "    ")
		if err != nil {
			return err
		}

		fmt.Printf("%s\n", b)

		return nil
	},
}

var cmdCmdline = &cli.Command{
	Name:  "cmdline",
	Usage: "print the qemu command line of a machine description",
	Flags: []cli.Flag{descFlag},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		desc, err := loadDescription(c, cfg)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		container, err := buildContainer(ctx, c, cfg, desc)
		if err != nil {
			return err
		}

		fmt.Println(container.Cmdline())

		return nil
	},
}

var cmdTopology = &cli.Command{
	Name:  "topology",
	Usage: "print buses and devices of a machine description",
	Flags: []cli.Flag{
		descFlag,
		&cli.BoolFlag{Name: "long", Aliases: []string{"l"}, Usage: "print full device parameters"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		desc, err := loadDescription(c, cfg)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		container, err := buildContainer(ctx, c, cfg, desc)
		if err != nil {
			return err
		}

		if c.Bool("long") {
			fmt.Println(container.Long())
			fmt.Println(container.BusesLong())
		} else {
			fmt.Println(container)
			fmt.Println(container.BusesString())
		}

		return nil
	},
}

var monitorFlags = []cli.Flag{
	descFlag,
	&cli.StringFlag{
		Name:     "socket",
		Usage:    "QMP socket path or instance name",
		Required: true,
	},
	&cli.StringFlag{
		Name:  "device",
		Usage: "device id (qemu id for hotplug, autotest id for unplug)",
	},
	&cli.StringFlag{
		Name:  "protocol",
		Usage: "monitor protocol used for hotplug commands (hmp or qmp)",
	},
}

// withDriver builds the topology of the description and connects
// a hotplug driver to the running instance.
func withDriver(c *cli.Context, fn func(*hotplug.Driver, []*qdev.Device) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	desc, err := loadDescription(c, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	container, err := buildContainer(ctx, c, cfg, desc)
	if err != nil {
		return err
	}

	pending, err := desc.HotplugDevices()
	if err != nil {
		return err
	}

	protoName := cfg.Monitor.Protocol
	if v := c.String("protocol"); v != "" {
		protoName = v
	}

	proto, err := hotplug.ParseProtocol(protoName)
	if err != nil {
		return cli.Exit(err, 1)
	}

	pool := monitor.NewPool(cfg.Monitor.Dir, cfg.ConnectTimeout())
	defer pool.CloseAll()

	name := c.String("socket")

	if _, err := pool.NewMonitor(name); err != nil {
		return fmt.Errorf("unable to connect to %s: %w", pool.SocketPath(name), err)
	}

	drv := hotplug.NewDriver(container, pool.Instance(name), hotplug.Config{
		Protocol: proto,
		Timeout:  cfg.HotplugTimeout(),
		Logger:   log.WithField("component", "hotplug"),
	})

	return fn(drv, pending)
}

var cmdHotplug = &cli.Command{
	Name:  "hotplug",
	Usage: "add the devices marked for hotplug to a running instance",
	Flags: monitorFlags,
	Action: func(c *cli.Context) error {
		return withDriver(c, func(drv *hotplug.Driver, pending []*qdev.Device) error {
			ctx, cancel := signalContext()
			defer cancel()

			var count int

			for _, dev := range pending {
				if id := c.String("device"); id != "" && dev.QemuID() != id {
					continue
				}

				if err := drv.Hotplug(ctx, dev); err != nil {
					return err
				}

				fmt.Println(dev.AutotestID())
				count++
			}

			if count == 0 {
				return fmt.Errorf("%w: no devices to hotplug", qdev.ErrNotFound)
			}

			return nil
		})
	},
}

var cmdUnplug = &cli.Command{
	Name:  "unplug",
	Usage: "remove a device from a running instance",
	Flags: monitorFlags,
	Action: func(c *cli.Context) error {
		id := c.String("device")
		if id == "" {
			return cli.Exit("device autotest id is required (--device)", 1)
		}

		return withDriver(c, func(drv *hotplug.Driver, _ []*qdev.Device) error {
			ctx, cancel := signalContext()
			defer cancel()

			return drv.Unplug(ctx, id)
		})
	},
}
