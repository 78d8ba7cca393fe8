package appconf

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/gcfg.v1"
)

type QemuParams struct {
	Binary string `gcfg:"binary"`

	// ProbeTimeout is in seconds
	ProbeTimeout int `gcfg:"probe-timeout"`
}

type ContainerParams struct {
	MachineType            string `gcfg:"machine-type"`
	StrictMode             bool   `gcfg:"strict-mode"`
	InvalidMachineFallback bool   `gcfg:"invalid-machine-fallback"`
}

type MonitorParams struct {
	Dir      string `gcfg:"dir"`
	Protocol string `gcfg:"protocol"`

	// Timeouts are in seconds
	ConnectTimeout int `gcfg:"connect-timeout"`
	HotplugTimeout int `gcfg:"hotplug-timeout"`
}

// Config represents the qdevctl configuration
type Config struct {
	Qemu      QemuParams
	Container ContainerParams
	Monitor   MonitorParams
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Qemu.ProbeTimeout) * time.Second
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Monitor.ConnectTimeout) * time.Second
}

func (c *Config) HotplugTimeout() time.Duration {
	return time.Duration(c.Monitor.HotplugTimeout) * time.Second
}

func defaults() Config {
	return Config{
		Qemu: QemuParams{
			Binary:       "qemu-system-x86_64",
			ProbeTimeout: 10,
		},
		Monitor: MonitorParams{
			Dir:            "/var/run/kvmtest",
			Protocol:       "qmp",
			ConnectTimeout: 30,
			HotplugTimeout: 60,
		},
	}
}

// NewConfig reads and parses the configuration file and returns
// a new instance of Config on success. A missing file is not an error,
// the defaults are used then.
func NewConfig(p string) (*Config, error) {
	cfg := defaults()

	if p == "" {
		return &cfg, nil
	}

	if _, err := os.Stat(p); os.IsNotExist(err) {
		return &cfg, nil
	}

	err := gcfg.ReadFileInto(&cfg, p)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %s", err)
	}

	if cfg.Qemu.ProbeTimeout <= 0 || cfg.Monitor.ConnectTimeout <= 0 || cfg.Monitor.HotplugTimeout <= 0 {
		return nil, fmt.Errorf("failed to parse config file: timeouts must be positive")
	}

	return &cfg, nil
}
