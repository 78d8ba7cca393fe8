package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/0xef53/kvmtest/internal/helpers"
	"github.com/0xef53/kvmtest/internal/qemu"
	qemu_types "github.com/0xef53/kvmtest/internal/qemu/types"
	"github.com/0xef53/kvmtest/internal/version"
	"github.com/0xef53/kvmtest/qdev"

	qmp "github.com/0xef53/go-qmp/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var ErrProbeFailed = errors.New("capability probe failed")

type Options struct {
	// Timeout limits every single qemu invocation.
	Timeout time.Duration

	// SocketDir is where the temporary QMP socket is created.
	SocketDir string

	// SkipMonitor disables the monitor session. No HMP or QMP
	// commands are reported as supported then.
	SkipMonitor bool

	Logger *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.SocketDir == "" {
		o.SocketDir = os.TempDir()
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "probe")
	}
}

// Capabilities is the probed feature set of a qemu binary.
type Capabilities struct {
	qdev.StaticCapabilities

	Binary  string `json:"binary"`
	Version string `json:"version"`
}

var _ qdev.Capabilities = new(Capabilities)

func (c *Capabilities) QemuVersion() *version.Version {
	return version.MustParse(c.Version)
}

// run executes the binary in its own process group and returns
// the combined output. The whole group is killed on timeout.
func run(ctx context.Context, timeout time.Duration, binary string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, args...)

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %s %v: %s", ErrProbeFailed, binary, args, ctx.Err())
		}
		code, _ := helpers.CommandExitCode(err)
		return string(out), fmt.Errorf("%w: %s %v: exit code %d", ErrProbeFailed, binary, args, code)
	}

	return string(out), nil
}

// Probe asks the binary which options, devices, machine types and
// monitor commands it supports.
func Probe(ctx context.Context, binary string, opts Options) (*Capabilities, error) {
	opts.setDefaults()

	exe, err := helpers.ResolveExecutable(binary)
	if err != nil {
		return nil, err
	}

	caps := Capabilities{Binary: exe}

	var helpText, deviceText, machineText string
	var monMachines []qdev.MachineType

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		out, err := run(gctx, opts.Timeout, exe, "-version")
		if err != nil {
			return err
		}
		v, err := version.FromBanner(out)
		if err != nil {
			return err
		}
		caps.Version = v.String()
		return nil
	})

	group.Go(func() (err error) {
		helpText, err = run(gctx, opts.Timeout, exe, "-help")
		return err
	})

	group.Go(func() (err error) {
		deviceText, err = run(gctx, opts.Timeout, exe, "-device", "help")
		return err
	})

	group.Go(func() error {
		// Not fatal: the machine table is used instead
		out, err := run(gctx, opts.Timeout, exe, "-machine", "help")
		if err != nil {
			opts.Logger.Warnf("Failed to list machine types: %s", err)
			return nil
		}
		machineText = out
		return nil
	})

	if !opts.SkipMonitor {
		group.Go(func() error {
			res, err := probeMonitor(gctx, exe, opts)
			if err != nil {
				return err
			}
			caps.HMPCommands = res.hmp
			caps.QMPCommands = res.qmp
			monMachines = res.machines
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	caps.Options = ParseHelp(helpText)
	caps.Devices = ParseDeviceHelp(deviceText)
	caps.MachineTypes = ParseMachineHelp(machineText)

	if len(caps.MachineTypes) == 0 {
		caps.MachineTypes = monMachines
	}

	if len(caps.MachineTypes) == 0 {
		types, err := qemu.KnownMachineTypes(caps.Version)
		if err != nil {
			return nil, err
		}
		caps.MachineTypes = types
	}

	opts.Logger.Debugf(
		"Probed %s (version %s): %d options, %d devices, %d machine types, %d HMP and %d QMP commands",
		exe, caps.Version, len(caps.Options), len(caps.Devices), len(caps.MachineTypes), len(caps.HMPCommands), len(caps.QMPCommands),
	)

	return &caps, nil
}

type monitorResult struct {
	hmp      []string
	qmp      []string
	machines []qdev.MachineType
}

// machineTypes converts the "query-machines" result. Aliases are
// listed as separate machine types, like "-machine help" does.
func machineTypes(infos []qemu_types.MachineInfo) []qdev.MachineType {
	types := make([]qdev.MachineType, 0, len(infos))

	for _, m := range infos {
		if m.Alias != "" {
			types = append(types, qdev.MachineType{Name: m.Alias})
		}
		types = append(types, qdev.MachineType{Name: m.Name, Default: m.IsDefault})
	}

	return types
}

// probeMonitor starts a paused instance with a QMP socket and lists
// the supported monitor commands and machine types.
func probeMonitor(ctx context.Context, exe string, opts Options) (*monitorResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	sockPath := filepath.Join(opts.SocketDir, "qdev-probe-"+uuid.New().String()+".qmp")
	defer os.Remove(sockPath)

	cmd := exec.Command(exe, "-S", "-nodefaults", "-display", "none", "-machine", "none", "-qmp", "unix:"+sockPath+",server,nowait")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProbeFailed, err)
	}

	opts.Logger.Debugf("Started monitor probe of %s (pid = %d)", exe, cmd.Process.Pid)

	defer func() {
		unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		cmd.Wait()
	}()

	mon, err := connect(ctx, sockPath)
	if err != nil {
		return nil, err
	}
	defer mon.Close()

	var commands []qemu_types.CommandInfo

	if err := mon.Run(qmp.Command{Name: "query-commands", Arguments: nil}, &commands); err != nil {
		return nil, fmt.Errorf("%w: query-commands: %s", ErrProbeFailed, err)
	}

	qmpCmds := make([]string, 0, len(commands))
	for _, c := range commands {
		qmpCmds = append(qmpCmds, c.Name)
	}

	help, err := mon.RunHuman("help")
	if err != nil {
		return nil, fmt.Errorf("%w: human-monitor-command help: %s", ErrProbeFailed, err)
	}

	res := monitorResult{
		hmp: ParseHMPHelp(help),
		qmp: uniqSorted(qmpCmds),
	}

	var machines []qemu_types.MachineInfo

	if err := mon.Run(qmp.Command{Name: "query-machines", Arguments: nil}, &machines); err == nil {
		res.machines = machineTypes(machines)
	} else {
		opts.Logger.Debugf("query-machines: %s", err)
	}

	return &res, nil
}

func connect(ctx context.Context, sockPath string) (*qmp.Monitor, error) {
	for {
		mon, err := qmp.NewMonitor(sockPath, 5*time.Second)
		if err == nil {
			return mon, nil
		}

		if !qmp.IsSocketNotAvailable(err) {
			return nil, fmt.Errorf("%w: %s", ErrProbeFailed, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: monitor socket did not appear: %s", ErrProbeFailed, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

var cache = struct {
	sync.Mutex
	m map[string]*Capabilities
}{m: make(map[string]*Capabilities)}

// Cached is Probe with a per-binary cache.
func Cached(ctx context.Context, binary string, opts Options) (*Capabilities, error) {
	exe, err := helpers.ResolveExecutable(binary)
	if err != nil {
		return nil, err
	}

	cache.Lock()
	defer cache.Unlock()

	if c, ok := cache.m[exe]; ok {
		return c, nil
	}

	c, err := Probe(ctx, exe, opts)
	if err != nil {
		return nil, err
	}

	cache.m[exe] = c

	return c, nil
}
