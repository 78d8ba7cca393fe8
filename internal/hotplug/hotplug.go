package hotplug

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xef53/kvmtest/qdev"

	qmp "github.com/0xef53/go-qmp/v2"
	"github.com/sirupsen/logrus"
)

var (
	ErrHotplugFailed = errors.New("hotplug failed")
	ErrUnplugFailed  = errors.New("unplug failed")
	ErrNotConfirmed  = errors.New("change is not confirmed by the instance")
)

// Monitor is the subset of *qmp.Monitor used by the driver.
type Monitor interface {
	Run(cmd interface{}, res interface{}) error
	RunHuman(cmdline string) (string, error)
}

// deletedEventWaiter is implemented by monitors that deliver QMP events.
type deletedEventWaiter interface {
	WaitDeviceDeletedEvent(ctx context.Context, device string, after uint64) (*qmp.Event, error)
}

type Protocol int

const (
	HMP Protocol = iota
	QMP
)

func (p Protocol) String() string {
	if p == QMP {
		return "qmp"
	}
	return "hmp"
}

func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "hmp", "HMP", "":
		return HMP, nil
	case "qmp", "QMP":
		return QMP, nil
	}

	return HMP, fmt.Errorf("unknown monitor protocol: %s", s)
}

type Config struct {
	Protocol Protocol

	// Timeout limits the wait for a change to become visible.
	Timeout time.Duration

	PollInterval time.Duration

	Logger *logrus.Entry
}

// Driver applies hotplug and unplug operations to a running instance and
// keeps the container in step. All container mutations go through one lock.
type Driver struct {
	mu sync.Mutex

	c   *qdev.Container
	mon Monitor

	proto        Protocol
	timeout      time.Duration
	pollInterval time.Duration

	logger *logrus.Entry
}

func NewDriver(c *qdev.Container, mon Monitor, cfg Config) *Driver {
	d := Driver{
		c:            c,
		mon:          mon,
		proto:        cfg.Protocol,
		timeout:      cfg.Timeout,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
	}

	if d.timeout <= 0 {
		d.timeout = 60 * time.Second
	}
	if d.pollInterval <= 0 {
		d.pollInterval = 500 * time.Millisecond
	}
	if d.logger == nil {
		d.logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "hotplug")
	}

	return &d
}

// Container returns the underlying container. Callers must not
// mutate it while hotplug operations are running.
func (d *Driver) Container() *qdev.Container {
	return d.c
}

// WithContainer runs fn with exclusive access to the container.
func (d *Driver) WithContainer(fn func(*qdev.Container) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return fn(d.c)
}

func (d *Driver) sendHMP(cmd qdev.HMPCommand) (string, error) {
	d.logger.Debugf("HMP: %s", cmd)

	return d.mon.RunHuman(cmd.String())
}

func (d *Driver) sendQMP(cmd qdev.QMPCommand) (string, error) {
	d.logger.Debugf("QMP: %s", cmd)

	if cmd.Name == "human-monitor-command" {
		line, _ := cmd.Arguments["command-line"].(string)
		return d.mon.RunHuman(line)
	}

	if err := d.mon.Run(qmp.Command{Name: cmd.Name, Arguments: cmd.Arguments}, nil); err != nil {
		return "", err
	}

	return "", nil
}

func (d *Driver) checkAdd(dev *qdev.Device) error {
	var err error

	if d.proto == QMP {
		_, err = d.c.HotplugQMP(dev)
	} else {
		_, err = d.c.HotplugHMP(dev)
	}

	return err
}

func (d *Driver) sendAdd(dev *qdev.Device) (string, error) {
	if d.proto == QMP {
		cmd, err := d.c.HotplugQMP(dev)
		if err != nil {
			return "", err
		}
		return d.sendQMP(cmd)
	}

	cmd, err := d.c.HotplugHMP(dev)
	if err != nil {
		return "", err
	}

	return d.sendHMP(cmd)
}

func (d *Driver) sendDel(dev *qdev.Device) (string, error) {
	if d.proto == QMP {
		cmd, err := d.c.UnplugQMP(dev)
		if err != nil {
			return "", err
		}
		return d.sendQMP(cmd)
	}

	cmd, err := d.c.UnplugHMP(dev)
	if err != nil {
		return "", err
	}

	return d.sendHMP(cmd)
}

// waitQtree polls "info qtree" until the device reaches the expected state.
func (d *Driver) waitQtree(ctx context.Context, dev *qdev.Device, present bool) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		qtree, err := d.mon.RunHuman("info qtree")
		if err != nil {
			d.logger.Debugf("info qtree: %s", err)
		} else if dev.VerifyQtree(qtree, present) == qdev.Confirmed {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %s", ErrNotConfirmed, dev, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Hotplug inserts dev into the container and adds it to the instance.
// If the instance rejects the device, it is removed from the container.
// If the result cannot be confirmed in time, the device stays in the
// container and the container stays dirty.
func (d *Driver) Hotplug(ctx context.Context, dev *qdev.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkAdd(dev); err != nil {
		return err
	}

	res, err := d.c.Insert(dev, false)
	if err != nil {
		return err
	}

	d.c.SetDirty()

	rollback := func(reason string) error {
		if err := d.c.Remove(res.Device); err != nil {
			d.logger.Warnf("Device %s was not in the container on rollback: %s", dev, err)
		}
		d.c.SetClean()
		return fmt.Errorf("%w: %s: %s", ErrHotplugFailed, dev, reason)
	}

	out, err := d.sendAdd(dev)
	if err != nil {
		return rollback(err.Error())
	}

	switch dev.VerifyHotplug(out) {
	case qdev.Confirmed:
		d.c.SetClean()
		d.logger.Infof("Device %s was added", dev)
		return nil
	case qdev.Failed:
		return rollback(out)
	}

	if dev.Variant() != qdev.VariantDevice {
		// nothing in qtree to look for
		d.c.SetClean()
		d.logger.Infof("Device %s was added", dev)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.waitQtree(ctx, dev, true); err != nil {
		d.logger.Warnf("Hotplug of %s is not confirmed, the container is left dirty", dev)
		return err
	}

	d.c.SetClean()

	d.logger.Infof("Device %s was added", dev)

	return nil
}

// Unplug removes a device given as *qdev.Device or autotest id from
// the instance, and from the container once the removal is confirmed.
func (d *Driver) Unplug(ctx context.Context, ref interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var dev *qdev.Device

	switch v := ref.(type) {
	case *qdev.Device:
		if v != nil && d.c.ByAutotestID(v.AutotestID()) == v {
			dev = v
		}
	case string:
		dev = d.c.ByAutotestID(v)
	}

	if dev == nil {
		return fmt.Errorf("%w: device %v", qdev.ErrNotFound, ref)
	}

	ts := time.Now()

	d.c.SetDirty()

	out, err := d.sendDel(dev)
	if err != nil {
		d.c.SetClean()
		if qdev.IsCapabilityError(err) || errors.Is(err, qdev.ErrNotSupported) {
			return err
		}
		return fmt.Errorf("%w: %s: %s", ErrUnplugFailed, dev, err)
	}

	switch dev.VerifyUnplug(out) {
	case qdev.Failed:
		d.c.SetClean()
		return fmt.Errorf("%w: %s: %s", ErrUnplugFailed, dev, out)
	case qdev.Indeterminate:
		if dev.Variant() == qdev.VariantDevice {
			ctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			if err := d.waitDeleted(ctx, dev, ts); err != nil {
				d.logger.Warnf("Unplug of %s is not confirmed, the container is left dirty", dev)
				return err
			}
		}
	}

	if err := d.c.Remove(dev); err != nil {
		d.logger.Warnf("Device %s was not in the container: %s", dev, err)
	}

	d.c.SetClean()

	d.logger.Infof("Device %s was removed", dev)

	return nil
}

func (d *Driver) waitDeleted(ctx context.Context, dev *qdev.Device, ts time.Time) error {
	if w, ok := d.mon.(deletedEventWaiter); ok && d.proto == QMP {
		if _, err := w.WaitDeviceDeletedEvent(ctx, dev.QemuID(), uint64(ts.Unix())); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return fmt.Errorf("%w: %s: %s", ErrNotConfirmed, dev, err)
			}
			return err
		}
		return nil
	}

	return d.waitQtree(ctx, dev, false)
}
