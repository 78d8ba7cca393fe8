package qdev

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

type Config struct {
	// MachineType is matched case-insensitively against the supported
	// machine types. Empty means the default machine type.
	MachineType string

	// StrictMode makes buses write every address field and the bus id
	// into inserted devices.
	StrictMode bool

	// InvalidMachineFallback builds an i440FX topology for machine types
	// the binary does not know. Used to pass malformed -M values on purpose.
	InvalidMachineFallback bool

	Logger *logrus.Entry
}

// Result describes a successful insertion. Warnings are filled when
// force mode tolerated constraint violations.
type Result struct {
	Device   *Device
	Warnings []string
}

func (r *Result) Forced() bool {
	return len(r.Warnings) > 0
}

// Err returns a *ForcedInsertError summarizing the warnings, or nil.
func (r *Result) Err() error {
	if len(r.Warnings) == 0 {
		return nil
	}

	return &ForcedInsertError{
		Device:   r.Device.String(),
		Problems: append([]string(nil), r.Warnings...),
	}
}

// Container is the registry of all devices and buses of one virtual machine.
// It does no locking: callers serialize access.
type Container struct {
	caps   Capabilities
	strict bool

	machine string
	chipset Chipset

	devices []*Device
	buses   []*Bus

	dirty int

	logger *logrus.Entry
}

// New returns a container seeded with the default topology of the
// requested machine type.
func New(caps Capabilities, cfg Config) (*Container, error) {
	if caps == nil {
		return nil, fmt.Errorf("%w: capabilities must be set", ErrInvalidValue)
	}

	c := Container{
		caps:   caps,
		strict: cfg.StrictMode,
		logger: cfg.Logger,
	}

	if c.logger == nil {
		c.logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "qdev")
	}

	if err := c.seedMachine(cfg.MachineType, cfg.InvalidMachineFallback); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Container) MachineType() string { return c.machine }

func (c *Container) Chipset() Chipset { return c.chipset }

func (c *Container) StrictMode() bool { return c.strict }

func (c *Container) checkCapability(dev *Device) error {
	switch dev.Variant() {
	case VariantDevice:
		if !c.caps.SupportsDevice(dev.Driver()) {
			return &CapabilityError{What: "device", Name: dev.Driver()}
		}
	case VariantDrive, VariantNetdev, VariantCustom:
		if !c.caps.SupportsOption(dev.Kind()) {
			return &CapabilityError{What: "option", Name: dev.Kind()}
		}
	}

	return nil
}

// forcedCandidate picks the bus used for a forced placement. A bus that
// failed for lack of room or a bad address is preferred over one whose
// bus id did not match. Otherwise the first candidate wins.
func forcedCandidate(candidates []*Bus, attempts []*Placement) *Bus {
	for i, p := range attempts {
		if p.Has(ProblemNoFreeSlot) || p.Has(ProblemUsedSlot) || p.Has(ProblemBadAddr) {
			return candidates[i]
		}
	}

	return candidates[0]
}

// Insert plugs dev into the buses its parent specs select, registers
// its child buses and assigns an autotest id.
//
// Without force any failure leaves the container and the device as
// they were and returns an *InsertError. With force the problems are
// returned as warnings in the result. Capability errors are fatal in
// both modes.
func (c *Container) Insert(dev *Device, force bool) (*Result, error) {
	if err := c.checkCapability(dev); err != nil {
		return nil, err
	}

	if c.index(dev) >= 0 {
		return nil, fmt.Errorf("%w: %s is already inserted", ErrInvalidValue, dev)
	}

	saved := dev.params.Clone()

	var used, added []*Bus
	var warnings []string

	fail := func(reason string) (*Result, error) {
		for _, b := range used {
			b.Remove(dev)
		}
		if len(added) > 0 {
			c.buses = c.buses[len(added):]
		}
		dev.params.Restore(saved)

		c.logger.Debugf("Failed to insert %s: %s", dev, reason)

		return nil, &InsertError{Device: dev.String(), Reason: reason, Buses: c.BusesLong()}
	}

	for _, spec := range dev.parents {
		candidates := c.GetBuses(spec)

		if len(candidates) == 0 {
			if spec.Optional {
				continue
			}
			if !force {
				return fail(fmt.Sprintf("no matching bus for %s", spec))
			}
			warnings = append(warnings, fmt.Sprintf("no matching bus for %s", spec))
			continue
		}

		var placed bool

		attempts := make([]*Placement, 0, len(candidates))
		reasons := make([]string, 0, len(candidates))

		for _, b := range candidates {
			p := b.Insert(dev, c.strict, false)
			if p.OK() {
				used = append(used, b)
				placed = true
				break
			}
			attempts = append(attempts, p)
			reasons = append(reasons, fmt.Sprintf("%s: %s", b.ID(), p.Detail))
		}

		if placed {
			continue
		}

		if !force {
			return fail(fmt.Sprintf("unable to place into %s (%s)", spec, strings.Join(reasons, "; ")))
		}

		b := forcedCandidate(candidates, attempts)
		p := b.Insert(dev, c.strict, true)
		used = append(used, b)
		warnings = append(warnings, p.Detail)
	}

	// Newer buses shadow older ones in lookups
	if len(dev.children) > 0 {
		added = dev.ChildBuses()
		c.buses = append(append(make([]*Bus, 0, len(added)+len(c.buses)), added...), c.buses...)
	}

	if qid := dev.QemuID(); qid != "" && len(c.ByQemuID(qid)) > 0 {
		if !force {
			return fail(fmt.Sprintf("duplicate qemu id %s", qid))
		}
		warnings = append(warnings, fmt.Sprintf("qemu id %s is already in use", qid))
	}

	dev.SetAutotestID(c.uniqueAutotestID(dev))

	c.devices = append(c.devices, dev)

	res := Result{Device: dev, Warnings: warnings}

	if res.Forced() {
		c.logger.Warnf("Device %s was force-inserted: %s", dev, strings.Join(warnings, "; "))
	} else {
		c.logger.Debugf("Inserted %s", dev)
	}

	return &res, nil
}

// InsertAll inserts devs in order. If one of them fails, the devices
// of this batch inserted so far are removed again.
func (c *Container) InsertAll(devs []*Device, force bool) ([]*Result, error) {
	results := make([]*Result, 0, len(devs))

	for _, dev := range devs {
		res, err := c.Insert(dev, force)
		if err != nil {
			for i := len(results) - 1; i >= 0; i-- {
				c.remove(results[i].Device)
			}
			return nil, err
		}
		results = append(results, res)
	}

	return results, nil
}

func (c *Container) uniqueAutotestID(dev *Device) string {
	base := dev.AutotestID()

	if base == "" {
		base = dev.QemuID()
	}
	if base == "" {
		base = dev.Kind()
	}

	aid := base

	for i := 1; c.ByAutotestID(aid) != nil; i++ {
		aid = fmt.Sprintf("%s__%d", base, i)
	}

	return aid
}

func (c *Container) index(dev *Device) int {
	for i, d := range c.devices {
		if d == dev {
			return i
		}
	}
	return -1
}

func (c *Container) busIndex(bus *Bus) int {
	for i, b := range c.buses {
		if b == bus {
			return i
		}
	}
	return -1
}

func (c *Container) resolve(ref interface{}) (*Device, error) {
	switch v := ref.(type) {
	case *Device:
		if v != nil && c.index(v) >= 0 {
			return v, nil
		}
	case string:
		if d := c.ByAutotestID(v); d != nil {
			return d, nil
		}
	default:
		return nil, fmt.Errorf("%w: unsupported device reference type %T", ErrInvalidValue, ref)
	}

	return nil, fmt.Errorf("%w: device %v", ErrNotFound, ref)
}

// Remove deletes a device given as *Device or autotest id, together
// with its child buses and everything plugged into them.
func (c *Container) Remove(ref interface{}) error {
	dev, err := c.resolve(ref)
	if err != nil {
		return err
	}

	c.remove(dev)

	return nil
}

func (c *Container) remove(dev *Device) {
	if c.index(dev) < 0 {
		return
	}

	for _, child := range dev.children {
		idx := c.busIndex(child)
		if idx < 0 {
			continue
		}
		for _, d := range child.Devices() {
			c.remove(d)
		}
		c.buses = append(c.buses[:idx], c.buses[idx+1:]...)
	}

	for _, b := range c.buses {
		b.Remove(dev)
	}

	if idx := c.index(dev); idx >= 0 {
		c.devices = append(c.devices[:idx], c.devices[idx+1:]...)
	}

	c.logger.Debugf("Removed %s", dev)
}

// GetBuses returns the buses matching spec, most recently added first.
func (c *Container) GetBuses(spec BusSpec) []*Bus {
	var buses []*Bus

	for _, b := range c.buses {
		if b.Match(spec) {
			buses = append(buses, b)
		}
	}

	return buses
}

func (c *Container) GetBus(id string) *Bus {
	for _, b := range c.buses {
		if b.ID() == id {
			return b
		}
	}
	return nil
}

func (c *Container) ByAutotestID(aid string) *Device {
	for _, d := range c.devices {
		if d.AutotestID() == aid {
			return d
		}
	}
	return nil
}

func (c *Container) ByQemuID(qid string) []*Device {
	var devs []*Device

	for _, d := range c.devices {
		if d.QemuID() == qid {
			devs = append(devs, d)
		}
	}

	return devs
}

// ByParams returns the devices whose parameters have all the given textual values.
func (c *Container) ByParams(match map[string]string) []*Device {
	var devs []*Device

outer:
	for _, d := range c.devices {
		for k, want := range match {
			v, ok := d.Get(k)
			if !ok || v.Text() != want {
				continue outer
			}
		}
		devs = append(devs, d)
	}

	return devs
}

func (c *Container) Devices() []*Device {
	return append([]*Device(nil), c.devices...)
}

func (c *Container) Buses() []*Bus {
	return append([]*Bus(nil), c.buses...)
}

func (c *Container) Len() int {
	return len(c.devices)
}

// MissingNamedBuses returns the names produced by pattern for 0..count-1
// that are not yet present as buses of the given type.
func (c *Container) MissingNamedBuses(busType, pattern string, count int) []string {
	var missing []string

	for i := 0; i < count; i++ {
		name := fmt.Sprintf(pattern, i)
		if len(c.GetBuses(BusSpec{ID: name, Type: busType})) == 0 {
			missing = append(missing, name)
		}
	}

	return missing
}

// Cmdline renders the device part of the qemu command line.
func (c *Container) Cmdline() string {
	parts := make([]string, 0, len(c.devices))

	for _, d := range c.devices {
		if s := d.Cmdline(); s != "" {
			parts = append(parts, s)
		}
	}

	return strings.Join(parts, " ")
}

//
// Dirty counter
//

// SetDirty marks the model as out of sync with the running instance.
// Calls nest.
func (c *Container) SetDirty() {
	c.dirty++
}

// SetClean undoes one SetDirty.
func (c *Container) SetClean() {
	if c.dirty == 0 {
		c.logger.Warn("SetClean called on a clean container")
		return
	}
	c.dirty--
}

func (c *Container) IsDirty() bool {
	return c.dirty > 0
}

func (c *Container) Dirty() int {
	return c.dirty
}

//
// Capabilities
//

func (c *Container) HasOption(name string) bool {
	return c.caps.SupportsOption(name)
}

func (c *Container) HasDevice(driver string) bool {
	return c.caps.SupportsDevice(driver)
}

func (c *Container) HasHMPCommand(name string) bool {
	return c.caps.SupportsHumanMonitorCommand(name)
}

func (c *Container) HasQMPCommand(name string) bool {
	return c.caps.SupportsQMPCommand(name)
}

//
// Diagnostics
//

func (c *Container) String() string {
	names := make([]string, 0, len(c.devices))

	for _, d := range c.devices {
		names = append(names, d.AutotestID())
	}

	return fmt.Sprintf("Devices of %s: %s", c.machine, strings.Join(names, ", "))
}

func (c *Container) Long() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Machine type: %s (%s)\n", c.machine, c.chipset)
	sb.WriteString("Devices:\n")

	for _, d := range c.devices {
		line := d.Cmdline()
		if line == "" {
			line = "<implicit> " + d.Params().Join()
		}
		fmt.Fprintf(&sb, "  %s: %s\n", d.AutotestID(), strings.TrimSpace(line))
	}

	sb.WriteString("Buses:\n")
	sb.WriteString(c.BusesLong())

	return sb.String()
}

func (c *Container) BusesString() string {
	lines := make([]string, 0, len(c.buses))

	for _, b := range c.buses {
		lines = append(lines, b.String())
	}

	return strings.Join(lines, "\n")
}

func (c *Container) BusesLong() string {
	var sb strings.Builder

	for _, b := range c.buses {
		sb.WriteString(b.Long())
	}

	return sb.String()
}
