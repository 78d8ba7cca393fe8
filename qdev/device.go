package qdev

import (
	"fmt"
	"strings"
)

// Variant is the closed set of device record flavours.
type Variant uint8

const (
	// VariantString is a device with a fixed command line (may be empty for implicit devices).
	VariantString Variant = iota
	// VariantCustom renders as "-<kind> k=v,...".
	VariantCustom
	// VariantDevice renders as "-device driver,k=v,...".
	VariantDevice
	// VariantDrive renders as "-drive k=v,...".
	VariantDrive
	// VariantNetdev renders as "-netdev type,k=v,...".
	VariantNetdev
)

func (v Variant) String() string {
	switch v {
	case VariantString:
		return "string"
	case VariantCustom:
		return "custom"
	case VariantDevice:
		return "device"
	case VariantDrive:
		return "drive"
	case VariantNetdev:
		return "netdev"
	}

	return "unknown"
}

func ParseVariant(s string) (Variant, error) {
	for _, v := range []Variant{VariantString, VariantCustom, VariantDevice, VariantDrive, VariantNetdev} {
		if v.String() == s {
			return v, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown device variant: %s", ErrInvalidValue, s)
}

type DeviceOptions struct {
	Params      []Param
	ParentBuses []BusSpec
	ChildBuses  []*Bus
}

// Device is a single virtual hardware object.
type Device struct {
	variant Variant
	kind    string
	cmdline string

	params *Params
	aid    string

	parents  []BusSpec
	children []*Bus
}

func newDevice(variant Variant, kind string, opts DeviceOptions) *Device {
	return &Device{
		variant:  variant,
		kind:     kind,
		params:   NewParams(opts.Params...),
		parents:  append([]BusSpec(nil), opts.ParentBuses...),
		children: append([]*Bus(nil), opts.ChildBuses...),
	}
}

// NewStringDevice returns a device whose command line is the given text.
// Params are used for bus placement and identification only.
func NewStringDevice(kind, cmdline string, opts DeviceOptions) *Device {
	d := newDevice(VariantString, kind, opts)
	d.cmdline = cmdline
	return d
}

func NewCustomDevice(kind string, opts DeviceOptions) *Device {
	return newDevice(VariantCustom, kind, opts)
}

// NewDevice returns a "-device" record. The driver is stored as the
// first parameter.
func NewDevice(driver string, opts DeviceOptions) *Device {
	d := newDevice(VariantDevice, "device", DeviceOptions{
		Params:      append([]Param{P("driver", String(driver))}, opts.Params...),
		ParentBuses: opts.ParentBuses,
		ChildBuses:  opts.ChildBuses,
	})
	return d
}

func NewDrive(opts DeviceOptions) *Device {
	return newDevice(VariantDrive, "drive", opts)
}

func NewNetdev(netType string, opts DeviceOptions) *Device {
	return newDevice(VariantNetdev, "netdev", DeviceOptions{
		Params:      append([]Param{P("type", String(netType))}, opts.Params...),
		ParentBuses: opts.ParentBuses,
		ChildBuses:  opts.ChildBuses,
	})
}

func (d *Device) Variant() Variant { return d.variant }

// Kind returns the device class ("device", "drive", "netdev", or a custom kind).
func (d *Device) Kind() string { return d.kind }

// Driver returns the "driver" parameter of a -device record.
func (d *Device) Driver() string {
	if v, ok := d.params.Get("driver"); ok {
		return v.Text()
	}
	return ""
}

func (d *Device) Params() *Params { return d.params }

func (d *Device) Get(name string) (Value, bool) {
	return d.params.Get(name)
}

func (d *Device) GetString(name string) string {
	v, _ := d.params.Get(name)
	return v.Text()
}

func (d *Device) Has(name string) bool {
	return d.params.Has(name)
}

// Set stores a parameter. The omit value deletes it.
func (d *Device) Set(name string, v Value) {
	d.params.Set(name, v)
}

// SetFlag stores a boolean parameter given as a textual or Go boolean.
func (d *Device) SetFlag(name string, a interface{}) error {
	v, err := FlagValue(a)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	d.params.Set(name, v)

	return nil
}

func (d *Device) Unset(name string) {
	d.params.Unset(name)
}

// QemuID returns the user-visible qemu id or an empty string.
func (d *Device) QemuID() string {
	if v, ok := d.params.Get("id"); ok {
		return v.Text()
	}
	return ""
}

func (d *Device) AutotestID() string { return d.aid }

func (d *Device) SetAutotestID(aid string) { d.aid = aid }

func (d *Device) ParentBuses() []BusSpec {
	return append([]BusSpec(nil), d.parents...)
}

func (d *Device) ChildBuses() []*Bus {
	return append([]*Bus(nil), d.children...)
}

// Name is a short label used in bus dumps.
func (d *Device) Name() string {
	switch {
	case d.aid != "":
		return d.aid
	case d.QemuID() != "":
		return d.QemuID()
	case d.variant == VariantDevice:
		return d.Driver()
	}

	return d.kind
}

func (d *Device) String() string {
	return fmt.Sprintf("%s(%s)", d.Name(), d.kind)
}

func (d *Device) Cmdline() string {
	return ops[d.variant].cmdline(d)
}

func (d *Device) HotplugHMP() (HMPCommand, error) {
	if f := ops[d.variant].hotplugHMP; f != nil {
		return f(d)
	}
	return HMPCommand{}, fmt.Errorf("%w: hotplug of %s", ErrNotSupported, d)
}

func (d *Device) HotplugQMP() (QMPCommand, error) {
	if f := ops[d.variant].hotplugQMP; f != nil {
		return f(d)
	}
	return QMPCommand{}, fmt.Errorf("%w: hotplug of %s", ErrNotSupported, d)
}

func (d *Device) UnplugHMP() (HMPCommand, error) {
	if f := ops[d.variant].unplugHMP; f != nil {
		return f(d)
	}
	return HMPCommand{}, fmt.Errorf("%w: unplug of %s", ErrNotSupported, d)
}

func (d *Device) UnplugQMP() (QMPCommand, error) {
	if f := ops[d.variant].unplugQMP; f != nil {
		return f(d)
	}
	return QMPCommand{}, fmt.Errorf("%w: unplug of %s", ErrNotSupported, d)
}

// VerifyHotplug interprets the monitor response to the hotplug command.
func (d *Device) VerifyHotplug(out string) Verdict {
	if f := ops[d.variant].verifyHotplug; f != nil {
		return f(d, out)
	}
	return Indeterminate
}

// VerifyUnplug interprets the monitor response to the unplug command.
func (d *Device) VerifyUnplug(out string) Verdict {
	return verifyMonitorOutput(out)
}

// VerifyQtree checks an "info qtree" dump for the device.
// present is the expected state.
func (d *Device) VerifyQtree(qtree string, present bool) Verdict {
	qid := d.QemuID()
	if qid == "" || d.variant != VariantDevice {
		return Indeterminate
	}

	found := strings.Contains(qtree, fmt.Sprintf("id \"%s\"", qid))

	if found == present {
		return Confirmed
	}

	return Indeterminate
}

// Equal reports whether both devices render identically. Renderings
// unsupported on both sides are skipped.
func (d *Device) Equal(o *Device) bool {
	if d.Cmdline() != o.Cmdline() {
		return false
	}

	h1, e1 := d.HotplugHMP()
	h2, e2 := o.HotplugHMP()
	if (e1 == nil) != (e2 == nil) || (e1 == nil && h1.String() != h2.String()) {
		return false
	}

	q1, e1 := d.HotplugQMP()
	q2, e2 := o.HotplugQMP()
	if (e1 == nil) != (e2 == nil) || (e1 == nil && !q1.Equal(q2)) {
		return false
	}

	return true
}
