package machinedesc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/0xef53/kvmtest/qdev"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoCapabilities = errors.New("no capabilities given and none in the description")
	ErrBadDescription = errors.New("bad machine description")
)

// Description is a YAML document describing a virtual machine topology.
//
//	machine: pc
//	strict: true
//	reserve:
//	  pci.0: ["0x5"]
//	devices:
//	  - driver: virtio-scsi-pci
//	    params:
//	      id: scsi0
//	  - driver: scsi-hd
//	    params:
//	      drive: hd0
//	      id: disk0
type Description struct {
	Machine                string `yaml:"machine"`
	Strict                 bool   `yaml:"strict"`
	InvalidMachineFallback bool   `yaml:"invalid-machine-fallback"`

	// Capabilities are used when the binary is not probed.
	Capabilities *qdev.StaticCapabilities `yaml:"capabilities"`

	// Reserve maps bus ids to slots taken by devices the model does not know.
	// Multi-field addresses are written as comma-separated values.
	Reserve map[string][]string `yaml:"reserve"`

	Devices []DeviceDesc `yaml:"devices"`
}

type DeviceDesc struct {
	// Variant is one of string, custom, device, drive, netdev.
	// Defaults to device when Driver is set and to string otherwise.
	Variant string `yaml:"variant"`

	Kind    string `yaml:"kind"`
	Driver  string `yaml:"driver"`
	Type    string `yaml:"type"`
	Cmdline string `yaml:"cmdline"`

	// Params is kept as a node to preserve the key order.
	Params yaml.Node `yaml:"params"`

	Parent []qdev.BusSpec `yaml:"parent"`
	Child  []BusDesc      `yaml:"child"`

	// NoDefaultBuses disables catalog lookups for omitted parent and child buses.
	NoDefaultBuses bool `yaml:"no-default-buses"`

	Force bool `yaml:"force"`

	// Hotplug devices are not part of the initial topology.
	Hotplug bool `yaml:"hotplug"`
}

type BusDesc struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"`
	AObject string `yaml:"aobject"`
	Size    []int  `yaml:"size"`
}

func Load(fname string) (*Description, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	return Parse(b)
}

func Parse(data []byte) (*Description, error) {
	var desc Description

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&desc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %s", ErrBadDescription, err)
	}

	for i := range desc.Devices {
		if _, err := desc.Devices[i].variant(); err != nil {
			return nil, fmt.Errorf("%w: devices[%d]: %s", ErrBadDescription, i, err)
		}
		if _, err := desc.Devices[i].params(); err != nil {
			return nil, fmt.Errorf("%w: devices[%d]: %s", ErrBadDescription, i, err)
		}
	}

	return &desc, nil
}

func (d *DeviceDesc) variant() (qdev.Variant, error) {
	switch {
	case d.Variant != "":
		return qdev.ParseVariant(d.Variant)
	case d.Driver != "":
		return qdev.VariantDevice, nil
	case d.Cmdline != "":
		return qdev.VariantString, nil
	}

	return 0, fmt.Errorf("variant, driver or cmdline is required")
}

func decodeValue(n *yaml.Node) (qdev.Value, error) {
	if n.Kind != yaml.ScalarNode {
		return qdev.Value{}, fmt.Errorf("line %d: parameter value must be a scalar", n.Line)
	}

	switch n.ShortTag() {
	case "!!null":
		// "key:" renders as a bare key
		return qdev.NoEquals(), nil
	case "!!int", "!!bool":
		var a interface{}
		if err := n.Decode(&a); err != nil {
			return qdev.Value{}, err
		}
		return qdev.ValueOf(a)
	case "!!str":
		if n.Value == "" {
			return qdev.Empty(), nil
		}
		return qdev.ValueOf(n.Value)
	}

	return qdev.String(n.Value), nil
}

func (d *DeviceDesc) params() ([]qdev.Param, error) {
	n := &d.Params

	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.MappingNode:
	case yaml.ScalarNode:
		if n.ShortTag() == "!!null" {
			return nil, nil
		}
		fallthrough
	default:
		return nil, fmt.Errorf("line %d: params must be a mapping", n.Line)
	}

	pp := make([]qdev.Param, 0, len(n.Content)/2)

	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value

		v, err := decodeValue(n.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}

		pp = append(pp, qdev.P(key, v))
	}

	return pp, nil
}

func (b *BusDesc) size(i, def int) int {
	if i < len(b.Size) && b.Size[i] > 0 {
		return b.Size[i]
	}
	return def
}

// New builds the bus.
func (b *BusDesc) New() (*qdev.Bus, error) {
	if b.ID == "" {
		return nil, fmt.Errorf("%w: bus id is required", ErrBadDescription)
	}

	aobject := b.AObject
	if aobject == "" {
		aobject = b.ID
	}

	switch strings.ToUpper(b.Type) {
	case "PCI", "PCIE":
		return qdev.NewPCIBus(b.ID, strings.ToUpper(b.Type), aobject, b.size(0, 32)), nil
	case "SCSI":
		return qdev.NewSCSIBus(b.ID, aobject, b.size(0, 256), b.size(1, 16384)), nil
	case "USB":
		return qdev.NewUSBBus(b.ID, aobject, b.size(0, 6)), nil
	case "IDE":
		return qdev.NewIDEBus(b.ID, aobject, b.size(0, 2)), nil
	}

	return nil, fmt.Errorf("%w: unknown bus type: %s", ErrBadDescription, b.Type)
}

// New builds the device record. Omitted parent and child buses of
// -device records are taken from the driver catalog.
func (d *DeviceDesc) New() (*qdev.Device, error) {
	variant, err := d.variant()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadDescription, err)
	}

	pp, err := d.params()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadDescription, err)
	}

	opts := qdev.DeviceOptions{
		Params:      pp,
		ParentBuses: d.Parent,
	}

	for i := range d.Child {
		b, err := d.Child[i].New()
		if err != nil {
			return nil, err
		}
		opts.ChildBuses = append(opts.ChildBuses, b)
	}

	var dev *qdev.Device

	switch variant {
	case qdev.VariantString:
		kind := d.Kind
		if kind == "" {
			kind = "string"
		}
		dev = qdev.NewStringDevice(kind, d.Cmdline, opts)
	case qdev.VariantCustom:
		if d.Kind == "" {
			return nil, fmt.Errorf("%w: custom device requires kind", ErrBadDescription)
		}
		dev = qdev.NewCustomDevice(d.Kind, opts)
	case qdev.VariantDevice:
		if d.Driver == "" {
			return nil, fmt.Errorf("%w: device requires driver", ErrBadDescription)
		}
		if !d.NoDefaultBuses {
			if len(opts.ParentBuses) == 0 {
				opts.ParentBuses = qdev.DefaultParentBuses(d.Driver)
			}
			if len(opts.ChildBuses) == 0 {
				if id := idParam(pp); id != "" {
					opts.ChildBuses = qdev.DefaultChildBuses(d.Driver, id)
				}
			}
		}
		dev = qdev.NewDevice(d.Driver, opts)
	case qdev.VariantDrive:
		dev = qdev.NewDrive(opts)
	case qdev.VariantNetdev:
		if d.Type == "" {
			return nil, fmt.Errorf("%w: netdev requires type", ErrBadDescription)
		}
		dev = qdev.NewNetdev(d.Type, opts)
	}

	return dev, nil
}

func idParam(pp []qdev.Param) string {
	for _, p := range pp {
		if p.Key == "id" {
			return p.Value.Text()
		}
	}
	return ""
}

// NewContainer returns an empty container for the described machine.
func (desc *Description) NewContainer(caps qdev.Capabilities, logger *logrus.Entry) (*qdev.Container, error) {
	if caps == nil {
		if desc.Capabilities == nil {
			return nil, ErrNoCapabilities
		}
		caps = desc.Capabilities
	}

	return qdev.New(caps, qdev.Config{
		MachineType:            desc.Machine,
		StrictMode:             desc.Strict,
		InvalidMachineFallback: desc.InvalidMachineFallback,
		Logger:                 logger,
	})
}

func reserve(c *qdev.Container, busID string, slots []string) error {
	bus := c.GetBus(busID)
	if bus == nil {
		return fmt.Errorf("%w: reserve: no such bus: %s", ErrBadDescription, busID)
	}

	for _, s := range slots {
		addr, err := bus.ParseAddress(strings.Split(s, ",")...)
		if err != nil {
			return fmt.Errorf("reserve %s on %s: %w", s, busID, err)
		}
		if err := bus.Reserve(addr); err != nil {
			return err
		}
	}

	return nil
}

// Build creates the container and inserts every non-hotplug device.
// caps may be nil, then the capabilities block of the description is used.
// The returned warnings come from devices inserted with force.
func (desc *Description) Build(caps qdev.Capabilities, logger *logrus.Entry) (*qdev.Container, []string, error) {
	c, err := desc.NewContainer(caps, logger)
	if err != nil {
		return nil, nil, err
	}

	busIDs := make([]string, 0, len(desc.Reserve))
	for id := range desc.Reserve {
		busIDs = append(busIDs, id)
	}
	sort.Strings(busIDs)

	// Buses exposed by described devices are reserved after insertion
	var deferred []string

	for _, id := range busIDs {
		if c.GetBus(id) == nil {
			deferred = append(deferred, id)
			continue
		}
		if err := reserve(c, id, desc.Reserve[id]); err != nil {
			return nil, nil, err
		}
	}

	var warnings []string

	for i := range desc.Devices {
		if desc.Devices[i].Hotplug {
			continue
		}

		dev, err := desc.Devices[i].New()
		if err != nil {
			return nil, nil, fmt.Errorf("devices[%d]: %w", i, err)
		}

		res, err := c.Insert(dev, desc.Devices[i].Force)
		if err != nil {
			return nil, nil, fmt.Errorf("devices[%d]: %w", i, err)
		}

		for _, w := range res.Warnings {
			warnings = append(warnings, dev.String()+": "+w)
		}
	}

	for _, id := range deferred {
		if err := reserve(c, id, desc.Reserve[id]); err != nil {
			return nil, nil, err
		}
	}

	return c, warnings, nil
}

// HotplugDevices returns the records of devices marked for hotplug.
func (desc *Description) HotplugDevices() ([]*qdev.Device, error) {
	var devs []*qdev.Device

	for i := range desc.Devices {
		if !desc.Devices[i].Hotplug {
			continue
		}

		dev, err := desc.Devices[i].New()
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}

		devs = append(devs, dev)
	}

	return devs, nil
}
