package qdev

import (
	"strings"
)

// Chipset is the family of default topology seeded for a machine type.
type Chipset int

const (
	ChipsetNone Chipset = iota
	ChipsetI440FX
	ChipsetQ35
)

func (c Chipset) String() string {
	switch c {
	case ChipsetI440FX:
		return "i440FX"
	case ChipsetQ35:
		return "Q35"
	}

	return "none"
}

// ChipsetOf classifies a machine type name.
func ChipsetOf(machine string) Chipset {
	m := strings.ToLower(machine)

	switch {
	case strings.Contains(m, "q35"):
		return ChipsetQ35
	case m == "pc", strings.HasPrefix(m, "pc-"), strings.Contains(m, "i440fx"):
		return ChipsetI440FX
	}

	return ChipsetNone
}

func (c *Container) resolveMachineType(requested string, fallback bool) (string, Chipset, error) {
	types := c.caps.SupportedMachineTypes()

	if requested == "" {
		m, ok := DefaultMachineType(types)
		if !ok {
			return "", ChipsetNone, &CapabilityError{What: "machine type", Name: "default"}
		}
		return m.Name, ChipsetOf(m.Name), nil
	}

	for _, m := range types {
		if strings.EqualFold(m.Name, requested) {
			return m.Name, ChipsetOf(m.Name), nil
		}
	}

	if fallback {
		c.logger.Warnf("Unsupported machine type %s, using i440FX topology", requested)
		return requested, ChipsetI440FX, nil
	}

	return "", ChipsetNone, &CapabilityError{What: "machine type", Name: requested}
}

func (c *Container) seedMachine(requested string, fallback bool) error {
	name, chipset, err := c.resolveMachineType(requested, fallback)
	if err != nil {
		return err
	}

	c.machine = name
	c.chipset = chipset

	devs := []*Device{
		NewStringDevice("machine", "-M "+name, DeviceOptions{}),
	}

	switch chipset {
	case ChipsetI440FX:
		c.buses = append(c.buses, NewPCIBus("pci.0", "PCI", "pci.0", 32))

		devs = append(devs,
			implicitDevice("i440FX", "0x0", nil),
			implicitDevice("PIIX3", "0x1", []*Bus{
				NewIDEBus("ide.0", "ide", 2),
				NewIDEBus("ide.1", "ide", 2),
			}),
		)
	case ChipsetQ35:
		c.buses = append(c.buses, NewPCIBus("pcie.0", "PCIE", "pci.0", 32))

		ahci := make([]*Bus, 0, 6)
		for _, id := range []string{"ide.0", "ide.1", "ide.2", "ide.3", "ide.4", "ide.5"} {
			ahci = append(ahci, NewIDEBus(id, "ide", 1))
		}

		devs = append(devs,
			implicitDevice("mch", "0x0", nil),
			implicitDevice("ICH9-LPC", "0x1f", ahci),
		)
	}

	for _, d := range devs {
		if _, err := c.Insert(d, false); err != nil {
			return err
		}
	}

	c.logger.Debugf("Seeded %s topology for machine type %s", chipset, name)

	return nil
}

// implicitDevice is a device qemu creates on its own. It occupies a
// slot on the root PCI bus but renders nothing.
func implicitDevice(driver, addr string, children []*Bus) *Device {
	return NewStringDevice(driver, "", DeviceOptions{
		Params: []Param{
			P("driver", String(driver)),
			P("addr", String(addr)),
		},
		ParentBuses: []BusSpec{{AObject: "pci.0"}},
		ChildBuses:  children,
	})
}
