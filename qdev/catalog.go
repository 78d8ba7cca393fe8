package qdev

import (
	"strings"
)

var (
	scsiControllers = []string{"virtio-scsi-pci", "lsi53c895a", "megasas", "spapr-vscsi"}
	usbControllers  = []string{"piix3-usb-uhci", "piix4-usb-uhci", "ich9-usb-ehci1", "usb-ehci", "nec-usb-xhci", "qemu-xhci"}
)

// DefaultParentBuses returns the usual parent bus specs of a -device driver.
func DefaultParentBuses(driver string) []BusSpec {
	switch {
	case strings.HasPrefix(driver, "scsi-"):
		return []BusSpec{{Type: "SCSI"}}
	case strings.HasPrefix(driver, "ide-"):
		return []BusSpec{{Type: "IDE"}}
	case strings.HasPrefix(driver, "usb-") && !contains(usbControllers, driver):
		return []BusSpec{{Type: "USB"}}
	case strings.HasSuffix(driver, "-pci"), driver == "pci-bridge", driver == "ahci",
		contains(scsiControllers, driver), contains(usbControllers, driver),
		driver == "e1000", driver == "rtl8139", driver == "e1000e", driver == "ich9-ahci":
		return []BusSpec{{AObject: "pci.0"}}
	}

	return nil
}

// DefaultChildBuses returns the buses exposed by a controller with the given id.
func DefaultChildBuses(driver, id string) []*Bus {
	switch {
	case contains(scsiControllers, driver):
		return []*Bus{NewSCSIBus(id+".0", id, 256, 16384)}
	case contains(usbControllers, driver):
		return []*Bus{NewUSBBus(id+".0", id, 6)}
	case driver == "ahci", driver == "ich9-ahci":
		buses := make([]*Bus, 0, 6)
		for _, n := range []string{".0", ".1", ".2", ".3", ".4", ".5"} {
			buses = append(buses, NewIDEBus(id+n, id, 1))
		}
		return buses
	case driver == "pci-bridge":
		return []*Bus{NewPCIBus(id, "PCI", id, 32)}
	}

	return nil
}
