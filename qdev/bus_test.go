package qdev

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newNic(id string, params ...Param) *Device {
	return NewDevice("virtio-net-pci", DeviceOptions{
		Params:      append([]Param{P("id", String(id))}, params...),
		ParentBuses: []BusSpec{{AObject: "pci.0"}},
	})
}

func TestBusAllocationOrder(t *testing.T) {
	bus := NewPCIBus("pci.0", "PCI", "pci.0", 32)

	for i := 0; i < 32; i++ {
		addr, status := bus.AllocateFreeSlot(nil)
		if status != SlotFree || addr[0] != i {
			t.Fatalf("got unexpected result: want slot %d, got %v (%s)", i, addr, status)
		}

		p := bus.Insert(newNic(fmt.Sprintf("nic%d", i)), false, false)
		if !p.OK() || p.Slot != fmt.Sprintf("0x%x", i) {
			t.Fatalf("got unexpected placement: %+v", p)
		}
	}

	if _, status := bus.AllocateFreeSlot(nil); status != SlotNoFree {
		t.Fatalf("got unexpected result: want %s, got %s", SlotNoFree, status)
	}

	p := bus.Insert(newNic("nic32"), false, false)
	if p.Placed || !p.Has(ProblemNoFreeSlot) {
		t.Fatalf("got unexpected placement for a full bus: %+v", p)
	}
}

func TestBusStrictModeWritesAddress(t *testing.T) {
	bus := NewPCIBus("pci.0", "PCI", "pci.0", 32)

	loose := newNic("nic0")
	bus.Insert(loose, false, false)

	if loose.Has("addr") || loose.Has("bus") {
		t.Fatalf("got unexpected params in non-strict mode: %s", loose.Params().Join())
	}

	strict := newNic("nic1")
	bus.Insert(strict, true, false)

	if strict.GetString("addr") != "0x1" || strict.GetString("bus") != "pci.0" {
		t.Fatalf("got unexpected params in strict mode: %s", strict.Params().Join())
	}

	// Fields the device already had are always rewritten
	partial := newNic("nic2", P("addr", String("0X05")))
	bus.Insert(partial, false, false)

	if partial.GetString("addr") != "0x5" {
		t.Fatalf("got unexpected addr: %s", partial.GetString("addr"))
	}
}

func TestBusReservedSlotReuse(t *testing.T) {
	bus := NewPCIBus("pci.0", "PCI", "pci.0", 32)

	bus.Insert(newNic("nic0"), false, false)
	bus.Insert(newNic("nic1"), false, false)

	if err := bus.Reserve(Address{2}); err != nil {
		t.Fatal(err)
	}
	if err := bus.Reserve(Address{1}); err == nil {
		t.Fatalf("got unexpected result: reserving an occupied slot must fail")
	}

	if !bus.IsReserved("0x2") {
		t.Fatalf("got unexpected result: 0x2 must be reserved")
	}

	addr, status := bus.AllocateFreeSlot(nil)
	if status != SlotFree || addr[0] != 2 {
		t.Fatalf("got unexpected result: want reserved slot 2, got %v (%s)", addr, status)
	}

	dev := newNic("nic2")

	if p := bus.Insert(dev, false, false); !p.OK() || p.Slot != "0x2" {
		t.Fatalf("got unexpected placement: %+v", p)
	}

	if bus.IsReserved("0x2") || bus.GoodSlots()["0x2"] != dev {
		t.Fatalf("got unexpected result: slot 0x2 must be occupied by %s", dev)
	}
}

func TestBusSlotReuseAfterRemoval(t *testing.T) {
	for _, reserve := range []bool{false, true} {
		bus := NewPCIBus("pci.0", "PCI", "pci.0", 32)

		devs := make([]*Device, 0, 4)

		for i := 0; i < 4; i++ {
			d := newNic(fmt.Sprintf("nic%d", i))
			if p := bus.Insert(d, true, false); p.Slot != fmt.Sprintf("0x%x", i) {
				t.Fatalf("got unexpected placement: %+v", p)
			}
			devs = append(devs, d)
		}

		if !bus.Remove(devs[2]) {
			t.Fatalf("got unexpected result: %s was not found on the bus", devs[2])
		}

		if reserve {
			if err := bus.Reserve(Address{2}); err != nil {
				t.Fatal(err)
			}
		}

		fifth := newNic("nic4")
		bus.Insert(fifth, true, false)

		if a := fifth.GetString("addr"); a != "0x2" {
			t.Fatalf("got unexpected address (reserved=%t): want 0x2, got %s", reserve, a)
		}
	}
}

func TestBusBadSlotIsolation(t *testing.T) {
	bus := NewPCIBus("pci.0", "PCI", "pci.0", 32)

	owner := newNic("nic0", P("addr", String("0x3")))
	bus.Insert(owner, false, false)

	rejected := newNic("nic1", P("addr", String("0x3")))
	before := rejected.Params().Join()

	if p := bus.Insert(rejected, false, false); p.Placed || !p.Has(ProblemUsedSlot) {
		t.Fatalf("got unexpected placement: %+v", p)
	}
	if rejected.Params().Join() != before || bus.Contains(rejected) {
		t.Fatalf("got unexpected result: failed insertion changed the state")
	}

	var keys []string

	for i := 0; i < 2; i++ {
		d := newNic(fmt.Sprintf("forced%d", i), P("addr", String("0x3")))

		p := bus.Insert(d, false, true)
		if !p.Placed || !p.Bad || !p.Has(ProblemUsedSlot) {
			t.Fatalf("got unexpected placement: %+v", p)
		}
		keys = append(keys, p.Slot)
	}

	if diff := cmp.Diff([]string{"0x3(0)", "0x3(1)"}, keys); diff != "" {
		t.Fatalf("got unexpected bad slot keys (-want +got):\n%s", diff)
	}

	if bus.GoodSlots()["0x3"] != owner || owner.GetString("addr") != "0x3" {
		t.Fatalf("got unexpected result: the occupant of 0x3 was changed")
	}

	if len(bus.BadSlots()) != 2 || bus.Len() != 3 {
		t.Fatalf("got unexpected slots: %s", bus)
	}
}

func TestBusForcedProblems(t *testing.T) {
	bus := NewPCIBus("pci.0", "PCI", "pci.0", 32)

	// Out of range
	d := newNic("nic0", P("addr", String("0x20")))
	if p := bus.Insert(d, false, false); !p.Has(ProblemBadAddr) || p.Placed {
		t.Fatalf("got unexpected placement: %+v", p)
	}
	if p := bus.Insert(d, false, true); !p.Bad || p.Slot != "0x20(0)" {
		t.Fatalf("got unexpected forced placement: %+v", p)
	}

	// Bus id mismatch
	d = newNic("nic1", P("bus", String("pci.1")))
	if p := bus.Insert(d, false, false); !p.Has(ProblemBusID) || p.Placed {
		t.Fatalf("got unexpected placement: %+v", p)
	}
	p := bus.Insert(d, false, true)
	if !p.Placed || p.Bad || !p.Has(ProblemBusID) || d.GetString("bus") != "pci.0" {
		t.Fatalf("got unexpected forced placement: %+v", p)
	}

	// Malformed address
	d = newNic("nic2", P("addr", String("zz")))
	if p := bus.Insert(d, false, false); !p.Has(ProblemBasicAddress) || p.Placed {
		t.Fatalf("got unexpected placement: %+v", p)
	}
	p = bus.Insert(d, false, true)
	if !p.Placed || p.Bad || d.GetString("addr") != "0x1" {
		t.Fatalf("got unexpected forced placement: %+v (addr=%s)", p, d.GetString("addr"))
	}
}

func TestSCSIBusOdometer(t *testing.T) {
	bus := NewSCSIBus("hba0.0", "hba0", 2, 2)

	newDisk := func(params ...Param) *Device {
		return NewDevice("scsi-hd", DeviceOptions{Params: params, ParentBuses: []BusSpec{{Type: "SCSI"}}})
	}

	var slots []string

	for i := 0; i < 3; i++ {
		slots = append(slots, bus.Insert(newDisk(), false, false).Slot)
	}

	slots = append(slots, bus.Insert(newDisk(P("scsi-id", Int(1))), false, false).Slot)

	if diff := cmp.Diff([]string{"0-0", "0-1", "1-0", "1-1"}, slots); diff != "" {
		t.Fatalf("got unexpected slots (-want +got):\n%s", diff)
	}

	if p := bus.Insert(newDisk(), false, false); !p.Has(ProblemNoFreeSlot) {
		t.Fatalf("got unexpected placement: %+v", p)
	}

	if p := bus.Insert(newDisk(P("scsi-id", Int(0)), P("lun", Int(1))), false, false); !p.Has(ProblemUsedSlot) {
		t.Fatalf("got unexpected placement: %+v", p)
	}

	if p := bus.Insert(newDisk(), false, true); p.Slot != "1-1(0)" {
		t.Fatalf("got unexpected forced placement: %+v", p)
	}
}

func TestUSBBusPortsStartAtOne(t *testing.T) {
	bus := NewUSBBus("usb.0", "usb", 2)

	d := NewDevice("usb-tablet", DeviceOptions{Params: []Param{P("id", String("tablet0"))}})
	if p := bus.Insert(d, true, false); p.Slot != "1" || d.GetString("port") != "1" {
		t.Fatalf("got unexpected placement: %+v (port=%s)", p, d.GetString("port"))
	}

	d = NewDevice("usb-kbd", DeviceOptions{Params: []Param{P("port", Int(2))}})
	if p := bus.Insert(d, false, false); p.Slot != "2" {
		t.Fatalf("got unexpected placement: %+v", p)
	}

	d = NewDevice("usb-mouse", DeviceOptions{Params: []Param{P("port", Int(3))}})
	if p := bus.Insert(d, false, false); !p.Has(ProblemBadAddr) {
		t.Fatalf("got unexpected placement: %+v", p)
	}
}

func TestBusAddressBelowFirstSlot(t *testing.T) {
	tests := []struct {
		bus   func() *Bus
		field string
		value Value
		slot  string
	}{
		{func() *Bus { return NewUSBBus("usb.0", "usb", 6) }, "port", Int(0), "0(0)"},
		{func() *Bus { return NewIDEBus("ide.0", "ide", 2) }, "unit", String("-1"), "-1(0)"},
		{func() *Bus { return NewSCSIBus("scsi0.0", "scsi0", 8, 8) }, "scsi-id", Int(-1), "-1-*(0)"},
	}

	for _, tt := range tests {
		bus := tt.bus()

		d := NewDevice("test-dev", DeviceOptions{Params: []Param{P("id", String("dev0")), P(tt.field, tt.value)}})
		before := d.Params().Join()

		p := bus.Insert(d, true, false)
		if p.Placed || !p.Has(ProblemBadAddr) {
			t.Fatalf("%s: got unexpected placement: %+v", bus.ID(), p)
		}
		if got := d.Params().Join(); got != before {
			t.Fatalf("%s: got unexpected params after a failed insert: want %q, got %q", bus.ID(), before, got)
		}
		if len(bus.GoodSlots()) != 0 || len(bus.BadSlots()) != 0 {
			t.Fatalf("%s: got unexpected result: bus changed after a failed insert", bus.ID())
		}

		p = bus.Insert(d, false, true)
		if !p.Placed || !p.Bad || !p.Has(ProblemBadAddr) || p.Slot != tt.slot {
			t.Fatalf("%s: got unexpected forced placement: %+v", bus.ID(), p)
		}
		if v, _ := d.Get(tt.field); v.String() != tt.value.String() {
			t.Fatalf("%s: got unexpected %s: want %s, got %s", bus.ID(), tt.field, tt.value, v)
		}
		if len(bus.GoodSlots()) != 0 {
			t.Fatalf("%s: got unexpected good slots: %v", bus.ID(), bus.GoodSlots())
		}
	}
}

func TestBusString(t *testing.T) {
	dense := NewDenseBus("isa.0", "ISA", "isa", []string{"iobase"}, []int{3})
	dense.Insert(NewDevice("isa-serial", DeviceOptions{Params: []Param{P("id", String("ser0")), P("iobase", Int(1))}}), false, false)
	dense.Reserve(Address{2})

	if s := dense.String(); s != "isa.0(ISA): {0:-,1:ser0,2:reserved}" {
		t.Fatalf("got unexpected dense rendering: %s", s)
	}

	sparse := NewSparseBus("ide.0", "IDE", "ide", []string{"unit"}, []int{2})
	sparse.Insert(NewDevice("ide-hd", DeviceOptions{Params: []Param{P("id", String("hd1")), P("unit", Int(1))}}), false, false)
	sparse.Insert(NewDevice("ide-hd", DeviceOptions{Params: []Param{P("id", String("hd2")), P("unit", Int(1))}}), false, true)

	if s := sparse.String(); s != "ide.0(IDE): {1:hd1}  {bad: 1(0):hd2}" {
		t.Fatalf("got unexpected sparse rendering: %s", s)
	}
}
