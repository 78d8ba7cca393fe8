package machinedesc

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/0xef53/kvmtest/qdev"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

var sampleDesc = `
machine: pc
strict: true
capabilities:
  options: [device, drive, netdev]
  devices: [virtio-scsi-pci, scsi-hd, virtio-net-pci, qemu-xhci, usb-tablet]
  hmp-commands: [device_add, device_del]
  machine-types:
    - name: pc
      default: true
    - name: q35
reserve:
  pci.0: ["0x2"]
  scsi0.0: ["1,0"]
devices:
  - variant: string
    kind: vga
    cmdline: -vga std
  - driver: virtio-scsi-pci
    params:
      id: scsi0
  - variant: drive
    params:
      id: hd0
      file: /images/disk.qcow2
      if: none
      readonly:
  - driver: scsi-hd
    params:
      drive: hd0
      id: disk0
  - variant: netdev
    type: tap
    params:
      id: tap0
      vhost: true
  - driver: virtio-net-pci
    params:
      netdev: tap0
      id: net0
      mac: "52:54:00:12:34:56"
  - driver: usb-tablet
    hotplug: true
    params:
      id: tablet0
`

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

func TestBuildOffline(t *testing.T) {
	desc, err := Parse([]byte(sampleDesc))
	if err != nil {
		t.Fatalf("got unexpected error: %s", err)
	}

	c, warnings, err := desc.Build(nil, testLogger())
	if err != nil {
		t.Fatalf("got unexpected error: %s", err)
	}

	if len(warnings) != 0 {
		t.Fatalf("got unexpected warnings: %v", warnings)
	}

	want := strings.Join([]string{
		"-M pc",
		"-vga std",
		"-device virtio-scsi-pci,id=scsi0,bus=pci.0,addr=0x2",
		"-drive readonly,id=hd0,file=/images/disk.qcow2,if=none",
		"-device scsi-hd,drive=hd0,id=disk0,bus=scsi0.0,scsi-id=0,lun=0",
		"-netdev tap,id=tap0,vhost=on",
		"-device virtio-net-pci,netdev=tap0,id=net0,mac=52:54:00:12:34:56,bus=pci.0,addr=0x3",
	}, " ")

	if s := c.Cmdline(); s != want {
		t.Fatalf("got unexpected cmdline:\n\twant:\t%s\n\tgot:\t%s", want, s)
	}

	// the reserved pci slot was taken by the first allocation
	if c.GetBus("pci.0").GoodSlots()["0x2"] != c.ByAutotestID("scsi0") {
		t.Fatalf("got unexpected pci.0 slots: %s", c.GetBus("pci.0"))
	}

	if !c.GetBus("scsi0.0").IsReserved("1-0") {
		t.Fatalf("got unexpected scsi0.0 slots: %s", c.GetBus("scsi0.0"))
	}

	if c.ByAutotestID("tablet0") != nil {
		t.Fatalf("got unexpected result: hotplug device is in the initial topology")
	}

	devs, err := desc.HotplugDevices()
	if err != nil {
		t.Fatal(err)
	}

	if len(devs) != 1 || devs[0].Cmdline() != "-device usb-tablet,id=tablet0" {
		t.Fatalf("got unexpected hotplug devices: %v", devs)
	}

	if diff := cmp.Diff([]qdev.BusSpec{{Type: "USB"}}, devs[0].ParentBuses()); diff != "" {
		t.Fatalf("got unexpected parent buses (-want +got):\n%s", diff)
	}
}

func TestBuildWithCapabilities(t *testing.T) {
	desc, err := Parse([]byte("machine: Q35\ndevices:\n  - driver: e1000\n    params: {id: nic0}\n"))
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := desc.Build(nil, testLogger()); !errors.Is(err, ErrNoCapabilities) {
		t.Fatalf("got unexpected result: want ErrNoCapabilities, got %v", err)
	}

	caps := &qdev.StaticCapabilities{
		Devices:      []string{"e1000"},
		MachineTypes: []qdev.MachineType{{Name: "pc", Default: true}, {Name: "q35"}},
	}

	c, _, err := desc.Build(caps, testLogger())
	if err != nil {
		t.Fatalf("got unexpected error: %s", err)
	}

	if c.MachineType() != "q35" || c.GetBus("pcie.0").GoodSlots()["0x1"] != c.ByAutotestID("nic0") {
		t.Fatalf("got unexpected topology: %s", c.BusesString())
	}

	// capability errors are fatal
	caps.Devices = nil

	if _, _, err := desc.Build(caps, testLogger()); !qdev.IsCapabilityError(err) {
		t.Fatalf("got unexpected result: want *qdev.CapabilityError, got %v", err)
	}
}

func TestBuildForced(t *testing.T) {
	doc := `
machine: pc
devices:
  - driver: virtio-net-pci
    force: true
    params:
      id: net1
      addr: "0x40"
`

	desc, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}

	c, warnings, err := desc.Build(qdev.PermissiveCapabilities{MachineTypes: []qdev.MachineType{{Name: "pc", Default: true}}}, testLogger())
	if err != nil {
		t.Fatalf("got unexpected error: %s", err)
	}

	if len(warnings) == 0 || !strings.HasPrefix(warnings[0], "net1(device): ") {
		t.Fatalf("got unexpected warnings: %v", warnings)
	}

	if len(c.GetBus("pci.0").BadSlots()) != 1 {
		t.Fatalf("got unexpected pci.0 slots: %s", c.GetBus("pci.0"))
	}

	// the same device without force is rejected
	desc.Devices[0].Force = false

	if _, _, err := desc.Build(qdev.PermissiveCapabilities{MachineTypes: []qdev.MachineType{{Name: "pc", Default: true}}}, testLogger()); !qdev.IsInsertError(err) {
		t.Fatalf("got unexpected result: want *qdev.InsertError, got %v", err)
	}
}

func TestParseParams(t *testing.T) {
	doc := `
devices:
  - variant: custom
    kind: chardev
    params:
      socket:
      id: char0
      path: /tmp/sock
      server: true
      wait: false
      label: ""
      port: 4444
`

	desc, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}

	dev, err := desc.Devices[0].New()
	if err != nil {
		t.Fatal(err)
	}

	want := `-chardev socket,id=char0,path=/tmp/sock,server=on,wait=off,label="",port=4444`

	if s := dev.Cmdline(); s != want {
		t.Fatalf("got unexpected cmdline:\n\twant:\t%s\n\tgot:\t%s", want, s)
	}

	if diff := cmp.Diff([]string{"socket", "id", "path", "server", "wait", "label", "port"}, dev.Params().Keys()); diff != "" {
		t.Fatalf("got unexpected key order (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	docs := []string{
		"machine: pc\nunknown-key: 1\n",
		"devices:\n  - params: {id: x}\n",
		"devices:\n  - variant: bogus\n",
		"devices:\n  - driver: e1000\n    params: [a, b]\n",
		"devices:\n  - driver: e1000\n    params:\n      id: {nested: map}\n",
	}

	for _, doc := range docs {
		if _, err := Parse([]byte(doc)); !errors.Is(err, ErrBadDescription) {
			t.Fatalf("got unexpected result for %q: want ErrBadDescription, got %v", doc, err)
		}
	}
}

func TestReserveUnknownBus(t *testing.T) {
	desc, err := Parse([]byte("machine: pc\nreserve:\n  scsi9.0: [\"0,0\"]\n"))
	if err != nil {
		t.Fatal(err)
	}

	caps := qdev.PermissiveCapabilities{MachineTypes: []qdev.MachineType{{Name: "pc", Default: true}}}

	if _, _, err := desc.Build(caps, testLogger()); !errors.Is(err, ErrBadDescription) {
		t.Fatalf("got unexpected result: want ErrBadDescription, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "vm.yaml")

	if err := os.WriteFile(fname, []byte(sampleDesc), 0644); err != nil {
		t.Fatal(err)
	}

	desc, err := Load(fname)
	if err != nil {
		t.Fatalf("got unexpected error: %s", err)
	}

	if desc.Machine != "pc" || !desc.Strict || len(desc.Devices) != 7 || desc.Capabilities == nil {
		t.Fatalf("got unexpected description: %+v", desc)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !os.IsNotExist(err) {
		t.Fatalf("got unexpected result: want not-exist error, got %v", err)
	}
}
