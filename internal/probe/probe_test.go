package probe

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const fakeQemu = `#!/bin/sh
case "$1" in
-version)
	echo "QEMU emulator version 6.2.0 (Debian 1:6.2+dfsg-2ubuntu6)"
	echo "Copyright (c) 2003-2021 Fabrice Bellard and the QEMU Project developers"
	;;
-help)
	echo "usage: qemu-system-x86_64 [options] [disk_image]"
	echo "-machine [type=]name[,prop[=value][,...]]"
	echo "-device driver[,prop[=value][,...]]"
	echo "-drive [file=file][,if=type][,bus=n]"
	;;
-device)
	echo 'name "virtio-blk-pci", bus PCI, alias "virtio-blk"'
	echo 'name "ide-hd", bus IDE, desc "virtual IDE disk"'
	;;
-machine)
	if [ -n "$FAKE_QEMU_NO_MACHINES" ]; then
		exit 1
	fi
	echo "Supported machines are:"
	echo "pc                   Standard PC (i440FX + PIIX, 1996) (alias of pc-i440fx-6.2)"
	echo "pc-i440fx-6.2        Standard PC (i440FX + PIIX, 1996) (default)"
	;;
*)
	exit 2
	;;
esac
`

func writeScript(t *testing.T, body string) string {
	t.Helper()

	fname := filepath.Join(t.TempDir(), "qemu-system-x86_64")

	if err := os.WriteFile(fname, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}

	return fname
}

func testOptions() Options {
	l := logrus.New()
	l.Out = io.Discard

	return Options{
		Timeout:     5 * time.Second,
		SkipMonitor: true,
		Logger:      logrus.NewEntry(l),
	}
}

func TestProbeFakeBinary(t *testing.T) {
	binary := writeScript(t, fakeQemu)

	caps, err := Probe(context.Background(), binary, testOptions())
	if err != nil {
		t.Fatalf("got unexpected error: %s", err)
	}

	if caps.Version != "6.2.0" || caps.Binary != binary {
		t.Fatalf("got unexpected result: version=%s binary=%s", caps.Version, caps.Binary)
	}

	if !caps.SupportsOption("drive") || !caps.SupportsOption("-device") || caps.SupportsOption("netdev") {
		t.Fatalf("got unexpected options: %v", caps.Options)
	}

	if !caps.SupportsDevice("virtio-blk") || !caps.SupportsDevice("ide-hd") || caps.SupportsDevice("e1000") {
		t.Fatalf("got unexpected devices: %v", caps.Devices)
	}

	if mt := caps.SupportedMachineTypes(); len(mt) != 2 || !mt[1].Default {
		t.Fatalf("got unexpected machine types: %v", mt)
	}

	if caps.SupportsHumanMonitorCommand("device_add") || caps.SupportsQMPCommand("device_add") {
		t.Fatalf("got unexpected monitor commands without a monitor probe")
	}

	if !caps.QemuVersion().AtLeast("6.0") {
		t.Fatalf("got unexpected version: %s", caps.QemuVersion())
	}
}

func TestProbeMachineTableFallback(t *testing.T) {
	t.Setenv("FAKE_QEMU_NO_MACHINES", "1")

	caps, err := Probe(context.Background(), writeScript(t, fakeQemu), testOptions())
	if err != nil {
		t.Fatalf("got unexpected error: %s", err)
	}

	if mt := caps.SupportedMachineTypes(); len(mt) == 0 || mt[0].Name != "pc-i440fx-6.2" || !mt[0].Default {
		t.Fatalf("got unexpected machine types: %v", mt)
	}
}

func TestProbeTimeout(t *testing.T) {
	binary := writeScript(t, "#!/bin/sh\nsleep 10\n")

	opts := testOptions()
	opts.Timeout = 200 * time.Millisecond

	if _, err := Probe(context.Background(), binary, opts); !errors.Is(err, ErrProbeFailed) {
		t.Fatalf("got unexpected error: want ErrProbeFailed, got %v", err)
	}
}

func TestCached(t *testing.T) {
	binary := writeScript(t, fakeQemu)

	c1, err := Cached(context.Background(), binary, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	c2, err := Cached(context.Background(), binary, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	if c1 != c2 {
		t.Fatalf("got unexpected result: the second call must return the cached capabilities")
	}
}
