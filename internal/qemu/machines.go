package qemu

import (
	"errors"
	"fmt"

	"github.com/0xef53/kvmtest/internal/version"
	"github.com/0xef53/kvmtest/qdev"
)

var ErrUnsupportedVersion = errors.New("unsupported QEMU version")

// Versioned x86 machine types known to be built into qemu releases.
// Used when the binary cannot be asked directly.
var machines = map[int][]string{
	30100: {"pc-i440fx-3.1", "pc-q35-3.1"},
	40000: {"pc-i440fx-4.0", "pc-q35-4.0"},
	40001: {"pc-i440fx-4.0.1", "pc-q35-4.0.1"},
	40100: {"pc-i440fx-4.1", "pc-q35-4.1"},
	40200: {"pc-i440fx-4.2", "pc-q35-4.2"},
	50000: {"pc-i440fx-5.0", "pc-q35-5.0"},
	50100: {"pc-i440fx-5.1", "pc-q35-5.1"},
	50200: {"pc-i440fx-5.2", "pc-q35-5.2"},
	60000: {"pc-i440fx-6.0", "pc-q35-6.0"},
	60100: {"pc-i440fx-6.1", "pc-q35-6.1"},
	60200: {"pc-i440fx-6.2", "pc-q35-6.2"},
	70000: {"pc-i440fx-7.0", "pc-q35-7.0"},
	70100: {"pc-i440fx-7.1", "pc-q35-7.1"},
	70200: {"pc-i440fx-7.2", "pc-q35-7.2"},
	80000: {"pc-i440fx-8.0", "pc-q35-8.0"},
	80100: {"pc-i440fx-8.1", "pc-q35-8.1"},
	80200: {"pc-i440fx-8.2", "pc-q35-8.2"},
	90000: {"pc-i440fx-9.0", "pc-q35-9.0"},
	90100: {"pc-i440fx-9.1", "pc-q35-9.1"},
	90200: {"pc-i440fx-9.2", "pc-q35-9.2"},
}

// KnownMachineTypes returns the machine types of a qemu release: the
// versioned i440FX type (default) with its "pc" alias, the versioned
// Q35 type with its "q35" alias, and isapc.
func KnownMachineTypes(strver string) ([]qdev.MachineType, error) {
	v, err := version.Parse(strver)
	if err != nil {
		return nil, err
	}

	names := suitableTypes(v)
	if names == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, strver)
	}

	return []qdev.MachineType{
		{Name: names[0], Default: true},
		{Name: "pc"},
		{Name: names[1]},
		{Name: "q35"},
		{Name: "isapc"},
	}, nil
}

// suitableTypes looks up the release, then its minor release.
func suitableTypes(v *version.Version) []string {
	if x, ok := machines[v.Int()]; ok {
		return x
	}

	if v.Micro != 0 {
		return suitableTypes(&version.Version{Major: v.Major, Minor: v.Minor})
	}

	return nil
}
