package qdev

import (
	"sort"
	"strings"
)

// MachineType is one entry of "qemu -M help".
type MachineType struct {
	Name    string `json:"name" yaml:"name"`
	Default bool   `json:"default,omitempty" yaml:"default,omitempty"`
}

// Capabilities describes what the target qemu binary supports.
// Implementations are pure queries over data collected in advance.
type Capabilities interface {
	SupportsOption(name string) bool
	SupportsDevice(driver string) bool
	SupportsHumanMonitorCommand(name string) bool
	SupportsQMPCommand(name string) bool
	SupportedMachineTypes() []MachineType
}

// StaticCapabilities is an in-memory capability set.
type StaticCapabilities struct {
	Options      []string      `json:"options" yaml:"options"`
	Devices      []string      `json:"devices" yaml:"devices"`
	HMPCommands  []string      `json:"hmp-commands" yaml:"hmp-commands"`
	QMPCommands  []string      `json:"qmp-commands" yaml:"qmp-commands"`
	MachineTypes []MachineType `json:"machine-types" yaml:"machine-types"`
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func (c *StaticCapabilities) SupportsOption(name string) bool {
	return contains(c.Options, strings.TrimPrefix(name, "-"))
}

func (c *StaticCapabilities) SupportsDevice(driver string) bool {
	return contains(c.Devices, driver)
}

func (c *StaticCapabilities) SupportsHumanMonitorCommand(name string) bool {
	return contains(c.HMPCommands, name)
}

func (c *StaticCapabilities) SupportsQMPCommand(name string) bool {
	return contains(c.QMPCommands, name)
}

func (c *StaticCapabilities) SupportedMachineTypes() []MachineType {
	return append([]MachineType(nil), c.MachineTypes...)
}

// PermissiveCapabilities reports every option, device and command as
// supported. Machine types are still taken from the list.
type PermissiveCapabilities struct {
	MachineTypes []MachineType
}

func (PermissiveCapabilities) SupportsOption(string) bool              { return true }
func (PermissiveCapabilities) SupportsDevice(string) bool              { return true }
func (PermissiveCapabilities) SupportsHumanMonitorCommand(string) bool { return true }
func (PermissiveCapabilities) SupportsQMPCommand(string) bool          { return true }

func (c PermissiveCapabilities) SupportedMachineTypes() []MachineType {
	return append([]MachineType(nil), c.MachineTypes...)
}

// DefaultMachineType returns the entry marked as default, or the first one.
func DefaultMachineType(types []MachineType) (MachineType, bool) {
	for _, m := range types {
		if m.Default {
			return m, true
		}
	}

	if len(types) > 0 {
		return types[0], true
	}

	return MachineType{}, false
}

// MachineTypeNames returns the sorted machine type names.
func MachineTypeNames(types []MachineType) []string {
	names := make([]string, 0, len(types))

	for _, m := range types {
		names = append(names, m.Name)
	}

	sort.Strings(names)

	return names
}
