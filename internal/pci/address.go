package pci

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrBadSlot     = errors.New("bad guest PCI address")
	ErrBadFunction = errors.New("bad guest PCI function")
)

const (
	MaxSlot     = 0x1f
	MaxFunction = 0x7
)

// Address is a host PCI address as used by the "host=" property of vfio-pci.
type Address struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

func AddressFromHex(s string) (*Address, error) {
	var domain uint16
	var bus uint8

	ff := strings.Split(s, ":")

	switch len(ff) {
	case 3:
		if ff[0] = strings.TrimSpace(ff[0]); len(ff[0]) > 0 {
			v, err := strconv.ParseUint(ff[0], 16, 16)
			if err != nil {
				return nil, err
			}
			domain = uint16(v)
		}
		ff = ff[1:]
	case 2:
	default:
		return nil, fmt.Errorf("bad pci address format: want '[domain:]bus:device.function', given '%s'", s)
	}

	v, err := strconv.ParseUint(ff[0], 16, 8)
	if err != nil {
		return nil, err
	}
	bus = uint8(v)

	slot, fn, err := parseSlotFunction(ff[1], false)
	if err != nil {
		return nil, err
	}

	return &Address{
		Domain:   domain,
		Bus:      bus,
		Device:   uint8(slot),
		Function: uint8(fn),
	}, nil
}

func (a *Address) String() string {
	return fmt.Sprintf("%.4x:%.2x:%.2x.%x", a.Domain, a.Bus, a.Device, a.Function)
}

// ParseSlot parses a guest "addr=" property value: "0x1f", "1f", "0x3.0x1", "03.1".
// The slot is not range-checked here, the owning bus decides what is in range.
func ParseSlot(s string) (slot, function int, err error) {
	return parseSlotFunction(s, true)
}

// FormatSlot renders a guest slot the way qemu prints it in "info qtree".
func FormatSlot(slot int) string {
	return fmt.Sprintf("0x%x", slot)
}

func FormatSlotFunction(slot, function int) string {
	if function == 0 {
		return FormatSlot(slot)
	}

	return fmt.Sprintf("0x%x.0x%x", slot, function)
}

func parseSlotFunction(s string, guest bool) (int, int, error) {
	var slot, fn uint64
	var err error

	ff := strings.SplitN(strings.TrimSpace(s), ".", 2)

	if slot, err = parseHex(ff[0]); err != nil {
		return 0, 0, fmt.Errorf("%w: %s: %s", ErrBadSlot, s, err)
	}

	if !guest && slot > MaxSlot {
		return 0, 0, fmt.Errorf("%w: a slot cannot be a number larger than 0x1f", ErrBadSlot)
	}

	if len(ff) == 2 {
		if fn, err = parseHex(ff[1]); err != nil {
			return 0, 0, fmt.Errorf("%w: %s: %s", ErrBadFunction, s, err)
		}
		if fn > MaxFunction {
			return 0, 0, fmt.Errorf("%w: a function cannot be a number larger than 0x7", ErrBadFunction)
		}
	}

	return int(slot), int(fn), nil
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")

	if len(s) == 0 {
		return 0, fmt.Errorf("empty value")
	}

	return strconv.ParseUint(s, 16, 16)
}
