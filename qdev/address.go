package qdev

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/0xef53/kvmtest/internal/pci"
)

// Unspecified marks an address field that the bus is free to choose.
const Unspecified = -1

// Address is a bus address, one value per address field of the bus.
type Address []int

func UnspecifiedAddress(n int) Address {
	a := make(Address, n)
	for i := range a {
		a[i] = Unspecified
	}
	return a
}

func (a Address) Complete() bool {
	for _, x := range a {
		if x == Unspecified {
			return false
		}
	}
	return true
}

func (a Address) Clone() Address {
	return append(Address(nil), a...)
}

// addrCodec converts address fields between device parameters and integers.
type addrCodec interface {
	parse(v Value) (int, error)
	value(x int) Value
	format(x int) string
}

type decimalCodec struct{}

func (decimalCodec) parse(v Value) (int, error) {
	switch v.Kind() {
	case KindInt:
		x, _ := v.Int64()
		return int(x), nil
	case KindString:
		return strconv.Atoi(strings.TrimSpace(v.Text()))
	}

	return 0, fmt.Errorf("%w: not a number: %s", ErrInvalidValue, v)
}

func (decimalCodec) value(x int) Value {
	return Int(int64(x))
}

func (decimalCodec) format(x int) string {
	return strconv.Itoa(x)
}

// hexCodec is used by PCI buses: qemu accepts and prints slots in hex.
type hexCodec struct{}

func (hexCodec) parse(v Value) (int, error) {
	switch v.Kind() {
	case KindInt:
		x, _ := v.Int64()
		return int(x), nil
	case KindString:
		slot, fn, err := pci.ParseSlot(v.Text())
		if err != nil {
			return 0, err
		}
		if fn != 0 {
			return 0, fmt.Errorf("%w: multifunction addresses are not modelled: %s", ErrInvalidValue, v)
		}
		return slot, nil
	}

	return 0, fmt.Errorf("%w: not a PCI address: %s", ErrInvalidValue, v)
}

func (hexCodec) value(x int) Value {
	return String(pci.FormatSlot(x))
}

func (hexCodec) format(x int) string {
	return pci.FormatSlot(x)
}
