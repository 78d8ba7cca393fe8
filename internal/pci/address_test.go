package pci

import (
	"errors"
	"fmt"
	"testing"
)

func resultStr(value string, want, got interface{}) string {
	return fmt.Sprintf("got unexpected result:\n\tvalue:\t%s\n\twant:\t%v\n\tgot:\t%v", value, want, got)
}

func TestAddressParseHexString(t *testing.T) {
	goodValues := map[string]string{
		":00:00.0":     "0000:00:00.0",
		"1:03:00.0":    "0001:03:00.0",
		"0001:ff:00.0": "0001:ff:00.0",
		"ffff:af:1f.7": "ffff:af:1f.7",
		"05:00.1":      "0000:05:00.1",
	}

	for s, want := range goodValues {
		addr, err := AddressFromHex(s)
		if err != nil {
			t.Fatal(resultStr(s, nil, err))
		}
		if addr.String() != want {
			t.Fatal(resultStr(s, want, addr.String()))
		}
	}

	for _, s := range []string{"z:03:00.0", "qwerty:03:00.0", "0000:03:yy.0", "0000:03:00.nn", "0000"} {
		if _, err := AddressFromHex(s); err == nil {
			t.Fatal(resultStr(s, "error", nil))
		}
	}
}

func TestAddressParseDeviceValues(t *testing.T) {
	for _, s := range []string{"0000:03:2f.0"} {
		if _, err := AddressFromHex(s); !errors.Is(err, ErrBadSlot) {
			t.Fatal(resultStr(s, ErrBadSlot, err))
		}
	}

	for _, s := range []string{"0000:03:1f.8"} {
		if _, err := AddressFromHex(s); !errors.Is(err, ErrBadFunction) {
			t.Fatal(resultStr(s, ErrBadFunction, err))
		}
	}
}

func TestParseGuestSlot(t *testing.T) {
	type result struct {
		slot, fn int
	}

	goodValues := map[string]result{
		"0x1f":    {0x1f, 0},
		"1f":      {0x1f, 0},
		"0X03":    {3, 0},
		"0x3.0x1": {3, 1},
		"03.7":    {3, 7},
		"0x40":    {0x40, 0},
	}

	for s, want := range goodValues {
		slot, fn, err := ParseSlot(s)
		if err != nil {
			t.Fatal(resultStr(s, want, err))
		}
		if got := (result{slot, fn}); got != want {
			t.Fatal(resultStr(s, want, got))
		}
	}

	for _, s := range []string{"", "0x", "zz", "0x3.0x8", "3.q"} {
		if _, _, err := ParseSlot(s); err == nil {
			t.Fatal(resultStr(s, "error", nil))
		}
	}
}

func TestFormatSlot(t *testing.T) {
	if s := FormatSlot(0x1f); s != "0x1f" {
		t.Fatal(resultStr("0x1f", "0x1f", s))
	}
	if s := FormatSlotFunction(3, 2); s != "0x3.0x2" {
		t.Fatal(resultStr("3.2", "0x3.0x2", s))
	}
	if s := FormatSlotFunction(3, 0); s != "0x3" {
		t.Fatal(resultStr("3.0", "0x3", s))
	}
}
