package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/0xef53/kvmtest/internal/hotplug"
	"github.com/0xef53/kvmtest/internal/machinedesc"
	"github.com/0xef53/kvmtest/qdev"

	"github.com/urfave/cli/v2"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("something"), 1},
		{cli.Exit("bad flag", 7), 7},
		{fmt.Errorf("%w: device net9", qdev.ErrNotFound), 2},
		{fmt.Errorf("devices[0]: %w", &qdev.CapabilityError{What: "device", Name: "e1000"}), 3},
		{&qdev.InsertError{Device: "net0(device)", Reason: "no matching bus"}, 4},
		{fmt.Errorf("%w: devices[1]: bogus", machinedesc.ErrBadDescription), 4},
		{fmt.Errorf("%w: net0(device): timeout", hotplug.ErrNotConfirmed), 5},
	}

	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Fatalf("got unexpected exit code for %q: want %d, got %d", tt.err, tt.want, got)
		}
	}
}
