package main

import (
	"errors"
	"os"

	"github.com/0xef53/kvmtest/internal/hotplug"
	"github.com/0xef53/kvmtest/internal/machinedesc"
	"github.com/0xef53/kvmtest/qdev"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func exitCode(err error) int {
	var exitErr cli.ExitCoder

	switch {
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	case errors.Is(err, qdev.ErrNotFound):
		return 2
	case qdev.IsCapabilityError(err), errors.Is(err, qdev.ErrNotSupported):
		return 3
	case qdev.IsInsertError(err), errors.Is(err, machinedesc.ErrBadDescription):
		return 4
	case errors.Is(err, hotplug.ErrHotplugFailed), errors.Is(err, hotplug.ErrUnplugFailed), errors.Is(err, hotplug.ErrNotConfirmed):
		return 5
	}

	return 1
}

func exitWithError(err error) {
	log.Error(err)

	os.Exit(exitCode(err))
}
