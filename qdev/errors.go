package qdev

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNotSupported = errors.New("not supported")
	ErrUnsupported  = errors.New("unsupported by qemu binary")
	ErrInvalidValue = errors.New("invalid value")
	ErrInsertFailed = errors.New("device insertion failed")
	ErrForced       = errors.New("device force-inserted with errors")
)

// CapabilityError is returned when the target qemu binary lacks
// an option, device driver, monitor command or machine type.
type CapabilityError struct {
	What string
	Name string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s %q is %s", e.What, e.Name, ErrUnsupported)
}

func (e *CapabilityError) Unwrap() error {
	return ErrUnsupported
}

func IsCapabilityError(err error) bool {
	var e *CapabilityError

	return errors.As(err, &e)
}

// InsertError describes a failed (non-forced) insertion together with
// a snapshot of every bus at the moment of failure.
type InsertError struct {
	Device string
	Reason string
	Buses  string
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("%s: %s: %s\nbuses:\n%s", ErrInsertFailed, e.Device, e.Reason, e.Buses)
}

func (e *InsertError) Unwrap() error {
	return ErrInsertFailed
}

func IsInsertError(err error) bool {
	var e *InsertError

	return errors.As(err, &e)
}

// ForcedInsertError is the non-fatal summary of a forced insertion.
type ForcedInsertError struct {
	Device   string
	Problems []string
}

func (e *ForcedInsertError) Error() string {
	return fmt.Sprintf("errors occurred while adding device %s:\n%s", e.Device, strings.Join(e.Problems, "\n"))
}

func (e *ForcedInsertError) Unwrap() error {
	return ErrForced
}
