package common

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = fmt.Errorf("invalid argument")

	ErrCantUnwindStackFrame     = fmt.Errorf("cannot unwind stack frame")
	ErrCantRewindStackFrame     = fmt.Errorf("cannot rewind stack frame")
	ErrBacktraceDataUnavailable = fmt.Errorf("backtrace data unavailable")

	ErrBreakPointAlreadyExists = fmt.Errorf("break point already exists")
	ErrBreakPointNotFound      = fmt.Errorf("break point not found")

	ErrTargetDead = fmt.Errorf("target is dead")
	ErrTargetBusy = fmt.Errorf("target is busy")

	ErrNoDebugInfo = fmt.Errorf("no debug information")

	// Returned by every engine operation after an invariant violation has
	// been observed.
	ErrEngineHalted = fmt.Errorf("engine halted after invariant violation")

	ErrInvariantViolation = fmt.Errorf("invariant violation")
)

// Fatalf creates an unrecoverable error.  Callers must stop processing the
// current operation and return the error unchanged.
func Fatalf(format string, args ...interface{}) error {
	return fmt.Errorf(
		"%w: %s",
		ErrInvariantViolation,
		fmt.Sprintf(format, args...))
}

// Fatal promotes err into an unrecoverable error, preserving its chain.
func Fatal(err error) error {
	if err == nil || IsFatal(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInvariantViolation, err)
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

type VirtualAddress uint64

func (addr VirtualAddress) String() string {
	return fmt.Sprintf("0x%016x", uint64(addr))
}

type AddressRange struct {
	Low  VirtualAddress
	High VirtualAddress
}

func (ar AddressRange) Contains(addr VirtualAddress) bool {
	return ar.Low <= addr && addr < ar.High
}
