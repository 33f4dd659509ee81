package debugger

import (
	"errors"
	"fmt"

	"github.com/pattyshack/tdb/debugger/breakpoint"
	. "github.com/pattyshack/tdb/debugger/common"
)

// SymbolTable is optionally implemented by the debug information.  It
// resolves symbolic break point locations.
type SymbolTable interface {
	SymbolAt(addr VirtualAddress) (string, uint64, bool)

	FunctionBreakAddresses(name string) []VirtualAddress
	LineBreakAddresses(file string, line int) []VirtualAddress
}

func (db *Debugger) checkSymbols() error {
	if db.symbols == nil {
		return fmt.Errorf("%w. symbol lookup is unavailable", ErrNoDebugInfo)
	}
	return nil
}

// SymbolAt describes addr as symbol+offset.
func (db *Debugger) SymbolAt(addr VirtualAddress) (string, error) {
	err := db.checkSymbols()
	if err != nil {
		return "", err
	}

	name, offset, ok := db.symbols.SymbolAt(addr)
	if !ok {
		return "", fmt.Errorf("no symbol matches %s", addr)
	}

	if offset == 0 {
		return name, nil
	}
	return fmt.Sprintf("%s+%#x", name, offset), nil
}

// SetFunctionBreakPoint sets a break point after the prologue of every
// function matching name.
func (db *Debugger) SetFunctionBreakPoint(
	name string,
) (
	[]*breakpoint.BreakPoint,
	error,
) {
	err := db.checkSymbols()
	if err != nil {
		return nil, err
	}

	addrs := db.symbols.FunctionBreakAddresses(name)
	if len(addrs) == 0 {
		return nil, fmt.Errorf(
			"%w. function (%s) not found",
			ErrInvalidArgument,
			name)
	}

	return db.setBreakPoints(addrs)
}

// SetLineBreakPoint sets a break point at every statement generated for the
// source line.
func (db *Debugger) SetLineBreakPoint(
	file string,
	line int,
) (
	[]*breakpoint.BreakPoint,
	error,
) {
	err := db.checkSymbols()
	if err != nil {
		return nil, err
	}

	addrs := db.symbols.LineBreakAddresses(file, line)
	if len(addrs) == 0 {
		return nil, fmt.Errorf(
			"%w. no code generated for %s:%d",
			ErrInvalidArgument,
			file,
			line)
	}

	return db.setBreakPoints(addrs)
}

// setBreakPoints skips addresses which already have a break point.  An error
// is only returned when no break point is set.
func (db *Debugger) setBreakPoints(
	addrs []VirtualAddress,
) (
	[]*breakpoint.BreakPoint,
	error,
) {
	result := []*breakpoint.BreakPoint{}
	var lastErr error
	for _, addr := range addrs {
		point, err := db.SetBreakPoint(addr)
		if err != nil {
			if !errors.Is(err, ErrBreakPointAlreadyExists) {
				db.logger.Warn(
					"failed to set break point",
					"address", addr,
					"error", err)
			}
			lastErr = err
			continue
		}

		result = append(result, point)
	}

	if len(result) == 0 {
		return nil, lastErr
	}

	return result, nil
}
