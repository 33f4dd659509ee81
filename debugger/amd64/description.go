// Package amd64 describes the x86-64 (System V) target: register numbering,
// dwarf register mapping and instruction decoding.
package amd64

import (
	"encoding/binary"
	"fmt"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/target"
	"github.com/pattyshack/tdb/dwarf"
)

type Description struct {
	target.UnwindRuleSource

	// Optional.
	BreakPoints BreakPointBytes
}

func NewDescription(
	rules target.UnwindRuleSource,
	breakPoints BreakPointBytes,
) *Description {
	return &Description{
		UnwindRuleSource: rules,
		BreakPoints:      breakPoints,
	}
}

func (Description) NumRegisters() int {
	return len(Registers)
}

func (Description) ProgramCounter() target.RegisterId {
	return ProgramCounter.RegisterId
}

func (Description) StackPointer() target.RegisterId {
	return StackPointer.RegisterId
}

func (Description) StatusRegister() target.RegisterId {
	return Flags.RegisterId
}

func (Description) IsCalleeSaved(id target.RegisterId) bool {
	reg, ok := ById(id)
	return ok && reg.IsCalleeSaved
}

func (Description) FromDwarfRegister(
	id dwarf.RegisterId,
) (
	target.RegisterId,
	bool,
) {
	reg, ok := ByDwarfId(id)
	if !ok {
		return 0, false
	}
	return reg.RegisterId, true
}

func (Description) RegisterName(id target.RegisterId) string {
	reg, ok := ById(id)
	if !ok {
		return fmt.Sprintf("<unknown register %d>", id)
	}
	return reg.Name
}

func (Description) ByteOrder() binary.ByteOrder {
	return binary.LittleEndian
}

func (Description) AddressSize() int {
	return 8
}

func (desc Description) DecodeInstruction(
	pc VirtualAddress,
	state target.MachineState,
) (
	target.Instruction,
	error,
) {
	return Decode(pc, state, desc.BreakPoints)
}
