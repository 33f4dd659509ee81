// Package target defines the collaborators consumed by the engine: the
// target controller (execution and raw register/memory access), the target
// description (architecture facts, instruction decode, call frame
// information) and the debug information lookup.
package target

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/dwarf"
)

type State string

const (
	Dead    = State("dead")
	Halted  = State("halted")
	Running = State("running")
)

// Controller register numbering.
type RegisterId int

// RegisterMask selects a set of controller registers.  Bit i selects register
// i.
type RegisterMask uint64

func MaskOf(ids ...RegisterId) RegisterMask {
	mask := RegisterMask(0)
	for _, id := range ids {
		mask |= 1 << uint(id)
	}
	return mask
}

func AllRegisters(numRegisters int) RegisterMask {
	if numRegisters >= 64 {
		return ^RegisterMask(0)
	}
	return RegisterMask(1)<<uint(numRegisters) - 1
}

func (mask RegisterMask) Has(id RegisterId) bool {
	return id >= 0 && id < 64 && mask&(1<<uint(id)) != 0
}

func (mask RegisterMask) Len() int {
	return bits.OnesCount64(uint64(mask))
}

// Registers returns the selected register ids in ascending order.
func (mask RegisterMask) Registers() []RegisterId {
	result := make([]RegisterId, 0, mask.Len())
	for remaining := uint64(mask); remaining != 0; remaining &= remaining - 1 {
		result = append(result, RegisterId(bits.TrailingZeros64(remaining)))
	}
	return result
}

type Controller interface {
	// ReadRegisters returns one value per selected register, in ascending
	// register order.
	ReadRegisters(mask RegisterMask) ([]uint64, error)
	WriteRegisters(mask RegisterMask, values []uint64) error

	ReadMemory(addr VirtualAddress, out []byte) (int, error)
	WriteMemory(addr VirtualAddress, data []byte) (int, error)

	Run() error
	Halt() error

	// The callback is invoked (from the engine's driving loop) on every
	// observed target state transition.  Repeated reports are allowed.
	OnStateChange(notify func(State))

	IsConnected() bool
	Status() (State, error)
}

// Optionally implemented by controllers that can execute exactly one
// instruction.  The target reports Running then Halted.
type SingleStepper interface {
	NativeSingleStep() error
}

// Optionally implemented by controllers that install break points into the
// physical target.
type BreakPointInstaller interface {
	InsertBreakPoint(addr VirtualAddress) error
	RemoveBreakPoint(addr VirtualAddress) error
}

// MachineState is the live register/memory view used for instruction
// decoding.
type MachineState interface {
	ReadRegister(id RegisterId) (uint64, error)
	ReadMemory(addr VirtualAddress, out []byte) (int, error)
}

type Instruction struct {
	Address VirtualAddress
	Length  int

	// Program counter after executing the instruction.
	NextPC VirtualAddress

	IsCall bool

	// Human readable disassembly.  Optional.
	Text string
}

func (inst Instruction) String() string {
	return fmt.Sprintf("%s: %s", inst.Address, inst.Text)
}

// UnwindRuleSource looks up the call frame information row for a runtime
// address.  Nil rules indicates the address is not covered.
type UnwindRuleSource interface {
	UnwindRulesAt(pc VirtualAddress) (*dwarf.UnwindRules, error)
}

type Description interface {
	UnwindRuleSource

	NumRegisters() int

	ProgramCounter() RegisterId
	StackPointer() RegisterId
	StatusRegister() RegisterId

	IsCalleeSaved(id RegisterId) bool

	// Translates debug information register numbering to controller register
	// numbering.
	FromDwarfRegister(id dwarf.RegisterId) (RegisterId, bool)

	RegisterName(id RegisterId) string

	ByteOrder() binary.ByteOrder
	AddressSize() int

	DecodeInstruction(
		pc VirtualAddress,
		state MachineState,
	) (
		Instruction,
		error,
	)
}

type SourceLine struct {
	Address     VirtualAddress
	File        string
	Line        int
	IsStatement bool
}

func (line SourceLine) String() string {
	return fmt.Sprintf("%s:%d", line.File, line.Line)
}

type SourceContext struct {
	CompileUnit string
	Subprogram  string

	File string
	Line int
}

type DebugInfo interface {
	// Difference between runtime and link time addresses.
	LoadBias() uint64

	// LineAt returns the line table row covering the address.
	LineAt(addr VirtualAddress) (SourceLine, bool)

	// IsStatementBoundary is true when addr starts a line table row marked as
	// a statement.
	IsStatementBoundary(addr VirtualAddress) bool

	Describe(addr VirtualAddress) (SourceContext, bool)

	// FrameBase returns the frame base expression of the subprogram
	// containing the address.
	FrameBase(addr VirtualAddress) (dwarf.Expression, bool)
}
