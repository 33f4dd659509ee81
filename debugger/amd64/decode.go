package amd64

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/target"
)

const (
	maxX64InstructionLength = 15

	carryFlag    = 1 << 0
	parityFlag   = 1 << 2
	zeroFlag     = 1 << 6
	signFlag     = 1 << 7
	overflowFlag = 1 << 11
)

var (
	x86Registers = map[x86asm.Reg]string{
		x86asm.RAX: "rax",
		x86asm.RCX: "rcx",
		x86asm.RDX: "rdx",
		x86asm.RBX: "rbx",
		x86asm.RSP: "rsp",
		x86asm.RBP: "rbp",
		x86asm.RSI: "rsi",
		x86asm.RDI: "rdi",
		x86asm.R8:  "r8",
		x86asm.R9:  "r9",
		x86asm.R10: "r10",
		x86asm.R11: "r11",
		x86asm.R12: "r12",
		x86asm.R13: "r13",
		x86asm.R14: "r14",
		x86asm.R15: "r15",
	}
)

// BreakPointBytes restores the original bytes of installed break points
// within memory read at addr.
type BreakPointBytes interface {
	ReplaceBreakPointBytes(addr VirtualAddress, memorySlice []byte)
}

type decoder struct {
	pc    VirtualAddress
	state target.MachineState
	inst  x86asm.Inst
}

func (decoder *decoder) next() VirtualAddress {
	return decoder.pc + VirtualAddress(decoder.inst.Len)
}

func (decoder *decoder) register(reg x86asm.Reg) (uint64, error) {
	if reg == x86asm.RIP {
		return uint64(decoder.next()), nil
	}

	name, ok := x86Registers[reg]
	if !ok {
		return 0, fmt.Errorf(
			"%w. unsupported register %s at %s",
			ErrInvalidArgument,
			reg,
			decoder.pc)
	}

	value, err := decoder.state.ReadRegister(nameRegisters[name].RegisterId)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", name, err)
	}

	return value, nil
}

func (decoder *decoder) readWord(addr VirtualAddress) (VirtualAddress, error) {
	buffer := make([]byte, 8)
	n, err := decoder.state.ReadMemory(addr, buffer)
	if err != nil {
		return 0, fmt.Errorf("failed to read memory at %s: %w", addr, err)
	}
	if n != len(buffer) {
		return 0, fmt.Errorf("failed to read memory at %s: short read", addr)
	}

	return VirtualAddress(binary.LittleEndian.Uint64(buffer)), nil
}

func (decoder *decoder) memoryAddress(mem x86asm.Mem) (VirtualAddress, error) {
	if mem.Segment != 0 {
		return 0, fmt.Errorf(
			"%w. unsupported segment %s at %s",
			ErrInvalidArgument,
			mem.Segment,
			decoder.pc)
	}

	addr := uint64(mem.Disp)

	if mem.Base != 0 {
		base, err := decoder.register(mem.Base)
		if err != nil {
			return 0, err
		}
		addr += base
	}

	if mem.Index != 0 {
		index, err := decoder.register(mem.Index)
		if err != nil {
			return 0, err
		}
		addr += index * uint64(mem.Scale)
	}

	return VirtualAddress(addr), nil
}

// branchTarget computes a call/jmp's destination.
func (decoder *decoder) branchTarget() (VirtualAddress, error) {
	switch arg := decoder.inst.Args[0].(type) {
	case x86asm.Rel:
		return VirtualAddress(int64(decoder.next()) + int64(arg)), nil
	case x86asm.Reg:
		value, err := decoder.register(arg)
		return VirtualAddress(value), err
	case x86asm.Mem:
		addr, err := decoder.memoryAddress(arg)
		if err != nil {
			return 0, err
		}
		return decoder.readWord(addr)
	default:
		return 0, fmt.Errorf(
			"%w. unsupported branch operand (%v) at %s",
			ErrInvalidArgument,
			decoder.inst.Args[0],
			decoder.pc)
	}
}

func (decoder *decoder) isTaken() (bool, error) {
	op := decoder.inst.Op

	switch op {
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:

		rcx, err := decoder.register(x86asm.RCX)
		if err != nil {
			return false, err
		}

		switch op {
		case x86asm.JCXZ:
			return uint16(rcx) == 0, nil
		case x86asm.JECXZ:
			return uint32(rcx) == 0, nil
		case x86asm.JRCXZ:
			return rcx == 0, nil
		}

		if rcx-1 == 0 {
			return false, nil
		}

		if op == x86asm.LOOP {
			return true, nil
		}
	}

	flags, err := decoder.state.ReadRegister(Flags.RegisterId)
	if err != nil {
		return false, fmt.Errorf("failed to read eflags: %w", err)
	}

	cf := flags&carryFlag != 0
	pf := flags&parityFlag != 0
	zf := flags&zeroFlag != 0
	sf := flags&signFlag != 0
	of := flags&overflowFlag != 0

	switch op {
	case x86asm.LOOPE:
		return zf, nil
	case x86asm.LOOPNE:
		return !zf, nil
	case x86asm.JA:
		return !cf && !zf, nil
	case x86asm.JAE:
		return !cf, nil
	case x86asm.JB:
		return cf, nil
	case x86asm.JBE:
		return cf || zf, nil
	case x86asm.JE:
		return zf, nil
	case x86asm.JNE:
		return !zf, nil
	case x86asm.JG:
		return !zf && sf == of, nil
	case x86asm.JGE:
		return sf == of, nil
	case x86asm.JL:
		return sf != of, nil
	case x86asm.JLE:
		return zf || sf != of, nil
	case x86asm.JO:
		return of, nil
	case x86asm.JNO:
		return !of, nil
	case x86asm.JP:
		return pf, nil
	case x86asm.JNP:
		return !pf, nil
	case x86asm.JS:
		return sf, nil
	case x86asm.JNS:
		return !sf, nil
	default:
		panic("should never happen")
	}
}

func (decoder *decoder) nextPC() (VirtualAddress, error) {
	switch decoder.inst.Op {
	case x86asm.CALL, x86asm.JMP:
		return decoder.branchTarget()

	case x86asm.RET:
		sp, err := decoder.state.ReadRegister(StackPointer.RegisterId)
		if err != nil {
			return 0, fmt.Errorf("failed to read rsp: %w", err)
		}
		return decoder.readWord(VirtualAddress(sp))

	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JE, x86asm.JNE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:

		taken, err := decoder.isTaken()
		if err != nil {
			return 0, err
		}

		if !taken {
			return decoder.next(), nil
		}
		return decoder.branchTarget()

	case x86asm.LCALL, x86asm.LJMP, x86asm.LRET,
		x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.SYSRET, x86asm.SYSEXIT:

		return 0, fmt.Errorf(
			"%w. cannot predict control transfer (%s) at %s",
			ErrInvalidArgument,
			decoder.inst.Op,
			decoder.pc)

	default:
		return decoder.next(), nil
	}
}

// Decode decodes the instruction at pc and predicts the program counter
// after its execution.  Instruction bytes are read through state.  When
// breakPoints is non-nil, installed break point bytes are masked out.
func Decode(
	pc VirtualAddress,
	state target.MachineState,
	breakPoints BreakPointBytes,
) (
	target.Instruction,
	error,
) {
	data := make([]byte, maxX64InstructionLength)
	n, err := state.ReadMemory(pc, data)
	if n == 0 {
		if err == nil {
			err = fmt.Errorf("empty read")
		}
		return target.Instruction{}, fmt.Errorf(
			"failed to read instruction at %s: %w",
			pc,
			err)
	}
	data = data[:n]

	if breakPoints != nil {
		breakPoints.ReplaceBreakPointBytes(pc, data)
	}

	inst, err := x86asm.Decode(data, 64)
	if err != nil {
		return target.Instruction{}, fmt.Errorf(
			"failed to decode instruction at %s: %w",
			pc,
			err)
	}

	decoder := &decoder{
		pc:    pc,
		state: state,
		inst:  inst,
	}

	next, err := decoder.nextPC()
	if err != nil {
		return target.Instruction{}, err
	}

	return target.Instruction{
		Address: pc,
		Length:  inst.Len,
		NextPC:  next,
		IsCall:  inst.Op == x86asm.CALL,
		Text:    x86asm.GNUSyntax(inst, uint64(pc), nil),
	}, nil
}
