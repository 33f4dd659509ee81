package amd64

import (
	"strings"

	"github.com/pattyshack/tdb/debugger/target"
	"github.com/pattyshack/tdb/dwarf"
)

type Register struct {
	target.RegisterId

	Name    string
	DwarfId dwarf.RegisterId // -1 for registers without dwarf numbering

	// user_regs_struct field name.
	Field string

	IsCalleeSaved bool
}

var (
	Registers []Register

	nameRegisters  = map[string]Register{}
	dwarfRegisters = map[dwarf.RegisterId]Register{}

	ProgramCounter Register
	StackPointer   Register
	FramePointer   Register
	Flags          Register
	Counter        Register // rcx
)

func ByName(name string) (Register, bool) {
	reg, ok := nameRegisters[name]
	return reg, ok
}

func ByDwarfId(id dwarf.RegisterId) (Register, bool) {
	reg, ok := dwarfRegisters[id]
	return reg, ok
}

func ById(id target.RegisterId) (Register, bool) {
	if id < 0 || int(id) >= len(Registers) {
		return Register{}, false
	}
	return Registers[id], true
}

func init() {
	dwarfIds := map[string]int{
		"rip":     16,
		"eflags":  49,
		"es":      50,
		"cs":      51,
		"ss":      52,
		"ds":      53,
		"fs":      54,
		"gs":      55,
		"fs_base": 58,
		"gs_base": 59,
	}

	// System V abi
	calleeSaved := map[string]bool{
		"rbx": true,
		"rbp": true,
		"rsp": true,
		"r12": true,
		"r13": true,
		"r14": true,
		"r15": true,
	}

	names := strings.Split(
		"rax rdx rcx rbx rsi rdi rbp rsp "+
			"r8 r9 r10 r11 r12 r13 r14 r15 "+
			"rip eflags cs fs gs ss ds es orig_rax fs_base gs_base",
		" ")
	for idx, name := range names {
		dwarfId, ok := dwarfIds[name]
		if !ok {
			if idx < 16 {
				dwarfId = idx
			} else {
				dwarfId = -1
			}
		}

		reg := Register{
			RegisterId:    target.RegisterId(idx),
			Name:          name,
			DwarfId:       dwarf.RegisterId(dwarfId),
			Field:         strings.ToUpper(name[0:1]) + name[1:],
			IsCalleeSaved: calleeSaved[name],
		}

		Registers = append(Registers, reg)

		_, ok = nameRegisters[name]
		if ok {
			panic("duplicate register info: " + name)
		}
		nameRegisters[name] = reg

		if reg.DwarfId != -1 {
			_, ok := dwarfRegisters[reg.DwarfId]
			if ok {
				panic("duplicate register info: " + name)
			}
			dwarfRegisters[reg.DwarfId] = reg
		}
	}

	ProgramCounter, _ = ByName("rip")
	StackPointer, _ = ByName("rsp")
	FramePointer, _ = ByName("rbp")
	Flags, _ = ByName("eflags")
	Counter, _ = ByName("rcx")
}
