// Package targettest provides in-memory target collaborators for tests.
package targettest

import (
	"encoding/binary"
	"fmt"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/target"
	"github.com/pattyshack/tdb/dwarf"
)

// Controller is a scripted target.  Run/Halt requests are only recorded;
// tests drive state transitions explicitly via Transition/StopAt.
type Controller struct {
	Registers []uint64
	Memory    map[VirtualAddress]byte

	State     target.State
	Connected bool

	PC target.RegisterId

	RunCount      int
	HaltCount     int
	RegisterReads int

	Installed map[VirtualAddress]bool

	notify []func(target.State)
}

func NewController(numRegisters int, pc target.RegisterId) *Controller {
	return &Controller{
		Registers: make([]uint64, numRegisters),
		Memory:    map[VirtualAddress]byte{},
		State:     target.Halted,
		Connected: true,
		PC:        pc,
		Installed: map[VirtualAddress]bool{},
	}
}

func (ctrl *Controller) ReadRegisters(
	mask target.RegisterMask,
) (
	[]uint64,
	error,
) {
	if ctrl.State == target.Dead {
		return nil, ErrTargetDead
	}
	if ctrl.State == target.Running {
		return nil, ErrTargetBusy
	}

	ctrl.RegisterReads++

	values := []uint64{}
	for _, id := range mask.Registers() {
		if int(id) >= len(ctrl.Registers) {
			return nil, fmt.Errorf("%w. register %d", ErrInvalidArgument, id)
		}
		values = append(values, ctrl.Registers[id])
	}

	return values, nil
}

func (ctrl *Controller) WriteRegisters(
	mask target.RegisterMask,
	values []uint64,
) error {
	if ctrl.State == target.Dead {
		return ErrTargetDead
	}
	if ctrl.State == target.Running {
		return ErrTargetBusy
	}

	ids := mask.Registers()
	if len(ids) != len(values) {
		return fmt.Errorf("%w. mismatched register values", ErrInvalidArgument)
	}

	for idx, id := range ids {
		ctrl.Registers[id] = values[idx]
	}

	return nil
}

func (ctrl *Controller) ReadMemory(
	addr VirtualAddress,
	out []byte,
) (
	int,
	error,
) {
	for idx := range out {
		value, ok := ctrl.Memory[addr+VirtualAddress(idx)]
		if !ok {
			return idx, fmt.Errorf(
				"failed to read memory. unmapped address %s",
				addr+VirtualAddress(idx))
		}
		out[idx] = value
	}

	return len(out), nil
}

func (ctrl *Controller) WriteMemory(
	addr VirtualAddress,
	data []byte,
) (
	int,
	error,
) {
	for idx, value := range data {
		ctrl.Memory[addr+VirtualAddress(idx)] = value
	}

	return len(data), nil
}

func (ctrl *Controller) SetWord(addr VirtualAddress, value uint64) {
	buffer := binary.LittleEndian.AppendUint64(nil, value)
	_, _ = ctrl.WriteMemory(addr, buffer)
}

func (ctrl *Controller) Word(addr VirtualAddress) uint64 {
	buffer := make([]byte, 8)
	_, err := ctrl.ReadMemory(addr, buffer)
	if err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(buffer)
}

func (ctrl *Controller) Run() error {
	if ctrl.State == target.Dead {
		return ErrTargetDead
	}

	ctrl.RunCount++
	return nil
}

func (ctrl *Controller) Halt() error {
	if ctrl.State == target.Dead {
		return ErrTargetDead
	}

	ctrl.HaltCount++
	return nil
}

func (ctrl *Controller) OnStateChange(notify func(target.State)) {
	ctrl.notify = append(ctrl.notify, notify)
}

func (ctrl *Controller) IsConnected() bool {
	return ctrl.Connected
}

func (ctrl *Controller) Status() (target.State, error) {
	return ctrl.State, nil
}

func (ctrl *Controller) InsertBreakPoint(addr VirtualAddress) error {
	ctrl.Installed[addr] = true
	return nil
}

func (ctrl *Controller) RemoveBreakPoint(addr VirtualAddress) error {
	delete(ctrl.Installed, addr)
	return nil
}

// Transition updates the state and reports it to every registered callback,
// even when the state is unchanged.
func (ctrl *Controller) Transition(state target.State) {
	ctrl.State = state
	for _, notify := range ctrl.notify {
		notify(state)
	}
}

// StopAt simulates the target running (if it is not already) and then
// halting at pc.
func (ctrl *Controller) StopAt(pc VirtualAddress) {
	if ctrl.State != target.Running {
		ctrl.Transition(target.Running)
	}

	ctrl.Registers[ctrl.PC] = uint64(pc)
	ctrl.Transition(target.Halted)
}

// SteppingController additionally supports native single stepping.
type SteppingController struct {
	*Controller

	StepCount int
}

func (ctrl *SteppingController) NativeSingleStep() error {
	if ctrl.State == target.Dead {
		return ErrTargetDead
	}

	ctrl.StepCount++
	return nil
}

type RuleRange struct {
	AddressRange
	*dwarf.UnwindRules
}

// Description is an identity mapped (dwarf register i == controller register
// i) target description.
type Description struct {
	Registers int

	PC     target.RegisterId
	SP     target.RegisterId
	Status target.RegisterId

	CalleeSaved map[target.RegisterId]bool

	Rules       []RuleRange
	RuleLookups int

	Instructions map[VirtualAddress]target.Instruction
}

func NewDescription(
	numRegisters int,
	pc target.RegisterId,
	sp target.RegisterId,
) *Description {
	return &Description{
		Registers:    numRegisters,
		PC:           pc,
		SP:           sp,
		Status:       -1,
		CalleeSaved:  map[target.RegisterId]bool{},
		Instructions: map[VirtualAddress]target.Instruction{},
	}
}

func (desc *Description) AddRules(
	low VirtualAddress,
	high VirtualAddress,
	rules *dwarf.UnwindRules,
) {
	desc.Rules = append(
		desc.Rules,
		RuleRange{
			AddressRange: AddressRange{Low: low, High: high},
			UnwindRules:  rules,
		})
}

func (desc *Description) AddInstruction(inst target.Instruction) {
	desc.Instructions[inst.Address] = inst
}

func (desc *Description) UnwindRulesAt(
	pc VirtualAddress,
) (
	*dwarf.UnwindRules,
	error,
) {
	desc.RuleLookups++

	for _, entry := range desc.Rules {
		if entry.Contains(pc) {
			return entry.UnwindRules, nil
		}
	}

	return nil, nil
}

func (desc *Description) NumRegisters() int {
	return desc.Registers
}

func (desc *Description) ProgramCounter() target.RegisterId {
	return desc.PC
}

func (desc *Description) StackPointer() target.RegisterId {
	return desc.SP
}

func (desc *Description) StatusRegister() target.RegisterId {
	return desc.Status
}

func (desc *Description) IsCalleeSaved(id target.RegisterId) bool {
	return desc.CalleeSaved[id]
}

func (desc *Description) FromDwarfRegister(
	id dwarf.RegisterId,
) (
	target.RegisterId,
	bool,
) {
	if id < 0 || int(id) >= desc.Registers {
		return 0, false
	}
	return target.RegisterId(id), true
}

func (desc *Description) RegisterName(id target.RegisterId) string {
	return fmt.Sprintf("r%d", id)
}

func (desc *Description) ByteOrder() binary.ByteOrder {
	return binary.LittleEndian
}

func (desc *Description) AddressSize() int {
	return 8
}

func (desc *Description) DecodeInstruction(
	pc VirtualAddress,
	state target.MachineState,
) (
	target.Instruction,
	error,
) {
	inst, ok := desc.Instructions[pc]
	if !ok {
		return target.Instruction{}, fmt.Errorf(
			"failed to decode instruction at %s",
			pc)
	}

	return inst, nil
}

type Subprogram struct {
	AddressRange

	Name        string
	CompileUnit string
	FrameBase   dwarf.Expression
}

// DebugInfo maps exact instruction addresses to line table rows.
type DebugInfo struct {
	Bias uint64

	Lines       map[VirtualAddress]target.SourceLine
	Subprograms []Subprogram
}

func NewDebugInfo() *DebugInfo {
	return &DebugInfo{
		Lines: map[VirtualAddress]target.SourceLine{},
	}
}

func (info *DebugInfo) AddLine(
	addr VirtualAddress,
	line int,
	isStatement bool,
) {
	info.Lines[addr] = target.SourceLine{
		Address:     addr,
		File:        "main.c",
		Line:        line,
		IsStatement: isStatement,
	}
}

func (info *DebugInfo) LoadBias() uint64 {
	return info.Bias
}

func (info *DebugInfo) LineAt(
	addr VirtualAddress,
) (
	target.SourceLine,
	bool,
) {
	line, ok := info.Lines[addr]
	return line, ok
}

func (info *DebugInfo) IsStatementBoundary(addr VirtualAddress) bool {
	line, ok := info.Lines[addr]
	return ok && line.IsStatement
}

func (info *DebugInfo) subprogram(addr VirtualAddress) (Subprogram, bool) {
	for _, sub := range info.Subprograms {
		if sub.Contains(addr) {
			return sub, true
		}
	}
	return Subprogram{}, false
}

func (info *DebugInfo) Describe(
	addr VirtualAddress,
) (
	target.SourceContext,
	bool,
) {
	sub, ok := info.subprogram(addr)
	if !ok {
		return target.SourceContext{}, false
	}

	result := target.SourceContext{
		CompileUnit: sub.CompileUnit,
		Subprogram:  sub.Name,
	}

	line, ok := info.Lines[addr]
	if ok {
		result.File = line.File
		result.Line = line.Line
	}

	return result, true
}

func (info *DebugInfo) FrameBase(
	addr VirtualAddress,
) (
	dwarf.Expression,
	bool,
) {
	sub, ok := info.subprogram(addr)
	if !ok || sub.FrameBase == nil {
		return nil, false
	}

	return sub.FrameBase, true
}
