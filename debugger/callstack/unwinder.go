package callstack

import (
	"fmt"
	"log/slog"
	"sort"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/target"
	"github.com/pattyshack/tdb/dwarf"
)

const (
	DefaultMaxDepth = 128
)

// RegisterIo is the register access path used by the rest of the engine.
type RegisterIo interface {
	ReadRegister(id target.RegisterId) (uint64, error)
	WriteRegister(id target.RegisterId, value uint64) error
}

// Reads/writes go straight to the target.  Used while the target is not
// halted.
type directIo struct {
	controller target.Controller
}

func (io directIo) ReadRegister(id target.RegisterId) (uint64, error) {
	values, err := io.controller.ReadRegisters(target.MaskOf(id))
	if err != nil {
		return 0, err
	}

	if len(values) != 1 {
		return 0, Fatalf(
			"controller returned %d values for register %d",
			len(values),
			id)
	}

	return values[0], nil
}

func (io directIo) WriteRegister(id target.RegisterId, value uint64) error {
	return io.controller.WriteRegisters(target.MaskOf(id), []uint64{value})
}

// Reads/writes go through the selected frame of the unwind context.
type cachedIo struct {
	*Unwinder
	context *Context
}

func (io cachedIo) ReadRegister(id target.RegisterId) (uint64, error) {
	frame := io.context.frames[io.context.selected]

	entry, ok := frame.register(id)
	if !ok {
		return 0, Fatalf(
			"read of undefined register %s in frame %d",
			io.description.RegisterName(id),
			frame.Index)
	}

	return entry.Value, nil
}

func (io cachedIo) WriteRegister(id target.RegisterId, value uint64) error {
	frame := io.context.frames[io.context.selected]

	entry, ok := frame.register(id)
	if !ok {
		return Fatalf(
			"write to undefined register %s in frame %d",
			io.description.RegisterName(id),
			frame.Index)
	}

	switch entry.Storage {
	case InMemory:
		buffer := make([]byte, io.description.AddressSize())
		io.encodeWord(buffer, value)

		_, err := io.controller.WriteMemory(VirtualAddress(entry.Location), buffer)
		if err != nil {
			return fmt.Errorf(
				"failed to write register %s to %s: %w",
				io.description.RegisterName(id),
				VirtualAddress(entry.Location),
				err)
		}
	case InRegister:
		err := io.controller.WriteRegisters(
			target.MaskOf(target.RegisterId(entry.Location)),
			[]uint64{value})
		if err != nil {
			return fmt.Errorf(
				"failed to write register %s: %w",
				io.description.RegisterName(id),
				err)
		}
	}

	frame.Registers[id].Value = value

	// Other frames may alias the same storage.
	for _, other := range io.context.frames {
		for idx, otherEntry := range other.Registers {
			if entry.sharesStorage(otherEntry) {
				other.Registers[idx].Value = value
			}
		}
	}

	return nil
}

// Unwinder owns the unwind context.  The context exists if and only if the
// target is halted.
type Unwinder struct {
	controller  target.Controller
	description target.Description

	maxDepth int
	logger   *slog.Logger

	generation uint64
	context    *Context
}

func NewUnwinder(
	controller target.Controller,
	description target.Description,
	maxDepth int,
	logger *slog.Logger,
) *Unwinder {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Unwinder{
		controller:  controller,
		description: description,
		maxDepth:    maxDepth,
		logger:      logger,
	}
}

func (unwinder *Unwinder) IsActive() bool {
	return unwinder.context != nil
}

// Context returns nil when the target is not halted.
func (unwinder *Unwinder) Context() *Context {
	return unwinder.context
}

func (unwinder *Unwinder) registerIo() RegisterIo {
	if unwinder.context == nil {
		return directIo{
			controller: unwinder.controller,
		}
	}

	return cachedIo{
		Unwinder: unwinder,
		context:  unwinder.context,
	}
}

func (unwinder *Unwinder) ReadRegister(id target.RegisterId) (uint64, error) {
	return unwinder.registerIo().ReadRegister(id)
}

func (unwinder *Unwinder) WriteRegister(
	id target.RegisterId,
	value uint64,
) error {
	return unwinder.registerIo().WriteRegister(id, value)
}

// IsRegisterDefined reports whether the register has a known value in the
// selected frame.  All registers are defined while the context is inactive.
func (unwinder *Unwinder) IsRegisterDefined(id target.RegisterId) bool {
	if unwinder.context == nil {
		return id >= 0 && int(id) < unwinder.description.NumRegisters()
	}

	_, ok := unwinder.context.frames[unwinder.context.selected].register(id)
	return ok
}

// Activate snapshots the live registers into frame 0.  Must be called
// exactly once per halt.
func (unwinder *Unwinder) Activate() error {
	if unwinder.context != nil {
		return Fatalf("unwind context already active")
	}

	numRegisters := unwinder.description.NumRegisters()
	values, err := unwinder.controller.ReadRegisters(
		target.AllRegisters(numRegisters))
	if err != nil {
		return fmt.Errorf("failed to snapshot registers: %w", err)
	}

	if len(values) != numRegisters {
		return Fatalf(
			"controller returned %d register values (expected %d)",
			len(values),
			numRegisters)
	}

	frame := newFrame(0, numRegisters)
	for idx, value := range values {
		frame.Registers[idx] = RegisterEntry{
			Kind:     ValidRegister,
			Storage:  InRegister,
			Location: uint64(idx),
			Value:    value,
		}
	}

	unwinder.generation++
	unwinder.context = &Context{
		generation: unwinder.generation,
		frames:     []*Frame{frame},
		selected:   0,
	}

	unwinder.logger.Debug(
		"unwind context created",
		"generation", unwinder.generation,
		"pc", VirtualAddress(values[unwinder.description.ProgramCounter()]))
	return nil
}

// Deactivate discards the entire frame list.
func (unwinder *Unwinder) Deactivate() {
	if unwinder.context == nil {
		return
	}

	unwinder.logger.Debug(
		"unwind context destroyed",
		"generation", unwinder.context.generation,
		"frames", len(unwinder.context.frames))
	unwinder.context = nil
}

func (unwinder *Unwinder) activeContext() (*Context, error) {
	if unwinder.context == nil {
		return nil, fmt.Errorf(
			"target is not halted: %w",
			ErrBacktraceDataUnavailable)
	}

	return unwinder.context, nil
}

func (unwinder *Unwinder) SelectedIndex() (int, error) {
	ctx, err := unwinder.activeContext()
	if err != nil {
		return -1, err
	}

	return ctx.selected, nil
}

func (unwinder *Unwinder) SelectedFrame() (FrameHandle, error) {
	ctx, err := unwinder.activeContext()
	if err != nil {
		return FrameHandle{}, err
	}

	return FrameHandle{
		generation: ctx.generation,
		Index:      ctx.selected,
	}, nil
}

// Frame resolves a handle.  Stale handles (from a previous halt) are
// rejected.
func (unwinder *Unwinder) Frame(handle FrameHandle) (*Frame, error) {
	ctx, err := unwinder.activeContext()
	if err != nil {
		return nil, err
	}

	if handle.generation != ctx.generation ||
		handle.Index < 0 ||
		handle.Index >= len(ctx.frames) {

		return nil, fmt.Errorf(
			"stale frame handle (%d): %w",
			handle.Index,
			ErrBacktraceDataUnavailable)
	}

	return ctx.frames[handle.Index], nil
}

func (unwinder *Unwinder) programCounter(frame *Frame) VirtualAddress {
	entry := frame.Registers[unwinder.description.ProgramCounter()]
	if !entry.IsValid() {
		panic("should never happen")
	}

	return VirtualAddress(entry.Value)
}

// SelectedProgramCounter returns the selected frame's program counter.
func (unwinder *Unwinder) SelectedProgramCounter() (VirtualAddress, error) {
	ctx, err := unwinder.activeContext()
	if err != nil {
		return 0, err
	}

	return unwinder.programCounter(ctx.frames[ctx.selected]), nil
}

// SelectedCanonicalFrameAddress returns the selected frame's cfa, unwinding
// the frame if necessary.
func (unwinder *Unwinder) SelectedCanonicalFrameAddress() (
	VirtualAddress,
	error,
) {
	ctx, err := unwinder.activeContext()
	if err != nil {
		return 0, err
	}

	err = unwinder.unwind(ctx, ctx.selected)
	if err != nil {
		return 0, err
	}

	return ctx.frames[ctx.selected].CanonicalFrameAddress, nil
}

// MoveToRelative changes the selected frame.  Negative amount moves toward
// older (caller) frames, positive amount moves toward younger frames, and
// zero selects the innermost frame.  On failure, the selection reflects the
// furthest frame actually reached.
func (unwinder *Unwinder) MoveToRelative(amount int) (int, error) {
	ctx, err := unwinder.activeContext()
	if err != nil {
		return -1, err
	}

	if amount == 0 {
		ctx.selected = 0
		return 0, nil
	}

	for ; amount < 0; amount++ {
		err := unwinder.unwind(ctx, ctx.selected)
		if err != nil {
			return ctx.selected, err
		}

		ctx.selected++
	}

	for ; amount > 0; amount-- {
		if ctx.selected == 0 {
			return ctx.selected, fmt.Errorf(
				"already at innermost frame: %w",
				ErrCantRewindStackFrame)
		}

		ctx.selected--
	}

	return ctx.selected, nil
}

func (unwinder *Unwinder) cantUnwind(
	frame *Frame,
	pc VirtualAddress,
	format string,
	args ...interface{},
) error {
	return fmt.Errorf(
		"failed to unwind frame %d at %s (%s): %w",
		frame.Index,
		pc,
		fmt.Sprintf(format, args...),
		ErrCantUnwindStackFrame)
}

func (unwinder *Unwinder) readWord(addr VirtualAddress) (uint64, error) {
	buffer := make([]byte, unwinder.description.AddressSize())
	n, err := unwinder.controller.ReadMemory(addr, buffer)
	if err != nil {
		return 0, err
	}
	if n != len(buffer) {
		return 0, fmt.Errorf("short read at %s", addr)
	}

	return dwarf.NewCursor(unwinder.description.ByteOrder(), buffer).Address(
		len(buffer))
}

func (unwinder *Unwinder) encodeWord(out []byte, value uint64) {
	switch len(out) {
	case 4:
		unwinder.description.ByteOrder().PutUint32(out, uint32(value))
	case 8:
		unwinder.description.ByteOrder().PutUint64(out, value)
	default:
		panic("should never happen")
	}
}

// unwind computes the older frame of ctx.frames[index].  Already unwound
// frames are not recomputed.
func (unwinder *Unwinder) unwind(ctx *Context, index int) error {
	if ctx.isUnwound(index) {
		return nil
	}

	frame := ctx.frames[index]
	pc := unwinder.programCounter(frame)

	if len(ctx.frames) >= unwinder.maxDepth {
		return unwinder.cantUnwind(
			frame,
			pc,
			"exceeded maximum depth %d",
			unwinder.maxDepth)
	}

	// Caller frames' pc point to the instruction after the call, which may
	// belong to a different cfi row (or function) than the call itself.
	lookupPC := pc
	if index > 0 {
		lookupPC = pc - 1
	}

	rules, err := unwinder.description.UnwindRulesAt(lookupPC)
	if err != nil {
		return unwinder.cantUnwind(frame, pc, "invalid call frame info: %v", err)
	}
	if rules == nil {
		return unwinder.cantUnwind(frame, pc, "no call frame info")
	}

	cfaRule := rules.CanonicalFrameAddress
	if cfaRule.Kind != dwarf.CFARegisterOffsetRule {
		return unwinder.cantUnwind(frame, pc, "unsupported cfa rule %s", cfaRule)
	}

	cfaRegister, ok := unwinder.description.FromDwarfRegister(cfaRule.RegisterId)
	if !ok {
		return unwinder.cantUnwind(
			frame,
			pc,
			"unknown cfa register %d",
			cfaRule.RegisterId)
	}

	cfaBase, ok := frame.register(cfaRegister)
	if !ok {
		return unwinder.cantUnwind(
			frame,
			pc,
			"cfa register %s undefined",
			unwinder.description.RegisterName(cfaRegister))
	}

	cfa := VirtualAddress(int64(cfaBase.Value) + cfaRule.Offset)

	older := newFrame(index+1, len(frame.Registers))
	for idx := range frame.Registers {
		if unwinder.description.IsCalleeSaved(target.RegisterId(idx)) {
			older.Registers[idx] = frame.Registers[idx]
		}
	}

	pcRegister := unwinder.description.ProgramCounter()

	ids := make([]int, 0, len(rules.Registers))
	for id := range rules.Registers {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	for _, id := range ids {
		dwarfId := dwarf.RegisterId(id)
		rule := rules.Registers[dwarfId]

		source, ok := unwinder.description.FromDwarfRegister(dwarfId)
		if !ok {
			// Not tracked by the controller (e.g., vector registers)
			continue
		}

		dest := source
		if dwarfId == rules.ReturnAddressRegister {
			dest = pcRegister
		} else if source == pcRegister {
			continue
		}

		switch rule.Kind {
		case dwarf.UndefinedRule:
			older.Registers[dest] = RegisterEntry{
				Kind:    UndefinedRegister,
				Storage: NoStorage,
			}
		case dwarf.SameValueRule:
			older.Registers[dest] = frame.Registers[source]
		case dwarf.OffsetRule:
			addr := VirtualAddress(int64(cfa) + rule.Offset)

			value, err := unwinder.readWord(addr)
			if err != nil {
				return unwinder.cantUnwind(
					frame,
					pc,
					"failed to read saved register %s: %v",
					unwinder.description.RegisterName(dest),
					err)
			}

			older.Registers[dest] = RegisterEntry{
				Kind:     ValidRegister,
				Storage:  InMemory,
				Location: uint64(addr),
				Value:    value,
			}
		default:
			return unwinder.cantUnwind(
				frame,
				pc,
				"unsupported rule %s for register %d",
				rule,
				dwarfId)
		}
	}

	older.Registers[unwinder.description.StackPointer()] = RegisterEntry{
		Kind:    ValidRegister,
		Storage: NoStorage,
		Value:   uint64(cfa),
	}

	returnPC, ok := older.register(pcRegister)
	if !ok {
		return unwinder.cantUnwind(frame, pc, "return address undefined")
	}

	frame.CanonicalFrameAddress = cfa
	frame.ReturnProgramCounter = VirtualAddress(returnPC.Value)
	ctx.frames = append(ctx.frames, older)

	unwinder.logger.Debug(
		"unwound frame",
		"frame", index,
		"pc", pc,
		"cfa", cfa,
		"return_pc", frame.ReturnProgramCounter)
	return nil
}

type FrameSummary struct {
	Index int

	ProgramCounter VirtualAddress

	// Zero when the frame could not be unwound.
	CanonicalFrameAddress VirtualAddress

	IsSelected bool
}

// Backtrace returns up to limit frames starting from the innermost frame,
// unwinding as needed.  Unwinding stops quietly at the first frame that
// cannot be unwound.
func (unwinder *Unwinder) Backtrace(limit int) ([]FrameSummary, error) {
	ctx, err := unwinder.activeContext()
	if err != nil {
		return nil, err
	}

	if limit <= 0 || limit > unwinder.maxDepth {
		limit = unwinder.maxDepth
	}

	result := []FrameSummary{}
	for index := 0; index < limit && index < len(ctx.frames); index++ {
		frame := ctx.frames[index]

		summary := FrameSummary{
			Index:          index,
			ProgramCounter: unwinder.programCounter(frame),
			IsSelected:     index == ctx.selected,
		}

		if index+1 < limit {
			err := unwinder.unwind(ctx, index)
			if err != nil && IsFatal(err) {
				return nil, err
			}
		}

		if ctx.isUnwound(index) {
			summary.CanonicalFrameAddress = frame.CanonicalFrameAddress
		}

		result = append(result, summary)
	}

	return result, nil
}
