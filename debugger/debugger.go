package debugger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pattyshack/tdb/debugger/breakpoint"
	"github.com/pattyshack/tdb/debugger/callstack"
	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/target"
	"github.com/pattyshack/tdb/dwarf"
)

type Options struct {
	// Maximum number of frames in a call stack.
	MaxUnwindDepth int

	Executor ExecutorOptions
}

func DefaultOptions() Options {
	return Options{
		MaxUnwindDepth: callstack.DefaultMaxDepth,
		Executor:       DefaultExecutorOptions(),
	}
}

// Debugger wires the break point registry, the frame register cache and
// the executor around a single target.
type Debugger struct {
	*Executor

	controller  target.Controller
	description target.Description
	debugInfo   target.DebugInfo // may be nil
	symbols     SymbolTable      // may be nil

	registry *breakpoint.Registry
	unwinder *callstack.Unwinder

	*SourceFiles

	logger *slog.Logger

	// Only set for ptrace backed targets.
	process process

	// Releases the target.  Optional.
	closer func() error
}

func New(
	controller target.Controller,
	description target.Description,
	debugInfo target.DebugInfo,
	options Options,
	logger *slog.Logger,
) (
	*Debugger,
	error,
) {
	if logger == nil {
		logger = slog.Default()
	}

	if options.MaxUnwindDepth <= 0 {
		options.MaxUnwindDepth = callstack.DefaultMaxDepth
	}

	registry := breakpoint.NewRegistry()
	unwinder := callstack.NewUnwinder(
		controller,
		description,
		options.MaxUnwindDepth,
		logger)

	executor, err := NewExecutor(
		controller,
		description,
		debugInfo,
		registry,
		unwinder,
		options.Executor,
		logger)
	if err != nil {
		return nil, err
	}

	symbols, _ := debugInfo.(SymbolTable)

	return &Debugger{
		Executor:    executor,
		controller:  controller,
		description: description,
		debugInfo:   debugInfo,
		symbols:     symbols,
		registry:    registry,
		unwinder:    unwinder,
		SourceFiles: NewSourceFiles(),
		logger:      logger,
	}, nil
}

func (db *Debugger) Close() error {
	if db.closer == nil {
		return nil
	}

	closer := db.closer
	db.closer = nil
	return closer()
}

func (db *Debugger) Controller() target.Controller {
	return db.controller
}

func (db *Debugger) Description() target.Description {
	return db.description
}

// DebugInfo returns nil when the target has no debug information.
func (db *Debugger) DebugInfo() target.DebugInfo {
	return db.debugInfo
}

func (db *Debugger) Unwinder() *callstack.Unwinder {
	return db.unwinder
}

func (db *Debugger) checkHalted() error {
	err := db.checkUsable()
	if err != nil {
		return err
	}

	switch db.CoreState() {
	case target.Dead:
		return fmt.Errorf("%w. cannot inspect target", ErrTargetDead)
	case target.Running:
		return fmt.Errorf("%w. target is running", ErrTargetBusy)
	}

	return nil
}

// RegisterByName maps a register name to the controller's numbering.
func (db *Debugger) RegisterByName(name string) (target.RegisterId, error) {
	for id := 0; id < db.description.NumRegisters(); id++ {
		if db.description.RegisterName(target.RegisterId(id)) == name {
			return target.RegisterId(id), nil
		}
	}

	return 0, fmt.Errorf("%w. unknown register (%s)", ErrInvalidArgument, name)
}

type RegisterValue struct {
	Id   target.RegisterId
	Name string

	// Undefined registers (e.g., caller saved registers of an older frame)
	// have no value.
	IsDefined bool
	Value     uint64
}

func (value RegisterValue) String() string {
	if !value.IsDefined {
		return fmt.Sprintf("%-8s <undefined>", value.Name)
	}
	return fmt.Sprintf("%-8s 0x%016x", value.Name, value.Value)
}

// ReadRegister reads a register of the selected frame.
func (db *Debugger) ReadRegister(id target.RegisterId) (uint64, error) {
	err := db.checkHalted()
	if err != nil {
		return 0, err
	}

	if !db.unwinder.IsRegisterDefined(id) {
		return 0, fmt.Errorf(
			"%w. register %s is undefined in the selected frame",
			ErrBacktraceDataUnavailable,
			db.description.RegisterName(id))
	}

	value, err := db.unwinder.ReadRegister(id)
	return value, db.checkFatal(err)
}

// WriteRegister writes a register of the selected frame.  The value is
// propagated to every frame sharing the register's storage.
func (db *Debugger) WriteRegister(id target.RegisterId, value uint64) error {
	err := db.checkHalted()
	if err != nil {
		return err
	}

	if !db.unwinder.IsRegisterDefined(id) {
		return fmt.Errorf(
			"%w. register %s is undefined in the selected frame",
			ErrInvalidArgument,
			db.description.RegisterName(id))
	}

	return db.checkFatal(db.unwinder.WriteRegister(id, value))
}

// Registers lists the selected frame's registers.
func (db *Debugger) Registers() ([]RegisterValue, error) {
	err := db.checkHalted()
	if err != nil {
		return nil, err
	}

	result := make([]RegisterValue, 0, db.description.NumRegisters())
	for idx := 0; idx < db.description.NumRegisters(); idx++ {
		id := target.RegisterId(idx)
		entry := RegisterValue{
			Id:   id,
			Name: db.description.RegisterName(id),
		}

		if db.unwinder.IsRegisterDefined(id) {
			value, err := db.unwinder.ReadRegister(id)
			if err != nil {
				return nil, db.checkFatal(err)
			}
			entry.IsDefined = true
			entry.Value = value
		}

		result = append(result, entry)
	}

	return result, nil
}

// ReadMemory reads up to size bytes of target memory.
func (db *Debugger) ReadMemory(addr VirtualAddress, size int) ([]byte, error) {
	err := db.checkHalted()
	if err != nil {
		return nil, err
	}

	if size <= 0 {
		return nil, fmt.Errorf("%w. invalid read size (%d)", ErrInvalidArgument, size)
	}

	out := make([]byte, size)
	n, err := db.controller.ReadMemory(addr, out)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory at %s: %w", addr, err)
	}

	return out[:n], nil
}

type FrameInfo struct {
	callstack.FrameSummary

	HasSourceContext bool
	target.SourceContext
}

func (info FrameInfo) String() string {
	marker := " "
	if info.IsSelected {
		marker = "*"
	}

	result := fmt.Sprintf("%s#%-3d %s", marker, info.Index, info.ProgramCounter)
	if info.HasSourceContext {
		if info.Subprogram != "" {
			result += " in " + info.Subprogram
		}
		if info.File != "" {
			result += fmt.Sprintf(" (%s:%d)", info.File, info.Line)
		}
	}
	return result
}

func (db *Debugger) describe(summary callstack.FrameSummary) FrameInfo {
	info := FrameInfo{
		FrameSummary: summary,
	}

	if db.debugInfo == nil {
		return info
	}

	pc := summary.ProgramCounter
	if summary.Index > 0 {
		// Caller frames are described by the call instruction.
		pc--
	}

	ctx, ok := db.debugInfo.Describe(pc)
	if ok {
		info.HasSourceContext = true
		info.SourceContext = ctx
	}

	return info
}

// Backtrace lists up to limit frames (0 for the configured maximum) of the
// halted target.
func (db *Debugger) Backtrace(limit int) ([]FrameInfo, error) {
	err := db.checkHalted()
	if err != nil {
		return nil, err
	}

	summaries, err := db.unwinder.Backtrace(limit)
	if err != nil {
		return nil, db.checkFatal(err)
	}

	result := make([]FrameInfo, 0, len(summaries))
	for _, summary := range summaries {
		result = append(result, db.describe(summary))
	}

	return result, nil
}

// SelectedFrame describes the currently selected frame.
func (db *Debugger) SelectedFrame() (FrameInfo, error) {
	err := db.checkHalted()
	if err != nil {
		return FrameInfo{}, err
	}

	index, err := db.unwinder.SelectedIndex()
	if err != nil {
		return FrameInfo{}, err
	}

	pc, err := db.unwinder.SelectedProgramCounter()
	if err != nil {
		return FrameInfo{}, err
	}

	return db.describe(
		callstack.FrameSummary{
			Index:          index,
			ProgramCounter: pc,
			IsSelected:     true,
		}), nil
}

// Up selects an older (caller) frame.
func (db *Debugger) Up(count int) (FrameInfo, error) {
	return db.moveFrame(-count)
}

// Down selects a younger (callee) frame.
func (db *Debugger) Down(count int) (FrameInfo, error) {
	return db.moveFrame(count)
}

// SelectInnermostFrame selects frame 0.
func (db *Debugger) SelectInnermostFrame() (FrameInfo, error) {
	return db.moveFrame(0)
}

func (db *Debugger) moveFrame(amount int) (FrameInfo, error) {
	err := db.checkHalted()
	if err != nil {
		return FrameInfo{}, err
	}

	_, moveErr := db.unwinder.MoveToRelative(amount)
	if moveErr != nil && IsFatal(moveErr) {
		return FrameInfo{}, db.checkFatal(moveErr)
	}

	info, err := db.SelectedFrame()
	if err != nil {
		return FrameInfo{}, err
	}

	return info, moveErr
}

// frameContext evaluates expressions against the selected frame.
type frameContext struct {
	*Debugger
}

func (ctx frameContext) ByteOrder() binary.ByteOrder {
	return ctx.description.ByteOrder()
}

func (ctx frameContext) AddressSize() int {
	return ctx.description.AddressSize()
}

func (ctx frameContext) LoadBias() uint64 {
	if ctx.debugInfo == nil {
		return 0
	}
	return ctx.debugInfo.LoadBias()
}

func (ctx frameContext) RegisterValue(id dwarf.RegisterId) (uint64, error) {
	regId, ok := ctx.description.FromDwarfRegister(id)
	if !ok {
		return 0, fmt.Errorf(
			"%w. unsupported dwarf register %d",
			ErrInvalidArgument,
			id)
	}

	if !ctx.unwinder.IsRegisterDefined(regId) {
		return 0, fmt.Errorf(
			"%w. register %s is undefined in the selected frame",
			ErrBacktraceDataUnavailable,
			ctx.description.RegisterName(regId))
	}

	return ctx.unwinder.ReadRegister(regId)
}

func (ctx frameContext) ReadMemory(addr uint64, out []byte) (int, error) {
	return ctx.controller.ReadMemory(VirtualAddress(addr), out)
}

func (ctx frameContext) CanonicalFrameAddress() (uint64, error) {
	cfa, err := ctx.unwinder.SelectedCanonicalFrameAddress()
	return uint64(cfa), err
}

func usesFrameBase(expression dwarf.Expression) bool {
	for _, inst := range expression {
		if inst.Operation == dwarf.DW_OP_fbreg {
			return true
		}
	}
	return false
}

// malformed classifies a malformed expression error.  Expressions read from
// the debug information are expected to be well formed; client supplied
// expressions are merely invalid input.
func (db *Debugger) malformed(err error, fromDebugInfo bool) error {
	if fromDebugInfo {
		return db.checkFatal(Fatal(err))
	}
	return fmt.Errorf("%w. %w", ErrInvalidArgument, err)
}

func (db *Debugger) evaluate(
	expression dwarf.Expression,
	frameBase uint64,
	fromDebugInfo bool,
) (
	dwarf.EvaluationResult,
	error,
) {
	result, err := dwarf.EvaluateExpression(
		frameContext{db},
		expression,
		frameBase)
	if err != nil {
		if errors.Is(err, dwarf.ErrMalformedExpression) {
			return dwarf.EvaluationResult{}, db.malformed(err, fromDebugInfo)
		}
		return dwarf.EvaluationResult{}, db.checkFatal(err)
	}

	return result, nil
}

// FrameBase evaluates the selected frame's subprogram frame base.
func (db *Debugger) FrameBase() (VirtualAddress, error) {
	err := db.checkHalted()
	if err != nil {
		return 0, err
	}

	if db.debugInfo == nil {
		return 0, fmt.Errorf("%w. cannot compute frame base", ErrNoDebugInfo)
	}

	info, err := db.SelectedFrame()
	if err != nil {
		return 0, err
	}

	pc := info.ProgramCounter
	if info.Index > 0 {
		pc--
	}

	expression, ok := db.debugInfo.FrameBase(pc)
	if !ok {
		return 0, fmt.Errorf(
			"%w. no frame base at %s",
			ErrNoDebugInfo,
			info.ProgramCounter)
	}

	if usesFrameBase(expression) {
		return 0, db.checkFatal(
			Fatalf("frame base expression at %s refers to itself", pc))
	}

	result, err := db.evaluate(expression, 0, true)
	if err != nil {
		return 0, err
	}

	if result.IsRegister {
		// e.g., DW_OP_reg6 denotes the content of rbp.
		value, err := frameContext{db}.RegisterValue(dwarf.RegisterId(result.Value))
		if err != nil {
			return 0, db.checkFatal(err)
		}
		return VirtualAddress(value), nil
	}

	return VirtualAddress(result.Value), nil
}

// EvaluateLocation evaluates a client supplied location expression in the
// selected frame.  The frame base is only computed when the expression
// refers to it.  A malformed expression is reported as ErrInvalidArgument.
func (db *Debugger) EvaluateLocation(
	expression dwarf.Expression,
) (
	dwarf.EvaluationResult,
	error,
) {
	err := db.checkHalted()
	if err != nil {
		return dwarf.EvaluationResult{}, err
	}

	frameBase := VirtualAddress(0)
	if usesFrameBase(expression) {
		frameBase, err = db.FrameBase()
		if err != nil {
			return dwarf.EvaluationResult{}, err
		}
	}

	return db.evaluate(expression, uint64(frameBase), false)
}

// EvaluateLocationBytes decodes then evaluates an encoded location
// expression.
func (db *Debugger) EvaluateLocationBytes(
	content []byte,
) (
	dwarf.EvaluationResult,
	error,
) {
	err := db.checkUsable()
	if err != nil {
		return dwarf.EvaluationResult{}, err
	}

	expression, err := dwarf.DecodeExpression(
		db.description.ByteOrder(),
		db.description.AddressSize(),
		content)
	if err != nil {
		return dwarf.EvaluationResult{}, db.malformed(err, false)
	}

	return db.EvaluateLocation(expression)
}

// Snippet returns the source lines around the selected frame's line.
func (db *Debugger) Snippet(delta int) (Snippet, error) {
	info, err := db.SelectedFrame()
	if err != nil {
		return Snippet{}, err
	}

	if !info.HasSourceContext || info.File == "" {
		return Snippet{}, fmt.Errorf(
			"%w. no line information at %s",
			ErrNoDebugInfo,
			info.ProgramCounter)
	}

	return db.GetSnippet(info.File, info.Line, delta)
}
