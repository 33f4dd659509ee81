package debugger

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pattyshack/tdb/debugger/breakpoint"
	"github.com/pattyshack/tdb/debugger/callstack"
	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/target"
)

type ExecutionMode string

const (
	Idle        = ExecutionMode("idle")
	FreeRunning = ExecutionMode("free running")

	WaitSingleStepInsn = ExecutionMode("wait single step instruction")
	WaitSingleStepSrc  = ExecutionMode("wait single step source")
	WaitStepOverInsn   = ExecutionMode("wait step over instruction")
	WaitStepOverSrc    = ExecutionMode("wait step over source")
)

func (mode ExecutionMode) isStepOver() bool {
	return mode == WaitStepOverInsn || mode == WaitStepOverSrc
}

func (mode ExecutionMode) isSource() bool {
	return mode == WaitSingleStepSrc || mode == WaitStepOverSrc
}

type RecursionCheck string

const (
	// A step over breakpoint hit with a stack pointer below the recorded
	// stack pointer belongs to a nested invocation.
	DeeperStack = RecursionCheck("deeper")

	// Any stack pointer mismatch belongs to a different invocation.
	DifferentStack = RecursionCheck("different")
)

func (check RecursionCheck) isNested(
	sp VirtualAddress,
	expected VirtualAddress,
) bool {
	switch check {
	case DifferentStack:
		return sp != expected
	default:
		return sp < expected
	}
}

type HaltReason string

const (
	UserStop      = HaltReason("user stop")
	StepComplete  = HaltReason("step complete")
	BreakPointHit = HaltReason("break point")

	// The step could not be continued after an intermediate halt.  The
	// report's Err describes the failure.
	StepFailed = HaltReason("step failed")
)

type HaltReport struct {
	Address VirtualAddress
	Reason  HaltReason

	// Only populated when Reason is BreakPointHit
	BreakPoint *breakpoint.BreakPoint

	// Only populated when debug information covers Address.
	HasSourceContext bool
	target.SourceContext

	Err error
}

func (report HaltReport) String() string {
	location := report.Address.String()
	if report.HasSourceContext {
		if report.Subprogram != "" {
			location = fmt.Sprintf("%s in %s", location, report.Subprogram)
		}
		if report.File != "" {
			location = fmt.Sprintf(
				"%s (%s:%d)",
				location,
				report.File,
				report.Line)
		}
	}

	switch report.Reason {
	case BreakPointHit:
		return fmt.Sprintf(
			"stopped at %s (break point %d)",
			location,
			report.BreakPoint.Id)
	case StepFailed:
		return fmt.Sprintf("stopped at %s (step failed: %s)", location, report.Err)
	default:
		return fmt.Sprintf("stopped at %s (%s)", location, report.Reason)
	}
}

type ExecutorOptions struct {
	// Use the controller's native single stepping when available.
	NativeSingleStep bool

	RecursionCheck
}

func DefaultExecutorOptions() ExecutorOptions {
	return ExecutorOptions{
		NativeSingleStep: true,
		RecursionCheck:   DeeperStack,
	}
}

// liveMachineState reads directly from the target, bypassing the unwind
// context.  Used for instruction decoding.
type liveMachineState struct {
	target.Controller
}

func (state liveMachineState) ReadRegister(id target.RegisterId) (uint64, error) {
	values, err := state.ReadRegisters(target.MaskOf(id))
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

// Executor drives run / halt / step requests and resolves why the target
// halted.  The executor is not thread safe; operations and state change
// notifications must be serialized by the caller.
type Executor struct {
	controller  target.Controller
	description target.Description
	debugInfo   target.DebugInfo // may be nil

	breakPoints *breakpoint.Registry
	unwinder    *callstack.Unwinder

	options ExecutorOptions
	logger  *slog.Logger

	mode      ExecutionMode
	coreState target.State

	// Stepping state.  Only meaningful while mode is a Wait* mode.
	stepAbort      bool
	nativeStep     bool
	expectedPC     VirtualAddress
	hasTemporary   bool // a stepping site is installed at expectedPC
	recursionGuard bool
	expectedSP     VirtualAddress

	haltRequested bool

	fatal error

	runningWatchers []func()
	haltWatchers    []func(HaltReport)
	deathWatchers   []func()
}

func NewExecutor(
	controller target.Controller,
	description target.Description,
	debugInfo target.DebugInfo,
	breakPoints *breakpoint.Registry,
	unwinder *callstack.Unwinder,
	options ExecutorOptions,
	logger *slog.Logger,
) (
	*Executor,
	error,
) {
	if logger == nil {
		logger = slog.Default()
	}

	if options.RecursionCheck == "" {
		options.RecursionCheck = DeeperStack
	}

	state, err := controller.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to query target status: %w", err)
	}

	exec := &Executor{
		controller:  controller,
		description: description,
		debugInfo:   debugInfo,
		breakPoints: breakPoints,
		unwinder:    unwinder,
		options:     options,
		logger:      logger,
		mode:        Idle,
		coreState:   state,
	}

	if state == target.Halted && !unwinder.IsActive() {
		err := unwinder.Activate()
		if err != nil {
			return nil, err
		}
	}

	controller.OnStateChange(exec.onStateChange)
	return exec, nil
}

func (exec *Executor) Mode() ExecutionMode {
	return exec.mode
}

func (exec *Executor) CoreState() target.State {
	return exec.coreState
}

// Err returns the invariant violation that halted the engine, if any.
func (exec *Executor) Err() error {
	return exec.fatal
}

func (exec *Executor) WatchRunning(notify func()) {
	exec.runningWatchers = append(exec.runningWatchers, notify)
}

func (exec *Executor) WatchHalt(notify func(HaltReport)) {
	exec.haltWatchers = append(exec.haltWatchers, notify)
}

func (exec *Executor) WatchDeath(notify func()) {
	exec.deathWatchers = append(exec.deathWatchers, notify)
}

func (exec *Executor) checkFatal(err error) error {
	if err != nil && IsFatal(err) && exec.fatal == nil {
		exec.fatal = err
		exec.logger.Error("engine halted", "error", err)
	}
	return err
}

func (exec *Executor) checkUsable() error {
	if exec.fatal != nil {
		return fmt.Errorf("%w (%w)", ErrEngineHalted, exec.fatal)
	}

	if exec.coreState == target.Dead {
		return ErrTargetDead
	}

	return nil
}

func (exec *Executor) checkIdleHalted() error {
	err := exec.checkUsable()
	if err != nil {
		return err
	}

	if exec.mode != Idle || exec.coreState != target.Halted {
		return fmt.Errorf(
			"%w (mode: %s, target: %s)",
			ErrTargetBusy,
			exec.mode,
			exec.coreState)
	}

	return nil
}

//
// Break points
//

func (exec *Executor) installer() (target.BreakPointInstaller, bool) {
	installer, ok := exec.controller.(target.BreakPointInstaller)
	return installer, ok
}

func (exec *Executor) SetBreakPoint(
	addr VirtualAddress,
) (
	*breakpoint.BreakPoint,
	error,
) {
	err := exec.checkUsable()
	if err != nil {
		return nil, err
	}

	return exec.setBreakPoint(addr)
}

func (exec *Executor) setBreakPoint(
	addr VirtualAddress,
) (
	*breakpoint.BreakPoint,
	error,
) {
	err := exec.checkStepSite(addr)
	if err != nil {
		return nil, err
	}

	point, err := exec.breakPoints.Set(addr)
	if err != nil {
		return nil, err
	}

	installer, ok := exec.installer()
	if ok {
		err := installer.InsertBreakPoint(addr)
		if err != nil {
			clearErr := exec.breakPoints.Clear(addr)
			if clearErr != nil {
				panic("should never happen")
			}
			return nil, fmt.Errorf(
				"failed to install break point at %s: %w",
				addr,
				err)
		}
	}

	return point, nil
}

func (exec *Executor) ClearBreakPoint(addr VirtualAddress) error {
	err := exec.checkUsable()
	if err != nil {
		return err
	}

	return exec.clearBreakPoint(addr)
}

// checkStepSite rejects installing a user break point on top of the pending
// step's site.
func (exec *Executor) checkStepSite(addr VirtualAddress) error {
	if exec.hasTemporary && addr == exec.expectedPC {
		return fmt.Errorf(
			"%w. stepping break point pending at %s",
			ErrTargetBusy,
			addr)
	}

	return nil
}

func (exec *Executor) clearBreakPoint(addr VirtualAddress) error {
	point, ok := exec.breakPoints.Locate(addr)
	if !ok {
		return fmt.Errorf("%w at %s", ErrBreakPointNotFound, addr)
	}

	installer, ok := exec.installer()
	if ok && point.IsActive && exec.coreState != target.Dead {
		err := installer.RemoveBreakPoint(addr)
		if err != nil {
			return fmt.Errorf(
				"failed to remove break point at %s: %w",
				addr,
				err)
		}
	}

	return exec.breakPoints.Clear(addr)
}

// SetBreakPointActive enables or disables the break point at addr.  Inactive
// break points are not installed in the target.
func (exec *Executor) SetBreakPointActive(
	addr VirtualAddress,
	isActive bool,
) error {
	err := exec.checkUsable()
	if err != nil {
		return err
	}

	point, ok := exec.breakPoints.Locate(addr)
	if !ok {
		return fmt.Errorf("%w at %s", ErrBreakPointNotFound, addr)
	}

	if point.IsActive == isActive {
		return nil
	}

	if isActive {
		err = exec.checkStepSite(addr)
		if err != nil {
			return err
		}
	}

	installer, ok := exec.installer()
	if ok {
		if isActive {
			err = installer.InsertBreakPoint(addr)
		} else {
			err = installer.RemoveBreakPoint(addr)
		}

		if err != nil {
			return fmt.Errorf(
				"failed to update break point at %s: %w",
				addr,
				err)
		}
	}

	return exec.breakPoints.SetActive(addr, isActive)
}

func (exec *Executor) BreakPoints() []*breakpoint.BreakPoint {
	return exec.breakPoints.List()
}

//
// Execution requests
//

// Run resumes the target until the next break point (or user halt).
func (exec *Executor) Run() error {
	err := exec.checkUsable()
	if err != nil {
		return err
	}

	if exec.mode == FreeRunning && exec.coreState == target.Running {
		return nil
	}

	err = exec.checkIdleHalted()
	if err != nil {
		return err
	}

	exec.resetStepState()
	exec.haltRequested = false
	exec.mode = FreeRunning

	err = exec.resume()
	if err != nil {
		exec.mode = Idle
		return err
	}

	return nil
}

// Halt requests the target to stop.  The request is also honored while
// waiting for a step to complete (e.g., stepping over a long running call).
func (exec *Executor) Halt() error {
	err := exec.checkUsable()
	if err != nil {
		return err
	}

	if exec.mode == Idle || exec.coreState != target.Running {
		return fmt.Errorf(
			"%w. target is not running (mode: %s, target: %s)",
			ErrInvalidArgument,
			exec.mode,
			exec.coreState)
	}

	err = exec.controller.Halt()
	if err != nil {
		return fmt.Errorf("failed to halt target: %w", err)
	}

	exec.haltRequested = true
	return nil
}

func (exec *Executor) SingleStepInsn() error {
	return exec.stepInstruction(WaitSingleStepInsn)
}

func (exec *Executor) StepOverInsn() error {
	return exec.stepInstruction(WaitStepOverInsn)
}

func (exec *Executor) SingleStepSrc() error {
	return exec.stepSource(WaitSingleStepSrc)
}

func (exec *Executor) StepOverSrc() error {
	return exec.stepSource(WaitStepOverSrc)
}

func (exec *Executor) resume() error {
	err := exec.controller.Run()
	if err != nil {
		return fmt.Errorf("failed to resume target: %w", err)
	}

	exec.unwinder.Deactivate()
	return nil
}

func (exec *Executor) resetStepState() {
	exec.stepAbort = false
	exec.nativeStep = false
	exec.expectedPC = 0
	exec.hasTemporary = false
	exec.recursionGuard = false
	exec.expectedSP = 0
}

func (exec *Executor) nativeStepper() (target.SingleStepper, bool) {
	if !exec.options.NativeSingleStep {
		return nil, false
	}

	stepper, ok := exec.controller.(target.SingleStepper)
	return stepper, ok
}

func (exec *Executor) decodeCurrent() (target.Instruction, error) {
	state := liveMachineState{exec.controller}

	pc, err := state.ReadRegister(exec.description.ProgramCounter())
	if err != nil {
		return target.Instruction{}, fmt.Errorf(
			"failed to read program counter: %w",
			err)
	}

	inst, err := exec.description.DecodeInstruction(VirtualAddress(pc), state)
	if err != nil {
		return target.Instruction{}, err
	}

	return inst, nil
}

func (exec *Executor) liveStackPointer() (VirtualAddress, error) {
	sp, err := liveMachineState{exec.controller}.ReadRegister(
		exec.description.StackPointer())
	if err != nil {
		return 0, fmt.Errorf("failed to read stack pointer: %w", err)
	}

	return VirtualAddress(sp), nil
}

func (exec *Executor) stepInstruction(mode ExecutionMode) error {
	err := exec.checkIdleHalted()
	if err != nil {
		return err
	}

	exec.resetStepState()
	exec.haltRequested = false

	stepper, canStep := exec.nativeStepper()
	if canStep && mode == WaitSingleStepInsn {
		return exec.stepNatively(mode, stepper)
	}

	inst, err := exec.decodeCurrent()
	if err != nil {
		return err
	}

	if canStep && !inst.IsCall {
		return exec.stepNatively(mode, stepper)
	}

	next := inst.NextPC
	if mode.isStepOver() && inst.IsCall {
		next, err = exec.guardCall(inst)
		if err != nil {
			return err
		}
	}

	return exec.stepTo(mode, next)
}

func (exec *Executor) stepNatively(
	mode ExecutionMode,
	stepper target.SingleStepper,
) error {
	exec.mode = mode
	exec.nativeStep = true

	err := stepper.NativeSingleStep()
	if err != nil {
		exec.mode = Idle
		exec.nativeStep = false
		return fmt.Errorf("failed to single step target: %w", err)
	}

	exec.unwinder.Deactivate()
	return nil
}

// guardCall returns the call's return address and records the current stack
// pointer for recursion detection.
func (exec *Executor) guardCall(
	inst target.Instruction,
) (
	VirtualAddress,
	error,
) {
	sp, err := exec.liveStackPointer()
	if err != nil {
		return 0, err
	}

	exec.recursionGuard = true
	exec.expectedSP = sp
	return inst.Address + VirtualAddress(inst.Length), nil
}

// stepTo arms the stepping break point at next and resumes the target.  An
// active user break point at next already stops the target, in which case
// the step is aborted on the next halt.  Stepping sites are installed
// directly into the target and are never recorded in the registry.
func (exec *Executor) stepTo(mode ExecutionMode, next VirtualAddress) error {
	point, exists := exec.breakPoints.Locate(next)
	if exists && point.IsActive {
		exec.stepAbort = true
	} else {
		installer, ok := exec.installer()
		if ok {
			err := installer.InsertBreakPoint(next)
			if err != nil {
				exec.resetStepState()
				return fmt.Errorf(
					"failed to install stepping break point at %s: %w",
					next,
					err)
			}
		}

		exec.expectedPC = next
		exec.hasTemporary = true
	}

	exec.mode = mode

	exec.logger.Debug(
		"stepping",
		"mode", mode,
		"next", next,
		"abort", exec.stepAbort,
		"recursion_guard", exec.recursionGuard)

	err := exec.resume()
	if err != nil {
		exec.mode = Idle
		clearErr := exec.clearTemporary()
		exec.resetStepState()
		return errors.Join(err, clearErr)
	}

	return nil
}

func (exec *Executor) clearTemporary() error {
	if !exec.hasTemporary {
		return nil
	}

	exec.hasTemporary = false

	installer, ok := exec.installer()
	if !ok || exec.coreState == target.Dead {
		return nil
	}

	err := installer.RemoveBreakPoint(exec.expectedPC)
	if err != nil {
		return fmt.Errorf(
			"failed to remove stepping break point at %s: %w",
			exec.expectedPC,
			err)
	}

	return nil
}

func (exec *Executor) hasLine(addr VirtualAddress) bool {
	if exec.debugInfo == nil {
		return false
	}

	_, ok := exec.debugInfo.LineAt(addr)
	return ok
}

func (exec *Executor) stepSource(mode ExecutionMode) error {
	err := exec.checkIdleHalted()
	if err != nil {
		return err
	}

	if exec.debugInfo == nil {
		return fmt.Errorf("%w. cannot step by source line", ErrNoDebugInfo)
	}

	exec.resetStepState()
	exec.haltRequested = false

	return exec.continueSourceStep(mode, false)
}

var errStopHere = errors.New("stop here")

// continueSourceStep steps one instruction toward the next statement
// boundary.  When continuing (i.e., called during halt resolution) and the
// next instruction has no line information, errStopHere is returned.
func (exec *Executor) continueSourceStep(
	mode ExecutionMode,
	continuing bool,
) error {
	inst, err := exec.decodeCurrent()
	if err != nil {
		return err
	}

	exec.recursionGuard = false
	exec.expectedSP = 0

	next := inst.NextPC
	if inst.IsCall {
		if mode.isStepOver() || !exec.hasLine(next) {
			next, err = exec.guardCall(inst)
			if err != nil {
				return err
			}
		}
	} else if !exec.hasLine(next) {
		if continuing {
			return errStopHere
		}

		return fmt.Errorf(
			"%w. cannot step from %s into %s",
			ErrNoDebugInfo,
			inst.Address,
			next)
	}

	return exec.stepTo(mode, next)
}

//
// State change handling
//

func (exec *Executor) onStateChange(state target.State) {
	if exec.fatal != nil {
		exec.logger.Debug(
			"ignored state change after invariant violation",
			"state", state)
		return
	}

	err := exec.checkFatal(exec.handleStateChange(state))
	if err != nil && !IsFatal(err) {
		exec.logger.Warn("failed to handle state change", "error", err)
	}
}

func (exec *Executor) handleStateChange(state target.State) error {
	prev := exec.coreState
	if prev == state {
		return nil
	}

	exec.logger.Debug(
		"target state changed",
		"from", prev,
		"to", state,
		"mode", exec.mode)

	exec.coreState = state

	switch {
	case state == target.Dead:
		return exec.died()

	case prev == target.Dead:
		if exec.mode != Idle {
			return Fatalf(
				"target revived while executor is %s",
				exec.mode)
		}

		if state == target.Running {
			exec.notifyRunning()
			return nil
		}

		return exec.unwinder.Activate()

	case state == target.Running:
		if exec.mode == Idle {
			return Fatalf("target started running while executor is idle")
		}

		exec.unwinder.Deactivate()
		exec.notifyRunning()
		return nil

	default:
		if exec.mode == Idle {
			return Fatalf("target halted while executor is idle")
		}

		err := exec.unwinder.Activate()
		if err != nil {
			return exec.stepFailed(0, err)
		}

		return exec.resolveHalt()
	}
}

func (exec *Executor) died() error {
	exec.logger.Info("target died", "mode", exec.mode)

	exec.unwinder.Deactivate()

	// Stepping sites die with the target.
	exec.mode = Idle
	exec.haltRequested = false
	exec.resetStepState()

	for _, notify := range exec.deathWatchers {
		notify()
	}

	return nil
}

func (exec *Executor) notifyRunning() {
	for _, notify := range exec.runningWatchers {
		notify()
	}
}

func (exec *Executor) report(addr VirtualAddress, reason HaltReason, err error) {
	report := HaltReport{
		Address: addr,
		Reason:  reason,
		Err:     err,
	}

	if reason == BreakPointHit {
		point, ok := exec.breakPoints.Locate(addr)
		if !ok {
			panic("should never happen")
		}
		report.BreakPoint = point
	}

	if exec.debugInfo != nil {
		ctx, ok := exec.debugInfo.Describe(addr)
		if ok {
			report.HasSourceContext = true
			report.SourceContext = ctx
		}
	}

	exec.logger.Info(
		"target halted",
		"address", addr,
		"reason", reason)

	for _, notify := range exec.haltWatchers {
		notify(report)
	}
}

// stopped transitions to idle and reports the halt.
func (exec *Executor) stopped(addr VirtualAddress, reason HaltReason) error {
	exec.mode = Idle
	exec.haltRequested = false
	exec.resetStepState()

	exec.report(addr, reason, nil)
	return nil
}

func (exec *Executor) stepFailed(addr VirtualAddress, err error) error {
	if IsFatal(err) {
		return err
	}

	exec.mode = Idle
	exec.haltRequested = false
	clearErr := exec.clearTemporary()
	exec.resetStepState()

	exec.report(addr, StepFailed, errors.Join(err, clearErr))
	return nil
}

// externalHalt handles a halt that was not caused by the executor's own
// stepping break point.
func (exec *Executor) externalHalt(addr VirtualAddress) error {
	err := exec.clearTemporary()
	if err != nil {
		return exec.stepFailed(addr, err)
	}

	_, isBreakPoint := exec.breakPoints.Locate(addr)
	if isBreakPoint {
		return exec.stopped(addr, BreakPointHit)
	}

	if exec.haltRequested {
		return exec.stopped(addr, UserStop)
	}

	return Fatalf("unexpected halt at %s (mode: %s)", addr, exec.mode)
}

func (exec *Executor) resolveHalt() error {
	pc, err := exec.unwinder.SelectedProgramCounter()
	if err != nil {
		return exec.stepFailed(0, err)
	}

	if exec.stepAbort {
		reason := StepComplete
		if exec.haltRequested {
			reason = UserStop
		}
		return exec.stopped(pc, reason)
	}

	if exec.nativeStep {
		reason := StepComplete
		if exec.haltRequested {
			reason = UserStop
		}
		return exec.stopped(pc, reason)
	}

	switch exec.mode {
	case FreeRunning:
		return exec.externalHalt(pc)

	case WaitSingleStepInsn,
		WaitSingleStepSrc,
		WaitStepOverInsn,
		WaitStepOverSrc:

		return exec.resolveStep(pc)

	default:
		return Fatalf("unexpected execution mode %s", exec.mode)
	}
}

func (exec *Executor) resolveStep(pc VirtualAddress) error {
	if !exec.hasTemporary || pc != exec.expectedPC {
		return exec.externalHalt(pc)
	}

	// Source single step also guards calls into code without line
	// information.
	if exec.recursionGuard && !exec.haltRequested {
		sp, err := exec.unwinder.ReadRegister(exec.description.StackPointer())
		if err != nil {
			return exec.stepFailed(pc, err)
		}

		if exec.options.RecursionCheck.isNested(VirtualAddress(sp), exec.expectedSP) {
			exec.logger.Debug(
				"step over break point hit by nested invocation",
				"address", pc,
				"sp", VirtualAddress(sp),
				"expected_sp", exec.expectedSP)

			err := exec.resume()
			if err != nil {
				return exec.stepFailed(pc, err)
			}
			return nil
		}
	}

	err := exec.clearTemporary()
	if err != nil {
		return exec.stepFailed(pc, err)
	}

	if exec.haltRequested {
		return exec.stopped(pc, UserStop)
	}

	if !exec.mode.isSource() ||
		exec.debugInfo == nil ||
		exec.debugInfo.IsStatementBoundary(pc) {

		return exec.stopped(pc, StepComplete)
	}

	err = exec.continueSourceStep(exec.mode, true)
	if err == errStopHere {
		return exec.stopped(pc, StepComplete)
	} else if err != nil {
		return exec.stepFailed(pc, err)
	}

	return nil
}
