// Package ptracetarget controls a local linux x86-64 process via ptrace.
package ptracetarget

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"reflect"
	"sort"
	"syscall"

	"github.com/pattyshack/tdb/debugger/amd64"
	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/target"
	"github.com/pattyshack/tdb/procfs"
	"github.com/pattyshack/tdb/ptrace"
)

const (
	int3 = 0xcc

	// siginfo si_code for SIGTRAP raised by int3
	siKernel = 0x80
)

type waitResult struct {
	status syscall.WaitStatus
	err    error
}

// Controller is a single threaded process controller.  State change
// notifications are only delivered from Wait.
type Controller struct {
	tracer      *ptrace.Tracer
	ownsProcess bool

	logger *slog.Logger

	state   target.State
	pending []target.State
	notify  []func(target.State)

	// Installed break point sites, mapped to the original instruction byte.
	sites map[VirtualAddress]byte

	// Site temporarily removed for a native single step.
	reinsert    VirtualAddress
	hasReinsert bool

	pendingSignal syscall.Signal
	haltRequested bool
	staleStop     bool

	exitStatus string

	waiting  bool
	waitChan chan waitResult
}

func newController(
	tracer *ptrace.Tracer,
	ownsProcess bool,
	logger *slog.Logger,
) (
	*Controller,
	error,
) {
	if logger == nil {
		logger = slog.Default()
	}

	ctrl := &Controller{
		tracer:      tracer,
		ownsProcess: ownsProcess,
		logger:      logger,
		state:       target.Halted,
		sites:       map[VirtualAddress]byte{},
		waitChan:    make(chan waitResult, 1),
	}

	// Initial stop (exec trap / attach SIGSTOP)
	status, err := tracer.Wait()
	if err != nil {
		return nil, err
	}

	if !status.Stopped() {
		return nil, fmt.Errorf(
			"process %d did not stop after attaching (%v)",
			tracer.Pid,
			status)
	}

	options := ptrace.Options(0)
	if ownsProcess {
		options |= ptrace.O_EXITKILL
	}

	err = tracer.SetOptions(options)
	if err != nil {
		return nil, err
	}

	logger.Info(
		"attached to process",
		"pid", tracer.Pid,
		"owns_process", ownsProcess)
	return ctrl, nil
}

func StartProcess(cmd *exec.Cmd, logger *slog.Logger) (*Controller, error) {
	tracer, err := ptrace.StartAndAttachToProcess(cmd)
	if err != nil {
		return nil, err
	}

	ctrl, err := newController(tracer, true, logger)
	if err != nil {
		_ = tracer.Signal(syscall.SIGKILL)
		_ = tracer.Close()
		return nil, err
	}

	return ctrl, nil
}

func AttachToProcess(pid int, logger *slog.Logger) (*Controller, error) {
	status, err := procfs.Open(pid).Status()
	if err != nil {
		return nil, err
	}

	switch status.State {
	case procfs.Zombie, procfs.Dead:
		return nil, fmt.Errorf(
			"%w. cannot attach to %s process %d (%s)",
			ErrTargetDead,
			status.State,
			pid,
			status.Comm)
	case procfs.TracingStop:
		return nil, fmt.Errorf(
			"%w. process %d (%s) is already traced",
			ErrTargetBusy,
			pid,
			status.Comm)
	}

	tracer, err := ptrace.AttachToProcess(pid)
	if err != nil {
		return nil, err
	}

	ctrl, err := newController(tracer, false, logger)
	if err != nil {
		_ = tracer.Close()
		return nil, err
	}

	return ctrl, nil
}

func (ctrl *Controller) Pid() int {
	return ctrl.tracer.Pid
}

// ExitStatus describes how the process terminated.  Empty while the process
// is alive.
func (ctrl *Controller) ExitStatus() string {
	return ctrl.exitStatus
}

func (ctrl *Controller) Close() error {
	if ctrl.state == target.Dead {
		return ctrl.tracer.Close()
	}

	if ctrl.state == target.Running {
		err := ctrl.tracer.Signal(syscall.SIGSTOP)
		if err != nil {
			return err
		}

		if !ctrl.waiting {
			_, err = ctrl.tracer.Wait()
		} else {
			result := <-ctrl.waitChan
			err = result.err
		}
		if err != nil {
			return err
		}
	}

	for addr := range ctrl.sites {
		err := ctrl.RemoveBreakPoint(addr)
		if err != nil {
			return err
		}
	}

	if ctrl.ownsProcess {
		err := ctrl.tracer.Signal(syscall.SIGKILL)
		if err != nil {
			return err
		}
	}

	return ctrl.tracer.Close()
}

func (ctrl *Controller) checkHalted() error {
	switch ctrl.state {
	case target.Dead:
		return ErrTargetDead
	case target.Running:
		return ErrTargetBusy
	default:
		return nil
	}
}

func (ctrl *Controller) transition(state target.State) {
	ctrl.state = state
	ctrl.pending = append(ctrl.pending, state)
}

func (ctrl *Controller) flush() {
	for len(ctrl.pending) > 0 {
		state := ctrl.pending[0]
		ctrl.pending = ctrl.pending[1:]

		for _, notify := range ctrl.notify {
			notify(state)
		}
	}
}

//
// Registers
//

func userRegister(regs *ptrace.UserRegs, id target.RegisterId) reflect.Value {
	reg, ok := amd64.ById(id)
	if !ok {
		panic("should never happen")
	}

	field := reflect.ValueOf(regs).Elem().FieldByName(reg.Field)
	if !field.IsValid() {
		panic("unknown user_regs_struct field " + reg.Field)
	}

	return field
}

func (ctrl *Controller) checkMask(mask target.RegisterMask) error {
	ids := mask.Registers()
	if len(ids) > 0 && int(ids[len(ids)-1]) >= len(amd64.Registers) {
		return fmt.Errorf(
			"%w. unknown register %d",
			ErrInvalidArgument,
			ids[len(ids)-1])
	}
	return nil
}

func (ctrl *Controller) ReadRegisters(
	mask target.RegisterMask,
) (
	[]uint64,
	error,
) {
	err := ctrl.checkHalted()
	if err != nil {
		return nil, err
	}

	err = ctrl.checkMask(mask)
	if err != nil {
		return nil, err
	}

	regs, err := ctrl.tracer.GetGeneralRegisters()
	if err != nil {
		return nil, err
	}

	values := make([]uint64, 0, mask.Len())
	for _, id := range mask.Registers() {
		values = append(values, userRegister(regs, id).Uint())
	}

	return values, nil
}

func (ctrl *Controller) WriteRegisters(
	mask target.RegisterMask,
	values []uint64,
) error {
	err := ctrl.checkHalted()
	if err != nil {
		return err
	}

	err = ctrl.checkMask(mask)
	if err != nil {
		return err
	}

	ids := mask.Registers()
	if len(ids) != len(values) {
		return fmt.Errorf(
			"%w. %d registers selected, %d values given",
			ErrInvalidArgument,
			len(ids),
			len(values))
	}

	regs, err := ctrl.tracer.GetGeneralRegisters()
	if err != nil {
		return err
	}

	for idx, id := range ids {
		userRegister(regs, id).SetUint(values[idx])
	}

	return ctrl.tracer.SetGeneralRegisters(regs)
}

func (ctrl *Controller) programCounter() (VirtualAddress, error) {
	values, err := ctrl.ReadRegisters(
		target.MaskOf(amd64.ProgramCounter.RegisterId))
	if err != nil {
		return 0, err
	}
	return VirtualAddress(values[0]), nil
}

func (ctrl *Controller) setProgramCounter(pc VirtualAddress) error {
	return ctrl.WriteRegisters(
		target.MaskOf(amd64.ProgramCounter.RegisterId),
		[]uint64{uint64(pc)})
}

//
// Memory
//

func (ctrl *Controller) ReplaceBreakPointBytes(
	addr VirtualAddress,
	memorySlice []byte,
) {
	for site, original := range ctrl.sites {
		if addr <= site && site < addr+VirtualAddress(len(memorySlice)) {
			memorySlice[site-addr] = original
		}
	}
}

// ReadMemory returns the process' memory with break point bytes masked out.
func (ctrl *Controller) ReadMemory(
	addr VirtualAddress,
	out []byte,
) (
	int,
	error,
) {
	err := ctrl.checkHalted()
	if err != nil {
		return 0, err
	}

	n, err := ctrl.tracer.ReadFromVirtualMemory(uintptr(addr), out)
	if n > 0 {
		ctrl.ReplaceBreakPointBytes(addr, out[:n])
	}

	return n, err
}

// WriteMemory writes through installed break points: the saved original
// bytes are updated and the int3 bytes are kept.
func (ctrl *Controller) WriteMemory(
	addr VirtualAddress,
	data []byte,
) (
	int,
	error,
) {
	err := ctrl.checkHalted()
	if err != nil {
		return 0, err
	}

	patched := make([]byte, len(data))
	copy(patched, data)

	for site := range ctrl.sites {
		if addr <= site && site < addr+VirtualAddress(len(data)) {
			ctrl.sites[site] = data[site-addr]
			patched[site-addr] = int3
		}
	}

	return ctrl.tracer.PokeData(uintptr(addr), patched)
}

func (ctrl *Controller) peekByte(addr VirtualAddress) (byte, error) {
	data := make([]byte, 1)
	_, err := ctrl.tracer.PeekData(uintptr(addr), data)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (ctrl *Controller) pokeByte(addr VirtualAddress, value byte) error {
	_, err := ctrl.tracer.PokeData(uintptr(addr), []byte{value})
	return err
}

//
// Break points
//

func (ctrl *Controller) InsertBreakPoint(addr VirtualAddress) error {
	err := ctrl.checkHalted()
	if err != nil {
		return err
	}

	_, ok := ctrl.sites[addr]
	if ok {
		return fmt.Errorf("%w at %s", ErrBreakPointAlreadyExists, addr)
	}

	original, err := ctrl.peekByte(addr)
	if err != nil {
		return fmt.Errorf("failed to insert break point at %s: %w", addr, err)
	}

	err = ctrl.pokeByte(addr, int3)
	if err != nil {
		return fmt.Errorf("failed to insert break point at %s: %w", addr, err)
	}

	ctrl.sites[addr] = original
	return nil
}

func (ctrl *Controller) RemoveBreakPoint(addr VirtualAddress) error {
	err := ctrl.checkHalted()
	if err != nil {
		return err
	}

	original, ok := ctrl.sites[addr]
	if !ok {
		return fmt.Errorf("%w at %s", ErrBreakPointNotFound, addr)
	}

	if ctrl.hasReinsert && ctrl.reinsert == addr {
		ctrl.hasReinsert = false
	} else {
		err = ctrl.pokeByte(addr, original)
		if err != nil {
			return fmt.Errorf(
				"failed to remove break point at %s: %w",
				addr,
				err)
		}
	}

	delete(ctrl.sites, addr)
	return nil
}

// Sites returns the installed break point addresses in ascending order.
func (ctrl *Controller) Sites() []VirtualAddress {
	result := make([]VirtualAddress, 0, len(ctrl.sites))
	for addr := range ctrl.sites {
		result = append(result, addr)
	}
	sort.Slice(result, func(i int, j int) bool { return result[i] < result[j] })
	return result
}

// liftSiteAtPC temporarily restores the original byte of the break point at
// the current program counter so that the instruction can execute.
func (ctrl *Controller) liftSiteAtPC() (bool, error) {
	pc, err := ctrl.programCounter()
	if err != nil {
		return false, err
	}

	original, ok := ctrl.sites[pc]
	if !ok {
		return false, nil
	}

	err = ctrl.pokeByte(pc, original)
	if err != nil {
		return false, err
	}

	ctrl.reinsert = pc
	ctrl.hasReinsert = true
	return true, nil
}

func (ctrl *Controller) restoreLiftedSite() error {
	if !ctrl.hasReinsert {
		return nil
	}

	ctrl.hasReinsert = false
	return ctrl.pokeByte(ctrl.reinsert, int3)
}

//
// Execution
//

func (ctrl *Controller) Run() error {
	err := ctrl.checkHalted()
	if err != nil {
		return err
	}

	lifted, err := ctrl.liftSiteAtPC()
	if err != nil {
		return err
	}

	if lifted {
		err = ctrl.tracer.SingleStep()
		if err != nil {
			return err
		}

		status, err := ctrl.tracer.Wait()
		if err != nil {
			return err
		}

		if ctrl.exited(status) {
			ctrl.transition(target.Running)
			ctrl.transition(target.Dead)
			return nil
		}

		err = ctrl.restoreLiftedSite()
		if err != nil {
			return err
		}

		if status.StopSignal() != syscall.SIGTRAP {
			// Deliver the interrupting signal on resume.
			ctrl.pendingSignal = status.StopSignal()
		}
	}

	err = ctrl.resume()
	if err != nil {
		return err
	}

	ctrl.transition(target.Running)
	return nil
}

// resume continues the process without reporting a state change.
func (ctrl *Controller) resume() error {
	signal := ctrl.pendingSignal
	ctrl.pendingSignal = 0

	err := ctrl.tracer.Resume(int(signal))
	if err != nil {
		return err
	}

	ctrl.state = target.Running
	return nil
}

func (ctrl *Controller) NativeSingleStep() error {
	err := ctrl.checkHalted()
	if err != nil {
		return err
	}

	_, err = ctrl.liftSiteAtPC()
	if err != nil {
		return err
	}

	err = ctrl.tracer.SingleStep()
	if err != nil {
		return err
	}

	ctrl.transition(target.Running)
	return nil
}

func (ctrl *Controller) Halt() error {
	if ctrl.state == target.Dead {
		return ErrTargetDead
	}

	if ctrl.state != target.Running {
		return nil
	}

	if ctrl.haltRequested {
		return nil
	}

	ctrl.haltRequested = true
	return ctrl.tracer.Signal(syscall.SIGSTOP)
}

func (ctrl *Controller) OnStateChange(notify func(target.State)) {
	ctrl.notify = append(ctrl.notify, notify)
}

func (ctrl *Controller) IsConnected() bool {
	return ctrl.state != target.Dead
}

func (ctrl *Controller) Status() (target.State, error) {
	return ctrl.state, nil
}

func (ctrl *Controller) exited(status syscall.WaitStatus) bool {
	if status.Exited() {
		ctrl.exitStatus = fmt.Sprintf("exited with status %d", status.ExitStatus())
	} else if status.Signaled() {
		ctrl.exitStatus = fmt.Sprintf("terminated by %v", status.Signal())
	} else {
		return false
	}

	ctrl.sites = map[VirtualAddress]byte{}
	ctrl.hasReinsert = false
	ctrl.logger.Info(
		"process terminated",
		"pid", ctrl.tracer.Pid,
		"status", ctrl.exitStatus)
	return true
}

// Wait delivers pending state change notifications and then blocks until the
// running process stops (or ctx is done).  Wait returns immediately when the
// process is not running.
func (ctrl *Controller) Wait(ctx context.Context) error {
	ctrl.flush()

	for ctrl.state == target.Running {
		if !ctrl.waiting {
			ctrl.waiting = true
			go func() {
				status, err := ctrl.tracer.Wait()
				ctrl.waitChan <- waitResult{
					status: status,
					err:    err,
				}
			}()
		}

		var result waitResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result = <-ctrl.waitChan:
			ctrl.waiting = false
		}

		if result.err != nil {
			return result.err
		}

		err := ctrl.handleStop(result.status)
		if err != nil {
			return err
		}
	}

	ctrl.flush()
	return nil
}

func (ctrl *Controller) handleStop(status syscall.WaitStatus) error {
	if ctrl.exited(status) {
		ctrl.transition(target.Dead)
		return nil
	}

	if !status.Stopped() {
		return fmt.Errorf("unexpected wait status %v", status)
	}

	// The state must be halted before accessing the process.
	ctrl.state = target.Halted

	err := ctrl.restoreLiftedSite()
	if err != nil {
		return err
	}

	signal := status.StopSignal()
	switch signal {
	case syscall.SIGTRAP:
		if ctrl.haltRequested {
			// The SIGSTOP is still pending and will be swallowed on a later
			// stop.
			ctrl.haltRequested = false
			ctrl.staleStop = true
		}

		info, err := ctrl.tracer.GetSigInfo()
		if err != nil {
			return err
		}

		if info.Code == siKernel {
			pc, err := ctrl.programCounter()
			if err != nil {
				return err
			}

			_, ok := ctrl.sites[pc-1]
			if ok {
				err = ctrl.setProgramCounter(pc - 1)
				if err != nil {
					return err
				}
			}
		}

	case syscall.SIGSTOP:
		if ctrl.staleStop {
			ctrl.staleStop = false
			ctrl.logger.Debug("swallowed stale stop", "pid", ctrl.tracer.Pid)
			return ctrl.resume()
		}

		ctrl.haltRequested = false

	default:
		ctrl.logger.Info(
			"forwarding signal",
			"pid", ctrl.tracer.Pid,
			"signal", signal)

		ctrl.pendingSignal = signal
		return ctrl.resume()
	}

	ctrl.transition(target.Halted)
	return nil
}
