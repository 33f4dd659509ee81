package debugger

import (
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/pattyshack/tdb/debugger/breakpoint"
	"github.com/pattyshack/tdb/debugger/callstack"
	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/target"
	"github.com/pattyshack/tdb/debugger/target/targettest"
)

const (
	testNumRegisters = 8
	testSP           = target.RegisterId(6)
	testPC           = target.RegisterId(7)

	testStackTop = 0x8000
)

// Program layout:
//
//	main:
//	  0x1000: mov            (line 10)
//	  0x1003: call foo       (line 10, not a statement)
//	  0x1008: call nodebug   (line 12)
//	  0x100d: nop            (line 13)
//	foo:
//	  0x2000: ret            (line 20)
//	nodebug:
//	  0x3000: ...
func newTestProgram() (
	*targettest.Controller,
	*targettest.Description,
	*targettest.DebugInfo,
) {
	ctrl := targettest.NewController(testNumRegisters, testPC)
	ctrl.Registers[testPC] = 0x1000
	ctrl.Registers[testSP] = testStackTop

	desc := targettest.NewDescription(testNumRegisters, testPC, testSP)
	desc.AddInstruction(
		target.Instruction{Address: 0x1000, Length: 3, NextPC: 0x1003})
	desc.AddInstruction(
		target.Instruction{
			Address: 0x1003,
			Length:  5,
			NextPC:  0x2000,
			IsCall:  true,
		})
	desc.AddInstruction(
		target.Instruction{
			Address: 0x1008,
			Length:  5,
			NextPC:  0x3000,
			IsCall:  true,
		})
	desc.AddInstruction(
		target.Instruction{Address: 0x100d, Length: 1, NextPC: 0x100e})
	desc.AddInstruction(
		target.Instruction{Address: 0x2000, Length: 1, NextPC: 0x3005})

	info := targettest.NewDebugInfo()
	info.AddLine(0x1000, 10, true)
	info.AddLine(0x1003, 10, false)
	info.AddLine(0x1008, 12, true)
	info.AddLine(0x100d, 13, true)
	info.AddLine(0x2000, 20, true)
	info.Subprograms = []targettest.Subprogram{
		{
			AddressRange: AddressRange{Low: 0x1000, High: 0x1100},
			Name:         "main",
			CompileUnit:  "main.c",
		},
		{
			AddressRange: AddressRange{Low: 0x2000, High: 0x2100},
			Name:         "foo",
			CompileUnit:  "main.c",
		},
	}

	return ctrl, desc, info
}

type executorFixture struct {
	*targettest.Controller

	exec     *Executor
	unwinder *callstack.Unwinder

	reports []HaltReport
	running int
	deaths  int
}

func newExecutorFixture(
	t *testing.T,
	controller target.Controller,
	ctrl *targettest.Controller,
	desc *targettest.Description,
	info *targettest.DebugInfo,
	options ExecutorOptions,
) *executorFixture {
	unwinder := callstack.NewUnwinder(controller, desc, 0, nil)

	exec, err := NewExecutor(
		controller,
		desc,
		info,
		breakpoint.NewRegistry(),
		unwinder,
		options,
		nil)
	expect.Nil(t, err)

	fixture := &executorFixture{
		Controller: ctrl,
		exec:       exec,
		unwinder:   unwinder,
	}

	exec.WatchRunning(func() { fixture.running++ })
	exec.WatchHalt(func(report HaltReport) {
		fixture.reports = append(fixture.reports, report)
	})
	exec.WatchDeath(func() { fixture.deaths++ })

	return fixture
}

func (fixture *executorFixture) lastReport(t *testing.T) HaltReport {
	expect.True(t, len(fixture.reports) > 0)
	return fixture.reports[len(fixture.reports)-1]
}

type ExecutorSuite struct{}

func TestExecutor(t *testing.T) {
	suite.RunTests(t, &ExecutorSuite{})
}

func (ExecutorSuite) newFixture(t *testing.T) *executorFixture {
	ctrl, desc, info := newTestProgram()
	return newExecutorFixture(
		t,
		ctrl,
		ctrl,
		desc,
		info,
		ExecutorOptions{})
}

func (ExecutorSuite) newSteppingFixture(t *testing.T) (
	*executorFixture,
	*targettest.SteppingController,
) {
	ctrl, desc, info := newTestProgram()
	stepper := &targettest.SteppingController{Controller: ctrl}
	fixture := newExecutorFixture(
		t,
		stepper,
		ctrl,
		desc,
		info,
		DefaultExecutorOptions())
	return fixture, stepper
}

func (s ExecutorSuite) TestInitialState(t *testing.T) {
	fixture := s.newFixture(t)

	expect.Equal(t, Idle, fixture.exec.Mode())
	expect.Equal(t, target.Halted, fixture.exec.CoreState())
	expect.True(t, fixture.unwinder.IsActive())
}

func (s ExecutorSuite) TestFreeRunStopsAtBreakPoint(t *testing.T) {
	fixture := s.newFixture(t)

	point, err := fixture.exec.SetBreakPoint(0x1008)
	expect.Nil(t, err)
	expect.True(t, fixture.Installed[0x1008])

	err = fixture.exec.Run()
	expect.Nil(t, err)
	expect.Equal(t, 1, fixture.RunCount)
	expect.Equal(t, FreeRunning, fixture.exec.Mode())
	expect.False(t, fixture.unwinder.IsActive())

	fixture.StopAt(0x1008)

	expect.Equal(t, 1, fixture.running)
	expect.Equal(t, 1, len(fixture.reports))

	report := fixture.lastReport(t)
	expect.Equal(t, 0x1008, report.Address)
	expect.Equal(t, BreakPointHit, report.Reason)
	expect.Equal(t, point.Id, report.BreakPoint.Id)
	expect.True(t, report.HasSourceContext)
	expect.Equal(t, "main", report.Subprogram)
	expect.Equal(t, 12, report.Line)

	expect.Equal(t, Idle, fixture.exec.Mode())
	expect.True(t, fixture.unwinder.IsActive())
}

func (s ExecutorSuite) TestRunWhileRunningIsNoop(t *testing.T) {
	fixture := s.newFixture(t)

	err := fixture.exec.Run()
	expect.Nil(t, err)

	fixture.Transition(target.Running)

	err = fixture.exec.Run()
	expect.Nil(t, err)
	expect.Equal(t, 1, fixture.RunCount)
}

func (s ExecutorSuite) TestRequestsWhileBusy(t *testing.T) {
	fixture := s.newFixture(t)

	err := fixture.exec.Run()
	expect.Nil(t, err)

	// Run issued, but the target has not reported running yet.
	err = fixture.exec.Run()
	expect.True(t, errors.Is(err, ErrTargetBusy))

	fixture.Transition(target.Running)

	err = fixture.exec.SingleStepInsn()
	expect.True(t, errors.Is(err, ErrTargetBusy))

	err = fixture.exec.StepOverSrc()
	expect.True(t, errors.Is(err, ErrTargetBusy))
}

func (s ExecutorSuite) TestHaltRequiresRunning(t *testing.T) {
	fixture := s.newFixture(t)

	err := fixture.exec.Halt()
	expect.True(t, errors.Is(err, ErrInvalidArgument))
	expect.Equal(t, 0, fixture.HaltCount)
}

func (s ExecutorSuite) TestUserHalt(t *testing.T) {
	fixture := s.newFixture(t)

	err := fixture.exec.Run()
	expect.Nil(t, err)

	fixture.Transition(target.Running)

	err = fixture.exec.Halt()
	expect.Nil(t, err)
	expect.Equal(t, 1, fixture.HaltCount)

	fixture.StopAt(0x1050)

	report := fixture.lastReport(t)
	expect.Equal(t, 0x1050, report.Address)
	expect.Equal(t, UserStop, report.Reason)
	expect.Equal(t, Idle, fixture.exec.Mode())
	expect.Nil(t, fixture.exec.Err())
}

func (s ExecutorSuite) TestUnexpectedHaltIsFatal(t *testing.T) {
	fixture := s.newFixture(t)

	err := fixture.exec.Run()
	expect.Nil(t, err)

	fixture.StopAt(0x1050)

	expect.Equal(t, 0, len(fixture.reports))
	expect.NotNil(t, fixture.exec.Err())
	expect.True(t, IsFatal(fixture.exec.Err()))

	err = fixture.exec.SingleStepInsn()
	expect.True(t, errors.Is(err, ErrEngineHalted))

	_, err = fixture.exec.SetBreakPoint(0x1000)
	expect.True(t, errors.Is(err, ErrEngineHalted))
}

func (s ExecutorSuite) TestRepeatedStateIsIgnored(t *testing.T) {
	fixture := s.newFixture(t)

	fixture.Transition(target.Halted)
	fixture.Transition(target.Halted)

	expect.Nil(t, fixture.exec.Err())
	expect.Equal(t, 0, len(fixture.reports))
}

func (s ExecutorSuite) TestRunningWhileIdleIsFatal(t *testing.T) {
	fixture := s.newFixture(t)

	fixture.Transition(target.Running)

	expect.True(t, IsFatal(fixture.exec.Err()))
}

func (s ExecutorSuite) TestSingleStepInsn(t *testing.T) {
	fixture := s.newFixture(t)

	err := fixture.exec.SingleStepInsn()
	expect.Nil(t, err)
	expect.Equal(t, WaitSingleStepInsn, fixture.exec.Mode())
	expect.Equal(t, 1, fixture.RunCount)

	expect.True(t, fixture.Installed[0x1003])
	expect.Equal(t, 0, fixture.exec.breakPoints.Len())

	fixture.StopAt(0x1003)

	report := fixture.lastReport(t)
	expect.Equal(t, 0x1003, report.Address)
	expect.Equal(t, StepComplete, report.Reason)
	expect.Equal(t, Idle, fixture.exec.Mode())

	expect.Equal(t, 0, fixture.exec.breakPoints.Len())
	expect.False(t, fixture.Installed[0x1003])
}

func (s ExecutorSuite) TestSingleStepInsnEntersCall(t *testing.T) {
	fixture := s.newFixture(t)
	fixture.Registers[testPC] = 0x1003

	err := fixture.exec.SingleStepInsn()
	expect.Nil(t, err)

	fixture.StopAt(0x2000)

	report := fixture.lastReport(t)
	expect.Equal(t, StepComplete, report.Reason)
	expect.Equal(t, "foo", report.Subprogram)
}

func (s ExecutorSuite) TestStepOverInsnSkipsCall(t *testing.T) {
	fixture := s.newFixture(t)
	fixture.Registers[testPC] = 0x1003

	err := fixture.exec.StepOverInsn()
	expect.Nil(t, err)
	expect.Equal(t, WaitStepOverInsn, fixture.exec.Mode())
	expect.True(t, fixture.Installed[0x1008])

	fixture.StopAt(0x1008)

	report := fixture.lastReport(t)
	expect.Equal(t, 0x1008, report.Address)
	expect.Equal(t, StepComplete, report.Reason)
	expect.False(t, fixture.Installed[0x1008])
}

func (s ExecutorSuite) TestStepOverSrcIgnoresNestedInvocation(t *testing.T) {
	fixture := s.newFixture(t)
	fixture.Registers[testPC] = 0x1003

	err := fixture.exec.StepOverSrc()
	expect.Nil(t, err)
	expect.Equal(t, 1, fixture.RunCount)

	// Recursive invocation hits the return address breakpoint deeper in the
	// stack.
	fixture.Registers[testSP] = testStackTop - 0x100
	fixture.StopAt(0x1008)

	expect.Equal(t, 0, len(fixture.reports))
	expect.Equal(t, 2, fixture.RunCount)
	expect.Equal(t, WaitStepOverSrc, fixture.exec.Mode())
	expect.True(t, fixture.Installed[0x1008])

	fixture.Registers[testSP] = testStackTop
	fixture.StopAt(0x1008)

	report := fixture.lastReport(t)
	expect.Equal(t, 0x1008, report.Address)
	expect.Equal(t, StepComplete, report.Reason)
	expect.Equal(t, 12, report.Line)
	expect.Equal(t, Idle, fixture.exec.Mode())
	expect.False(t, fixture.Installed[0x1008])
}

func (s ExecutorSuite) TestDifferentStackRecursionCheck(t *testing.T) {
	ctrl, desc, info := newTestProgram()
	fixture := newExecutorFixture(
		t,
		ctrl,
		ctrl,
		desc,
		info,
		ExecutorOptions{RecursionCheck: DifferentStack})
	fixture.Registers[testPC] = 0x1003

	err := fixture.exec.StepOverInsn()
	expect.Nil(t, err)

	fixture.Registers[testSP] = testStackTop + 0x100
	fixture.StopAt(0x1008)

	expect.Equal(t, 0, len(fixture.reports))
	expect.Equal(t, 2, fixture.RunCount)

	fixture.Registers[testSP] = testStackTop
	fixture.StopAt(0x1008)

	expect.Equal(t, StepComplete, fixture.lastReport(t).Reason)
}

func (s ExecutorSuite) TestStepAbortOnExistingBreakPoint(t *testing.T) {
	fixture := s.newFixture(t)

	_, err := fixture.exec.SetBreakPoint(0x1003)
	expect.Nil(t, err)

	err = fixture.exec.SingleStepInsn()
	expect.Nil(t, err)
	expect.Equal(t, 1, fixture.exec.breakPoints.Len())

	fixture.StopAt(0x1003)

	report := fixture.lastReport(t)
	expect.Equal(t, 0x1003, report.Address)
	expect.Equal(t, StepComplete, report.Reason)
	expect.Equal(t, Idle, fixture.exec.Mode())

	// The user's break point is untouched.
	expect.Equal(t, 1, fixture.exec.breakPoints.Len())
	expect.True(t, fixture.Installed[0x1003])
}

func (s ExecutorSuite) TestStepInterruptedByBreakPoint(t *testing.T) {
	fixture := s.newFixture(t)
	fixture.Registers[testPC] = 0x1003

	_, err := fixture.exec.SetBreakPoint(0x2000)
	expect.Nil(t, err)

	err = fixture.exec.StepOverInsn()
	expect.Nil(t, err)
	expect.Equal(t, 1, fixture.exec.breakPoints.Len())
	expect.True(t, fixture.Installed[0x1008])

	fixture.Registers[testSP] = testStackTop - 8
	fixture.StopAt(0x2000)

	report := fixture.lastReport(t)
	expect.Equal(t, 0x2000, report.Address)
	expect.Equal(t, BreakPointHit, report.Reason)
	expect.Equal(t, Idle, fixture.exec.Mode())

	// Stepping break point is cleaned up.
	expect.Equal(t, 1, fixture.exec.breakPoints.Len())
	expect.False(t, fixture.Installed[0x1008])
}

func (s ExecutorSuite) TestSourceStepContinuesToStatement(t *testing.T) {
	fixture := s.newFixture(t)

	err := fixture.exec.SingleStepSrc()
	expect.Nil(t, err)

	// 0x1003 is not a statement boundary; the step continues into foo.
	fixture.StopAt(0x1003)

	expect.Equal(t, 0, len(fixture.reports))
	expect.Equal(t, 2, fixture.RunCount)
	expect.Equal(t, WaitSingleStepSrc, fixture.exec.Mode())

	expect.True(t, fixture.Installed[0x2000])
	expect.False(t, fixture.Installed[0x1003])

	fixture.StopAt(0x2000)

	report := fixture.lastReport(t)
	expect.Equal(t, 0x2000, report.Address)
	expect.Equal(t, StepComplete, report.Reason)
	expect.Equal(t, "foo", report.Subprogram)
	expect.Equal(t, 20, report.Line)
	expect.Equal(t, 0, len(fixture.Installed))
}

func (s ExecutorSuite) TestSourceStepOverCallWithoutLineInfo(t *testing.T) {
	fixture := s.newFixture(t)
	fixture.Registers[testPC] = 0x1008

	err := fixture.exec.SingleStepSrc()
	expect.Nil(t, err)

	expect.False(t, fixture.Installed[0x3000])
	expect.True(t, fixture.Installed[0x100d])

	fixture.Registers[testSP] = testStackTop - 0x40
	fixture.StopAt(0x100d)
	expect.Equal(t, 0, len(fixture.reports))

	fixture.Registers[testSP] = testStackTop
	fixture.StopAt(0x100d)

	report := fixture.lastReport(t)
	expect.Equal(t, StepComplete, report.Reason)
	expect.Equal(t, 13, report.Line)
}

func (s ExecutorSuite) TestSourceStepIntoCodeWithoutLineInfo(t *testing.T) {
	fixture := s.newFixture(t)
	fixture.Registers[testPC] = 0x2000

	err := fixture.exec.SingleStepSrc()
	expect.True(t, errors.Is(err, ErrNoDebugInfo))
	expect.Equal(t, Idle, fixture.exec.Mode())
	expect.Equal(t, 0, fixture.RunCount)
	expect.Equal(t, 0, fixture.exec.breakPoints.Len())
}

func (s ExecutorSuite) TestNativeSingleStep(t *testing.T) {
	fixture, stepper := s.newSteppingFixture(t)

	err := fixture.exec.SingleStepInsn()
	expect.Nil(t, err)
	expect.Equal(t, 1, stepper.StepCount)
	expect.Equal(t, 0, fixture.RunCount)
	expect.Equal(t, 0, fixture.exec.breakPoints.Len())

	fixture.StopAt(0x1003)

	report := fixture.lastReport(t)
	expect.Equal(t, 0x1003, report.Address)
	expect.Equal(t, StepComplete, report.Reason)
	expect.Equal(t, Idle, fixture.exec.Mode())

	// Calls are stepped over with a break point.
	err = fixture.exec.StepOverInsn()
	expect.Nil(t, err)
	expect.Equal(t, 1, stepper.StepCount)
	expect.Equal(t, 1, fixture.RunCount)
	expect.True(t, fixture.Installed[0x1008])
}

func (s ExecutorSuite) TestTargetDeath(t *testing.T) {
	fixture := s.newFixture(t)
	fixture.Registers[testPC] = 0x1003

	err := fixture.exec.StepOverInsn()
	expect.Nil(t, err)

	fixture.Transition(target.Running)
	fixture.Transition(target.Dead)

	expect.Equal(t, 1, fixture.deaths)
	expect.Equal(t, Idle, fixture.exec.Mode())
	expect.False(t, fixture.unwinder.IsActive())
	expect.Equal(t, 0, fixture.exec.breakPoints.Len())
	expect.Nil(t, fixture.exec.Err())

	err = fixture.exec.Run()
	expect.True(t, errors.Is(err, ErrTargetDead))

	_, err = fixture.unwinder.MoveToRelative(-1)
	expect.True(t, errors.Is(err, ErrBacktraceDataUnavailable))
}

func (s ExecutorSuite) TestClearBreakPoint(t *testing.T) {
	fixture := s.newFixture(t)

	err := fixture.exec.ClearBreakPoint(0x1000)
	expect.True(t, errors.Is(err, ErrBreakPointNotFound))

	_, err = fixture.exec.SetBreakPoint(0x1000)
	expect.Nil(t, err)

	_, err = fixture.exec.SetBreakPoint(0x1000)
	expect.True(t, errors.Is(err, ErrBreakPointAlreadyExists))

	err = fixture.exec.SetBreakPointActive(0x1000, false)
	expect.Nil(t, err)
	expect.False(t, fixture.Installed[0x1000])

	err = fixture.exec.SetBreakPointActive(0x1000, true)
	expect.Nil(t, err)
	expect.True(t, fixture.Installed[0x1000])

	err = fixture.exec.ClearBreakPoint(0x1000)
	expect.Nil(t, err)
	expect.False(t, fixture.Installed[0x1000])
	expect.Equal(t, 0, len(fixture.exec.BreakPoints()))
}

func (s ExecutorSuite) TestStepOntoInactiveBreakPoint(t *testing.T) {
	fixture := s.newFixture(t)

	_, err := fixture.exec.SetBreakPoint(0x1003)
	expect.Nil(t, err)

	err = fixture.exec.SetBreakPointActive(0x1003, false)
	expect.Nil(t, err)
	expect.False(t, fixture.Installed[0x1003])

	err = fixture.exec.SingleStepInsn()
	expect.Nil(t, err)
	expect.False(t, fixture.exec.stepAbort)
	expect.True(t, fixture.Installed[0x1003])

	// The user's break point can't be re-enabled on top of the stepping
	// site.
	err = fixture.exec.SetBreakPointActive(0x1003, true)
	expect.True(t, errors.Is(err, ErrTargetBusy))

	fixture.StopAt(0x1003)

	report := fixture.lastReport(t)
	expect.Equal(t, 0x1003, report.Address)
	expect.Equal(t, StepComplete, report.Reason)
	expect.Equal(t, Idle, fixture.exec.Mode())

	expect.False(t, fixture.Installed[0x1003])

	point, ok := fixture.exec.breakPoints.Locate(0x1003)
	expect.True(t, ok)
	expect.False(t, point.IsActive)
}

func (s ExecutorSuite) TestSteppingSitesAreNotListed(t *testing.T) {
	fixture := s.newFixture(t)
	fixture.Registers[testPC] = 0x1003

	point, err := fixture.exec.SetBreakPoint(0x1000)
	expect.Nil(t, err)

	err = fixture.exec.StepOverInsn()
	expect.Nil(t, err)
	expect.True(t, fixture.Installed[0x1008])

	points := fixture.exec.BreakPoints()
	expect.Equal(t, 1, len(points))
	expect.Equal(t, 0x1000, points[0].Address)

	_, err = fixture.exec.SetBreakPoint(0x1008)
	expect.True(t, errors.Is(err, ErrTargetBusy))

	fixture.StopAt(0x1008)
	expect.Equal(t, StepComplete, fixture.lastReport(t).Reason)

	// Stepping never consumes user visible ids.
	next, err := fixture.exec.SetBreakPoint(0x1008)
	expect.Nil(t, err)
	expect.Equal(t, point.Id+1, next.Id)
}
