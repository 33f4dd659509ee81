package debugger

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/target"
	"github.com/pattyshack/tdb/debugger/target/targettest"
	"github.com/pattyshack/tdb/dwarf"
)

const (
	stackCalleeSaved = target.RegisterId(3)
	stackFramePtr    = target.RegisterId(5)
)

func offsetRules(
	cfaOffset int64,
	saved map[dwarf.RegisterId]int64,
) *dwarf.UnwindRules {
	rules := &dwarf.UnwindRules{
		ReturnAddressRegister: dwarf.RegisterId(testPC),
		CanonicalFrameAddress: dwarf.RegisterRule{
			Kind:       dwarf.CFARegisterOffsetRule,
			RegisterId: dwarf.RegisterId(testSP),
			Offset:     cfaOffset,
		},
		Registers: map[dwarf.RegisterId]dwarf.RegisterRule{},
	}

	for id, offset := range saved {
		rules.Registers[id] = dwarf.RegisterRule{
			Kind:   dwarf.OffsetRule,
			Offset: offset,
		}
	}

	return rules
}

func decode(t *testing.T, content ...byte) dwarf.Expression {
	expression, err := dwarf.DecodeExpression(binary.LittleEndian, 8, content)
	expect.Nil(t, err)
	return expression
}

// Three frames:
//
//	frame 0: callee  pc 0x1010, sp 0x8000, cfa 0x8010 (frame base: cfa)
//	frame 1: caller  pc 0x2050, sp 0x8010, cfa 0x8030 (frame base: sp)
//	frame 2: start   pc 0x3000, sp 0x8030 (no call frame info)
func newTestStack(t *testing.T) (
	*targettest.Controller,
	*targettest.Description,
	*targettest.DebugInfo,
) {
	ctrl := targettest.NewController(testNumRegisters, testPC)
	ctrl.Registers[testPC] = 0x1010
	ctrl.Registers[testSP] = 0x8000
	ctrl.Registers[stackFramePtr] = 0xf00d
	ctrl.Registers[stackCalleeSaved] = 0x33
	ctrl.Registers[0] = 0x11

	ctrl.SetWord(0x8000, 0xfeed) // saved frame pointer
	ctrl.SetWord(0x8008, 0x2050) // return address
	ctrl.SetWord(0x8010, 0x1234) // caller local
	ctrl.SetWord(0x8028, 0x3000) // return address

	desc := targettest.NewDescription(testNumRegisters, testPC, testSP)
	desc.CalleeSaved[stackCalleeSaved] = true
	desc.CalleeSaved[stackFramePtr] = true

	desc.AddRules(
		0x1000,
		0x1100,
		offsetRules(16, map[dwarf.RegisterId]int64{
			dwarf.RegisterId(testPC):        -8,
			dwarf.RegisterId(stackFramePtr): -16,
		}))
	desc.AddRules(
		0x2000,
		0x2100,
		offsetRules(32, map[dwarf.RegisterId]int64{
			dwarf.RegisterId(testPC): -8,
		}))

	info := targettest.NewDebugInfo()
	info.AddLine(0x1010, 5, true)
	info.AddLine(0x204f, 12, true)
	info.Subprograms = []targettest.Subprogram{
		{
			AddressRange: AddressRange{Low: 0x1000, High: 0x1100},
			Name:         "callee",
			CompileUnit:  "main.c",
			FrameBase:    decode(t, 0x9c), // DW_OP_call_frame_cfa
		},
		{
			AddressRange: AddressRange{Low: 0x2000, High: 0x2100},
			Name:         "caller",
			CompileUnit:  "main.c",
			FrameBase:    decode(t, 0x76, 0x00), // DW_OP_breg6 0
		},
		{
			AddressRange: AddressRange{Low: 0x2f00, High: 0x3100},
			Name:         "start",
			CompileUnit:  "main.c",
		},
	}

	return ctrl, desc, info
}

// symbolInfo adds symbol lookup to the fake debug information.
type symbolInfo struct {
	*targettest.DebugInfo
}

func (info symbolInfo) SymbolAt(addr VirtualAddress) (string, uint64, bool) {
	for _, sub := range info.Subprograms {
		if sub.Contains(addr) {
			return sub.Name, uint64(addr - sub.Low), true
		}
	}
	return "", 0, false
}

func (info symbolInfo) FunctionBreakAddresses(name string) []VirtualAddress {
	if name == "callee" {
		return []VirtualAddress{0x1010}
	}
	return nil
}

func (info symbolInfo) LineBreakAddresses(
	file string,
	line int,
) []VirtualAddress {
	result := []VirtualAddress{}
	for addr, entry := range info.Lines {
		if entry.File == file && entry.Line == line {
			result = append(result, addr)
		}
	}
	return result
}

type DebuggerSuite struct{}

func TestDebugger(t *testing.T) {
	suite.RunTests(t, &DebuggerSuite{})
}

func (DebuggerSuite) newDebugger(
	t *testing.T,
) (
	*Debugger,
	*targettest.Controller,
	*targettest.DebugInfo,
) {
	ctrl, desc, info := newTestStack(t)
	db, err := New(ctrl, desc, info, DefaultOptions(), nil)
	expect.Nil(t, err)
	return db, ctrl, info
}

func (s DebuggerSuite) register(
	t *testing.T,
	db *Debugger,
	name string,
) target.RegisterId {
	id, err := db.RegisterByName(name)
	expect.Nil(t, err)
	return id
}

func (s DebuggerSuite) TestRegisterByName(t *testing.T) {
	db, _, _ := s.newDebugger(t)

	expect.Equal(t, testPC, s.register(t, db, "r7"))

	_, err := db.RegisterByName("bogus")
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (s DebuggerSuite) TestReadRegisters(t *testing.T) {
	db, _, _ := s.newDebugger(t)

	value, err := db.ReadRegister(0)
	expect.Nil(t, err)
	expect.Equal(t, 0x11, value)

	registers, err := db.Registers()
	expect.Nil(t, err)
	expect.Equal(t, testNumRegisters, len(registers))
	for _, reg := range registers {
		expect.True(t, reg.IsDefined)
	}
	expect.Equal(t, 0xf00d, registers[stackFramePtr].Value)
	expect.Equal(t, "r5       0x000000000000f00d", registers[5].String())
}

func (s DebuggerSuite) TestCallerFrameRegisters(t *testing.T) {
	db, _, _ := s.newDebugger(t)

	frame, err := db.Up(1)
	expect.Nil(t, err)
	expect.Equal(t, 1, frame.Index)

	// Caller saved registers are unknown in older frames.
	_, err = db.ReadRegister(0)
	expect.True(t, errors.Is(err, ErrBacktraceDataUnavailable))
	expect.False(t, IsFatal(err))
	expect.Nil(t, db.Err())

	registers, err := db.Registers()
	expect.Nil(t, err)
	expect.False(t, registers[0].IsDefined)
	expect.Equal(t, "r0       <undefined>", registers[0].String())
	expect.True(t, registers[stackFramePtr].IsDefined)
	expect.Equal(t, 0xfeed, registers[stackFramePtr].Value)
	expect.Equal(t, 0x8010, registers[testSP].Value)
	expect.Equal(t, 0x2050, registers[testPC].Value)
}

func (s DebuggerSuite) TestWriteRegister(t *testing.T) {
	db, ctrl, _ := s.newDebugger(t)

	_, err := db.Up(1)
	expect.Nil(t, err)

	err = db.WriteRegister(stackCalleeSaved, 0x44)
	expect.Nil(t, err)
	expect.Equal(t, 0x44, ctrl.Registers[stackCalleeSaved])

	err = db.WriteRegister(stackFramePtr, 0xbeef)
	expect.Nil(t, err)
	expect.Equal(t, 0xbeef, ctrl.Word(0x8000))

	err = db.WriteRegister(0, 1)
	expect.True(t, errors.Is(err, ErrInvalidArgument))
	expect.Equal(t, 0x11, ctrl.Registers[0])
}

func (s DebuggerSuite) TestReadMemory(t *testing.T) {
	db, _, _ := s.newDebugger(t)

	data, err := db.ReadMemory(0x8008, 8)
	expect.Nil(t, err)
	expect.Equal(t, 0x2050, binary.LittleEndian.Uint64(data))

	_, err = db.ReadMemory(0x8008, 0)
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = db.ReadMemory(0x100000, 8)
	expect.Error(t, err, "unmapped address")
}

func (s DebuggerSuite) TestBacktrace(t *testing.T) {
	db, _, _ := s.newDebugger(t)

	frames, err := db.Backtrace(0)
	expect.Nil(t, err)
	expect.Equal(t, 3, len(frames))

	expect.Equal(t, 0x1010, frames[0].ProgramCounter)
	expect.True(t, frames[0].IsSelected)
	expect.Equal(t, "callee", frames[0].Subprogram)
	expect.Equal(t, "main.c", frames[0].File)
	expect.Equal(t, 5, frames[0].Line)
	expect.Equal(
		t,
		"*#0   0x0000000000001010 in callee (main.c:5)",
		frames[0].String())

	// Caller frames are described by their call instruction.
	expect.Equal(t, 0x2050, frames[1].ProgramCounter)
	expect.Equal(t, "caller", frames[1].Subprogram)
	expect.Equal(t, 12, frames[1].Line)

	expect.Equal(t, "start", frames[2].Subprogram)
	expect.Equal(t, "", frames[2].File)

	frames, err = db.Backtrace(2)
	expect.Nil(t, err)
	expect.Equal(t, 2, len(frames))
}

func (s DebuggerSuite) TestFrameNavigation(t *testing.T) {
	db, _, _ := s.newDebugger(t)

	frame, err := db.Up(1)
	expect.Nil(t, err)
	expect.Equal(t, 1, frame.Index)
	expect.Equal(t, "caller", frame.Subprogram)

	frame, err = db.Up(5)
	expect.True(t, errors.Is(err, ErrCantUnwindStackFrame))
	expect.Equal(t, 2, frame.Index)
	expect.Nil(t, db.Err())

	frame, err = db.Down(1)
	expect.Nil(t, err)
	expect.Equal(t, 1, frame.Index)

	frame, err = db.Down(5)
	expect.True(t, errors.Is(err, ErrCantRewindStackFrame))
	expect.Equal(t, 0, frame.Index)

	_, err = db.Up(2)
	expect.Nil(t, err)

	frame, err = db.SelectInnermostFrame()
	expect.Nil(t, err)
	expect.Equal(t, 0, frame.Index)
	expect.Equal(t, 0x1010, frame.ProgramCounter)
}

func (s DebuggerSuite) TestFrameBase(t *testing.T) {
	db, _, _ := s.newDebugger(t)

	base, err := db.FrameBase()
	expect.Nil(t, err)
	expect.Equal(t, 0x8010, base)

	_, err = db.Up(1)
	expect.Nil(t, err)

	base, err = db.FrameBase()
	expect.Nil(t, err)
	expect.Equal(t, 0x8010, base)

	_, err = db.Up(1)
	expect.Nil(t, err)

	_, err = db.FrameBase()
	expect.True(t, errors.Is(err, ErrNoDebugInfo))
	expect.Nil(t, db.Err())
}

func (s DebuggerSuite) TestRegisterFrameBase(t *testing.T) {
	db, _, info := s.newDebugger(t)
	info.Subprograms[0].FrameBase = decode(t, 0x55) // DW_OP_reg5

	base, err := db.FrameBase()
	expect.Nil(t, err)
	expect.Equal(t, 0xf00d, base)
}

func (s DebuggerSuite) TestEvaluateLocation(t *testing.T) {
	db, _, _ := s.newDebugger(t)

	// DW_OP_fbreg -8
	result, err := db.EvaluateLocationBytes([]byte{0x91, 0x78})
	expect.Nil(t, err)
	expect.False(t, result.IsRegister)
	expect.Equal(t, 0x8008, result.Value)
	expect.Equal(t, dwarf.NeedsFrameBase, result.Classification)

	_, err = db.Up(1)
	expect.Nil(t, err)

	// DW_OP_fbreg 0; DW_OP_deref
	result, err = db.EvaluateLocation(decode(t, 0x91, 0x00, 0x06))
	expect.Nil(t, err)
	expect.Equal(t, 0x1234, result.Value)

	// DW_OP_reg3
	result, err = db.EvaluateLocationBytes([]byte{0x53})
	expect.Nil(t, err)
	expect.True(t, result.IsRegister)
	expect.Equal(t, 3, result.Value)

	// DW_OP_addr 0x4000
	result, err = db.EvaluateLocationBytes(
		binary.LittleEndian.AppendUint64([]byte{0x03}, 0x4000))
	expect.Nil(t, err)
	expect.Equal(t, 0x4000, result.Value)
	expect.Equal(t, dwarf.Constant, result.Classification)
}

func (s DebuggerSuite) TestUndefinedRegisterInExpression(t *testing.T) {
	db, _, _ := s.newDebugger(t)

	_, err := db.Up(1)
	expect.Nil(t, err)

	// DW_OP_breg0 0
	_, err = db.EvaluateLocationBytes([]byte{0x70, 0x00})
	expect.True(t, errors.Is(err, ErrBacktraceDataUnavailable))
	expect.Nil(t, db.Err())
}

func (s DebuggerSuite) TestMalformedClientExpressionIsRecoverable(t *testing.T) {
	db, _, _ := s.newDebugger(t)

	// truncated DW_OP_fbreg
	_, err := db.EvaluateLocationBytes([]byte{0x91})
	expect.True(t, errors.Is(err, ErrInvalidArgument))
	expect.True(t, errors.Is(err, dwarf.ErrMalformedExpression))
	expect.False(t, IsFatal(err))

	// truncated DW_OP_consts
	_, err = db.EvaluateLocationBytes([]byte{0x11})
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	// DW_OP_reg3 DW_OP_lit0
	_, err = db.EvaluateLocation(decode(t, 0x53, 0x30))
	expect.True(t, errors.Is(err, ErrInvalidArgument))
	expect.False(t, IsFatal(err))

	expect.Nil(t, db.Err())

	_, err = db.SetBreakPoint(0x1010)
	expect.Nil(t, err)

	_, err = db.Backtrace(0)
	expect.Nil(t, err)
}

func (s DebuggerSuite) TestMalformedFrameBaseHaltsEngine(t *testing.T) {
	db, _, info := s.newDebugger(t)
	info.Subprograms[0].FrameBase = decode(t, 0x56, 0x30) // DW_OP_reg6 DW_OP_lit0

	_, err := db.FrameBase()
	expect.NotNil(t, err)
	expect.True(t, IsFatal(err))

	expect.NotNil(t, db.Err())

	_, err = db.ReadRegister(0)
	expect.True(t, errors.Is(err, ErrEngineHalted))

	err = db.Run()
	expect.True(t, errors.Is(err, ErrEngineHalted))

	status := db.Status()
	expect.NotNil(t, status.Err)
	expect.True(t, strings.Contains(status.String(), "engine halted"))
}

func (s DebuggerSuite) TestSelfReferentialFrameBaseHaltsEngine(t *testing.T) {
	db, _, info := s.newDebugger(t)
	info.Subprograms[0].FrameBase = decode(t, 0x91, 0x00) // DW_OP_fbreg 0

	_, err := db.EvaluateLocationBytes([]byte{0x91, 0x08})
	expect.True(t, IsFatal(err))
	expect.NotNil(t, db.Err())

	_, err = db.Backtrace(0)
	expect.True(t, errors.Is(err, ErrEngineHalted))
}

func (s DebuggerSuite) TestNoDebugInfo(t *testing.T) {
	ctrl, desc, _ := newTestStack(t)
	db, err := New(ctrl, desc, nil, Options{}, nil)
	expect.Nil(t, err)

	frames, err := db.Backtrace(0)
	expect.Nil(t, err)
	expect.Equal(t, 3, len(frames))
	expect.False(t, frames[0].HasSourceContext)
	expect.Equal(t, "*#0   0x0000000000001010", frames[0].String())

	_, err = db.FrameBase()
	expect.True(t, errors.Is(err, ErrNoDebugInfo))

	_, err = db.EvaluateLocationBytes([]byte{0x91, 0x00})
	expect.True(t, errors.Is(err, ErrNoDebugInfo))
	expect.Nil(t, db.Err())

	// DW_OP_breg6 8
	result, err := db.EvaluateLocationBytes([]byte{0x76, 0x08})
	expect.Nil(t, err)
	expect.Equal(t, 0x8008, result.Value)

	_, err = db.SetFunctionBreakPoint("callee")
	expect.True(t, errors.Is(err, ErrNoDebugInfo))

	_, err = db.Snippet(3)
	expect.True(t, errors.Is(err, ErrNoDebugInfo))
}

func (s DebuggerSuite) TestInspectingRunningTarget(t *testing.T) {
	db, ctrl, _ := s.newDebugger(t)

	err := db.Run()
	expect.Nil(t, err)
	ctrl.Transition(target.Running)

	_, err = db.ReadRegister(0)
	expect.True(t, errors.Is(err, ErrTargetBusy))

	_, err = db.Backtrace(0)
	expect.True(t, errors.Is(err, ErrTargetBusy))

	_, err = db.EvaluateLocationBytes([]byte{0x70, 0x00})
	expect.True(t, errors.Is(err, ErrTargetBusy))

	status := db.Status()
	expect.Equal(t, target.Running, status.State)
	expect.Equal(t, FreeRunning, status.Mode)
	expect.Nil(t, status.Location)
	expect.Equal(t, "target running (free running)", status.String())
}

func (s DebuggerSuite) TestDeadTarget(t *testing.T) {
	db, ctrl, _ := s.newDebugger(t)

	ctrl.Transition(target.Dead)

	_, err := db.ReadRegister(0)
	expect.True(t, errors.Is(err, ErrTargetDead))

	_, err = db.Up(1)
	expect.True(t, errors.Is(err, ErrTargetDead))

	status := db.Status()
	expect.Equal(t, target.Dead, status.State)
	expect.Equal(t, "target dead", status.String())
}

func (s DebuggerSuite) TestHaltedStatus(t *testing.T) {
	db, _, _ := s.newDebugger(t)

	status := db.Status()
	expect.Equal(t, target.Halted, status.State)
	expect.Equal(t, Idle, status.Mode)
	expect.NotNil(t, status.Location)
	expect.Equal(t, 0x1010, status.Location.ProgramCounter)
	expect.Equal(
		t,
		"target halted\n  at:  #0   0x0000000000001010 in callee (main.c:5)",
		status.String())
}

func (s DebuggerSuite) TestSymbolicBreakPoints(t *testing.T) {
	ctrl, desc, info := newTestStack(t)
	db, err := New(ctrl, desc, symbolInfo{info}, Options{}, nil)
	expect.Nil(t, err)

	points, err := db.SetFunctionBreakPoint("callee")
	expect.Nil(t, err)
	expect.Equal(t, 1, len(points))
	expect.Equal(t, 0x1010, points[0].Address)
	expect.True(t, ctrl.Installed[0x1010])

	_, err = db.SetLineBreakPoint("main.c", 5)
	expect.True(t, errors.Is(err, ErrBreakPointAlreadyExists))

	points, err = db.SetLineBreakPoint("main.c", 12)
	expect.Nil(t, err)
	expect.Equal(t, 1, len(points))
	expect.Equal(t, 0x204f, points[0].Address)

	_, err = db.SetLineBreakPoint("main.c", 42)
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = db.SetFunctionBreakPoint("missing")
	expect.True(t, errors.Is(err, ErrInvalidArgument))

	expect.Equal(t, 2, len(db.BreakPoints()))

	name, err := db.SymbolAt(0x1010)
	expect.Nil(t, err)
	expect.Equal(t, "callee+0x10", name)

	name, err = db.SymbolAt(0x2000)
	expect.Nil(t, err)
	expect.Equal(t, "caller", name)

	_, err = db.SymbolAt(0x9000)
	expect.Error(t, err, "no symbol")
}

func (s DebuggerSuite) TestSnippet(t *testing.T) {
	db, _, _ := s.newDebugger(t)

	dir := t.TempDir()
	lines := []string{}
	for i := 1; i <= 10; i++ {
		lines = append(lines, "line "+string(rune('0'+i%10)))
	}
	err := os.WriteFile(
		filepath.Join(dir, "main.c"),
		[]byte(strings.Join(lines, "\n")+"\n"),
		0644)
	expect.Nil(t, err)

	_, err = db.Snippet(1)
	expect.NotNil(t, err)

	db.SearchDirectories = []string{dir}

	snippet, err := db.Snippet(1)
	expect.Nil(t, err)
	expect.Equal(t, 4, snippet.Start)
	expect.Equal(t, 5, snippet.Focus)
	expect.Equal(t, 7, snippet.End)
	expect.Equal(t, []string{"line 4", "line 5", "line 6"}, snippet.Lines)
	expect.Equal(t, "  4 line 4\n> 5 line 5\n  6 line 6", snippet.String())
}
