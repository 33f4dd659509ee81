package callstack

import (
	"fmt"

	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/target"
)

type RegisterKind string

const (
	UndefinedRegister = RegisterKind("undefined")
	ValidRegister     = RegisterKind("valid")
)

type StorageKind string

const (
	// Value only (e.g., the caller's stack pointer is the callee's cfa)
	NoStorage = StorageKind("none")

	InRegister = StorageKind("register")
	InMemory   = StorageKind("memory")
)

type RegisterEntry struct {
	Kind RegisterKind

	Storage StorageKind

	// Register id for InRegister, virtual address for InMemory.
	Location uint64

	Value uint64
}

func (entry RegisterEntry) IsValid() bool {
	return entry.Kind == ValidRegister
}

func (entry RegisterEntry) sharesStorage(other RegisterEntry) bool {
	return entry.IsValid() &&
		other.IsValid() &&
		entry.Storage != NoStorage &&
		entry.Storage == other.Storage &&
		entry.Location == other.Location
}

func (entry RegisterEntry) String() string {
	if !entry.IsValid() {
		return string(UndefinedRegister)
	}

	switch entry.Storage {
	case InRegister:
		return fmt.Sprintf("0x%x (in register %d)", entry.Value, entry.Location)
	case InMemory:
		return fmt.Sprintf(
			"0x%x (in memory %s)",
			entry.Value,
			VirtualAddress(entry.Location))
	default:
		return fmt.Sprintf("0x%x", entry.Value)
	}
}

// Frame is an entry of the call stack.  Frame 0 is the innermost frame.
// The frame at index i+1 is the caller (older frame) of frame i.
type Frame struct {
	Index int

	// Only valid once the frame has been unwound (i.e., the frame has an
	// older frame).
	CanonicalFrameAddress VirtualAddress
	ReturnProgramCounter  VirtualAddress

	Registers []RegisterEntry
}

func newFrame(index int, numRegisters int) *Frame {
	registers := make([]RegisterEntry, numRegisters)
	for idx := range registers {
		registers[idx] = RegisterEntry{
			Kind:    UndefinedRegister,
			Storage: NoStorage,
		}
	}

	return &Frame{
		Index:     index,
		Registers: registers,
	}
}

func (frame *Frame) register(id target.RegisterId) (RegisterEntry, bool) {
	if id < 0 || int(id) >= len(frame.Registers) {
		return RegisterEntry{}, false
	}

	entry := frame.Registers[id]
	return entry, entry.IsValid()
}

// FrameHandle refers to a frame of a specific halt.  Handles become stale
// once the target resumes.
type FrameHandle struct {
	generation uint64
	Index      int
}

// Context is the call stack of a single halt.  The frames slice is the frame
// arena, addressed by frame index.
type Context struct {
	generation uint64

	frames   []*Frame
	selected int
}

// The last frame in the arena is not yet unwound.
func (ctx *Context) isUnwound(index int) bool {
	return index+1 < len(ctx.frames)
}

func (ctx *Context) Generation() uint64 {
	return ctx.generation
}

func (ctx *Context) NumFrames() int {
	return len(ctx.frames)
}
