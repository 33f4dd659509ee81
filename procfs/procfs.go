package procfs

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const DefaultRoot = "/proc"

type ProcessState string

const (
	Running        = ProcessState("running")
	Sleeping       = ProcessState("sleeping")
	WaitingForDisk = ProcessState("waiting for disk")
	Zombie         = ProcessState("zombie")
	Stopped        = ProcessState("stopped")
	TracingStop    = ProcessState("tracing stop")
	Dead           = ProcessState("dead")
	Idle           = ProcessState("idle")
	Unknown        = ProcessState("unknown")
)

var stateCodes = map[string]ProcessState{
	"R": Running,
	"S": Sleeping,
	"D": WaitingForDisk,
	"Z": Zombie,
	"T": Stopped,
	"t": TracingStop,
	"X": Dead,
	"I": Idle,
}

type ProcessStatus struct {
	Pid   int
	Comm  string
	State ProcessState
	Ppid  int
	Pgrp  int

	// NOTE: See man page for the full list of (52) fields.
}

// See elf.h for the full list of auxiliary vector entry types, system v abi
// amd64 supplement section 3.4.3 for description.
type AuxiliaryVectorEntryType uint64

const (
	// AT_NULL. last entry of the vector
	AT_EndOfVector = AuxiliaryVectorEntryType(0)

	// AT_IGNORE. entry with no meaning
	AT_Ignore = AuxiliaryVectorEntryType(1)

	AT_ProgramHeader = AuxiliaryVectorEntryType(3) // AT_PHDR

	// AT_PAGESZ. system page size in bytes
	AT_PageSize = AuxiliaryVectorEntryType(6)

	// AT_BASE. base address at which the interpreter program was loaded into
	// memory.
	AT_BaseAddress = AuxiliaryVectorEntryType(7)

	// AT_ENTRY. entry point of the application program
	AT_Entry = AuxiliaryVectorEntryType(9)
)

type AuxiliaryVector map[AuxiliaryVectorEntryType]uint64

// Process provides access to a single process's procfs entries.
type Process struct {
	Pid int

	root string
}

func Open(pid int) *Process {
	return OpenAt(DefaultRoot, pid)
}

// OpenAt uses an alternative procfs mount point.
func OpenAt(root string, pid int) *Process {
	return &Process{
		Pid:  pid,
		root: root,
	}
}

func (proc *Process) path(name string) string {
	return filepath.Join(proc.root, strconv.Itoa(proc.Pid), name)
}

func (proc *Process) ExecutablePath() string {
	return proc.path("exe")
}

func (proc *Process) Status() (ProcessStatus, error) {
	contentBytes, err := os.ReadFile(proc.path("stat"))
	if err != nil {
		return ProcessStatus{}, fmt.Errorf(
			"failed to read process %d status: %w",
			proc.Pid,
			err)
	}

	content := string(contentBytes)

	// comm may contain spaces and parentheses.
	commStart := strings.Index(content, "(")
	commEnd := strings.LastIndex(content, ")")
	if commStart < 0 || commEnd < commStart || commEnd+2 > len(content) {
		return ProcessStatus{}, fmt.Errorf(
			"malformed process %d status: %q",
			proc.Pid,
			content)
	}

	chunks := strings.Fields(content[commEnd+1:])
	if len(chunks) < 3 {
		return ProcessStatus{}, fmt.Errorf(
			"malformed process %d status: %q",
			proc.Pid,
			content)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(content[:commStart]))
	if err != nil {
		return ProcessStatus{}, fmt.Errorf("failed to parse pid: %w", err)
	}

	state, ok := stateCodes[chunks[0]]
	if !ok {
		state = Unknown
	}

	ppid, err := strconv.Atoi(chunks[1])
	if err != nil {
		return ProcessStatus{}, fmt.Errorf("failed to parse ppid: %w", err)
	}

	pgrp, err := strconv.Atoi(chunks[2])
	if err != nil {
		return ProcessStatus{}, fmt.Errorf("failed to parse pgrp: %w", err)
	}

	return ProcessStatus{
		Pid:   pid,
		Comm:  content[commStart+1 : commEnd],
		State: state,
		Ppid:  ppid,
		Pgrp:  pgrp,
	}, nil
}

// NOTE: access to this is governed by ptrace
func (proc *Process) AuxiliaryVector() (AuxiliaryVector, error) {
	content, err := os.ReadFile(proc.path("auxv"))
	if err != nil {
		return nil, fmt.Errorf(
			"failed to read process %d's auxiliary vector: %w",
			proc.Pid,
			err)
	}

	result := AuxiliaryVector{}
	for {
		if len(content) < 16 {
			return nil, fmt.Errorf(
				"failed to decode process %d's auxiliary vector: "+
					"missing end of vector",
				proc.Pid)
		}

		entryType := AuxiliaryVectorEntryType(
			binary.LittleEndian.Uint64(content))
		value := binary.LittleEndian.Uint64(content[8:])
		content = content[16:]

		if entryType == AT_EndOfVector {
			break
		}

		if entryType == AT_Ignore {
			continue
		}

		result[entryType] = value
	}

	return result, nil
}
