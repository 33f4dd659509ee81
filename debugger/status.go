package debugger

import (
	"fmt"

	"github.com/pattyshack/tdb/debugger/target"
)

type Status struct {
	// Zero when the target is not a local process.
	Pid int

	State target.State
	Mode  ExecutionMode

	// Only populated when the target is halted.
	Location *FrameInfo

	// Only populated when the target died.
	ExitStatus string

	// The invariant violation which halted the engine, if any.
	Err error
}

func (status Status) String() string {
	name := "target"
	if status.Pid != 0 {
		name = fmt.Sprintf("process %d", status.Pid)
	}

	if status.Err != nil {
		return fmt.Sprintf("%s: engine halted (%s)", name, status.Err)
	}

	switch status.State {
	case target.Dead:
		if status.ExitStatus == "" {
			return name + " dead"
		}
		return fmt.Sprintf("%s %s", name, status.ExitStatus)
	case target.Running:
		return fmt.Sprintf("%s running (%s)", name, status.Mode)
	}

	if status.Location == nil {
		return name + " halted"
	}

	location := *status.Location
	location.IsSelected = false
	return fmt.Sprintf("%s halted\n  at: %s", name, location)
}

func (db *Debugger) Status() Status {
	status := Status{
		State: db.CoreState(),
		Mode:  db.Mode(),
		Err:   db.Err(),
	}

	if db.process != nil {
		status.Pid = db.process.Pid()
		status.ExitStatus = db.process.ExitStatus()
	}

	if status.Err == nil && status.State == target.Halted {
		frame, err := db.SelectedFrame()
		if err == nil {
			status.Location = &frame
		}
	}

	return status
}
