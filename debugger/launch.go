package debugger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/pattyshack/tdb/debugger/amd64"
	. "github.com/pattyshack/tdb/debugger/common"
	"github.com/pattyshack/tdb/debugger/debuginfo"
	"github.com/pattyshack/tdb/debugger/ptracetarget"
	"github.com/pattyshack/tdb/procfs"
)

// process is the operating system process behind a ptrace backed target.
type process interface {
	Pid() int
	ExitStatus() string

	// Wait delivers pending state change notifications and blocks until the
	// running process stops.
	Wait(ctx context.Context) error

	Close() error
}

// Launch starts the program (args[0]) under the debugger.  The program
// inherits the debugger's standard streams.
func Launch(
	args []string,
	options Options,
	logger *slog.Logger,
) (
	*Debugger,
	error,
) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no program specified")
	}

	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	ctrl, err := ptracetarget.StartProcess(cmd, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return newProcessDebugger(ctrl, options, logger)
}

// Attach traces an existing process.  The process is left running when the
// debugger is closed.
func Attach(
	pid int,
	options Options,
	logger *slog.Logger,
) (
	*Debugger,
	error,
) {
	if logger == nil {
		logger = slog.Default()
	}

	ctrl, err := ptracetarget.AttachToProcess(pid, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to process %d: %w", pid, err)
	}

	return newProcessDebugger(ctrl, options, logger)
}

func newProcessDebugger(
	ctrl *ptracetarget.Controller,
	options Options,
	logger *slog.Logger,
) (
	*Debugger,
	error,
) {
	logger = logger.With("pid", ctrl.Pid())

	info, err := debuginfo.LoadForProcess(procfs.Open(ctrl.Pid()), logger)
	if err != nil {
		_ = ctrl.Close()
		return nil, err
	}

	db, err := New(
		ctrl,
		amd64.NewDescription(info, ctrl),
		info,
		options,
		logger)
	if err != nil {
		_ = ctrl.Close()
		return nil, err
	}

	db.process = ctrl
	db.closer = ctrl.Close
	return db, nil
}

// Wait delivers pending target notifications and, while the target is
// running, blocks until it halts or dies.
func (db *Debugger) Wait(ctx context.Context) error {
	if db.process == nil {
		return nil
	}

	err := db.process.Wait(ctx)
	if err != nil {
		return err
	}

	if db.Err() != nil {
		return fmt.Errorf("%w (%w)", ErrEngineHalted, db.Err())
	}

	return nil
}
