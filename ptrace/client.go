package ptrace

import (
	"fmt"
	"os/exec"
	"syscall"
)

// NOTE: ptrace is implemented as a single os-threaded server serving Tracer
// clients in arbitrary goroutines since all ptrace calls to a process,
// including PTRACE_TRACEME in os.StartProcess / exec.Cmd.Start,
// must originate from the same os thread.
//
// https://github.com/golang/go/issues/7699
// https://github.com/golang/go/issues/43685
type Tracer struct {
	Pid int

	server *traceServer
}

func StartAndAttachToProcess(cmd *exec.Cmd) (*Tracer, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	// Child process invokes PTRACE_TRACEME on start.
	cmd.SysProcAttr.Ptrace = true

	// Set pgid to a different group to ensure signals sent to the tracer
	// process (e.g., ctrl-c) won't be forwarded to the traced process.
	cmd.SysProcAttr.Setpgid = true

	tracer := &Tracer{
		server: newTraceServer(),
	}

	_, err := tracer.send("start process", func(int) (int, error) {
		return 0, cmd.Start()
	})
	if err != nil {
		tracer.server.shutdown()
		return nil, err
	}

	tracer.Pid = cmd.Process.Pid
	return tracer, nil
}

func AttachToProcess(pid int) (*Tracer, error) {
	tracer := &Tracer{
		Pid:    pid,
		server: newTraceServer(),
	}

	_, err := tracer.send("attach", func(pid int) (int, error) {
		return 0, syscall.PtraceAttach(pid)
	})
	if err != nil {
		tracer.server.shutdown()
		return nil, err
	}

	return tracer, nil
}

func (tracer *Tracer) Close() error {
	select {
	case <-tracer.server.ctx.Done():
		return nil
	default:
		return tracer.Detach()
	}
}

func (tracer *Tracer) submit(req request) (int, error) {
	respChan := make(chan response, 1)
	req.pid = tracer.Pid
	req.responseChan = respChan

	select {
	case <-tracer.server.ctx.Done():
		return 0, fmt.Errorf(
			"invalid operation. tracer has detached from process %d",
			tracer.Pid)
	case tracer.server.requestChan <- req:
		resp := <-respChan
		return resp.count, resp.err
	}
}

func (tracer *Tracer) send(name string, run operation) (int, error) {
	return tracer.submit(request{
		name: name,
		run:  run,
	})
}

// Detach stops the tracer thread.  The tracer is unusable afterward.
func (tracer *Tracer) Detach() error {
	_, err := tracer.submit(request{
		name: "detach",
		run: func(pid int) (int, error) {
			return 0, syscall.PtraceDetach(pid)
		},
		closing: true,
	})
	return err
}

func (tracer *Tracer) Resume(signal int) error {
	_, err := tracer.send("resume", func(pid int) (int, error) {
		return 0, syscall.PtraceCont(pid, signal)
	})
	return err
}

func (tracer *Tracer) SingleStep() error {
	_, err := tracer.send("single step", func(pid int) (int, error) {
		return 0, syscall.PtraceSingleStep(pid)
	})
	return err
}

func (tracer *Tracer) SetOptions(options Options) error {
	_, err := tracer.send("set options", func(pid int) (int, error) {
		return 0, syscall.PtraceSetOptions(pid, int(options))
	})
	return err
}

func (tracer *Tracer) GetGeneralRegisters() (*UserRegs, error) {
	out := &UserRegs{}
	_, err := tracer.send(
		"get general registers",
		func(pid int) (int, error) {
			return 0, syscall.PtraceGetRegs(pid, out)
		})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (tracer *Tracer) SetGeneralRegisters(in *UserRegs) error {
	_, err := tracer.send(
		"set general registers",
		func(pid int) (int, error) {
			return 0, syscall.PtraceSetRegs(pid, in)
		})
	return err
}

func (tracer *Tracer) PeekData(addr uintptr, data []byte) (int, error) {
	return tracer.send(
		fmt.Sprintf("peek data at %#x (%d bytes)", addr, len(data)),
		func(pid int) (int, error) {
			return syscall.PtracePeekData(pid, addr, data)
		})
}

// ReadFromVirtualMemory is equivalent to PeekData, but uses process_vm_readv
// for reading efficiency.  The read permission is governed by ptrace, hence
// the call is issued from the tracer thread.
//
// NOTE: There's no corresponding write since process_vm_writev does not
// support writing to protected memory areas (e.g., text).
func (tracer *Tracer) ReadFromVirtualMemory(
	addr uintptr,
	data []byte,
) (
	int,
	error,
) {
	return tracer.send(
		fmt.Sprintf("read memory at %#x (%d bytes)", addr, len(data)),
		func(pid int) (int, error) {
			return readVirtualMemory(pid, addr, data)
		})
}

func (tracer *Tracer) PokeData(addr uintptr, data []byte) (int, error) {
	return tracer.send(
		fmt.Sprintf("poke data at %#x (%d bytes)", addr, len(data)),
		func(pid int) (int, error) {
			return syscall.PtracePokeData(pid, addr, data)
		})
}

func (tracer *Tracer) GetSigInfo() (*SigInfo, error) {
	out := &SigInfo{}
	_, err := tracer.send("get signal info", func(pid int) (int, error) {
		return 0, getSigInfo(pid, out)
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Signal sends a signal to the traced process.  Signaling does not require
// the tracer thread.
func (tracer *Tracer) Signal(signal syscall.Signal) error {
	err := syscall.Kill(tracer.Pid, signal)
	if err != nil {
		return fmt.Errorf(
			"failed to signal process %d (%v): %w",
			tracer.Pid,
			signal,
			err)
	}

	return nil
}

// Wait blocks until the traced process changes state.
//
// NOTE: wait4 is not restricted to the tracer thread since threads in the
// same thread group may wait on each other's tracees.
func (tracer *Tracer) Wait() (syscall.WaitStatus, error) {
	status, err := wait4(tracer.Pid)
	if err != nil {
		return 0, fmt.Errorf("failed to wait for process %d: %w", tracer.Pid, err)
	}

	return status, nil
}
