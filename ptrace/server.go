package ptrace

import (
	"context"
	"fmt"
	"runtime"
)

// operation is executed on the tracer thread.  The returned count is only
// meaningful for data transfer operations.
type operation func(pid int) (int, error)

type request struct {
	name string // used in error messages
	pid  int    // zero until the process is started

	run operation

	// The server stops serving once a closing request is processed,
	// regardless of its result.
	closing bool

	responseChan chan response
}

type response struct {
	count int
	err   error
}

type traceServer struct {
	cancel func()
	ctx    context.Context

	// Reminder: requestChan is blocking. responseChan(s) are non-blocking.
	requestChan chan request
}

func newTraceServer() *traceServer {
	ctx, cancel := context.WithCancel(context.Background())

	server := &traceServer{
		cancel:      cancel,
		ctx:         ctx,
		requestChan: make(chan request),
	}

	go server.processRequests()
	return server
}

func (server *traceServer) shutdown() {
	close(server.requestChan)
}

func (server *traceServer) processRequests() {
	runtime.LockOSThread()
	defer func() {
		server.cancel()
		runtime.UnlockOSThread()
	}()

	for req := range server.requestChan {
		req.responseChan <- server.serve(req)
		if req.closing {
			return
		}
	}
}

func (server *traceServer) serve(req request) response {
	count, err := req.run(req.pid)
	if err == nil {
		return response{count: count}
	}

	if req.pid == 0 {
		err = fmt.Errorf("failed to %s: %w", req.name, err)
	} else {
		err = fmt.Errorf("failed to %s (pid %d): %w", req.name, req.pid, err)
	}

	return response{
		count: count,
		err:   err,
	}
}
