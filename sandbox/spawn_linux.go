// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/benbrittain/gaudi/log"
)

// Process is a running sandboxed command, supervised through its pidfd.
type Process struct {
	cmd     *exec.Cmd
	pidfd   int
	action  *Action
	killMu  sync.Mutex
	killed  bool
	cleanup sync.Once
}

// Spawn launches the action. The child is a re-exec of this binary into
// fresh namespaces; all allocation and path preparation happened in the
// builder, the child only issues syscalls before exec. The parent's
// copies of the capture descriptors are closed once the child holds
// them.
func (a *Action) Spawn(ctx context.Context) (*Process, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	specBytes, err := json.Marshal(a.spec())
	if err != nil {
		return nil, err
	}
	specR, specW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer specR.Close()

	pidfd := -1
	cmd := exec.Command("/proc/self/exe", InitArg)
	cmd.SysProcAttr = sysProcAttr(&pidfd)
	cmd.Stdout = a.stdout.file
	cmd.Stderr = a.stderr.file
	// Never nil: a nil Env would hand the child the worker's own
	// environment.
	cmd.Env = append(make([]string, 0, len(a.env)), a.env...)
	cmd.ExtraFiles = []*os.File{specR}

	if err := cmd.Start(); err != nil {
		specW.Close()
		return nil, fmt.Errorf("sandbox: start child: %w", err)
	}
	// The child owns fds 1/2 now; keeping our copies open would only
	// leak them into later actions.
	a.closeCaptures()

	go func() {
		defer specW.Close()
		if _, err := specW.Write(specBytes); err != nil {
			log.FromContext(ctx).Errorf("write init spec: %v", err)
		}
	}()

	log.FromContext(ctx).Infof("spawned sandbox pid=%d pidfd=%d root=%s",
		cmd.Process.Pid, pidfd, a.sandboxDir)
	return &Process{cmd: cmd, pidfd: pidfd, action: a}, nil
}

// Wait blocks until the command terminates and returns its response.
// Cancelling ctx kills the whole process group through the pidfd and
// reports the context error after the child is reaped.
func (p *Process) Wait(ctx context.Context) (*Response, error) {
	ready := make(chan error, 1)
	go func() { ready <- p.waitReadable() }()

	var ctxErr error
	select {
	case err := <-ready:
		if err != nil {
			p.Kill()
			<-p.reap()
			return nil, fmt.Errorf("sandbox: pidfd poll: %w", err)
		}
	case <-ctx.Done():
		ctxErr = ctx.Err()
		p.Kill()
		<-ready
	}

	err := <-p.reap()
	if ctxErr != nil {
		return nil, ctxErr
	}
	status, serr := exitStatus(p.cmd, err)
	if serr != nil {
		return nil, serr
	}
	return &Response{
		ExitStatus: status,
		Outputs:    p.action.outputMap,
		StdoutPath: p.action.stdout.path,
		StderrPath: p.action.stderr.path,
	}, nil
}

// waitReadable blocks until the pidfd signals termination.
func (p *Process) waitReadable() error {
	for {
		fds := []unix.PollFd{{Fd: int32(p.pidfd), Events: unix.POLLIN}}
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return err
	}
}

func (p *Process) reap() <-chan error {
	done := make(chan error, 1)
	go func() {
		err := p.cmd.Wait()
		unix.Close(p.pidfd)
		done <- err
	}()
	return done
}

// Kill terminates the child and everything in its process group. The
// pidfd cannot be recycled, so the signal always lands on the right
// process even long after exit.
func (p *Process) Kill() {
	p.killMu.Lock()
	defer p.killMu.Unlock()
	if p.killed {
		return
	}
	p.killed = true
	if err := unix.PidfdSendSignal(p.pidfd, unix.SIGKILL, nil, 0); err != nil && err != unix.ESRCH {
		log.FromContext(context.Background()).Warnf("pidfd kill: %v", err)
	}
	// The child put itself in its own group before exec.
	syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

// Cleanup removes the scratch directory once the response has been
// ingested.
func (p *Process) Cleanup() {
	p.cleanup.Do(p.action.Cleanup)
}

// exitStatus extracts the command's exit code from the wait result.
// Anything but a normal exit means supervision saw something this design
// rules out (the child is never stopped or traced).
func exitStatus(cmd *exec.Cmd, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 0, fmt.Errorf("sandbox: wait: %w", err)
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !ws.Exited() {
		return 0, fmt.Errorf("sandbox: unexpected wait status %#x", exitErr.Sys())
	}
	return ws.ExitStatus(), nil
}
