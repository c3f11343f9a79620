// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sandbox runs a single command inside a private filesystem view
// built from bind mounts, with fresh user, mount, pid, net, uts and ipc
// namespaces. The parent prepares every path and descriptor, the child is
// a re-exec of the worker binary that performs only the mount, pivot and
// process setup syscalls before exec'ing the user program.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Mapping binds a host-side source path onto a destination path inside
// the sandbox filesystem view.
type Mapping struct {
	// Source is a path on the host: a CAS blob, a host file or a
	// host directory.
	Source string `json:"source"`
	// Dest is the absolute path the source appears at, rooted in the
	// sandbox directory before the pivot and in / after it.
	Dest string `json:"dest"`
}

// Response describes a finished sandboxed command.
type Response struct {
	// ExitStatus is the exit code of the command, or of the child
	// setup code if it failed before exec.
	ExitStatus int
	// Outputs maps each declared output file to the host-side scratch
	// file now holding the produced bytes.
	Outputs []Mapping
	// StdoutPath and StderrPath are host-side capture files.
	StdoutPath string
	StderrPath string
}

// Action accumulates the configuration of one sandboxed command.
// Methods return the receiver for chaining; the first error sticks and
// surfaces at Spawn.
type Action struct {
	program     string
	args        []string
	env         []string
	inputs      []Mapping
	outputFiles []string
	outputMap   []Mapping

	scratchDir string
	sandboxDir string
	stdout     capture
	stderr     capture

	err error
}

type capture struct {
	path string
	file *os.File
}

// New returns a builder for running program in a fresh sandbox.
// A per-action scratch directory is created immediately, holding the
// sandbox root and the stdout/stderr capture files. The capture
// descriptors stay open so they can become the child's fds 1 and 2.
func New(program string) (*Action, error) {
	scratch, err := os.MkdirTemp("", "gaudi-sandbox-")
	if err != nil {
		return nil, err
	}
	a := &Action{
		program:    program,
		scratchDir: scratch,
		sandboxDir: filepath.Join(scratch, "root"),
	}
	if err := os.Mkdir(a.sandboxDir, 0755); err != nil {
		a.Cleanup()
		return nil, err
	}
	a.stdout, err = newCapture(scratch, "stdout")
	if err != nil {
		a.Cleanup()
		return nil, err
	}
	a.stderr, err = newCapture(scratch, "stderr")
	if err != nil {
		a.Cleanup()
		return nil, err
	}
	return a, nil
}

func newCapture(dir, name string) (capture, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return capture{}, err
	}
	return capture{path: path, file: f}, nil
}

// Args appends to the argument vector. The vector is passed to exec as
// given, the first element names the program.
func (a *Action) Args(args ...string) *Action {
	a.args = append(a.args, args...)
	return a
}

// Env appends an environment binding.
func (a *Action) Env(name, value string) *Action {
	a.env = append(a.env, name+"="+value)
	return a
}

// InputMappings appends prepared input mappings, bind-mounted read-only
// into the sandbox in order.
func (a *Action) InputMappings(ms []Mapping) *Action {
	a.inputs = append(a.inputs, ms...)
	return a
}

// InputPath maps a host path into the sandbox at the same relative
// location, e.g. "/usr/bin/" appears as /usr/bin inside.
func (a *Action) InputPath(path string) *Action {
	a.inputs = append(a.inputs, Mapping{
		Source: path,
		Dest:   filepath.Join(a.sandboxDir, path),
	})
	return a
}

// OutputFiles declares the relative paths the command is expected to
// write. Each gets a fresh empty scratch file on the host, bind-mounted
// writable over the in-sandbox path, so the produced bytes survive the
// sandbox teardown at a known host location.
func (a *Action) OutputFiles(paths []string) *Action {
	for _, p := range paths {
		scratch := filepath.Join(a.scratchDir, "out-"+uuid.New().String())
		f, err := os.Create(scratch)
		if err != nil {
			a.setErr(err)
			return a
		}
		f.Close()
		a.outputFiles = append(a.outputFiles, p)
		a.outputMap = append(a.outputMap, Mapping{
			Source: scratch,
			Dest:   filepath.Join(a.sandboxDir, p),
		})
	}
	return a
}

// SandboxDir returns the host path that becomes / inside the sandbox.
func (a *Action) SandboxDir() string { return a.sandboxDir }

// Cleanup releases the capture descriptors and removes the scratch
// directory, including any produced outputs. Call it once the response
// has been ingested.
func (a *Action) Cleanup() {
	a.closeCaptures()
	os.RemoveAll(a.scratchDir)
}

func (a *Action) closeCaptures() {
	if a.stdout.file != nil {
		a.stdout.file.Close()
		a.stdout.file = nil
	}
	if a.stderr.file != nil {
		a.stderr.file.Close()
		a.stderr.file = nil
	}
}

func (a *Action) setErr(err error) {
	if a.err == nil {
		a.err = err
	}
}

// initSpec is what the parent hands the re-exec'd child on fd 3.
type initSpec struct {
	SandboxDir  string    `json:"sandbox_dir"`
	Inputs      []Mapping `json:"inputs"`
	Outputs     []Mapping `json:"outputs"`
	OutputFiles []string  `json:"output_files"`
	Program     string    `json:"program"`
	Args        []string  `json:"args"`
	Env         []string  `json:"env"`
}

func (a *Action) spec() *initSpec {
	return &initSpec{
		SandboxDir:  a.sandboxDir,
		Inputs:      a.inputs,
		Outputs:     a.outputMap,
		OutputFiles: a.outputFiles,
		Program:     a.program,
		Args:        a.args,
		Env:         a.env,
	}
}

func (a *Action) validate() error {
	if a.err != nil {
		return a.err
	}
	if a.program == "" {
		return fmt.Errorf("sandbox: no program")
	}
	if len(a.args) == 0 {
		return fmt.Errorf("sandbox: empty argument vector")
	}
	return nil
}
