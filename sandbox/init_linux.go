// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// InitArg is the argument the worker binary re-execs itself with to run
// the in-namespace setup. main must dispatch on it before anything else.
const InitArg = "sandbox-init"

// exit codes for setup failures, distinguishable from the command's own.
const (
	initFailure = 125
	execFailure = 127
)

// Init is the child half of Spawn. It runs inside the fresh namespaces,
// reads the init spec from fd 3, builds the filesystem view, pivots into
// it and execs the user program. It never returns; stderr is already the
// capture file, so failure messages end up in the action's stderr.
func Init() {
	spec, err := readSpec()
	if err != nil {
		fatal(initFailure, err)
	}
	if err := setupFilesystem(spec); err != nil {
		fatal(initFailure, err)
	}
	if err := syscall.Setpgid(0, 0); err != nil {
		fatal(initFailure, fmt.Errorf("setpgid: %w", err))
	}
	unix.Umask(0022)

	path, err := lookPath(spec.Program, spec.Env)
	if err != nil {
		fatal(execFailure, err)
	}
	if err := unix.Exec(path, spec.Args, spec.Env); err != nil {
		fatal(execFailure, fmt.Errorf("exec %s: %w", spec.Program, err))
	}
}

func fatal(code int, err error) {
	fmt.Fprintf(os.Stderr, "sandbox setup: %v\n", err)
	os.Exit(code)
}

func readSpec() (*initSpec, error) {
	f := os.NewFile(3, "spec")
	if f == nil {
		return nil, fmt.Errorf("no spec descriptor")
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	spec := &initSpec{}
	if err := json.Unmarshal(b, spec); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	return spec, nil
}

// setupFilesystem performs the mount sequence. The order is load-bearing:
// propagation must be severed before any bind, every mount must precede
// the pivot, and output directories only exist after it.
func setupFilesystem(spec *initSpec) error {
	// Disconnect mount propagation from the host.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("private /: %w", err)
	}
	// The sandbox directory becomes a mount point so it is a valid
	// pivot target.
	if err := unix.Mount(spec.SandboxDir, spec.SandboxDir, "", unix.MS_BIND|unix.MS_NOSUID, ""); err != nil {
		return fmt.Errorf("bind sandbox %s: %w", spec.SandboxDir, err)
	}
	if err := unix.Chdir(spec.SandboxDir); err != nil {
		return fmt.Errorf("enter sandbox: %w", err)
	}
	if err := mountDev(); err != nil {
		return err
	}
	if err := mountProc(); err != nil {
		return err
	}
	if err := bindMappings(spec.Inputs, true); err != nil {
		return err
	}
	if err := bindMappings(spec.Outputs, false); err != nil {
		return err
	}
	if err := pivotRoot(); err != nil {
		return fmt.Errorf("pivot root: %w", err)
	}
	// Parent directories for outputs the command creates itself.
	for _, out := range spec.OutputFiles {
		if dir := filepath.Dir(out); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("output dir %s: %w", dir, err)
			}
		}
	}
	return nil
}

// mountDev gives the sandbox a /dev containing only null, bound from the
// host device.
func mountDev() error {
	if err := os.MkdirAll("dev", 0755); err != nil {
		return err
	}
	f, err := os.Create("dev/null")
	if err != nil {
		return err
	}
	f.Close()
	if err := unix.Mount("/dev/null", "dev/null", "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind /dev/null: %w", err)
	}
	return nil
}

func mountProc() error {
	if err := os.MkdirAll("proc", 0555); err != nil {
		return err
	}
	if err := unix.Mount("proc", "proc", "proc", unix.MS_NODEV|unix.MS_NOEXEC|unix.MS_NOSUID, ""); err != nil {
		return fmt.Errorf("mount proc: %w", err)
	}
	return nil
}

// bindMappings binds each source over its destination in order. File
// sources get a zero-byte placeholder to mount over, directory sources a
// directory tree. Input binds are remounted read-only; the initial bind
// ignores MS_RDONLY on most kernels.
func bindMappings(ms []Mapping, readonly bool) error {
	for _, m := range ms {
		info, err := os.Stat(m.Source)
		if err != nil {
			return fmt.Errorf("mapping source %s: %w", m.Source, err)
		}
		if info.IsDir() {
			if err := os.MkdirAll(m.Dest, 0755); err != nil {
				return err
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(m.Dest), 0755); err != nil {
				return err
			}
			f, err := os.Create(m.Dest)
			if err != nil {
				return err
			}
			f.Close()
		}
		if err := unix.Mount(m.Source, m.Dest, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind %s -> %s: %w", m.Source, m.Dest, err)
		}
		if readonly {
			if err := remountReadonly(m.Dest); err != nil {
				return fmt.Errorf("remount ro %s: %w", m.Dest, err)
			}
		}
	}
	return nil
}

// remountReadonly flips a fresh bind mount to read-only. Inside a user
// namespace the kernel refuses a remount that drops flags locked on the
// source mount, so on EPERM it is retried with the commonly locked set.
func remountReadonly(dest string) error {
	const base = unix.MS_REMOUNT | unix.MS_BIND | unix.MS_RDONLY
	err := unix.Mount("", dest, "", base|unix.MS_NOSUID, "")
	if err != unix.EPERM {
		return err
	}
	return unix.Mount("", dest, "", base|unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC|unix.MS_NOATIME, "")
}

// lookPath resolves program against the PATH of the action environment,
// inside the pivoted root.
func lookPath(program string, env []string) (string, error) {
	if strings.Contains(program, "/") {
		return program, nil
	}
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			for _, dir := range filepath.SplitList(v) {
				if dir == "" {
					continue
				}
				p := filepath.Join(dir, program)
				if info, err := os.Stat(p); err == nil && !info.IsDir() {
					return p, nil
				}
			}
			return "", &exec.Error{Name: program, Err: exec.ErrNotFound}
		}
	}
	// No PATH in the action environment; fall back to the usual bins.
	for _, dir := range []string{"/bin", "/usr/bin"} {
		p := filepath.Join(dir, program)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", &exec.Error{Name: program, Err: exec.ErrNotFound}
}
