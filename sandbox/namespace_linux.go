// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sandbox

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// cloneFlags are the namespaces every sandboxed child enters. The user
// namespace exists for capability scoping (the id maps are identity),
// the net namespace is entered and left empty.
const cloneFlags = unix.CLONE_NEWUSER |
	unix.CLONE_NEWNS |
	unix.CLONE_NEWPID |
	unix.CLONE_NEWNET |
	unix.CLONE_NEWUTS |
	unix.CLONE_NEWIPC

// sysProcAttr builds the clone attributes for the sandbox child. pidfd
// receives a descriptor for the child, used for supervision and kill.
// The runtime denies setgroups and writes the single-entry identity
// uid/gid maps before the child runs, and the child is killed with
// SIGKILL if this process dies.
func sysProcAttr(pidfd *int) *syscall.SysProcAttr {
	uid := os.Getuid()
	gid := os.Getgid()
	return &syscall.SysProcAttr{
		Cloneflags: cloneFlags,
		PidFD:      pidfd,
		Pdeathsig:  syscall.SIGKILL,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: uid, HostID: uid, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: gid, HostID: gid, Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}
}

// pivotRoot makes the current directory the root of the mount namespace.
// The old root is attached under a throwaway directory, lazily unmounted
// and removed, severing every reference to the host tree.
func pivotRoot() error {
	old, err := os.MkdirTemp(".", "old-root-")
	if err != nil {
		return err
	}
	if err := unix.PivotRoot(".", old); err != nil {
		return err
	}
	if err := unix.Chroot("."); err != nil {
		return err
	}
	if err := unix.Unmount(old, unix.MNT_DETACH); err != nil {
		return err
	}
	return os.Remove(old)
}
