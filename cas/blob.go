// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package cas

import (
	"fmt"
	"os"
	"path"

	"golang.org/x/sys/unix"
)

// BlobError wraps a failure to open a blob under the store root.
type BlobError struct {
	Instance string
	Hash     string
	Err      error
}

func (e *BlobError) Error() string {
	return fmt.Sprintf("blob %s/%s: %v", e.Instance, e.Hash, e.Err)
}

func (e *BlobError) Unwrap() error { return e.Err }

// openBlob opens the blob named by instance and hash strictly underneath
// rootFD. Resolution uses RESOLVE_IN_ROOT and RESOLVE_NO_SYMLINKS, so
// neither component can traverse a symlink or escape the root, whatever
// the caller passes. The blob is created if absent.
func openBlob(rootFD int, instance, hash string) (*os.File, error) {
	name := path.Join(instance, hash)
	how := &unix.OpenHow{
		Flags:   unix.O_RDWR | unix.O_CREAT | unix.O_CLOEXEC | unix.O_LARGEFILE,
		Mode:    unix.S_IRUSR | unix.S_IWUSR | unix.S_IXUSR,
		Resolve: unix.RESOLVE_IN_ROOT | unix.RESOLVE_NO_SYMLINKS,
	}
	fd, err := unix.Openat2(rootFD, name, how)
	if err != nil {
		return nil, &BlobError{Instance: instance, Hash: hash, Err: err}
	}
	return os.NewFile(uintptr(fd), name), nil
}

// openRoot opens dir as the store root handle. Unlike blob opens the path
// is taken as-is, but symlinks anywhere in it are refused.
func openRoot(dir string) (int, error) {
	how := &unix.OpenHow{
		Flags:   unix.O_DIRECTORY | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_NO_SYMLINKS,
	}
	return unix.Openat2(unix.AT_FDCWD, dir, how)
}
