// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package remoteexec

import (
	"context"
	"fmt"
	"path/filepath"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/benbrittain/gaudi/cas"
	"github.com/benbrittain/gaudi/log"
	"github.com/benbrittain/gaudi/sandbox"
)

// planInputs expands an input root directory record into the flat list
// of bind mappings the sandbox needs: one per file, source in the CAS,
// destination under sandboxRoot. Traversal is an explicit depth-first
// walk over a frame stack, so order is stable: a directory's files in
// record order, then each subdirectory in record order.
//
// Symlink entries are not admitted into the sandbox; any directory
// record listing one fails the whole plan.
func planInputs(ctx context.Context, store *cas.Store, instance string, root *repb.Directory, sandboxRoot string) ([]sandbox.Mapping, error) {
	type frame struct {
		dir *repb.Directory
		rel string
	}
	var mappings []sandbox.Mapping
	stack := []frame{{dir: root, rel: ""}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if n := len(f.dir.GetSymlinks()); n > 0 {
			return nil, fmt.Errorf("%w: input directory %q lists %d symlinks; symlinks are not supported", errInvalidAction, f.rel, n)
		}
		for _, file := range f.dir.GetFiles() {
			if file.GetDigest() == nil {
				return nil, fmt.Errorf("%w: input file %q has no digest", errInvalidAction, file.GetName())
			}
			mappings = append(mappings, sandbox.Mapping{
				Source: store.BlobPath(instance, file.GetDigest().GetHash()),
				Dest:   filepath.Join(sandboxRoot, f.rel, file.GetName()),
			})
		}
		// Push in reverse so the first subdirectory is expanded next.
		dirs := f.dir.GetDirectories()
		for i := len(dirs) - 1; i >= 0; i-- {
			node := dirs[i]
			if node.GetDigest() == nil {
				return nil, fmt.Errorf("%w: input directory %q has no digest", errInvalidAction, node.GetName())
			}
			sub := &repb.Directory{}
			if err := store.Proto(ctx, instance, node.GetDigest(), sub); err != nil {
				return nil, err
			}
			log.FromContext(ctx).Debugf("planned directory %s", filepath.Join(f.rel, node.GetName()))
			stack = append(stack, frame{dir: sub, rel: filepath.Join(f.rel, node.GetName())})
		}
	}
	return mappings, nil
}
