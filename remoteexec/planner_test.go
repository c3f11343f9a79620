// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package remoteexec

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/proto"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/benbrittain/gaudi/cas"
	"github.com/benbrittain/gaudi/sandbox"
)

func putProto(t *testing.T, s *cas.Store, m proto.Message) *repb.Digest {
	t.Helper()
	b, err := proto.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	d := digest.NewFromBlob(b)
	if _, err := s.WriteData(context.Background(), "", uuid.New(), d.Hash, d.Size, 0, true, b); err != nil {
		t.Fatal(err)
	}
	return d.ToProto()
}

func fileNode(name, hash string) *repb.FileNode {
	return &repb.FileNode{Name: name, Digest: &repb.Digest{Hash: hash, SizeBytes: 1}}
}

func TestPlanInputs(t *testing.T) {
	ctx := context.Background()
	s, err := cas.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	deep := &repb.Directory{Files: []*repb.FileNode{fileNode("d.txt", "dd")}}
	sub := &repb.Directory{
		Files: []*repb.FileNode{fileNode("c.txt", "cc")},
		Directories: []*repb.DirectoryNode{
			{Name: "deep", Digest: putProto(t, s, deep)},
		},
	}
	other := &repb.Directory{Files: []*repb.FileNode{fileNode("e.txt", "ee")}}
	root := &repb.Directory{
		Files: []*repb.FileNode{fileNode("a.txt", "aa"), fileNode("b.txt", "bb")},
		Directories: []*repb.DirectoryNode{
			{Name: "sub", Digest: putProto(t, s, sub)},
			{Name: "other", Digest: putProto(t, s, other)},
		},
	}

	blob := func(hash string) string {
		return filepath.Join(s.Root(), cas.DefaultInstance, hash)
	}
	want := []sandbox.Mapping{
		{Source: blob("aa"), Dest: "/sb/a.txt"},
		{Source: blob("bb"), Dest: "/sb/b.txt"},
		{Source: blob("cc"), Dest: "/sb/sub/c.txt"},
		{Source: blob("dd"), Dest: "/sb/sub/deep/d.txt"},
		{Source: blob("ee"), Dest: "/sb/other/e.txt"},
	}

	got, err := planInputs(ctx, s, "", root, "/sb")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("planInputs diff (-want +got):\n%s", diff)
	}

	// Same tree, same plan.
	again, err := planInputs(ctx, s, "", root, "/sb")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, again); diff != "" {
		t.Errorf("planInputs is not deterministic (-first +second):\n%s", diff)
	}
}

func TestPlanInputsRejectsSymlinks(t *testing.T) {
	ctx := context.Background()
	s, err := cas.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	linked := &repb.Directory{
		Symlinks: []*repb.SymlinkNode{{Name: "ln", Target: "/etc"}},
	}
	root := &repb.Directory{
		Directories: []*repb.DirectoryNode{
			{Name: "sub", Digest: putProto(t, s, linked)},
		},
	}
	if _, err := planInputs(ctx, s, "", root, "/sb"); err == nil {
		t.Error("planInputs accepted a symlink entry; want error")
	}
}

func TestPlanInputsMissingDigest(t *testing.T) {
	ctx := context.Background()
	s, err := cas.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	root := &repb.Directory{
		Files: []*repb.FileNode{{Name: "orphan"}},
	}
	if _, err := planInputs(ctx, s, "", root, "/sb"); err == nil {
		t.Error("planInputs accepted a file without digest; want error")
	}
}
