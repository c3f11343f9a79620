// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package frontend

import (
	"context"
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/testing/protocmp"

	"github.com/benbrittain/gaudi/cache/digestcache"
	"github.com/benbrittain/gaudi/cas"
)

func TestFindMissingBlobsWithoutIndex(t *testing.T) {
	store, err := cas.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := NewCASService(store, nil)

	digests := []*repb.Digest{
		{Hash: "aa", SizeBytes: 1},
		{Hash: "bb", SizeBytes: 2},
	}
	resp, err := s.FindMissingBlobs(context.Background(), &repb.FindMissingBlobsRequest{
		BlobDigests: digests,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Without an index every digest is reported missing.
	if diff := cmp.Diff(digests, resp.GetMissingBlobDigests(), protocmp.Transform()); diff != "" {
		t.Errorf("missing diff (-want +got):\n%s", diff)
	}
}

func TestFindMissingBlobsWithIndex(t *testing.T) {
	ctx := context.Background()
	store, err := cas.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fake := digestcache.NewFakeServer(t)
	index := digestcache.NewClient(ctx, fake.Addr().String(), digestcache.Opts{
		MaxIdleConns:   digestcache.DefaultMaxIdleConns,
		MaxActiveConns: digestcache.DefaultMaxActiveConns,
	})
	defer index.Close()
	if err := index.Put(ctx, "aa"); err != nil {
		t.Fatal(err)
	}

	s := NewCASService(store, index)
	resp, err := s.FindMissingBlobs(ctx, &repb.FindMissingBlobsRequest{
		BlobDigests: []*repb.Digest{
			{Hash: "aa", SizeBytes: 1},
			{Hash: "bb", SizeBytes: 2},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []*repb.Digest{{Hash: "bb", SizeBytes: 2}}
	if diff := cmp.Diff(want, resp.GetMissingBlobDigests(), protocmp.Transform()); diff != "" {
		t.Errorf("missing diff (-want +got):\n%s", diff)
	}
}
