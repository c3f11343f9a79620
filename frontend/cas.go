// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package frontend holds the thin RPC surfaces of the worker: the REAPI
// services that translate directly onto the content store and the
// execution pipeline.
package frontend

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/benbrittain/gaudi/cache/digestcache"
	"github.com/benbrittain/gaudi/cas"
	"github.com/benbrittain/gaudi/log"
)

// CASService implements ContentAddressableStorage. Reads and writes go
// over ByteStream; this service only answers existence queries.
type CASService struct {
	store *cas.Store
	// index is the optional digest presence index. Without it every
	// digest is reported missing, which forces clients to (re)upload
	// but is always correct.
	index *digestcache.Client
}

// NewCASService creates the CAS service. index may be nil.
func NewCASService(store *cas.Store, index *digestcache.Client) *CASService {
	return &CASService{store: store, index: index}
}

func (s *CASService) FindMissingBlobs(ctx context.Context, req *repb.FindMissingBlobsRequest) (*repb.FindMissingBlobsResponse, error) {
	if s.index == nil {
		return &repb.FindMissingBlobsResponse{
			MissingBlobDigests: req.GetBlobDigests(),
		}, nil
	}
	var missing []*repb.Digest
	for _, d := range req.GetBlobDigests() {
		ok, err := s.index.Contains(ctx, d.GetHash())
		if err != nil {
			log.FromContext(ctx).Warnf("digest index lookup %s: %v", d.GetHash(), err)
			ok = false
		}
		if !ok {
			missing = append(missing, d)
		}
	}
	return &repb.FindMissingBlobsResponse{MissingBlobDigests: missing}, nil
}

func (s *CASService) BatchUpdateBlobs(ctx context.Context, req *repb.BatchUpdateBlobsRequest) (*repb.BatchUpdateBlobsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "BatchUpdateBlobs is not supported, use ByteStream")
}

func (s *CASService) BatchReadBlobs(ctx context.Context, req *repb.BatchReadBlobsRequest) (*repb.BatchReadBlobsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "BatchReadBlobs is not supported, use ByteStream")
}

func (s *CASService) GetTree(req *repb.GetTreeRequest, stream repb.ContentAddressableStorage_GetTreeServer) error {
	return status.Error(codes.Unimplemented, "GetTree is not supported")
}
