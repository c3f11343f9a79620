// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package frontend

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/benbrittain/gaudi/cache/digestcache"
	"github.com/benbrittain/gaudi/cas"
	"github.com/benbrittain/gaudi/log"
)

// ByteStreamService moves whole blobs in and out of the content store.
type ByteStreamService struct {
	store *cas.Store
	index *digestcache.Client
}

// NewByteStreamService creates the bytestream service. index may be nil.
func NewByteStreamService(store *cas.Store, index *digestcache.Client) *ByteStreamService {
	return &ByteStreamService{store: store, index: index}
}

// readResource is a parsed "<instance>/blobs/<hash>/<size>" name.
type readResource struct {
	instance string
	hash     string
	size     int64
}

func parseReadResource(name string) (readResource, error) {
	segs := strings.Split(name, "/")
	// The instance name may be empty or contain slashes, so anchor on
	// the "blobs" keyword.
	for i := 0; i+2 < len(segs); i++ {
		if segs[i] != "blobs" {
			continue
		}
		size, err := strconv.ParseInt(segs[i+2], 10, 64)
		if err != nil {
			return readResource{}, fmt.Errorf("bad size %q", segs[i+2])
		}
		return readResource{
			instance: strings.Join(segs[:i], "/"),
			hash:     segs[i+1],
			size:     size,
		}, nil
	}
	return readResource{}, fmt.Errorf("resource %q is not <instance>/blobs/<hash>/<size>", name)
}

// writeResource is a parsed
// "<instance>/uploads/<uuid>/blobs/<hash>/<size>" name.
type writeResource struct {
	instance string
	uploadID uuid.UUID
	hash     string
	size     int64
}

func parseWriteResource(name string) (writeResource, error) {
	segs := strings.Split(name, "/")
	for i := 0; i+4 < len(segs); i++ {
		if segs[i] != "uploads" || segs[i+2] != "blobs" {
			continue
		}
		id, err := uuid.Parse(segs[i+1])
		if err != nil {
			return writeResource{}, fmt.Errorf("not a valid uuid: %q", segs[i+1])
		}
		size, err := strconv.ParseInt(segs[i+4], 10, 64)
		if err != nil {
			return writeResource{}, fmt.Errorf("bad size %q", segs[i+4])
		}
		return writeResource{
			instance: strings.Join(segs[:i], "/"),
			uploadID: id,
			hash:     segs[i+3],
			size:     size,
		}, nil
	}
	return writeResource{}, fmt.Errorf("resource %q is not <instance>/uploads/<uuid>/blobs/<hash>/<size>", name)
}

// Read streams a blob back to the client. The whole blob goes out as a
// single response; blobs here are build artifacts, not media.
func (s *ByteStreamService) Read(req *bspb.ReadRequest, stream bspb.ByteStream_ReadServer) error {
	ctx := stream.Context()
	res, err := parseReadResource(req.GetResourceName())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if req.GetReadOffset() != 0 || req.GetReadLimit() != 0 {
		return status.Error(codes.Unimplemented, "partial reads are not supported")
	}
	data, err := s.store.ReadAll(ctx, res.instance, res.hash)
	if err != nil {
		log.FromContext(ctx).Errorf("read %s: %v", res.hash, err)
		return status.Error(codes.NotFound, "blob not found")
	}
	return stream.Send(&bspb.ReadResponse{Data: data})
}

// Write accepts a single-shot upload and commits it to the store.
func (s *ByteStreamService) Write(stream bspb.ByteStream_WriteServer) error {
	ctx := stream.Context()
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	res, err := parseWriteResource(req.GetResourceName())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	n, err := s.store.WriteData(ctx, res.instance, res.uploadID, res.hash,
		res.size, req.GetWriteOffset(), req.GetFinishWrite(), req.GetData())
	if err != nil {
		log.FromContext(ctx).Errorf("write %s: %v", res.hash, err)
		return status.Error(codes.InvalidArgument, "content store could not write data")
	}
	if s.index != nil {
		if err := s.index.Put(ctx, res.hash); err != nil {
			log.FromContext(ctx).Warnf("digest index put %s: %v", res.hash, err)
		}
	}
	return stream.SendAndClose(&bspb.WriteResponse{CommittedSize: n})
}

func (s *ByteStreamService) QueryWriteStatus(ctx context.Context, req *bspb.QueryWriteStatusRequest) (*bspb.QueryWriteStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "QueryWriteStatus is not supported")
}
