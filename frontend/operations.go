// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package frontend

import (
	"context"

	lrpb "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// OperationsService exists so clients probing the Operations API get a
// clean Unimplemented instead of a transport error. Operations are only
// observable through the Execute stream that created them.
type OperationsService struct{}

// NewOperationsService creates the operations service.
func NewOperationsService() *OperationsService {
	return &OperationsService{}
}

func (s *OperationsService) ListOperations(ctx context.Context, req *lrpb.ListOperationsRequest) (*lrpb.ListOperationsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "ListOperations is not supported")
}

func (s *OperationsService) GetOperation(ctx context.Context, req *lrpb.GetOperationRequest) (*lrpb.Operation, error) {
	return nil, status.Error(codes.Unimplemented, "GetOperation is not supported")
}

func (s *OperationsService) DeleteOperation(ctx context.Context, req *lrpb.DeleteOperationRequest) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "DeleteOperation is not supported")
}

func (s *OperationsService) CancelOperation(ctx context.Context, req *lrpb.CancelOperationRequest) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "CancelOperation is not supported")
}

func (s *OperationsService) WaitOperation(ctx context.Context, req *lrpb.WaitOperationRequest) (*lrpb.Operation, error) {
	return nil, status.Error(codes.Unimplemented, "WaitOperation is not supported")
}
