// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package frontend

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ActionCacheService is a cache that never hits: results are not
// persisted, so every lookup misses and every update is refused.
type ActionCacheService struct{}

// NewActionCacheService creates the action cache service.
func NewActionCacheService() *ActionCacheService {
	return &ActionCacheService{}
}

func (s *ActionCacheService) GetActionResult(ctx context.Context, req *repb.GetActionResultRequest) (*repb.ActionResult, error) {
	return nil, status.Error(codes.NotFound, "action cache lookups are not supported")
}

func (s *ActionCacheService) UpdateActionResult(ctx context.Context, req *repb.UpdateActionResultRequest) (*repb.ActionResult, error) {
	return nil, status.Error(codes.ResourceExhausted, "action cache updates are not supported")
}
