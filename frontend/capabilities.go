// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package frontend

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	semver "github.com/bazelbuild/remote-apis/build/bazel/semver"

	"github.com/benbrittain/gaudi/log"
)

// CapabilitiesService advertises what this worker supports: sha256
// digests and the v2.0 API surface.
type CapabilitiesService struct{}

// NewCapabilitiesService creates the capabilities service.
func NewCapabilitiesService() *CapabilitiesService {
	return &CapabilitiesService{}
}

func (s *CapabilitiesService) GetCapabilities(ctx context.Context, req *repb.GetCapabilitiesRequest) (*repb.ServerCapabilities, error) {
	log.FromContext(ctx).Infof("capabilities for instance %q", req.GetInstanceName())
	apiVersion := &semver.SemVer{Major: 2, Minor: 0, Patch: 0}
	return &repb.ServerCapabilities{
		CacheCapabilities: &repb.CacheCapabilities{
			DigestFunctions: []repb.DigestFunction_Value{repb.DigestFunction_SHA256},
			ActionCacheUpdateCapabilities: &repb.ActionCacheUpdateCapabilities{
				UpdateEnabled: true,
			},
			SymlinkAbsolutePathStrategy: repb.SymlinkAbsolutePathStrategy_DISALLOWED,
		},
		ExecutionCapabilities: &repb.ExecutionCapabilities{
			DigestFunction: repb.DigestFunction_SHA256,
			ExecEnabled:    true,
		},
		LowApiVersion:  apiVersion,
		HighApiVersion: apiVersion,
	}, nil
}
