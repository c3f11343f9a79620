// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package remoteexec

import (
	"context"
	"errors"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/ptypes"
	lrpb "google.golang.org/genproto/googleapis/longrunning"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/benbrittain/gaudi/cache/digestcache"
	"github.com/benbrittain/gaudi/cas"
	"github.com/benbrittain/gaudi/log"
	"github.com/benbrittain/gaudi/operation"
)

// Service implements the REAPI Execution service against a local CAS and
// the namespace sandbox.
type Service struct {
	store  *cas.Store
	runner *operation.Runner
	// index is the optional digest presence index; nil disables it.
	index *digestcache.Client
}

// NewService creates an execution service. index may be nil.
func NewService(store *cas.Store, runner *operation.Runner, index *digestcache.Client) *Service {
	return &Service{store: store, runner: runner, index: index}
}

// Execute runs an action and streams its operation states. The stream
// carries non-terminal updates with done=false and a final update with
// either the packed ExecuteResponse or an error status.
func (s *Service) Execute(req *repb.ExecuteRequest, stream repb.Execution_ExecuteServer) error {
	ctx := stream.Context()
	logger := log.FromContext(ctx)

	actionDigest := req.GetActionDigest()
	if actionDigest == nil {
		return status.Error(codes.InvalidArgument, "no action digest")
	}
	instance := req.GetInstanceName()

	action := &repb.Action{}
	if err := s.store.Proto(ctx, instance, actionDigest, action); err != nil {
		logger.Errorf("load action %s: %v", actionDigest.GetHash(), err)
		return status.Error(codes.InvalidArgument, "bad action proto")
	}
	if action.GetCommandDigest() == nil {
		return status.Error(codes.InvalidArgument, "invalid action: no command digest")
	}
	if action.GetInputRootDigest() == nil {
		return status.Error(codes.InvalidArgument, "invalid action: no input root digest")
	}

	start := time.Now()
	name, updates := operation.Queue(ctx, s.runner, func(ctx context.Context) (*repb.ExecuteResponse, error) {
		return s.runAction(ctx, instance, action)
	})
	logger.Infof("queued operation %s for action %s", name, actionDigest.GetHash())

	for u := range updates {
		op, exitCode, err := s.operationFor(name, actionDigest, u)
		if err != nil {
			return err
		}
		if u.Stage == operation.Completed {
			recordAction(ctx, u.Err, exitCode, time.Since(start))
		}
		if err := stream.Send(op); err != nil {
			return err
		}
	}
	return nil
}

// operationFor translates a stage update into the wire operation record.
func (s *Service) operationFor(name string, actionDigest *repb.Digest, u operation.Update[*repb.ExecuteResponse]) (*lrpb.Operation, int32, error) {
	op := &lrpb.Operation{Name: name}
	if u.Stage != operation.Completed {
		return op, 0, nil
	}
	op.Done = true
	if u.Err != nil {
		// Client-visible messages stay generic; details, which may
		// mention host paths, go to the server log only.
		log.FromContext(context.Background()).Errorf("operation %s failed: %v", name, u.Err)
		op.Result = &lrpb.Operation_Error{Error: &spb.Status{
			Code:    int32(errCode(u.Err)),
			Message: "action execution failed",
		}}
		return op, 0, nil
	}
	metadata, err := ptypes.MarshalAny(&repb.ExecuteOperationMetadata{
		Stage:        repb.ExecutionStage_COMPLETED,
		ActionDigest: actionDigest,
	})
	if err != nil {
		return nil, 0, err
	}
	resp, err := ptypes.MarshalAny(u.Result)
	if err != nil {
		return nil, 0, err
	}
	op.Metadata = metadata
	op.Result = &lrpb.Operation_Response{Response: resp}
	return op, u.Result.GetResult().GetExitCode(), nil
}

func errCode(err error) codes.Code {
	switch {
	case errors.Is(err, errInvalidAction), errors.Is(err, cas.ErrInvalidProto):
		return codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}

// WaitExecution is not supported; operations do not outlive the Execute
// stream that started them.
func (s *Service) WaitExecution(req *repb.WaitExecutionRequest, stream repb.Execution_WaitExecutionServer) error {
	return status.Error(codes.Unimplemented, "WaitExecution is not supported")
}
