// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package remoteexec executes REAPI actions: it expands the input tree
// out of the CAS, runs the command in a sandbox and ingests whatever it
// produced back into the CAS.
package remoteexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/ptypes"
	"golang.org/x/sync/errgroup"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"

	"github.com/benbrittain/gaudi/cas"
	"github.com/benbrittain/gaudi/log"
	"github.com/benbrittain/gaudi/sandbox"
)

// errInvalidAction marks failures the client caused: malformed records,
// missing digests, unsupported command fields. They surface as
// InvalidArgument instead of Internal.
var errInvalidAction = errors.New("invalid action")

// toolchainPaths are host paths mapped into every sandbox so compilers,
// the dynamic loader and the standard headers resolve without being part
// of the input root. Entries absent on this host are skipped: the child
// treats every mapping source as mandatory, and e.g. the x86-64 loader
// path has no counterpart on arm64 or musl hosts.
var toolchainPaths = []string{
	"/usr/bin/",
	"/usr/lib/",
	"/usr/include/",
	"/usr/local/include/",
	"/lib64/ld-linux-x86-64.so.2",
}

func hostToolchainPaths() []string {
	var paths []string
	for _, p := range toolchainPaths {
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}

// runAction executes one decoded action end to end and assembles the
// ExecuteResponse. The scratch space lives exactly as long as this call.
func (s *Service) runAction(ctx context.Context, instance string, action *repb.Action) (*repb.ExecuteResponse, error) {
	logger := log.FromContext(ctx)

	command := &repb.Command{}
	if err := s.store.Proto(ctx, instance, action.GetCommandDigest(), command); err != nil {
		return nil, err
	}
	root := &repb.Directory{}
	if err := s.store.Proto(ctx, instance, action.GetInputRootDigest(), root); err != nil {
		return nil, err
	}
	if len(command.GetOutputPaths()) > 0 {
		return nil, fmt.Errorf("%w: output_paths is set but only v2.0 output_files is supported", errInvalidAction)
	}
	if len(command.GetArguments()) == 0 {
		return nil, fmt.Errorf("%w: command has no arguments", errInvalidAction)
	}

	if action.GetTimeout() != nil {
		d, err := ptypes.Duration(action.GetTimeout())
		if err != nil {
			return nil, fmt.Errorf("%w: bad timeout: %v", errInvalidAction, err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	b, err := sandbox.New(command.GetArguments()[0])
	if err != nil {
		return nil, err
	}
	mappings, err := planInputs(ctx, s.store, instance, root, b.SandboxDir())
	if err != nil {
		b.Cleanup()
		return nil, err
	}
	logger.Infof("planned %d input mappings", len(mappings))

	b.Args(command.GetArguments()...)
	for _, ev := range command.GetEnvironmentVariables() {
		b.Env(ev.GetName(), ev.GetValue())
	}
	b.InputMappings(mappings)
	for _, p := range hostToolchainPaths() {
		b.InputPath(p)
	}
	b.OutputFiles(command.GetOutputFiles())

	proc, err := b.Spawn(ctx)
	if err != nil {
		b.Cleanup()
		return nil, err
	}
	defer proc.Cleanup()

	resp, err := proc.Wait(ctx)
	if err != nil {
		return nil, err
	}
	logger.Infof("action exited with status %d", resp.ExitStatus)
	return s.ingest(ctx, instance, b.SandboxDir(), resp)
}

// ingest stores the produced outputs and the captured std streams, and
// builds the action result. Output paths reported to the client are the
// declared relative paths, recovered by stripping the sandbox root off
// each mapping destination.
func (s *Service) ingest(ctx context.Context, instance, sandboxRoot string, resp *sandbox.Response) (*repb.ExecuteResponse, error) {
	outputFiles := make([]*repb.OutputFile, len(resp.Outputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range resp.Outputs {
		g.Go(func() error {
			d, err := s.store.AddFile(gctx, instance, m.Source)
			if err != nil {
				return err
			}
			outputFiles[i] = &repb.OutputFile{
				Path:   strings.TrimPrefix(m.Dest, sandboxRoot+"/"),
				Digest: d,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	stdoutDigest, err := s.store.AddFile(ctx, instance, resp.StdoutPath)
	if err != nil {
		return nil, err
	}
	stderrDigest, err := s.store.AddFile(ctx, instance, resp.StderrPath)
	if err != nil {
		return nil, err
	}
	s.recordDigests(ctx, outputFiles, stdoutDigest, stderrDigest)

	return &repb.ExecuteResponse{
		Result: &repb.ActionResult{
			OutputFiles:  outputFiles,
			ExitCode:     int32(resp.ExitStatus),
			StdoutDigest: stdoutDigest,
			StderrDigest: stderrDigest,
		},
		Status: &spb.Status{Code: int32(codes.OK)},
	}, nil
}

func (s *Service) recordDigests(ctx context.Context, files []*repb.OutputFile, extra ...*repb.Digest) {
	if s.index == nil {
		return
	}
	var hashes []string
	for _, f := range files {
		hashes = append(hashes, f.GetDigest().GetHash())
	}
	for _, d := range extra {
		hashes = append(hashes, d.GetHash())
	}
	if err := s.index.Put(ctx, hashes...); err != nil {
		log.FromContext(ctx).Warnf("digest index put: %v", err)
	}
}
