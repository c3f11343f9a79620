// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package server provides the shared grpc plumbing: server options with
// opencensus stats, and dial helpers for clients and tests.
package server

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opencensus.io/plugin/ocgrpc"
	"google.golang.org/grpc"
	_ "google.golang.org/grpc/encoding/gzip" // also register compressor for server side
	"google.golang.org/grpc/keepalive"

	"github.com/benbrittain/gaudi/log"
)

// DefaultServerOption is the default server option to record opencensus
// stats and keep clients from flooding keepalives.
func DefaultServerOption() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(&ocgrpc.ServerHandler{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: false,
		}),
	}
}

// DefaultDialOption is the default dial option to record opencensus
// stats and traces.
func DefaultDialOption() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithInsecure(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.WithStatsHandler(&ocgrpc.ClientHandler{}),
	}
}

// DialContext dials to addr with default dial options.
func DialContext(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append(opts, DefaultDialOption()...)
	return grpc.DialContext(ctx, addr, opts...)
}

// Serve listens on addr and serves s until the context is cancelled or
// the process receives SIGINT/SIGTERM, then stops gracefully.
func Serve(ctx context.Context, addr string, s *grpc.Server) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger := log.FromContext(ctx)
	logger.Infof("listening on %s", ln.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case v := <-sig:
			logger.Infof("received %v, shutting down", v)
		case <-ctx.Done():
		}
		s.GracefulStop()
	}()

	return s.Serve(ln)
}
