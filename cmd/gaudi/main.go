// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command gaudi is a remote build execution worker. It serves the
// Remote Execution API v2 on one address, backed by a local
// content-addressed store and a Linux namespace sandbox.
//
//	gaudi --addr localhost:8980 --dir /var/cache/gaudi
//
// Set REDISHOST to enable the optional digest presence index.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"go.opencensus.io/stats/view"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	lrpb "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc"

	"github.com/benbrittain/gaudi/cache/digestcache"
	"github.com/benbrittain/gaudi/cas"
	"github.com/benbrittain/gaudi/frontend"
	"github.com/benbrittain/gaudi/log"
	"github.com/benbrittain/gaudi/operation"
	"github.com/benbrittain/gaudi/remoteexec"
	"github.com/benbrittain/gaudi/sandbox"
	"github.com/benbrittain/gaudi/server"
)

var (
	addr = flag.String("addr", "", "listen address, e.g. localhost:8980")
	dir  = flag.String("dir", "", "content store root directory")
)

func main() {
	// The sandbox child re-enters through this binary; it must not
	// touch flags, logging or anything else of the worker.
	if len(os.Args) > 1 && os.Args[1] == sandbox.InitArg {
		sandbox.Init()
		return
	}

	flag.Parse()
	if *addr == "" || *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: gaudi --addr <address> --dir <path>")
		os.Exit(2)
	}

	logger, err := log.NewZapLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log.SetZapLogger(logger)

	ctx := context.Background()
	if err := run(ctx); err != nil {
		log.FromContext(ctx).Fatalf("gaudi: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	if err := view.Register(remoteexec.DefaultViews...); err != nil {
		return err
	}

	store, err := cas.New(*dir)
	if err != nil {
		return err
	}
	logger.Infof("content store at %s", store.Root())

	var index *digestcache.Client
	if redisAddr, err := digestcache.AddrFromEnv(); err == nil {
		index = digestcache.NewClient(ctx, redisAddr, digestcache.Opts{
			Prefix:         "digest:",
			MaxIdleConns:   digestcache.DefaultMaxIdleConns,
			MaxActiveConns: digestcache.DefaultMaxActiveConns,
		})
		defer index.Close()
		logger.Infof("digest index on redis %s", redisAddr)
	} else {
		logger.Infof("no digest index: %v", err)
	}

	runner := operation.NewRunner()

	s := grpc.NewServer(server.DefaultServerOption()...)
	repb.RegisterExecutionServer(s, remoteexec.NewService(store, runner, index))
	repb.RegisterContentAddressableStorageServer(s, frontend.NewCASService(store, index))
	repb.RegisterActionCacheServer(s, frontend.NewActionCacheService())
	repb.RegisterCapabilitiesServer(s, frontend.NewCapabilitiesService())
	bspb.RegisterByteStreamServer(s, frontend.NewByteStreamService(store, index))
	lrpb.RegisterOperationsServer(s, frontend.NewOperationsService())

	logger.Info("serving")
	return server.Serve(ctx, *addr, s)
}
