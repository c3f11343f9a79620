// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package log provides a process wide zap logger, propagated via context.
package log

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

type contextKey struct{}

// SetZapLogger sets the process wide logger.
// It should be called once at startup, before any FromContext call.
func SetZapLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// NewZapLogger creates a new production logger.
// It emits structured json on stderr at info level and above.
func NewZapLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	return cfg.Build()
}

// NewContext returns a context with fields attached to the logger
// returned by subsequent FromContext calls.
func NewContext(ctx context.Context, fields ...zap.Field) context.Context {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if v, ok := ctx.Value(contextKey{}).(*zap.Logger); ok {
		l = v
	}
	return context.WithValue(ctx, contextKey{}, l.With(fields...))
}

// FromContext returns a logger for ctx.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if l, ok := ctx.Value(contextKey{}).(*zap.Logger); ok {
		return l.Sugar()
	}
	mu.RLock()
	defer mu.RUnlock()
	return logger.Sugar()
}
