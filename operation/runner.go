// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package operation tracks a queued action as a stream of stage
// transitions, named by a fresh uuid.
package operation

import (
	"context"

	"github.com/google/uuid"
)

// Stage is the lifecycle position of a queued action.
type Stage int

const (
	// Queued is the initial state; it is never emitted, the stream
	// moves to Executing on the first observation.
	Queued Stage = iota
	Executing
	Completed
)

func (s Stage) String() string {
	switch s {
	case Queued:
		return "QUEUED"
	case Executing:
		return "EXECUTING"
	case Completed:
		return "COMPLETED"
	}
	return "UNKNOWN"
}

// Update is one stage transition. Result and Err are set only on the
// terminal Completed update; at most one of them is non-zero.
type Update[T any] struct {
	Stage  Stage
	Result T
	Err    error
}

// Runner queues actions for supervised execution.
type Runner struct{}

// NewRunner returns a Runner.
func NewRunner() *Runner { return &Runner{} }

// Queue starts fn and returns the operation name and its stage stream.
// The stream yields Executing exactly once, then a single terminal
// Completed update carrying fn's result or error, and is closed.
// Cancelling ctx cancels fn; the failure still arrives as the terminal
// update rather than tearing the stream down.
func Queue[T any](ctx context.Context, r *Runner, fn func(context.Context) (T, error)) (string, <-chan Update[T]) {
	name := uuid.New().String()
	ch := make(chan Update[T], 2)
	go func() {
		defer close(ch)
		ch <- Update[T]{Stage: Executing}
		result, err := fn(ctx)
		ch <- Update[T]{Stage: Completed, Result: result, Err: err}
	}()
	return name, ch
}
