// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package operation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func drain[T any](t *testing.T, ch <-chan Update[T]) []Update[T] {
	t.Helper()
	var got []Update[T]
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, u)
		case <-timeout:
			t.Fatalf("stream did not terminate, got %d updates", len(got))
		}
	}
}

func TestQueueStages(t *testing.T) {
	r := NewRunner()
	name, ch := Queue(context.Background(), r, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if name == "" {
		t.Error("empty operation name")
	}

	got := drain(t, ch)
	if len(got) != 2 {
		t.Fatalf("got %d updates; want 2", len(got))
	}
	if got[0].Stage != Executing {
		t.Errorf("first stage = %v; want Executing", got[0].Stage)
	}
	if got[1].Stage != Completed || got[1].Result != 42 || got[1].Err != nil {
		t.Errorf("terminal update = %+v; want Completed(42)", got[1])
	}
}

func TestQueueUniqueNames(t *testing.T) {
	r := NewRunner()
	fn := func(ctx context.Context) (struct{}, error) { return struct{}{}, nil }
	a, cha := Queue(context.Background(), r, fn)
	b, chb := Queue(context.Background(), r, fn)
	if a == b {
		t.Errorf("duplicate operation name %s", a)
	}
	drain(t, cha)
	drain(t, chb)
}

func TestQueueError(t *testing.T) {
	r := NewRunner()
	boom := errors.New("boom")
	_, ch := Queue(context.Background(), r, func(ctx context.Context) (int, error) {
		return 0, boom
	})

	got := drain(t, ch)
	last := got[len(got)-1]
	if last.Stage != Completed {
		t.Errorf("terminal stage = %v; want Completed", last.Stage)
	}
	if !errors.Is(last.Err, boom) {
		t.Errorf("terminal err = %v; want boom", last.Err)
	}
}

func TestQueueCancellation(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	_, ch := Queue(ctx, r, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	cancel()

	got := drain(t, ch)
	last := got[len(got)-1]
	if !errors.Is(last.Err, context.Canceled) {
		t.Errorf("terminal err = %v; want context.Canceled", last.Err)
	}
}
