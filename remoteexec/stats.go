// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package remoteexec

import (
	"context"
	"fmt"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/benbrittain/gaudi/log"
)

var (
	actions = stats.Int64(
		"github.com/benbrittain/gaudi/remoteexec.actions",
		"executed actions",
		stats.UnitDimensionless)
	actionDuration = stats.Float64(
		"github.com/benbrittain/gaudi/remoteexec.action-duration",
		"action wall time, queue to completed",
		stats.UnitMilliseconds)

	exitStatusKey = tag.MustNewKey("exit_status")
	resultKey     = tag.MustNewKey("result")

	defaultLatencyDistribution = view.Distribution(1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 300000)

	// DefaultViews are the default views provided by this package.
	// You need to register the view for data to actually be collected.
	DefaultViews = []*view.View{
		{
			Description: "executed actions by result and exit status",
			TagKeys: []tag.Key{
				resultKey,
				exitStatusKey,
			},
			Measure:     actions,
			Aggregation: view.Count(),
		},
		{
			Description: "action wall time",
			TagKeys: []tag.Key{
				resultKey,
			},
			Measure:     actionDuration,
			Aggregation: defaultLatencyDistribution,
		},
	}
)

func resultValue(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// recordAction records one completed action.
func recordAction(ctx context.Context, err error, exitCode int32, d time.Duration) {
	rctx, terr := tag.New(ctx,
		tag.Upsert(resultKey, resultValue(err)),
		tag.Upsert(exitStatusKey, fmt.Sprintf("%d", exitCode)))
	if terr != nil {
		log.FromContext(ctx).Errorf("stats tag: %v", terr)
		return
	}
	stats.Record(rctx, actions.M(1), actionDuration.M(float64(d.Nanoseconds())/1e6))
}
