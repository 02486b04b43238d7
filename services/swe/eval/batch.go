// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package eval

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Batch fans instances out over parallel Runner invocations. Each
// instance owns its scratch checkout and sidecar, so cross-instance
// parallelism is sound while every instance stays sequential inside.
type Batch struct {
	runner   *Runner
	parallel int
	log      *slog.Logger
}

// NewBatch builds a Batch running up to parallel instances at once.
func NewBatch(runner *Runner, parallel int, log *slog.Logger) *Batch {
	if parallel < 1 {
		parallel = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Batch{runner: runner, parallel: parallel, log: log}
}

// Process runs every instance, continuing past per-instance failures.
// It returns the number of instances whose step chain succeeded, and an
// error only when the context is canceled.
func (b *Batch) Process(ctx context.Context, instances []Instance) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallel)

	succeeded := make(chan string, len(instances))
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			result, err := b.runner.Run(ctx, inst)
			switch {
			case err != nil:
				b.log.Error("instance failed", "instance", inst.InstanceID, "error", err)
			case result == nil:
				// Already done in a previous run.
			case result.Error != "":
				b.log.Warn("instance unsolved", "instance", inst.InstanceID, "step_error", result.Error)
			default:
				b.log.Info("instance solved", "instance", inst.InstanceID)
				succeeded <- inst.InstanceID
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("batch interrupted: %w", err)
	}
	close(succeeded)
	return len(succeeded), nil
}
