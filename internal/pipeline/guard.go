package pipeline

import (
	"context"
	"fmt"

	"github.com/mbta/dmap-loader/internal/errs"
)

// InstanceGuard counts how many tasks matching cluster/taskGroup the
// orchestrator currently reports running. The concrete ECS-backed query
// is an external collaborator (spec.md §1 lists the "process supervisor"
// as out of scope, described only by the interface the core consumes);
// this package only defines that interface plus a default that never
// blocks a run, for environments with no orchestrator to ask.
type InstanceGuard interface {
	CountRunningTasks(ctx context.Context, cluster, taskGroup string) (int, error)
}

// NoopInstanceGuard always reports a single running task, so the guard
// never blocks a run. cmd/dmap-loader passes it to Run in every
// environment.
type NoopInstanceGuard struct{}

func (NoopInstanceGuard) CountRunningTasks(ctx context.Context, cluster, taskGroup string) (int, error) {
	return 1, nil
}

// GuardAgainstParallelInstances fails with errs.ErrParallelInstance if
// guard reports more than one task matching cluster/taskGroup already
// running, per spec.md §4.9's startup guard.
func GuardAgainstParallelInstances(ctx context.Context, guard InstanceGuard, cluster, taskGroup string) error {
	count, err := guard.CountRunningTasks(ctx, cluster, taskGroup)
	if err != nil {
		return fmt.Errorf("failed to count running tasks: %w", err)
	}
	if count > 1 {
		return fmt.Errorf("%w: %d tasks matching %s/%s", errs.ErrParallelInstance, count, cluster, taskGroup)
	}
	return nil
}
