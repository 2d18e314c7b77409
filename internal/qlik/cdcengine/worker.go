package cdcengine

import "runtime"

// WorkerCount returns the CDC download worker-pool size. The spec's
// "min(2*cpu, cpu), depending on whether the loader runs in a hosted
// environment" resolves to 2*cpu when running on an operator's own
// machine and to a single cpu's worth of workers under a hosted/ECS task,
// where CPU shares are typically fractional and oversubscribing hurts
// more than it helps. Grounded on the teacher's backfill configs, which
// take an explicit MaxConcurrency rather than always maxing out
// runtime.NumCPU() (admin/internal/admin backfill configuration).
func WorkerCount(hosted bool) int {
	n := runtime.NumCPU()
	if hosted {
		return n
	}
	return n * 2
}
