package jobmanager

import (
	"context"

	"github.com/cranesched/craned/internal/rcg"
	"github.com/cranesched/craned/internal/rpcapi"
	"github.com/cranesched/craned/internal/structs"
)

// SupervisorConn is the subset of a Supervisor's RPC surface the Job
// Manager drives directly (spec.md §4.3). internal/keeper's connection
// type matches this method set structurally; defined here,
// consumer-side, so the Job Manager never imports the keeper package.
type SupervisorConn interface {
	ExecuteTask(ctx context.Context, req *rpcapi.ExecuteTaskRequest) (*rpcapi.ExecuteTaskReply, error)
	ChangeTaskTimeLimit(ctx context.Context, seconds uint64) error
	TerminateTask(ctx context.Context, markOrphaned bool) error
	Terminate(ctx context.Context) error
	Close() error
}

// Launcher spawns a new Supervisor for a job and returns a connection
// to its RPC surface, per spec.md §4.5.
type Launcher interface {
	Spawn(ctx context.Context, jobID structs.JobID) (SupervisorConn, error)
}

// RCGAllocator is the subset of internal/rcg.Manager the Job Manager
// drives. A *rcg.Manager satisfies this structurally; tests supply a
// fake that never touches the real cgroup filesystem.
type RCGAllocator interface {
	Allocate(jobID structs.JobID, env structs.ResourceEnvelope, recover bool) (*rcg.Handle, error)
	Release(jobID structs.JobID) error
	EnvFor(jobID structs.JobID, env structs.ResourceEnvelope) map[string]string
}

// StatusSink is the Controller Client's queue, as seen by the Job
// Manager: enqueue for delivery, or withdraw if a job turns out to be
// orphaned after the change was queued.
type StatusSink interface {
	Enqueue(change structs.StatusChange)
	Withdraw(jobID structs.JobID)
}
