package jobmanager

import (
	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/rcg"
	"github.com/cranesched/craned/internal/structs"
)

// Execution is one running child of a JobInstance (spec.md §3). A Job
// currently ever has at most one.
type Execution struct {
	PID        int
	StdoutPath string
	StderrPath string
	ScriptPath string
}

// JobInstance is a Job plus its owned RCG handle and live children,
// per spec.md §3. Created on admission, destroyed once the last child
// has been reaped and the terminal status change has been handed to
// the Controller Client's queue.
//
// Every field here is touched only by the Manager's run loop goroutine;
// that single-owner discipline is the Go equivalent of the mutex the
// source guards this state with (spec.md §5).
type JobInstance struct {
	Job   *structs.Job
	RCG   *rcg.Handle
	Execs map[int]*Execution

	Orphaned bool

	// ErrBeforeExec records which pre-exec step failed (unknown user,
	// script write, Supervisor spawn, ExecuteTask rejection) so the
	// synthetic Failed status change execute() delivers on that path
	// carries the right reason string (spec.md §7, §8).
	ErrBeforeExec craneerr.Kind

	conn     SupervisorConn
	reported bool
}
