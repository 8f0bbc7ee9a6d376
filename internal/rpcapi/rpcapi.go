// Package rpcapi defines the argument/reply types and method names for
// the two local net/rpc surfaces that connect the Agent to a job's
// Supervisor: the Supervisor-hosted "Supervisor.*" service (spec.md
// §4.3, §6) and the Agent-hosted "Callback.*" service that a
// Supervisor dials once to report its child's exit.
package rpcapi

import (
	"fmt"

	"github.com/cranesched/craned/internal/rcg"
	"github.com/cranesched/craned/internal/structs"
)

// SupervisorSocketPath returns the fixed per-job listen address a
// Supervisor binds and Supervisor Keeper reattaches to, per spec.md §6:
// "unix://<dir>/task_<id>.sock".
func SupervisorSocketPath(supervisorDir string, id structs.JobID) string {
	return fmt.Sprintf("%s/task_%d.sock", supervisorDir, id)
}

// SupervisorReadyFD is the ExtraFiles slot the Supervisor's readiness
// pipe write-end occupies; fd 3 is the first descriptor past stdio.
const SupervisorReadyFD = 3

// CallbackSocketPath returns the fixed address of the Agent-hosted
// "Callback.*" RPC surface a Supervisor dials once to report its
// child's exit.
func CallbackSocketPath(baseDir string) string {
	return baseDir + "/agent-callback.sock"
}

// Method names, used verbatim as the "Service.Method" argument to
// net/rpc's Client.Call and msgpackrpc.CallWithCodec.
const (
	MethodExecuteTask         = "Supervisor.ExecuteTask"
	MethodCheckTaskStatus     = "Supervisor.CheckTaskStatus"
	MethodChangeTaskTimeLimit = "Supervisor.ChangeTaskTimeLimit"
	MethodTerminateTask       = "Supervisor.TerminateTask"
	MethodTerminate           = "Supervisor.Terminate"

	MethodReportExit = "Callback.ReportExit"

	MethodConfigure          = "Controller.Configure"
	MethodCranedReady        = "Controller.CranedReady"
	MethodReportStatusChange = "Controller.ReportStatusChange"

	MethodLaunchTask      = "Craned.LaunchTask"
	MethodTerminateOnNode = "Craned.TerminateTask"
)

// ExecuteTaskRequest carries everything the Supervisor needs to launch
// its one child: the resolved environment, output paths, and
// credentials. Sent exactly once per Supervisor lifetime.
type ExecuteTaskRequest struct {
	JobID       structs.JobID
	Kind        structs.JobKind
	UID         uint32
	GID         uint32
	Cwd         string
	Env         map[string]string
	ScriptPath  string
	StdoutPath  string
	StderrPath  string
	MergeStderr bool
	Pty         bool
	TermEnv     string
	LoginShell  bool

	// TimeLimitSeconds arms the Supervisor's own local termination
	// timer (spec.md §4.3 "ChangeTaskTimeLimit adjusts the local
	// termination timer") — the Supervisor must be able to enforce it
	// unilaterally, since it has to keep working across an Agent
	// restart.
	TimeLimitSeconds uint64

	// RCG placement: the Supervisor attaches its child's pid itself,
	// between fork and exec (spec.md §4.1, §4.3), so it needs the
	// Agent's already-computed RCG mode and controller paths rather
	// than a handle into the Agent's in-process Manager.
	RCGMode  rcg.Mode
	RCGPaths map[string]string
}

type ExecuteTaskReply struct {
	OK  bool
	PID int
}

type CheckTaskStatusRequest struct {
	JobID structs.JobID
}

type CheckTaskStatusReply struct {
	OK    bool
	JobID structs.JobID
	PID   int
}

type ChangeTaskTimeLimitRequest struct {
	JobID            structs.JobID
	TimeLimitSeconds uint64
}

type ChangeTaskTimeLimitReply struct {
	OK bool
}

type TerminateTaskRequest struct {
	JobID        structs.JobID
	MarkOrphaned bool
}

type TerminateTaskReply struct {
	OK bool
}

type TerminateRequest struct {
	JobID structs.JobID
}

type TerminateReply struct {
	OK bool
}

// ReportExitRequest is what a Supervisor sends the Agent's callback
// service after its one child has been reaped.
type ReportExitRequest struct {
	JobID    structs.JobID
	PID      int
	Status   structs.ExecutionStatusKind
	ExitCode int32
	Reason   string
}

type ReportExitReply struct {
	Acknowledged bool
}

// ConfigureRequest is what the Controller Client sends CTLD on
// connect: just the node's identity (spec.md §4.6's handshake).
type ConfigureRequest struct {
	Hostname string
}

// ConfigureReply is CTLD's ConfigureCraned response: the authoritative
// view of what this node should be running.
type ConfigureReply struct {
	Jobs  map[structs.JobID]*structs.Job
	Tasks map[structs.JobID]*structs.TaskSpec
}

// CranedReadyRequest reports back the jobs CTLD believes are on this
// node but for which no Supervisor could be found (spec.md §4.6).
type CranedReadyRequest struct {
	NonexistentJobs []structs.JobID
}

type CranedReadyReply struct {
	OK bool
}

type ReportStatusChangeRequest struct {
	Change structs.StatusChange
}

type ReportStatusChangeReply struct {
	Acknowledged bool
}

// LaunchTaskRequest is what CTLD sends the Agent's "Craned.*" listen
// surface (spec.md §2's "Agent server surface", §6's Agent listen
// port) to place a new job on this node: admission and execution in
// one call, since CTLD never needs the two split.
type LaunchTaskRequest struct {
	Job *structs.Job
}

type LaunchTaskReply struct {
	OK bool
}

// TerminateOnNodeRequest asks the Agent to terminate a job CTLD
// already knows is on this node (user cancel, time-limit override from
// the controller side, ...).
type TerminateOnNodeRequest struct {
	JobID structs.JobID
}

type TerminateOnNodeReply struct {
	OK bool
}
