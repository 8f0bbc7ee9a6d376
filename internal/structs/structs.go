// Package structs holds the data model shared across the Agent's
// components: jobs, tasks, resource envelopes and terminal status.
package structs

import "fmt"

// JobID is the cluster-assigned job identifier.
type JobID uint32

// JobKind distinguishes the one-of {Batch, InteractiveCrun, InteractiveCalloc}.
type JobKind int

const (
	Batch JobKind = iota
	InteractiveCrun
	InteractiveCalloc
)

func (k JobKind) String() string {
	switch k {
	case Batch:
		return "Batch"
	case InteractiveCrun:
		return "InteractiveCrun"
	case InteractiveCalloc:
		return "InteractiveCalloc"
	default:
		return "Unknown"
	}
}

// DedicatedDevice is one allocated slot, e.g. a GPU device file.
type DedicatedDevice struct {
	SlotType string // e.g. "GPU", "NIC"
	SlotID   string // opaque slot identifier, e.g. a device-file path
	Major    uint32
	Minor    uint32
	DevType  DeviceType
}

type DeviceType int

const (
	DeviceChar DeviceType = iota
	DeviceBlock
	DeviceAny
)

// ResourceEnvelope is a job's resource allocation.
type ResourceEnvelope struct {
	CPUCores     float64 // fractional cores
	MemoryLimit  uint64  // bytes
	SwapLimit    uint64  // bytes, 0 == unset
	HasSwapLimit bool
	Devices      []DedicatedDevice
}

// BatchSpec carries the script body and output path patterns for a
// Batch job.
type BatchSpec struct {
	ScriptBody    string
	StdoutPattern string
	StderrPattern string
}

// CrunSpec carries interactive terminal options for InteractiveCrun.
type CrunSpec struct {
	Pty         bool
	TermEnv     string
	FanoutName  string
}

// Job is the cluster's admission record for one job on this node.
type Job struct {
	ID          JobID
	Envelope    ResourceEnvelope
	UID         uint32
	GID         uint32
	Username    string
	Cwd         string
	Env         map[string]string
	TimeLimit   uint64 // seconds; 0 means "already exceeded"
	Kind        JobKind
	JobName     string
	Account     string
	Partition   string
	QOS         string
	NodeList    string
	Excludes    string
	GetUserEnv  bool

	Batch BatchSpec
	Crun  CrunSpec
}

// TaskSpec describes the single task carried by a Job (currently always
// one-per-job).
type TaskSpec struct {
	ScriptPath string // for Batch: <scriptdir>/Crane-<jobid>.sh
}

// ExecutionStatusKind is the terminal classification of a reaped child.
type ExecutionStatusKind int

const (
	StatusRunning ExecutionStatusKind = iota
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusExceedTimeLimit
)

func (s ExecutionStatusKind) String() string {
	switch s {
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	case StatusExceedTimeLimit:
		return "ExceedTimeLimit"
	default:
		return "Unknown"
	}
}

// StatusChange is what the Controller Client queues and delivers to CTLD.
type StatusChange struct {
	JobID    JobID
	Status   ExecutionStatusKind
	ExitCode int32
	Reason   string // craneerr.Kind, verbatim, when the status is synthetic
}

// TerminateReason is why a job is being torn down.
type TerminateReason int

const (
	TerminateUserCancel TerminateReason = iota
	TerminateMarkOrphaned
	TerminateTimeout
	TerminateAgentShutdown
	TerminateSpawnFailure
	TerminateUnknownToController
)

func (r TerminateReason) String() string {
	switch r {
	case TerminateUserCancel:
		return "UserCancel"
	case TerminateMarkOrphaned:
		return "MarkOrphaned"
	case TerminateTimeout:
		return "Timeout"
	case TerminateAgentShutdown:
		return "AgentShutdown"
	case TerminateSpawnFailure:
		return "SpawnFailure"
	case TerminateUnknownToController:
		return "UnknownToController"
	default:
		return "Unknown"
	}
}

// ScriptPath returns the canonical path of a batch job's generated
// shell script.
func ScriptPath(scriptDir string, id JobID) string {
	return fmt.Sprintf("%s/Crane-%d.sh", scriptDir, id)
}

// RCGName returns the canonical resource-control-group name for a job.
func RCGName(id JobID) string {
	return fmt.Sprintf("Crane_Task_%d", id)
}
